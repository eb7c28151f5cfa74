package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/illegalcall/skillchat/internal/models"
)

func (s *Server) handleChat(c *fiber.Ctx) error {
	var req models.ChatRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid request body")
	}

	result, err := s.chat.Handle(c.UserContext(), customerID(c), req)
	if err != nil {
		status, message := chatError(err)
		return fail(c, status, message)
	}
	return ok(c, fiber.StatusOK, result)
}
