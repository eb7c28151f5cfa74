package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/illegalcall/skillchat/internal/chat"
	"github.com/illegalcall/skillchat/internal/conversation"
)

func (s *Server) handleListConversations(c *fiber.Ctx) error {
	id := customerID(c)
	conversations, err := s.conversations.ListByCustomer(c.UserContext(), id, c.QueryInt("limit", 20), c.QueryInt("offset", 0))
	if err != nil {
		s.logger.Error("Failed to list conversations", "customer_id", id, "error", err)
		return fail(c, fiber.StatusInternalServerError, "Failed to list conversations")
	}
	return ok(c, fiber.StatusOK, conversations)
}

// handleListMessages answers 403 for both foreign and unknown conversations,
// so ids belonging to other customers cannot be probed.
func (s *Server) handleListMessages(c *fiber.Ctx) error {
	conv, err := s.conversations.GetByID(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return fail(c, fiber.StatusForbidden, chat.ErrConversationForbidden.Error())
		}
		s.logger.Error("Failed to load conversation", "conversation_id", c.Params("id"), "error", err)
		return fail(c, fiber.StatusInternalServerError, "Failed to load conversation")
	}
	if conv.CustomerID != customerID(c) {
		return fail(c, fiber.StatusForbidden, chat.ErrConversationForbidden.Error())
	}

	messages, err := s.conversations.ListMessages(c.UserContext(), conv.ID, c.QueryInt("limit", 50), c.QueryInt("offset", 0))
	if err != nil {
		s.logger.Error("Failed to list messages", "conversation_id", conv.ID, "error", err)
		return fail(c, fiber.StatusInternalServerError, "Failed to list messages")
	}
	return ok(c, fiber.StatusOK, fiber.Map{
		"conversation": conv,
		"messages":     messages,
	})
}
