package api

import (
	"github.com/gofiber/fiber/v2"
)

func (s *Server) handleGetCredits(c *fiber.Ctx) error {
	id := customerID(c)
	credits, err := s.ledger.GetBalance(c.UserContext(), id)
	if err != nil {
		s.logger.Error("Failed to read balance", "customer_id", id, "error", err)
		return fail(c, fiber.StatusInternalServerError, "Failed to read balance")
	}
	return ok(c, fiber.StatusOK, fiber.Map{
		"customer_id": id,
		"credits":     credits,
	})
}

func (s *Server) handleCreditHistory(c *fiber.Ctx) error {
	id := customerID(c)
	history, err := s.ledger.History(c.UserContext(), id, c.QueryInt("limit", 20))
	if err != nil {
		s.logger.Error("Failed to read credit history", "customer_id", id, "error", err)
		return fail(c, fiber.StatusInternalServerError, "Failed to read credit history")
	}
	return ok(c, fiber.StatusOK, history)
}
