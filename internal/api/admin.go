package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/illegalcall/skillchat/internal/ledger"
	"github.com/illegalcall/skillchat/internal/models"
	"github.com/illegalcall/skillchat/internal/pricing"
)

type upsertModelRequest struct {
	DisplayName string `json:"display_name"`
	CreditsCost int64  `json:"credits_cost"`
	IsActive    *bool  `json:"is_active"`
}

type openAccountRequest struct {
	Credits int64 `json:"credits"`
}

type grantCreditsRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (s *Server) handleListModels(c *fiber.Ctx) error {
	entries, err := s.pricing.ListActive(c.UserContext())
	if err != nil {
		s.logger.Error("Failed to list models", "error", err)
		return fail(c, fiber.StatusInternalServerError, "Failed to list models")
	}
	return ok(c, fiber.StatusOK, entries)
}

func (s *Server) handleUpsertModel(c *fiber.Ctx) error {
	var req upsertModelRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if req.CreditsCost < 0 {
		return fail(c, fiber.StatusBadRequest, "credits_cost must not be negative")
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	saved, err := s.pricing.Upsert(c.UserContext(), models.ModelPricing{
		ModelName:   c.Params("name"),
		DisplayName: req.DisplayName,
		CreditsCost: req.CreditsCost,
		IsActive:    active,
	})
	if err != nil {
		s.logger.Error("Failed to save model pricing", "model", c.Params("name"), "error", err)
		return fail(c, fiber.StatusInternalServerError, "Failed to save model pricing")
	}
	return ok(c, fiber.StatusOK, saved)
}

func (s *Server) handleDeactivateModel(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := s.pricing.SetActive(c.UserContext(), name, false); err != nil {
		if errors.Is(err, pricing.ErrModelNotFound) {
			return fail(c, fiber.StatusNotFound, "Model not found")
		}
		s.logger.Error("Failed to deactivate model", "model", name, "error", err)
		return fail(c, fiber.StatusInternalServerError, "Failed to deactivate model")
	}
	return ok(c, fiber.StatusOK, fiber.Map{"model_name": name, "is_active": false})
}

// handleOpenAccount creates the balance row for a newly registered customer.
func (s *Server) handleOpenAccount(c *fiber.Ctx) error {
	var req openAccountRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if req.Credits < 0 {
		return fail(c, fiber.StatusBadRequest, "credits must not be negative")
	}

	id := c.Params("id")
	account, created, err := s.ledger.OpenAccount(c.UserContext(), id, req.Credits)
	if err != nil {
		s.logger.Error("Failed to open account", "customer_id", id, "error", err)
		return fail(c, fiber.StatusInternalServerError, "Failed to open account")
	}
	if !created {
		s.logger.Info("Account already exists", "customer_id", id)
		return c.Status(fiber.StatusConflict).JSON(models.APIResponse{
			Data:  account,
			Error: "Account already exists for this customer",
		})
	}

	s.logger.Info("Account opened", "customer_id", id, "credits", account.Credits)
	return ok(c, fiber.StatusCreated, account)
}

func (s *Server) handleGrantCredits(c *fiber.Ctx) error {
	var req grantCreditsRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if req.Amount <= 0 {
		return fail(c, fiber.StatusBadRequest, "amount must be positive")
	}
	if req.Reason == "" {
		req.Reason = "admin grant"
	}

	id := c.Params("customerId")
	result, err := s.ledger.Credit(c.UserContext(), ledger.CreditRequest{
		CustomerID: id,
		Amount:     req.Amount,
		Reason:     req.Reason,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrCustomerNotFound) {
			return fail(c, fiber.StatusNotFound, "Customer not found")
		}
		s.logger.Error("Failed to grant credits", "customer_id", id, "error", err)
		return fail(c, fiber.StatusInternalServerError, "Failed to grant credits")
	}
	return ok(c, fiber.StatusOK, result)
}
