package api

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/illegalcall/skillchat/internal/chat"
	"github.com/illegalcall/skillchat/internal/config"
	"github.com/illegalcall/skillchat/internal/ledger"
	"github.com/illegalcall/skillchat/internal/models"
)

type ChatService interface {
	Handle(ctx context.Context, customerID string, req models.ChatRequest) (*models.ChatResult, error)
}

type CreditLedger interface {
	GetBalance(ctx context.Context, customerID string) (int64, error)
	History(ctx context.Context, customerID string, limit int) ([]models.CreditTransaction, error)
	Credit(ctx context.Context, req ledger.CreditRequest) (*ledger.CreditResult, error)
	OpenAccount(ctx context.Context, customerID string, openingCredits int64) (*models.CustomerBalance, bool, error)
}

type ConversationReader interface {
	GetByID(ctx context.Context, id string) (*models.Conversation, error)
	ListByCustomer(ctx context.Context, customerID string, limit, offset int) ([]models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]models.Message, error)
}

type PricingCatalog interface {
	ListActive(ctx context.Context) ([]models.ModelPricing, error)
	Upsert(ctx context.Context, entry models.ModelPricing) (*models.ModelPricing, error)
	SetActive(ctx context.Context, modelName string, active bool) error
}

// Services are the collaborators behind the HTTP surface.
type Services struct {
	Chat          ChatService
	Ledger        CreditLedger
	Conversations ConversationReader
	Pricing       PricingCatalog
}

type Server struct {
	app           *fiber.App
	cfg           *config.Config
	chat          ChatService
	ledger        CreditLedger
	conversations ConversationReader
	pricing       PricingCatalog
	logger        *slog.Logger
}

func NewServer(cfg *config.Config, services Services, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				code = fiberErr.Code
			}
			return c.Status(code).JSON(models.APIResponse{Error: err.Error()})
		},
	})

	// Middleware
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${ip} ${method} ${path} ${status} ${latency}\n",
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.Server.MaxRequests,
		Expiration: cfg.Server.RequestWindow,
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == "/metrics"
		},
		LimitReached: func(c *fiber.Ctx) error {
			return fail(c, fiber.StatusTooManyRequests, "Too many requests")
		},
	}))

	server := &Server{
		app:           app,
		cfg:           cfg,
		chat:          services.Chat,
		ledger:        services.Ledger,
		conversations: services.Conversations,
		pricing:       services.Pricing,
		logger:        log,
	}

	// Routes
	server.setupRoutes()

	return server
}

func (s *Server) setupRoutes() {
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := s.app.Group("/api")

	// Public routes
	api.Get("/models", s.handleListModels)

	// Protected routes
	protected := api.Use(s.jwtMiddleware(), s.identify)
	protected.Post("/chat", s.handleChat)
	protected.Get("/credits", s.handleGetCredits)
	protected.Get("/credits/history", s.handleCreditHistory)
	protected.Get("/conversations", s.handleListConversations)
	protected.Get("/conversations/:id/messages", s.handleListMessages)

	admin := api.Group("/admin", s.requireAdmin)
	admin.Put("/models/:name", s.handleUpsertModel)
	admin.Post("/models/:name/deactivate", s.handleDeactivateModel)
	admin.Post("/customers/:id", s.handleOpenAccount)
	admin.Post("/credits/:customerId", s.handleGrantCredits)
}

func (s *Server) Start() error {
	return s.app.Listen(s.cfg.Server.Port)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func ok(c *fiber.Ctx, status int, data interface{}) error {
	return c.Status(status).JSON(models.APIResponse{Success: true, Data: data})
}

func fail(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(models.APIResponse{Error: message})
}

// chatError maps the orchestrator's error taxonomy onto a status code and a
// message that is safe to show the customer.
func chatError(err error) (int, string) {
	var insufficient *chat.InsufficientCreditsError
	var rejected *chat.DebitRejectedError

	switch {
	case errors.Is(err, chat.ErrInvalidRequest):
		return fiber.StatusBadRequest, err.Error()
	case errors.Is(err, chat.ErrModelNotFound):
		return fiber.StatusBadRequest, chat.ErrModelNotFound.Error()
	case errors.As(err, &insufficient):
		return fiber.StatusBadRequest, insufficient.Error()
	case errors.Is(err, chat.ErrConversationForbidden):
		return fiber.StatusForbidden, chat.ErrConversationForbidden.Error()
	case errors.As(err, &rejected):
		return fiber.StatusBadRequest, rejected.Error()
	case errors.Is(err, chat.ErrSkillUnavailable):
		return fiber.StatusServiceUnavailable, chat.ErrSkillUnavailable.Error()
	default:
		return fiber.StatusInternalServerError, chat.ErrInternal.Error()
	}
}
