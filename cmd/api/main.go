package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/illegalcall/skillchat/internal/api"
	"github.com/illegalcall/skillchat/internal/chat"
	"github.com/illegalcall/skillchat/internal/config"
	"github.com/illegalcall/skillchat/internal/conversation"
	"github.com/illegalcall/skillchat/internal/events"
	"github.com/illegalcall/skillchat/internal/ledger"
	"github.com/illegalcall/skillchat/internal/pricing"
	"github.com/illegalcall/skillchat/internal/skill"
	"github.com/illegalcall/skillchat/pkg/database"
	"github.com/illegalcall/skillchat/pkg/kafka"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "skillchat-api")
	slog.SetDefault(logger)

	// Load configuration
	cfg := config.LoadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database clients
	clients, err := database.NewClients(ctx, cfg.Database.URL, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Error("Failed to initialize database clients", "error", err)
		os.Exit(1)
	}
	defer clients.Close()
	if err := clients.EnsureSchema(ctx); err != nil {
		logger.Error("Failed to prepare schema", "error", err)
		os.Exit(1)
	}
	logger.Info("✅ Connected to databases")

	// Initialize Kafka producer
	producer, err := kafka.NewProducer(cfg.Kafka.Broker, cfg.Kafka.RetryMax, cfg.Kafka.RetryBackoff)
	if err != nil {
		logger.Error("Failed to create Kafka producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()
	logger.Info("✅ Connected to Kafka")

	publisher := events.NewPublisher(producer, cfg.Kafka.LedgerTopic, cfg.Kafka.AlarmTopic, logger)
	catalog := pricing.NewCatalog(clients.DB, clients.Redis, cfg.Pricing.CacheTTL, logger)
	credits := ledger.New(clients.DB, publisher, logger)
	store := conversation.NewStore(clients.DB)
	skills := skill.NewClient(cfg.Skill.BaseURL, cfg.Skill.APIKey, cfg.Skill.Timeout, logger)

	orchestrator := chat.New(catalog, credits, store, skills, publisher, chat.Options{
		DefaultModel:  cfg.Chat.DefaultModel,
		TitleLength:   cfg.Chat.TitleLength,
		HistoryWindow: cfg.Skill.HistoryWindow,
	}, logger)

	server := api.NewServer(cfg, api.Services{
		Chat:          orchestrator,
		Ledger:        credits,
		Conversations: store,
		Pricing:       catalog,
	}, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()
	logger.Info("API listening", "port", cfg.Server.Port, "environment", cfg.Server.Environment)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown failed", "error", err)
		}
	}
}
