package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/robfig/cron/v3"

	"github.com/illegalcall/skillchat/internal/alert"
	"github.com/illegalcall/skillchat/internal/config"
	"github.com/illegalcall/skillchat/internal/ledger"
	"github.com/illegalcall/skillchat/internal/reconcile"
	"github.com/illegalcall/skillchat/internal/worker"
	"github.com/illegalcall/skillchat/pkg/database"
	"github.com/illegalcall/skillchat/pkg/kafka"
)

const sweepTimeout = 2 * time.Minute

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "skillchat-worker")
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
	logger.Info("✅ Connected to databases")

	// Initialize Kafka consumer
	consumer, err := kafka.NewConsumer(cfg.Kafka.Broker, cfg.Kafka.Group)
	if err != nil {
		logger.Error("Failed to create Kafka consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()
	logger.Info("✅ Connected to Kafka")

	var notifier alert.Notifier = &alert.RecordingNotifier{}
	if cfg.Alert.WebhookURL != "" {
		notifier = alert.NewWebhookNotifier(cfg.Alert.WebhookURL, cfg.Alert.Timeout)
	} else {
		logger.Warn("ALERT_WEBHOOK_URL is not set, alarms are only logged")
	}

	// Reconciliation refunds go straight to the ledger; nothing is published
	// from this process.
	sweeper := reconcile.NewSweeper(
		clients.DB,
		redsync.New(goredis.NewPool(clients.Redis)),
		ledger.New(clients.DB, nil, logger),
		reconcile.Options{
			GracePeriod: cfg.Reconcile.GracePeriod,
			BatchSize:   cfg.Reconcile.BatchSize,
			AutoRefund:  cfg.Reconcile.AutoRefund,
			LockTTL:     cfg.Reconcile.LockTTL,
		},
		logger,
	)

	scheduler := cron.New(cron.WithSeconds())
	_, err = scheduler.AddFunc(cfg.Reconcile.Schedule, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()

		report, err := sweeper.Run(sweepCtx)
		switch {
		case errors.Is(err, reconcile.ErrSweepInProgress):
			logger.Info("[CRON] Reconciliation skipped, another instance holds the lock")
		case err != nil:
			logger.Error("[CRON] Reconciliation failed", "error", err)
		default:
			logger.Info("[CRON] Reconciliation finished",
				"found", report.Found,
				"refunded", report.Refunded,
				"already_handled", report.AlreadyHandled,
				"failed", report.Failed,
			)
		}
	})
	if err != nil {
		logger.Error("Failed to schedule reconciliation", "schedule", cfg.Reconcile.Schedule, "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	logger.Info("Reconciliation scheduled", "schedule", cfg.Reconcile.Schedule, "auto_refund", cfg.Reconcile.AutoRefund)

	// Create and start worker
	w := worker.NewWorker(cfg, consumer, notifier, logger)
	if err := w.Start(ctx); err != nil {
		logger.Error("Worker error", "error", err)
	}

	logger.Info("Shutting down gracefully...")
	stopped := scheduler.Stop()
	select {
	case <-stopped.Done():
		logger.Info("Cron jobs stopped")
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Warn("Timed out waiting for a running sweep")
	}
}
