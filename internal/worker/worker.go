package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/illegalcall/skillchat/internal/alert"
	"github.com/illegalcall/skillchat/internal/config"
	"github.com/illegalcall/skillchat/internal/metrics"
	"github.com/illegalcall/skillchat/internal/models"
)

// Worker consumes refund alarms and forwards each one to the notifier.
type Worker struct {
	cfg      *config.Config
	consumer sarama.ConsumerGroup
	notifier alert.Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewWorker(cfg *config.Config, consumer sarama.ConsumerGroup, notifier alert.Notifier, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Initializing alarm worker", "topic", cfg.Kafka.AlarmTopic, "group", cfg.Kafka.Group)
	return &Worker{
		cfg:      cfg,
		consumer: consumer,
		notifier: notifier,
		logger:   logger.With("channel", "ledger-alarm"),
		metrics:  metrics.Get(),
	}
}

// Start consumes until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	topics := []string{w.cfg.Kafka.AlarmTopic}
	w.logger.Info("Starting worker", "topics", topics)

	go func() {
		for err := range w.consumer.Errors() {
			w.logger.Error("Kafka consumer error received", "error", err)
		}
	}()

	for {
		// Consume returns whenever the group rebalances.
		if err := w.consumer.Consume(ctx, topics, w); err != nil {
			w.logger.Error("Error from consumer.Consume", "error", err)
			select {
			case <-time.After(w.cfg.Kafka.RetryBackoff):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			w.logger.Info("Context cancelled; shutting down worker")
			return nil
		}
	}
}

// Setup is run at the beginning of a new session, before ConsumeClaim.
func (w *Worker) Setup(sarama.ConsumerGroupSession) error {
	w.logger.Info("Consumer group session setup complete")
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited.
func (w *Worker) Cleanup(sarama.ConsumerGroupSession) error {
	w.logger.Info("Consumer group session cleanup complete")
	return nil
}

// ConsumeClaim marks every message, delivered or not. An undeliverable alarm
// is already logged at error level and counted, and redelivering it would
// block the partition behind it.
func (w *Worker) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		if err := w.processAlarm(session.Context(), message); err != nil {
			w.logger.Error("Failed to deliver refund alarm",
				"offset", message.Offset,
				"partition", message.Partition,
				"error", err,
			)
		}
		session.MarkMessage(message, "")
	}
	return nil
}

func (w *Worker) processAlarm(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var alarm models.RefundAlarm
	if err := json.Unmarshal(msg.Value, &alarm); err != nil {
		w.metrics.AlarmsDelivered.WithLabelValues("malformed").Inc()
		return fmt.Errorf("failed to parse alarm: %w", err)
	}

	attempts := w.cfg.Kafka.RetryMax
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = w.notifier.Notify(ctx, alarm); err == nil {
			w.metrics.AlarmsDelivered.WithLabelValues("delivered").Inc()
			w.logger.Info("Refund alarm delivered",
				"debit_transaction_id", alarm.DebitTransactionID,
				"customer_id", alarm.CustomerID,
				"attempt", attempt,
			)
			return nil
		}
		w.logger.Warn("Alarm delivery attempt failed", "debit_transaction_id", alarm.DebitTransactionID, "attempt", attempt, "error", err)

		if attempt < attempts {
			select {
			case <-time.After(w.cfg.Kafka.RetryBackoff):
			case <-ctx.Done():
				w.metrics.AlarmsDelivered.WithLabelValues("failed").Inc()
				return ctx.Err()
			}
		}
	}

	w.metrics.AlarmsDelivered.WithLabelValues("failed").Inc()
	return fmt.Errorf("alarm for debit %s undeliverable after %d attempts: %w", alarm.DebitTransactionID, attempts, err)
}
