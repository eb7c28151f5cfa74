// Package events publishes ledger entries and refund alarms to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"github.com/illegalcall/skillchat/internal/models"
)

// Publisher is safe for concurrent use; sarama's SyncProducer is.
type Publisher struct {
	producer    sarama.SyncProducer
	ledgerTopic string
	alarmTopic  string
	logger      *slog.Logger
}

func NewPublisher(producer sarama.SyncProducer, ledgerTopic, alarmTopic string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		producer:    producer,
		ledgerTopic: ledgerTopic,
		alarmTopic:  alarmTopic,
		logger:      logger,
	}
}

// PublishEntry sends a committed ledger entry, keyed by customer so one
// customer's entries stay ordered within a partition.
func (p *Publisher) PublishEntry(_ context.Context, entry models.CreditTransaction) error {
	return p.send(p.ledgerTopic, entry.CustomerID, entry)
}

// PublishAlarm sends a refund alarm, keyed by the debit it concerns.
func (p *Publisher) PublishAlarm(_ context.Context, alarm models.RefundAlarm) error {
	return p.send(p.alarmTopic, alarm.DebitTransactionID, alarm)
}

func (p *Publisher) send(topic, key string, payload interface{}) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode event for %s: %w", topic, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	p.logger.Debug("Event published", "topic", topic, "key", key, "partition", partition, "offset", offset)
	return nil
}
