package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illegalcall/skillchat/internal/models"
)

// MockProducer records messages instead of talking to a broker.
type MockProducer struct {
	sarama.SyncProducer
	messages []*sarama.ProducerMessage
	err      error
}

func (m *MockProducer) SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error) {
	if m.err != nil {
		return 0, 0, m.err
	}
	m.messages = append(m.messages, msg)
	return 0, int64(len(m.messages)), nil
}

func (m *MockProducer) Close() error {
	return nil
}

func TestPublishEntry(t *testing.T) {
	producer := &MockProducer{}
	publisher := NewPublisher(producer, "credit-ledger", "credit-ledger-alarms", nil)

	entry := models.CreditTransaction{
		ID:            "tx-1",
		CustomerID:    "cust-1",
		Kind:          models.TransactionDebit,
		ModelName:     "claude-sonnet-4-5-20250929",
		CreditsCost:   10,
		CreditsBefore: 100,
		CreditsAfter:  90,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, publisher.PublishEntry(context.Background(), entry))
	require.Len(t, producer.messages, 1)

	msg := producer.messages[0]
	assert.Equal(t, "credit-ledger", msg.Topic)

	key, err := msg.Key.Encode()
	require.NoError(t, err)
	assert.Equal(t, "cust-1", string(key))

	raw, err := msg.Value.Encode()
	require.NoError(t, err)
	var decoded models.CreditTransaction
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, int64(90), decoded.CreditsAfter)
}

func TestPublishAlarm(t *testing.T) {
	producer := &MockProducer{}
	publisher := NewPublisher(producer, "credit-ledger", "credit-ledger-alarms", nil)

	require.NoError(t, publisher.PublishAlarm(context.Background(), models.RefundAlarm{
		CustomerID:         "cust-1",
		DebitTransactionID: "tx-1",
		Amount:             10,
	}))
	require.Len(t, producer.messages, 1)
	assert.Equal(t, "credit-ledger-alarms", producer.messages[0].Topic)

	key, _ := producer.messages[0].Key.Encode()
	assert.Equal(t, "tx-1", string(key))
}

func TestPublishFailure(t *testing.T) {
	producer := &MockProducer{err: errors.New("leader not available")}
	publisher := NewPublisher(producer, "credit-ledger", "credit-ledger-alarms", nil)

	err := publisher.PublishEntry(context.Background(), models.CreditTransaction{CustomerID: "cust-1"})
	assert.ErrorContains(t, err, "credit-ledger")
}
