// Package alert forwards refund alarms to the operations webhook.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/illegalcall/skillchat/internal/models"
)

// Notifier delivers one alarm to whoever is on call.
type Notifier interface {
	Notify(ctx context.Context, alarm models.RefundAlarm) error
}

// WebhookNotifier POSTs alarms as JSON to a fixed URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type payload struct {
	Text  string             `json:"text"`
	Alarm models.RefundAlarm `json:"alarm"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, alarm models.RefundAlarm) error {
	body, err := json.Marshal(payload{
		Text: fmt.Sprintf("Refund failed: customer %s was charged %d credits (debit %s) without a reply",
			alarm.CustomerID, alarm.Amount, alarm.DebitTransactionID),
		Alarm: alarm,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal alarm: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create alarm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send alarm: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alarm webhook failed with status %d", resp.StatusCode)
	}
	return nil
}

// RecordingNotifier keeps alarms in memory. The worker uses it when no
// webhook is configured so alarms still show up in its logs and tests.
type RecordingNotifier struct {
	mu     sync.Mutex
	alarms []models.RefundAlarm
}

func (r *RecordingNotifier) Notify(_ context.Context, alarm models.RefundAlarm) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alarms = append(r.alarms, alarm)
	return nil
}

func (r *RecordingNotifier) Alarms() []models.RefundAlarm {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.RefundAlarm, len(r.alarms))
	copy(out, r.alarms)
	return out
}
