package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/illegalcall/skillchat/internal/conversation"
	"github.com/illegalcall/skillchat/internal/ledger"
	"github.com/illegalcall/skillchat/internal/models"
	"github.com/illegalcall/skillchat/internal/pricing"
	"github.com/illegalcall/skillchat/internal/skill"
)

type fakeCatalog struct {
	entries map[string]models.ModelPricing
}

func (c *fakeCatalog) Lookup(_ context.Context, modelName string) (*models.ModelPricing, error) {
	entry, ok := c.entries[modelName]
	if !ok || !entry.IsActive {
		return nil, pricing.ErrModelNotFound
	}
	return &entry, nil
}

// memoryLedger serializes every operation under one mutex, which gives the
// same read-compare-write guarantee as the row lock in Postgres.
type memoryLedger struct {
	mu        sync.Mutex
	balances  map[string]int64
	entries   []models.CreditTransaction
	seq       int
	creditErr error
}

func newMemoryLedger(balances map[string]int64) *memoryLedger {
	return &memoryLedger{balances: balances}
}

func (l *memoryLedger) GetBalance(_ context.Context, customerID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[customerID], nil
}

func (l *memoryLedger) Debit(_ context.Context, req ledger.DebitRequest) (*ledger.DebitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.balances[req.CustomerID]
	if !ok {
		return &ledger.DebitResult{Error: "customer account not found", RequiredCredits: req.Amount}, nil
	}
	if current < req.Amount {
		return &ledger.DebitResult{
			Error:           fmt.Sprintf("insufficient credits: have %d, need %d", current, req.Amount),
			CurrentCredits:  current,
			RequiredCredits: req.Amount,
		}, nil
	}

	entry := l.append(req.CustomerID, models.TransactionDebit, req.Amount, current, current-req.Amount)
	entry.ModelName = req.ModelName
	l.balances[req.CustomerID] = entry.CreditsAfter
	return &ledger.DebitResult{
		Success:       true,
		CreditsBefore: entry.CreditsBefore,
		CreditsAfter:  entry.CreditsAfter,
		TransactionID: entry.ID,
	}, nil
}

func (l *memoryLedger) Credit(ctx context.Context, req ledger.CreditRequest) (*ledger.CreditResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.creditErr != nil {
		return nil, l.creditErr
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.balances[req.CustomerID]
	if !ok {
		return nil, ledger.ErrCustomerNotFound
	}
	for _, e := range l.entries {
		if req.RefundOf != "" && e.RefundOf != nil && *e.RefundOf == req.RefundOf {
			return nil, ledger.ErrAlreadyRefunded
		}
	}

	entry := l.append(req.CustomerID, models.TransactionCredit, req.Amount, current, current+req.Amount)
	entry.Reason = req.Reason
	entry.ModelName = req.ModelName
	if req.RefundOf != "" {
		refundOf := req.RefundOf
		entry.RefundOf = &refundOf
	}
	l.balances[req.CustomerID] = entry.CreditsAfter
	return &ledger.CreditResult{
		Success:       true,
		CreditsBefore: entry.CreditsBefore,
		CreditsAfter:  entry.CreditsAfter,
		TransactionID: entry.ID,
	}, nil
}

func (l *memoryLedger) append(customerID string, kind models.TransactionKind, amount, before, after int64) *models.CreditTransaction {
	l.seq++
	l.entries = append(l.entries, models.CreditTransaction{
		ID:            fmt.Sprintf("tx-%d", l.seq),
		CustomerID:    customerID,
		Kind:          kind,
		CreditsCost:   amount,
		CreditsBefore: before,
		CreditsAfter:  after,
		CreatedAt:     time.Now(),
	})
	return &l.entries[len(l.entries)-1]
}

func (l *memoryLedger) balance(customerID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[customerID]
}

func (l *memoryLedger) kinds() []models.TransactionKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make([]models.TransactionKind, 0, len(l.entries))
	for _, e := range l.entries {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

type memoryStore struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation
	messages      []models.Message
	seq           int
	failAppend    func(msg *models.Message) error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{conversations: map[string]*models.Conversation{}}
}

func (s *memoryStore) Create(_ context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if conv.ID == "" {
		conv.ID = fmt.Sprintf("conv-%d", s.seq)
	}
	conv.CreatedAt = time.Now()
	conv.UpdatedAt = conv.CreatedAt
	stored := *conv
	s.conversations[conv.ID] = &stored
	return nil
}

func (s *memoryStore) GetByID(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	copied := *conv
	return &copied, nil
}

func (s *memoryStore) AppendMessage(_ context.Context, msg *models.Message) error {
	if s.failAppend != nil {
		if err := s.failAppend(msg); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	msg.ID = fmt.Sprintf("msg-%d", s.seq)
	msg.CreatedAt = time.Now()
	s.messages = append(s.messages, *msg)
	return nil
}

func (s *memoryStore) RecentMessages(_ context.Context, conversationID string, n int) ([]models.Message, error) {
	all := s.messagesOf(conversationID)
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

func (s *memoryStore) messagesOf(conversationID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out
}

type mockSkillClient struct {
	mock.Mock
}

func (m *mockSkillClient) Session(conversationID string) *skill.Session {
	return &skill.Session{ConversationID: conversationID, CorrelationToken: "token-" + conversationID}
}

func (m *mockSkillClient) Send(ctx context.Context, session *skill.Session, req skill.Request) (*skill.Response, error) {
	args := m.Called(ctx, session, req)
	resp, _ := args.Get(0).(*skill.Response)
	return resp, args.Error(1)
}

type recordingAlarms struct {
	mu     sync.Mutex
	alarms []models.RefundAlarm
}

func (r *recordingAlarms) PublishAlarm(_ context.Context, alarm models.RefundAlarm) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alarms = append(r.alarms, alarm)
	return nil
}
