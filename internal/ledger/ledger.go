// Package ledger owns customer credit balances and the append-only transaction
// log. Every balance change happens inside one database transaction that locks
// the customer row, so concurrent debits for the same customer are serialized
// by Postgres and can never overdraw the balance.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/illegalcall/skillchat/internal/metrics"
	"github.com/illegalcall/skillchat/internal/models"
)

var (
	ErrCustomerNotFound = errors.New("customer not found")
	ErrAlreadyRefunded  = errors.New("debit already refunded")
	ErrInvalidAmount    = errors.New("amount must not be negative")
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// EntryPublisher receives every committed ledger entry.
type EntryPublisher interface {
	PublishEntry(ctx context.Context, entry models.CreditTransaction) error
}

type DebitRequest struct {
	CustomerID     string
	Amount         int64
	ModelName      string
	ConversationID string
}

// DebitResult is either a success with before/after balances and the
// transaction id, or a rejection carrying the current and required credits.
// A rejection made no mutation.
type DebitResult struct {
	Success         bool
	CreditsBefore   int64
	CreditsAfter    int64
	TransactionID   string
	Error           string
	CurrentCredits  int64
	RequiredCredits int64
}

type CreditRequest struct {
	CustomerID     string
	Amount         int64
	Reason         string
	ModelName      string
	ConversationID string
	// RefundOf names the debit transaction this credit reverses. A debit can
	// be refunded at most once.
	RefundOf string
}

type CreditResult struct {
	Success       bool   `json:"success"`
	CreditsBefore int64  `json:"credits_before"`
	CreditsAfter  int64  `json:"credits_after"`
	TransactionID string `json:"transaction_id"`
}

type Ledger struct {
	db        *sqlx.DB
	publisher EntryPublisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// New returns a ledger. publisher may be nil.
func New(db *sqlx.DB, publisher EntryPublisher, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		db:        db,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics.Get(),
	}
}

// GetBalance returns the customer's credits. A missing customer has 0.
func (l *Ledger) GetBalance(ctx context.Context, customerID string) (int64, error) {
	var credits int64
	err := l.db.GetContext(ctx, &credits, `SELECT credits FROM customers WHERE id = $1`, customerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return credits, nil
}

// Debit atomically checks and decrements the balance and appends the debit
// transaction. An infrastructure failure is returned as an error; a business
// rejection is returned as a DebitResult with Success=false.
func (l *Ledger) Debit(ctx context.Context, req DebitRequest) (*DebitResult, error) {
	if req.Amount < 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin debit: %w", err)
	}
	defer tx.Rollback()

	current, err := lockBalance(ctx, tx, req.CustomerID)
	if errors.Is(err, ErrCustomerNotFound) {
		l.metrics.LedgerOperationsTotal.WithLabelValues("debit", "rejected").Inc()
		return &DebitResult{
			Error:           "customer account not found",
			RequiredCredits: req.Amount,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	if current < req.Amount {
		l.metrics.LedgerOperationsTotal.WithLabelValues("debit", "rejected").Inc()
		return &DebitResult{
			Error:           fmt.Sprintf("insufficient credits: have %d, need %d", current, req.Amount),
			CurrentCredits:  current,
			RequiredCredits: req.Amount,
		}, nil
	}

	entry := models.CreditTransaction{
		ID:             uuid.NewString(),
		CustomerID:     req.CustomerID,
		ConversationID: optional(req.ConversationID),
		Kind:           models.TransactionDebit,
		ModelName:      req.ModelName,
		CreditsCost:    req.Amount,
		CreditsBefore:  current,
		CreditsAfter:   current - req.Amount,
	}
	if err := applyEntry(ctx, tx, &entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit debit: %w", err)
	}

	l.metrics.LedgerOperationsTotal.WithLabelValues("debit", "success").Inc()
	l.metrics.LedgerCreditsTotal.WithLabelValues("debit").Add(float64(req.Amount))
	l.logger.Info("Credits debited",
		"customer_id", req.CustomerID,
		"transaction_id", entry.ID,
		"model", req.ModelName,
		"amount", req.Amount,
		"credits_after", entry.CreditsAfter,
	)
	l.publish(ctx, entry)

	return &DebitResult{
		Success:       true,
		CreditsBefore: entry.CreditsBefore,
		CreditsAfter:  entry.CreditsAfter,
		TransactionID: entry.ID,
	}, nil
}

// Credit atomically increments the balance and appends the credit
// transaction. It fails explicitly for an unknown customer.
func (l *Ledger) Credit(ctx context.Context, req CreditRequest) (*CreditResult, error) {
	if req.Amount < 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin credit: %w", err)
	}
	defer tx.Rollback()

	current, err := lockBalance(ctx, tx, req.CustomerID)
	if err != nil {
		l.metrics.LedgerOperationsTotal.WithLabelValues("credit", "failed").Inc()
		return nil, err
	}

	// Checked under the customer row lock, so two refunds of the same debit
	// cannot both pass.
	if req.RefundOf != "" {
		var refunded bool
		err := tx.GetContext(ctx, &refunded,
			`SELECT EXISTS (SELECT 1 FROM credit_transactions WHERE refund_of = $1)`, req.RefundOf)
		if err != nil {
			return nil, fmt.Errorf("failed to check refund state: %w", err)
		}
		if refunded {
			l.metrics.LedgerOperationsTotal.WithLabelValues("credit", "duplicate").Inc()
			return nil, ErrAlreadyRefunded
		}
	}

	entry := models.CreditTransaction{
		ID:             uuid.NewString(),
		CustomerID:     req.CustomerID,
		ConversationID: optional(req.ConversationID),
		Kind:           models.TransactionCredit,
		ModelName:      req.ModelName,
		Reason:         req.Reason,
		CreditsCost:    req.Amount,
		CreditsBefore:  current,
		CreditsAfter:   current + req.Amount,
		RefundOf:       optional(req.RefundOf),
	}
	if err := applyEntry(ctx, tx, &entry); err != nil {
		l.metrics.LedgerOperationsTotal.WithLabelValues("credit", "failed").Inc()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		l.metrics.LedgerOperationsTotal.WithLabelValues("credit", "failed").Inc()
		return nil, fmt.Errorf("failed to commit credit: %w", err)
	}

	l.metrics.LedgerOperationsTotal.WithLabelValues("credit", "success").Inc()
	l.metrics.LedgerCreditsTotal.WithLabelValues("credit").Add(float64(req.Amount))
	l.logger.Info("Credits added",
		"customer_id", req.CustomerID,
		"transaction_id", entry.ID,
		"reason", req.Reason,
		"amount", req.Amount,
		"credits_after", entry.CreditsAfter,
	)
	l.publish(ctx, entry)

	return &CreditResult{
		Success:       true,
		CreditsBefore: entry.CreditsBefore,
		CreditsAfter:  entry.CreditsAfter,
		TransactionID: entry.ID,
	}, nil
}

// History returns the customer's transactions, newest first.
func (l *Ledger) History(ctx context.Context, customerID string, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	history := []models.CreditTransaction{}
	err := l.db.SelectContext(ctx, &history,
		`SELECT id, customer_id, conversation_id, kind, model_name, reason,
		        credits_cost, credits_before, credits_after, refund_of, created_at
		 FROM credit_transactions
		 WHERE customer_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		customerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read credit history: %w", err)
	}
	return history, nil
}

// OpenAccount creates the customer's balance row with an opening grant. It
// reports false when the account already existed, leaving it untouched.
func (l *Ledger) OpenAccount(ctx context.Context, customerID string, openingCredits int64) (*models.CustomerBalance, bool, error) {
	if openingCredits < 0 {
		return nil, false, ErrInvalidAmount
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin account creation: %w", err)
	}
	defer tx.Rollback()

	var account models.CustomerBalance
	err = tx.GetContext(ctx, &account,
		`INSERT INTO customers (id, credits) VALUES ($1, $2)
		 ON CONFLICT (id) DO NOTHING
		 RETURNING id, credits, created_at, updated_at`,
		customerID, openingCredits,
	)
	if errors.Is(err, sql.ErrNoRows) {
		existing := models.CustomerBalance{}
		if err := tx.GetContext(ctx, &existing,
			`SELECT id, credits, created_at, updated_at FROM customers WHERE id = $1`, customerID); err != nil {
			return nil, false, fmt.Errorf("failed to read existing account: %w", err)
		}
		return &existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create account: %w", err)
	}

	var entry *models.CreditTransaction
	if openingCredits > 0 {
		entry = &models.CreditTransaction{
			ID:            uuid.NewString(),
			CustomerID:    customerID,
			Kind:          models.TransactionCredit,
			Reason:        "opening balance",
			CreditsCost:   openingCredits,
			CreditsBefore: 0,
			CreditsAfter:  openingCredits,
		}
		if err := insertEntry(ctx, tx, entry); err != nil {
			return nil, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit account creation: %w", err)
	}

	l.logger.Info("Customer account opened", "customer_id", customerID, "credits", openingCredits)
	if entry != nil {
		l.publish(ctx, *entry)
	}
	return &account, true, nil
}

func (l *Ledger) publish(ctx context.Context, entry models.CreditTransaction) {
	if l.publisher == nil {
		return
	}
	if err := l.publisher.PublishEntry(ctx, entry); err != nil {
		l.logger.Warn("Failed to publish ledger entry", "transaction_id", entry.ID, "error", err)
	}
}

func lockBalance(ctx context.Context, tx *sqlx.Tx, customerID string) (int64, error) {
	var credits int64
	err := tx.GetContext(ctx, &credits, `SELECT credits FROM customers WHERE id = $1 FOR UPDATE`, customerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrCustomerNotFound
		}
		return 0, fmt.Errorf("failed to lock balance: %w", err)
	}
	return credits, nil
}

// applyEntry writes the new balance and appends entry inside tx.
func applyEntry(ctx context.Context, tx *sqlx.Tx, entry *models.CreditTransaction) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE customers SET credits = $1, updated_at = NOW() WHERE id = $2`,
		entry.CreditsAfter, entry.CustomerID,
	); err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return insertEntry(ctx, tx, entry)
}

func insertEntry(ctx context.Context, tx *sqlx.Tx, entry *models.CreditTransaction) error {
	err := tx.QueryRowxContext(ctx,
		`INSERT INTO credit_transactions
		 (id, customer_id, conversation_id, kind, model_name, reason,
		  credits_cost, credits_before, credits_after, refund_of)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at`,
		entry.ID, entry.CustomerID, entry.ConversationID, entry.Kind, entry.ModelName, entry.Reason,
		entry.CreditsCost, entry.CreditsBefore, entry.CreditsAfter, entry.RefundOf,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
