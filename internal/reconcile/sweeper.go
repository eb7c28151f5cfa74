// Package reconcile finds debits that were never answered nor refunded.
//
// The chat pipeline refunds in-process. A crash between debit and refund, or a
// refund that itself failed, leaves a charged turn behind; the sweep reports
// those and can refund them. Refunds carry refund_of, so running the sweep
// twice never pays a customer back twice.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/jmoiron/sqlx"

	"github.com/illegalcall/skillchat/internal/ledger"
	"github.com/illegalcall/skillchat/internal/metrics"
)

var ErrSweepInProgress = errors.New("another reconciliation sweep is running")

const lockName = "skillchat:reconcile:sweep"

type Refunder interface {
	Credit(ctx context.Context, req ledger.CreditRequest) (*ledger.CreditResult, error)
}

type Options struct {
	GracePeriod time.Duration
	BatchSize   int
	AutoRefund  bool
	LockTTL     time.Duration
}

// Unreconciled is a debit with neither an assistant reply at or after it nor
// a refund.
type Unreconciled struct {
	TransactionID  string    `db:"id"`
	CustomerID     string    `db:"customer_id"`
	ConversationID *string   `db:"conversation_id"`
	ModelName      string    `db:"model_name"`
	Amount         int64     `db:"credits_cost"`
	CreatedAt      time.Time `db:"created_at"`
}

type Report struct {
	Found          int
	Refunded       int
	AlreadyHandled int
	Failed         int
}

type Sweeper struct {
	db       *sqlx.DB
	locker   *redsync.Redsync
	refunder Refunder
	opts     Options
	logger   *slog.Logger
	alarmLog *slog.Logger
	metrics  *metrics.Metrics
}

func NewSweeper(db *sqlx.DB, locker *redsync.Redsync, refunder Refunder, opts Options, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 4 * time.Minute
	}
	return &Sweeper{
		db:       db,
		locker:   locker,
		refunder: refunder,
		opts:     opts,
		logger:   logger,
		alarmLog: logger.With("channel", "ledger-alarm"),
		metrics:  metrics.Get(),
	}
}

// Run performs one sweep. Only one sweep runs at a time across all workers;
// a concurrent call returns ErrSweepInProgress.
func (s *Sweeper) Run(ctx context.Context) (*Report, error) {
	mutex := s.locker.NewMutex(lockName, redsync.WithExpiry(s.opts.LockTTL), redsync.WithTries(1))
	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		var takenValue redsync.ErrTaken
		if errors.As(err, &taken) || errors.As(err, &takenValue) || errors.Is(err, redsync.ErrFailed) {
			s.metrics.ReconcileRunsTotal.WithLabelValues("skipped").Inc()
			return nil, ErrSweepInProgress
		}
		s.metrics.ReconcileRunsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	defer func() {
		if ok, err := mutex.UnlockContext(context.WithoutCancel(ctx)); !ok || err != nil {
			s.logger.Warn("Failed to release sweep lock", "error", err)
		}
	}()

	pending, err := s.findUnreconciled(ctx)
	if err != nil {
		s.metrics.ReconcileRunsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	report := &Report{Found: len(pending)}
	for _, debit := range pending {
		s.logger.Warn("Unreconciled debit",
			"transaction_id", debit.TransactionID,
			"customer_id", debit.CustomerID,
			"conversation_id", deref(debit.ConversationID),
			"amount", debit.Amount,
			"age", time.Since(debit.CreatedAt).Round(time.Second).String(),
		)
		if s.opts.AutoRefund {
			s.refund(ctx, debit, report)
		}
	}

	s.metrics.UnreconciledDebits.Set(float64(report.Found - report.Refunded - report.AlreadyHandled))
	s.metrics.ReconcileRunsTotal.WithLabelValues("success").Inc()
	s.logger.Info("Reconciliation sweep finished",
		"found", report.Found,
		"refunded", report.Refunded,
		"already_handled", report.AlreadyHandled,
		"failed", report.Failed,
	)
	return report, nil
}

func (s *Sweeper) findUnreconciled(ctx context.Context) ([]Unreconciled, error) {
	cutoff := time.Now().Add(-s.opts.GracePeriod)

	pending := []Unreconciled{}
	err := s.db.SelectContext(ctx, &pending,
		`SELECT d.id, d.customer_id, d.conversation_id, d.model_name, d.credits_cost, d.created_at
		 FROM credit_transactions d
		 WHERE d.kind = 'debit'
		   AND d.credits_cost > 0
		   AND d.created_at < $1
		   AND NOT EXISTS (SELECT 1 FROM credit_transactions r WHERE r.refund_of = d.id)
		   AND NOT EXISTS (
		       SELECT 1 FROM messages m
		       WHERE m.conversation_id = d.conversation_id
		         AND m.role = 'assistant'
		         AND m.created_at >= d.created_at
		   )
		 ORDER BY d.created_at
		 LIMIT $2`,
		cutoff, s.opts.BatchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find unreconciled debits: %w", err)
	}
	return pending, nil
}

func (s *Sweeper) refund(ctx context.Context, debit Unreconciled, report *Report) {
	_, err := s.refunder.Credit(ctx, ledger.CreditRequest{
		CustomerID:     debit.CustomerID,
		Amount:         debit.Amount,
		Reason:         "reconcile:" + debit.ModelName,
		ModelName:      debit.ModelName,
		ConversationID: deref(debit.ConversationID),
		RefundOf:       debit.TransactionID,
	})
	switch {
	case err == nil:
		report.Refunded++
		s.metrics.RefundsTotal.WithLabelValues("reconciled").Inc()
	case errors.Is(err, ledger.ErrAlreadyRefunded):
		report.AlreadyHandled++
	default:
		report.Failed++
		s.metrics.RefundFailuresTotal.Inc()
		s.alarmLog.Error("REFUND FAILED during reconciliation",
			"transaction_id", debit.TransactionID,
			"customer_id", debit.CustomerID,
			"amount", debit.Amount,
			"error", err,
		)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
