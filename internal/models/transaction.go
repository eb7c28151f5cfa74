package models

import "time"

type TransactionKind string

const (
	TransactionDebit  TransactionKind = "debit"
	TransactionCredit TransactionKind = "credit"
)

// CreditTransaction is an immutable ledger row. For a debit
// CreditsAfter = CreditsBefore - CreditsCost, for a credit
// CreditsAfter = CreditsBefore + CreditsCost.
type CreditTransaction struct {
	ID             string          `json:"id" db:"id"`
	CustomerID     string          `json:"customer_id" db:"customer_id"`
	ConversationID *string         `json:"conversation_id,omitempty" db:"conversation_id"`
	Kind           TransactionKind `json:"kind" db:"kind"`
	ModelName      string          `json:"model_name" db:"model_name"`
	Reason         string          `json:"reason,omitempty" db:"reason"`
	CreditsCost    int64           `json:"credits_cost" db:"credits_cost"`
	CreditsBefore  int64           `json:"credits_before" db:"credits_before"`
	CreditsAfter   int64           `json:"credits_after" db:"credits_after"`
	RefundOf       *string         `json:"refund_of,omitempty" db:"refund_of"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}
