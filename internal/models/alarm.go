package models

import "time"

// RefundAlarm reports a debit whose compensating refund could not be applied.
// Every alarm is an unreconciled balance that needs an operator.
type RefundAlarm struct {
	CustomerID         string    `json:"customer_id"`
	ConversationID     string    `json:"conversation_id"`
	DebitTransactionID string    `json:"debit_transaction_id"`
	ModelName          string    `json:"model_name"`
	Amount             int64     `json:"amount"`
	FailureCause       string    `json:"failure_cause"`
	RefundError        string    `json:"refund_error"`
	Source             string    `json:"source"`
	OccurredAt         time.Time `json:"occurred_at"`
}
