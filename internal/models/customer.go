package models

import (
	"time"
)

// CustomerBalance is the credit balance of a customer. It is only mutated by the ledger.
type CustomerBalance struct {
	CustomerID string    `json:"customer_id" db:"id"`
	Credits    int64     `json:"credits" db:"credits"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}
