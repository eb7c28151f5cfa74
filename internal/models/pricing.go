package models

import "time"

// ModelPricing maps a model identifier to what one chat turn costs.
type ModelPricing struct {
	ModelName   string    `json:"model_name" db:"model_name"`
	DisplayName string    `json:"display_name" db:"display_name"`
	CreditsCost int64     `json:"credits_cost" db:"credits_cost"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}
