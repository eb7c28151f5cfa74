package chat

import (
	"errors"
	"fmt"
)

// Every error returned by Orchestrator.Handle is, or wraps, one of these.
var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrModelNotFound         = errors.New("model not found")
	ErrConversationForbidden = errors.New("conversation not found or access denied")
	ErrSkillUnavailable      = errors.New("AI service unavailable")
	ErrInternal              = errors.New("internal server error")
)

// InsufficientCreditsError is returned by the pre-debit balance check.
type InsufficientCreditsError struct {
	Current  int64
	Required int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: you have %d credits but this model requires %d", e.Current, e.Required)
}

// DebitRejectedError carries the ledger's own reason when the atomic debit
// refuses, typically because a concurrent turn spent the balance first.
type DebitRejectedError struct {
	Reason   string
	Current  int64
	Required int64
}

func (e *DebitRejectedError) Error() string {
	return e.Reason
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
