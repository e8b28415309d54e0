package activation

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedCallback means the payload lacks a checkout id or result code
	ErrMalformedCallback = errors.New("malformed payment callback")

	// ErrTransactionNotFound means no transaction carries the callback's checkout id
	ErrTransactionNotFound = errors.New("transaction not found")
)

// PlanUnavailableError is returned when a payment targets a plan that cannot be sold
type PlanUnavailableError struct {
	PlanID string
	Reason string
}

func (e *PlanUnavailableError) Error() string {
	return fmt.Sprintf("plan %s unavailable: %s", e.PlanID, e.Reason)
}
