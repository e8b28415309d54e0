package storage

import (
	"errors"
	"fmt"
)

// Common storage errors
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)

// TransitionError reports a conditional update that matched no row because
// the record was not in an allowed source status.
type TransitionError struct {
	Entity string
	ID     string
	Status string
	Target string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s cannot move from %s to %s", e.Entity, e.ID, e.Status, e.Target)
}

// ErrInvalidTransition is matched by every TransitionError
var ErrInvalidTransition = errors.New("invalid status transition")

// Is lets errors.Is(err, ErrInvalidTransition) match
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
