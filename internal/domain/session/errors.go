package session

import (
	"errors"
	"fmt"
)

var (
	ErrStateConflict   = errors.New("state conflict")
	ErrSessionNotFound = errors.New("session not found")
	ErrRoundNotFound   = errors.New("round not found")
)

// StateConflictError is returned for a transition the tables do not allow.
// The entity is left unchanged.
type StateConflictError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("%s %s: cannot transition from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *StateConflictError) Is(target error) bool {
	return target == ErrStateConflict
}
