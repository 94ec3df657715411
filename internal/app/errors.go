package app

import (
	"errors"
	"fmt"
	"strings"

	"proximity_attendance/internal/domain/session"

	"github.com/go-playground/validator/v10"
)

// Application-level errors shared by the services.
var (
	ErrValidation      = errors.New("validation failed")
	ErrNotAuthorized   = errors.New("caller is not authorized for this session")
	ErrNoMatchingRound = errors.New("no matching round")
	ErrSessionClosed   = errors.New("session does not accept submissions")

	ErrOutsideSessionWindow = fmt.Errorf("%w: session is outside its scheduled window", session.ErrStateConflict)
	ErrRoundLocked          = fmt.Errorf("%w: round is finalized", session.ErrStateConflict)
	ErrRoundNotClosed       = fmt.Errorf("%w: round is not completed", session.ErrStateConflict)
	ErrRoundNotConclusive   = fmt.Errorf("%w: round has no computed result", session.ErrStateConflict)
	ErrRoundNotFinalized    = fmt.Errorf("%w: round is not finalized", session.ErrStateConflict)
	ErrSessionNotCompleted  = fmt.Errorf("%w: session is not completed", session.ErrStateConflict)
)

// ValidationError reports malformed input or a reference to something that
// does not exist. It is always returned synchronously.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

var validate = validator.New()

// validateStruct runs the struct tags and flattens the first failure into a
// ValidationError.
func validateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		return &ValidationError{Field: strings.ToLower(fe.Namespace()), Reason: reason}
	}
	return &ValidationError{Reason: err.Error()}
}
