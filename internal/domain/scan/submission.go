// internal/domain/scan/submission.go
package scan

import (
	"context"
	"errors"
	"time"

	"proximity_attendance/internal/domain/signal"

	"github.com/google/uuid"
)

var ErrSubmissionNotFound = errors.New("scan submission not found")

// Submission is one device's report of the peers and beacons it heard.
// It is append-only: once stored only the late flag may still be raised.
type Submission struct {
	ID                uuid.UUID
	SessionID         uuid.UUID
	RoundID           uuid.NullUUID // invalid when no round window matched
	SubmitterDeviceID string
	Observations      []signal.Observation
	ClientTimestamp   time.Time
	ReceivedAt        time.Time
	Late              bool
}

// Assigned reports whether the submission resolved to a round.
func (s *Submission) Assigned() bool {
	return s.RoundID.Valid
}

// Repository stores submissions.
type Repository interface {
	Append(ctx context.Context, s *Submission) error
	GetByID(ctx context.Context, id uuid.UUID) (*Submission, error)
	// ListByRound returns submissions assigned to the round ordered by
	// client timestamp then id. Late ones are included only when asked.
	ListByRound(ctx context.Context, roundID uuid.UUID, includeLate bool) ([]*Submission, error)
	ListLateByRound(ctx context.Context, roundID uuid.UUID) ([]*Submission, error)
	ListUnassigned(ctx context.Context, sessionID uuid.UUID) ([]*Submission, error)
	// MarkLate flags a stored submission whose round closed while it was
	// being stored.
	MarkLate(ctx context.Context, id uuid.UUID) error
}
