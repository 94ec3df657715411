// internal/domain/session/session.go
package session

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Geofence is the expected location of a session.
type Geofence struct {
	Latitude     float64
	Longitude    float64
	RadiusMeters float64
}

// Session is one scheduled class meeting.
type Session struct {
	ID                  uuid.UUID
	ScheduleID          string
	LecturerID          string
	StartsAt            time.Time
	EndsAt              time.Time
	Status              Status
	RoundCount          int
	AttendanceThreshold sql.NullFloat64 // per-session override of the configured threshold
	Geofence            Geofence
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// WithinWindow reports whether t falls inside [StartsAt, EndsAt].
func (s *Session) WithinWindow(t time.Time) bool {
	return !t.Before(s.StartsAt) && !t.After(s.EndsAt)
}

// Transition moves the session to the given status if the table allows it.
func (s *Session) Transition(to Status, at time.Time) error {
	if s.Status == to {
		return nil
	}
	if !s.Status.CanTransitionTo(to) {
		return &StateConflictError{Entity: "session", ID: s.ID.String(), From: string(s.Status), To: string(to)}
	}
	s.Status = to
	s.UpdatedAt = at
	return nil
}

// Round is one scanning window inside a Session.
type Round struct {
	ID             uuid.UUID
	SessionID      uuid.UUID
	Number         int
	StartsAt       time.Time
	EndsAt         time.Time
	Status         RoundStatus
	ConsensusState ConsensusState
	ActivatedAt    sql.NullTime
	CompletedAt    sql.NullTime
	FinalizedAt    sql.NullTime
	FinalizedBy    sql.NullString
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Contains reports whether t falls inside the round window, both ends inclusive.
func (r *Round) Contains(t time.Time) bool {
	return !t.Before(r.StartsAt) && !t.After(r.EndsAt)
}

// Transition applies a round status change and stamps the matching timestamp.
func (r *Round) Transition(to RoundStatus, at time.Time) error {
	if !r.Status.CanTransitionTo(to) {
		return &StateConflictError{Entity: "round", ID: r.ID.String(), From: string(r.Status), To: string(to)}
	}
	r.Status = to
	r.UpdatedAt = at
	switch to {
	case RoundActive:
		r.ActivatedAt = sql.NullTime{Time: at, Valid: true}
	case RoundCompleted:
		r.CompletedAt = sql.NullTime{Time: at, Valid: true}
	case RoundFinalized:
		r.FinalizedAt = sql.NullTime{Time: at, Valid: true}
	}
	return nil
}

// ProvisionRounds splits the session window into count contiguous rounds
// numbered from 1. The last round absorbs any rounding remainder.
func ProvisionRounds(s *Session, count int, now time.Time) []*Round {
	if count <= 0 {
		return nil
	}
	total := s.EndsAt.Sub(s.StartsAt)
	slice := total / time.Duration(count)
	rounds := make([]*Round, 0, count)
	for i := 0; i < count; i++ {
		start := s.StartsAt.Add(time.Duration(i) * slice)
		end := start.Add(slice)
		if i == count-1 {
			end = s.EndsAt
		}
		rounds = append(rounds, &Round{
			ID:             uuid.New(),
			SessionID:      s.ID,
			Number:         i + 1,
			StartsAt:       start,
			EndsAt:         end,
			Status:         RoundPending,
			ConsensusState: ConsensusNotComputed,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	return rounds
}

// ResolveRound picks the round whose window contains t. When several qualify
// the latest start wins, then the highest number. Cancelled rounds never
// qualify. Returns nil when no window matches.
func ResolveRound(rounds []*Round, t time.Time) *Round {
	var best *Round
	for _, r := range rounds {
		if r.Status == RoundCancelled || !r.Contains(t) {
			continue
		}
		if best == nil ||
			r.StartsAt.After(best.StartsAt) ||
			(r.StartsAt.Equal(best.StartsAt) && r.Number > best.Number) {
			best = r
		}
	}
	return best
}
