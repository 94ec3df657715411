// internal/domain/attendance/track.go
package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTrackNotFound  = errors.New("round track not found")
	ErrEntryNotFound  = errors.New("round track entry not found")
	ErrRecordNotFound = errors.New("session attendance record not found")
)

// RoundVerdict is the corroborated per-round outcome for one participant.
type RoundVerdict string

const (
	VerdictPresent              RoundVerdict = "PRESENT"
	VerdictPresentLowConfidence RoundVerdict = "PRESENT_LOW_CONFIDENCE"
	VerdictAbsent               RoundVerdict = "ABSENT"
	VerdictAbsentPendingReview  RoundVerdict = "ABSENT_PENDING_REVIEW"
)

// Attended is true for both present verdicts. A low-confidence presence
// counts until an anomaly or an override says otherwise.
func (v RoundVerdict) Attended() bool {
	return v == VerdictPresent || v == VerdictPresentLowConfidence
}

// TrackEntry is one row of a RoundTrack, keyed by (RoundID, ParticipantID).
type TrackEntry struct {
	RoundID        uuid.UUID
	ParticipantID  string
	DeviceID       string
	Verdict        RoundVerdict
	Confidence     string
	Attended       bool
	AttendedAt     sql.NullTime
	ObserverCount  int
	VetoAnomalyID  uuid.NullUUID
	OverriddenBy   sql.NullString
	OverrideReason sql.NullString
}

// RoundTrack is the stored consensus outcome of one round.
type RoundTrack struct {
	RoundID    uuid.UUID
	SessionID  uuid.UUID
	Digest     string
	ComputedAt time.Time
	Entries    []TrackEntry // ordered by participant id
}

// SessionVerdict is the final attendance decision for a session.
type SessionVerdict string

const (
	SessionPresent       SessionVerdict = "PRESENT"
	SessionAbsent        SessionVerdict = "ABSENT"
	SessionPendingReview SessionVerdict = "PENDING_REVIEW"
)

// SessionRecord is the Aggregator output for one participant.
type SessionRecord struct {
	SessionID      uuid.UUID
	ParticipantID  string
	RoundsAttended int
	RoundsTotal    int
	Ratio          float64
	Threshold      float64
	Verdict        SessionVerdict
	Final          bool
	OverriddenBy   sql.NullString
	UpdatedAt      time.Time
}

type OverrideScope string

const (
	ScopeRoundEntry     OverrideScope = "ROUND_ENTRY"
	ScopeSessionVerdict OverrideScope = "SESSION_VERDICT"
)

// Override is the audit row written for every explicit correction.
type Override struct {
	ID                 uuid.UUID
	Scope              OverrideScope
	SessionID          uuid.UUID
	RoundID            uuid.NullUUID
	ParticipantID      string
	Previous           string
	Next               string
	Actor              string
	Reason             string
	SourceSubmissionID uuid.NullUUID
	CreatedAt          time.Time
}

// Repository persists round tracks, session records and the override log.
type Repository interface {
	// ReplaceRoundTrack swaps the whole track of a round atomically.
	ReplaceRoundTrack(ctx context.Context, t *RoundTrack) error
	GetRoundTrack(ctx context.Context, roundID uuid.UUID) (*RoundTrack, error)
	ListTracksBySession(ctx context.Context, sessionID uuid.UUID) ([]*RoundTrack, error)
	// ApplyEntryOverride updates one entry and records the audit row in the same transaction.
	ApplyEntryOverride(ctx context.Context, e *TrackEntry, o *Override) error

	UpsertSessionRecords(ctx context.Context, records []*SessionRecord) error
	ListSessionRecords(ctx context.Context, sessionID uuid.UUID) ([]*SessionRecord, error)
	GetSessionRecord(ctx context.Context, sessionID uuid.UUID, participantID string) (*SessionRecord, error)
	ApplyRecordOverride(ctx context.Context, r *SessionRecord, o *Override) error
	ListOverrides(ctx context.Context, sessionID uuid.UUID) ([]*Override, error)
}
