package geo

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Verification is one GPS fix captured during a session
// (a presence verification round).
type Verification struct {
	ID             uuid.UUID
	SessionID      uuid.UUID
	DeviceID       string
	ParticipantID  string
	Sequence       int
	Latitude       float64
	Longitude      float64
	AccuracyMeters float64
	Mocked         bool // the device OS reported a mock location provider
	CapturedAt     time.Time
	Valid          bool
	Reason         string
	CreatedAt      time.Time
}

// Repository persists fixes and anomalies.
type Repository interface {
	SaveVerification(ctx context.Context, v *Verification, anomalies []*Anomaly) error
	LastVerification(ctx context.Context, deviceID string) (*Verification, error)
	ListVerifications(ctx context.Context, sessionID uuid.UUID) ([]*Verification, error)
	CountVerifications(ctx context.Context, sessionID uuid.UUID, deviceID string) (int, error)

	GetAnomaly(ctx context.Context, id uuid.UUID) (*Anomaly, error)
	UpdateAnomaly(ctx context.Context, a *Anomaly) error
	// ListUnresolvedAnomalies returns open and investigating anomalies,
	// for one session or for all sessions when sessionID is uuid.Nil.
	ListUnresolvedAnomalies(ctx context.Context, sessionID uuid.UUID) ([]*Anomaly, error)
}
