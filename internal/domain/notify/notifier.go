package notify

import (
	"context"

	"github.com/google/uuid"
)

// EventKind identifies what happened.
type EventKind string

const (
	EventRoundStarted   EventKind = "ROUND_STARTED"
	EventRoundCompleted EventKind = "ROUND_COMPLETED"
	EventRoundResult    EventKind = "ROUND_RESULT"
	EventAnomalyRaised  EventKind = "ANOMALY_RAISED"
	EventVerdictChanged EventKind = "VERDICT_CHANGED"
)

// Event is a fire-and-forget message for the notification collaborator.
// Receivers must tolerate duplicates.
type Event struct {
	Kind      EventKind
	SessionID uuid.UUID
	RoundID   uuid.NullUUID
	AnomalyID uuid.NullUUID // set for ANOMALY_RAISED so operators can act on it
	ChatIDs   []int64       // empty means the operator channel
	Text      string
}

// Notifier dispatches events. Implementations may block on the network, so
// callers never invoke them while holding a lock.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}
