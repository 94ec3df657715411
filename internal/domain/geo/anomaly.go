// internal/domain/geo/anomaly.go
package geo

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAnomalyNotFound      = errors.New("gps anomaly not found")
	ErrVerificationNotFound = errors.New("presence verification not found")
	ErrAnomalyTransition    = errors.New("invalid anomaly transition")
)

type AnomalyKind string

const (
	KindTeleportation AnomalyKind = "TELEPORTATION"
	KindOutOfRange    AnomalyKind = "OUT_OF_RANGE"
	KindSpoofing      AnomalyKind = "SPOOFING_SIGNATURE"
)

type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// AnomalyStatus is the investigation lifecycle, separate from rounds.
type AnomalyStatus string

const (
	AnomalyOpen          AnomalyStatus = "OPEN"
	AnomalyInvestigating AnomalyStatus = "INVESTIGATING"
	AnomalyResolved      AnomalyStatus = "RESOLVED"
)

var anomalyTransitions = map[AnomalyStatus]AnomalyStatus{
	AnomalyOpen:          AnomalyInvestigating,
	AnomalyInvestigating: AnomalyResolved,
}

// Anomaly is a flagged geolocation irregularity for one device in a session.
type Anomaly struct {
	ID             uuid.UUID
	SessionID      uuid.UUID
	DeviceID       string
	ParticipantID  string
	VerificationID uuid.NullUUID
	Kind           AnomalyKind
	Severity       Severity
	Status         AnomalyStatus
	Details        string
	DetectedAt     time.Time
	InvestigatedBy sql.NullString
	InvestigatedAt sql.NullTime
	ResolvedBy     sql.NullString
	ResolvedAt     sql.NullTime
	Resolution     sql.NullString
}

// Unresolved anomalies still count against the device.
func (a *Anomaly) Unresolved() bool {
	return a.Status != AnomalyResolved
}

// Investigate moves an open anomaly under investigation.
func (a *Anomaly) Investigate(actor, note string, at time.Time) error {
	if err := a.advance(AnomalyInvestigating); err != nil {
		return err
	}
	a.InvestigatedBy = sql.NullString{String: actor, Valid: true}
	a.InvestigatedAt = sql.NullTime{Time: at, Valid: true}
	if note != "" {
		a.Details = a.Details + "; investigation: " + note
	}
	return nil
}

func (a *Anomaly) Resolve(actor, resolution string, at time.Time) error {
	if err := a.advance(AnomalyResolved); err != nil {
		return err
	}
	a.ResolvedBy = sql.NullString{String: actor, Valid: true}
	a.ResolvedAt = sql.NullTime{Time: at, Valid: true}
	a.Resolution = sql.NullString{String: resolution, Valid: resolution != ""}
	return nil
}

func (a *Anomaly) advance(to AnomalyStatus) error {
	if anomalyTransitions[a.Status] != to {
		return fmt.Errorf("%w: anomaly %s is %s, cannot move to %s", ErrAnomalyTransition, a.ID, a.Status, to)
	}
	a.Status = to
	return nil
}
