package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"proximity_attendance/internal/domain/geo"
	"proximity_attendance/internal/domain/notify"
	"proximity_attendance/internal/domain/roster"
	"proximity_attendance/internal/domain/session"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// VerificationRequest is one GPS fix reported by a device.
type VerificationRequest struct {
	SessionID      uuid.UUID `json:"-" validate:"required"`
	DeviceID       string    `json:"device_id" validate:"required,max=128"`
	Latitude       float64   `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude      float64   `json:"longitude" validate:"gte=-180,lte=180"`
	AccuracyMeters float64   `json:"accuracy_meters"`
	Mocked         bool      `json:"mocked"`
	CapturedAt     time.Time `json:"captured_at" validate:"required"`
}

type VerificationResult struct {
	Verification *geo.Verification
	Anomalies    []*geo.Anomaly
}

// PresenceService records GPS fixes and runs the anomaly lifecycle.
type PresenceService struct {
	presence  geo.Repository
	sessions  session.Repository
	directory roster.Directory
	detector  *geo.Detector
	notifier  notify.Notifier
	logger    *logrus.Entry
	now       func() time.Time
}

func NewPresenceService(
	presence geo.Repository,
	sessions session.Repository,
	directory roster.Directory,
	detector *geo.Detector,
	notifier notify.Notifier,
	logger *logrus.Entry,
) *PresenceService {
	return &PresenceService{
		presence:  presence,
		sessions:  sessions,
		directory: directory,
		detector:  detector,
		notifier:  notifier,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RecordVerification evaluates a fix against the session geofence and the
// device's previous fix, then stores the fix with any anomalies it raised.
func (s *PresenceService) RecordVerification(ctx context.Context, req VerificationRequest) (*VerificationResult, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	sess, err := s.sessions.GetSession(ctx, req.SessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		return nil, invalid("session_id", "unknown session")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", req.SessionID, err)
	}
	if !sess.Status.AcceptsSubmissions() {
		return nil, ErrSessionClosed
	}
	ros, err := s.directory.SessionRoster(ctx, req.SessionID)
	if err != nil && !errors.Is(err, roster.ErrRosterNotFound) {
		return nil, fmt.Errorf("failed to load roster for session %s: %w", req.SessionID, err)
	}
	var participant roster.Participant
	if ros != nil {
		participant, _ = ros.ByDevice(req.DeviceID)
	}
	if participant.ParticipantID == "" {
		return nil, invalid("device_id", "device is not registered for this session")
	}

	prev, err := s.presence.LastVerification(ctx, req.DeviceID)
	if errors.Is(err, geo.ErrVerificationNotFound) {
		prev = nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load previous fix of device %s: %w", req.DeviceID, err)
	}
	count, err := s.presence.CountVerifications(ctx, req.SessionID, req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to count fixes of device %s: %w", req.DeviceID, err)
	}

	v := &geo.Verification{
		ID:             uuid.New(),
		SessionID:      req.SessionID,
		DeviceID:       req.DeviceID,
		ParticipantID:  participant.ParticipantID,
		Sequence:       count + 1,
		Latitude:       req.Latitude,
		Longitude:      req.Longitude,
		AccuracyMeters: req.AccuracyMeters,
		Mocked:         req.Mocked,
		CapturedAt:     req.CapturedAt.UTC(),
		CreatedAt:      s.now(),
	}
	fence := geo.Fence{
		Latitude:     sess.Geofence.Latitude,
		Longitude:    sess.Geofence.Longitude,
		RadiusMeters: sess.Geofence.RadiusMeters,
	}
	anomalies := s.detector.Evaluate(prev, v, fence)

	if err := s.presence.SaveVerification(ctx, v, anomalies); err != nil {
		return nil, fmt.Errorf("failed to store fix: %w", err)
	}

	for _, a := range anomalies {
		log := s.logger.WithFields(logrus.Fields{
			"session_id": a.SessionID,
			"device_id":  a.DeviceID,
			"anomaly_id": a.ID,
			"kind":       a.Kind,
			"severity":   a.Severity,
		})
		log.Warn("GPS anomaly detected")
		if a.Severity == geo.SeverityHigh {
			_ = s.notifier.Notify(ctx, notify.Event{
				Kind:      notify.EventAnomalyRaised,
				SessionID: a.SessionID,
				AnomalyID: uuid.NullUUID{UUID: a.ID, Valid: true},
				Text:      fmt.Sprintf("%s anomaly %s for participant %s: %s", a.Kind, a.ID, a.ParticipantID, a.Details),
			})
		}
	}
	return &VerificationResult{Verification: v, Anomalies: anomalies}, nil
}

// OpenAnomalies lists unresolved anomalies of a session, or of every session
// when sessionID is uuid.Nil.
func (s *PresenceService) OpenAnomalies(ctx context.Context, sessionID uuid.UUID) ([]*geo.Anomaly, error) {
	anomalies, err := s.presence.ListUnresolvedAnomalies(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list anomalies: %w", err)
	}
	return anomalies, nil
}

func (s *PresenceService) Investigate(ctx context.Context, id uuid.UUID, actor, note string) (*geo.Anomaly, error) {
	return s.advance(ctx, id, actor, func(a *geo.Anomaly, at time.Time) error {
		return a.Investigate(actor, note, at)
	})
}

// Resolve closes an anomaly. A resolved anomaly no longer vetoes, but tracks
// already stored only change through an explicit recompute.
func (s *PresenceService) Resolve(ctx context.Context, id uuid.UUID, actor, resolution string) (*geo.Anomaly, error) {
	return s.advance(ctx, id, actor, func(a *geo.Anomaly, at time.Time) error {
		return a.Resolve(actor, resolution, at)
	})
}

func (s *PresenceService) advance(ctx context.Context, id uuid.UUID, actor string, step func(*geo.Anomaly, time.Time) error) (*geo.Anomaly, error) {
	if actor == "" {
		return nil, invalid("actor", "required")
	}
	a, err := s.presence.GetAnomaly(ctx, id)
	if errors.Is(err, geo.ErrAnomalyNotFound) {
		return nil, invalid("anomaly_id", "unknown anomaly")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get anomaly %s: %w", id, err)
	}
	if err := step(a, s.now()); err != nil {
		return nil, err
	}
	if err := s.presence.UpdateAnomaly(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to update anomaly %s: %w", id, err)
	}
	s.logger.WithFields(logrus.Fields{
		"anomaly_id": a.ID,
		"status":     a.Status,
		"actor":      actor,
	}).Info("Anomaly status changed")
	return a, nil
}
