package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"proximity_attendance/internal/domain/roster"
	"proximity_attendance/internal/domain/scan"
	"proximity_attendance/internal/domain/session"
	"proximity_attendance/internal/domain/signal"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// SubmitRequest is one scan report as received from a device.
type SubmitRequest struct {
	SessionID         uuid.UUID            `json:"-" validate:"required"`
	SubmitterDeviceID string               `json:"submitter_device_id" validate:"required,max=128"`
	ClientTimestamp   time.Time            `json:"client_timestamp" validate:"required"`
	Observations      []signal.Observation `json:"observations" validate:"max=512,dive"`
}

// SubmitResult acknowledges a stored submission.
type SubmitResult struct {
	Accepted     bool      `json:"accepted"`
	SubmissionID uuid.UUID `json:"submissionId"`
	RoundID      uuid.UUID `json:"roundId"`
	Late         bool      `json:"late"`
}

// sessionSnapshot is the read-mostly view used to route submissions.
type sessionSnapshot struct {
	session  *session.Session
	rounds   []*session.Round
	roster   *roster.Roster
	loadedAt time.Time
}

// IngestionService accepts scan submissions and assigns them to rounds. It
// takes no session lock.
type IngestionService struct {
	submissions scan.Repository
	sessions    session.Repository
	directory   roster.Directory
	logger      *logrus.Entry
	ttl         time.Duration
	now         func() time.Time

	mu        sync.RWMutex
	snapshots map[uuid.UUID]*sessionSnapshot
	loads     singleflight.Group
}

func NewIngestionService(
	submissions scan.Repository,
	sessions session.Repository,
	directory roster.Directory,
	snapshotTTL time.Duration,
	logger *logrus.Entry,
) *IngestionService {
	return &IngestionService{
		submissions: submissions,
		sessions:    sessions,
		directory:   directory,
		logger:      logger,
		ttl:         snapshotTTL,
		now:         func() time.Time { return time.Now().UTC() },
		snapshots:   make(map[uuid.UUID]*sessionSnapshot),
	}
}

// Submit validates, routes and stores a submission. A submission that matches
// no round is still stored for audit; ErrNoMatchingRound is returned together
// with an unaccepted result carrying the stored id.
func (s *IngestionService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	log := s.logger.WithFields(logrus.Fields{
		"session_id": req.SessionID,
		"device_id":  req.SubmitterDeviceID,
	})

	snap, err := s.snapshot(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if _, ok := snap.roster.ByDevice(req.SubmitterDeviceID); !ok {
		return nil, invalid("submitter_device_id", "device is not registered for this session")
	}
	if !snap.session.Status.AcceptsSubmissions() {
		return nil, ErrSessionClosed
	}

	sub := &scan.Submission{
		ID:                uuid.New(),
		SessionID:         req.SessionID,
		SubmitterDeviceID: req.SubmitterDeviceID,
		Observations:      req.Observations,
		ClientTimestamp:   req.ClientTimestamp.UTC(),
		ReceivedAt:        s.now(),
	}

	target := session.ResolveRound(snap.rounds, sub.ClientTimestamp)
	if target == nil {
		if err := s.submissions.Append(ctx, sub); err != nil {
			return nil, fmt.Errorf("failed to store unassigned submission: %w", err)
		}
		log.WithField("submission_id", sub.ID).Info("Submission matched no round, stored for audit")
		return &SubmitResult{SubmissionID: sub.ID}, ErrNoMatchingRound
	}

	// Window bounds come from the snapshot; the status must be current.
	current, err := s.sessions.GetRound(ctx, target.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read round %s: %w", target.ID, err)
	}
	if current.Status == session.RoundCancelled {
		s.Invalidate(req.SessionID)
		if err := s.submissions.Append(ctx, sub); err != nil {
			return nil, fmt.Errorf("failed to store unassigned submission: %w", err)
		}
		return &SubmitResult{SubmissionID: sub.ID}, ErrNoMatchingRound
	}

	sub.RoundID = uuid.NullUUID{UUID: current.ID, Valid: true}
	sub.Late = current.Status.Closed()
	if err := s.submissions.Append(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to store submission: %w", err)
	}
	if !sub.Late {
		// a round closed between the status read and the append makes this late
		after, err := s.sessions.GetRound(ctx, current.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to re-read round %s: %w", current.ID, err)
		}
		if after.Status.Closed() {
			if err := s.submissions.MarkLate(ctx, sub.ID); err != nil {
				return nil, fmt.Errorf("failed to mark submission %s late: %w", sub.ID, err)
			}
			sub.Late = true
			current = after
		}
	}

	if sub.Late {
		log.WithFields(logrus.Fields{
			"round_id":      current.ID,
			"submission_id": sub.ID,
			"round_status":  current.Status,
		}).Warn("Late submission stored, excluded from automatic consensus")
	}

	return &SubmitResult{
		Accepted:     true,
		SubmissionID: sub.ID,
		RoundID:      current.ID,
		Late:         sub.Late,
	}, nil
}

// LateSubmissions lists submissions that arrived after their round closed.
func (s *IngestionService) LateSubmissions(ctx context.Context, roundID uuid.UUID) ([]*scan.Submission, error) {
	if _, err := s.sessions.GetRound(ctx, roundID); err != nil {
		if errors.Is(err, session.ErrRoundNotFound) {
			return nil, invalid("round_id", "unknown round")
		}
		return nil, fmt.Errorf("failed to get round %s: %w", roundID, err)
	}
	return s.submissions.ListLateByRound(ctx, roundID)
}

// UnassignedSubmissions lists the audit trail of submissions that matched no round.
func (s *IngestionService) UnassignedSubmissions(ctx context.Context, sessionID uuid.UUID) ([]*scan.Submission, error) {
	return s.submissions.ListUnassigned(ctx, sessionID)
}

// Invalidate drops the cached snapshot of a session.
func (s *IngestionService) Invalidate(sessionID uuid.UUID) {
	s.mu.Lock()
	delete(s.snapshots, sessionID)
	s.mu.Unlock()
}

func (s *IngestionService) snapshot(ctx context.Context, sessionID uuid.UUID) (*sessionSnapshot, error) {
	now := s.now()
	s.mu.RLock()
	snap, ok := s.snapshots[sessionID]
	s.mu.RUnlock()
	if ok && now.Sub(snap.loadedAt) < s.ttl {
		return snap, nil
	}

	v, err, _ := s.loads.Do(sessionID.String(), func() (interface{}, error) {
		return s.loadSnapshot(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	snap = v.(*sessionSnapshot)
	if s.ttl > 0 {
		s.mu.Lock()
		s.snapshots[sessionID] = snap
		s.mu.Unlock()
	}
	return snap, nil
}

func (s *IngestionService) loadSnapshot(ctx context.Context, sessionID uuid.UUID) (*sessionSnapshot, error) {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		return nil, invalid("session_id", "unknown session")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	rounds, err := s.sessions.ListRounds(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rounds for session %s: %w", sessionID, err)
	}
	ros, err := s.directory.SessionRoster(ctx, sessionID)
	if errors.Is(err, roster.ErrRosterNotFound) {
		ros = &roster.Roster{SessionID: sessionID}
	} else if err != nil {
		return nil, fmt.Errorf("failed to load roster for session %s: %w", sessionID, err)
	}
	return &sessionSnapshot{session: sess, rounds: rounds, roster: ros, loadedAt: s.now()}, nil
}
