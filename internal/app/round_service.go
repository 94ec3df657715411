// internal/app/round_service.go
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"proximity_attendance/internal/domain/attendance"
	"proximity_attendance/internal/domain/notify"
	"proximity_attendance/internal/domain/roster"
	"proximity_attendance/internal/domain/session"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ScheduleRequest creates a session and pre-provisions its rounds.
type ScheduleRequest struct {
	ScheduleID          string               `json:"schedule_id" validate:"required,max=128"`
	LecturerID          string               `json:"lecturer_id" validate:"required,max=128"`
	StartsAt            time.Time            `json:"starts_at" validate:"required"`
	EndsAt              time.Time            `json:"ends_at" validate:"required,gtfield=StartsAt"`
	RoundCount          int                  `json:"round_count" validate:"gte=1,lte=24"`
	AttendanceThreshold *float64             `json:"attendance_threshold" validate:"omitempty,gt=0,lte=1"`
	Latitude            float64              `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude           float64              `json:"longitude" validate:"gte=-180,lte=180"`
	RadiusMeters        float64              `json:"radius_meters" validate:"gte=0"`
	Participants        []roster.Participant `json:"participants" validate:"omitempty,dive"`
}

// ParticipantResult is one row of a round result.
type ParticipantResult struct {
	StudentID  string                  `json:"studentId"`
	Attended   bool                    `json:"attended"`
	AttendedAt *time.Time              `json:"attendedAt,omitempty"`
	Verdict    attendance.RoundVerdict `json:"verdict"`
}

// RoundResult is the read model of a round; it is never recomputed on read.
type RoundResult struct {
	RoundID        uuid.UUID              `json:"roundId"`
	SessionID      uuid.UUID              `json:"sessionId"`
	RoundNumber    int                    `json:"roundNumber"`
	Status         session.RoundStatus    `json:"status"`
	ConsensusState session.ConsensusState `json:"consensusState"`
	PerParticipant []ParticipantResult    `json:"perParticipant"`
}

// RoundService owns the server-authoritative round lifecycle.
type RoundService struct {
	sessions  session.Repository
	directory roster.Directory
	tracks    attendance.Repository
	events    RoundEvents
	notifier  notify.Notifier
	locks     *SessionLocks
	logger    *logrus.Entry
	now       func() time.Time

	sessionListeners []func(uuid.UUID)
}

func NewRoundService(
	sessions session.Repository,
	directory roster.Directory,
	tracks attendance.Repository,
	events RoundEvents,
	notifier notify.Notifier,
	locks *SessionLocks,
	logger *logrus.Entry,
) *RoundService {
	return &RoundService{
		sessions:  sessions,
		directory: directory,
		tracks:    tracks,
		events:    events,
		notifier:  notifier,
		locks:     locks,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// OnSessionChange registers a callback fired after a session's rounds or
// status change, used to drop cached snapshots.
func (s *RoundService) OnSessionChange(fn func(sessionID uuid.UUID)) {
	s.sessionListeners = append(s.sessionListeners, fn)
}

func (s *RoundService) sessionChanged(id uuid.UUID) {
	for _, fn := range s.sessionListeners {
		fn(id)
	}
}

// ScheduleSession stores a new session with contiguous pre-provisioned rounds.
func (s *RoundService) ScheduleSession(ctx context.Context, req ScheduleRequest) (*session.Session, []*session.Round, error) {
	if err := validateStruct(req); err != nil {
		return nil, nil, err
	}
	now := s.now()
	sess := &session.Session{
		ID:         uuid.New(),
		ScheduleID: req.ScheduleID,
		LecturerID: req.LecturerID,
		StartsAt:   req.StartsAt.UTC(),
		EndsAt:     req.EndsAt.UTC(),
		Status:     session.StatusPending,
		RoundCount: req.RoundCount,
		Geofence: session.Geofence{
			Latitude:     req.Latitude,
			Longitude:    req.Longitude,
			RadiusMeters: req.RadiusMeters,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.AttendanceThreshold != nil {
		sess.AttendanceThreshold = sql.NullFloat64{Float64: *req.AttendanceThreshold, Valid: true}
	}
	rounds := session.ProvisionRounds(sess, req.RoundCount, now)

	if err := s.sessions.CreateSession(ctx, sess, rounds); err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}
	if len(req.Participants) > 0 {
		if err := s.directory.RegisterParticipants(ctx, sess.ID, req.Participants); err != nil {
			return nil, nil, fmt.Errorf("failed to register participants for session %s: %w", sess.ID, err)
		}
	}
	s.logger.WithFields(logrus.Fields{
		"session_id":  sess.ID,
		"schedule_id": sess.ScheduleID,
		"rounds":      len(rounds),
	}).Info("Session scheduled")
	return sess, rounds, nil
}

// AddRound provisions one more round on demand, numbered after the last one.
func (s *RoundService) AddRound(ctx context.Context, sessionID uuid.UUID, startsAt, endsAt time.Time) (*session.Round, error) {
	startsAt, endsAt = startsAt.UTC(), endsAt.UTC()
	if !endsAt.After(startsAt) {
		return nil, invalid("ends_at", "must be after starts_at")
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != session.StatusPending && sess.Status != session.StatusActive {
		return nil, &session.StateConflictError{Entity: "session", ID: sess.ID.String(), From: string(sess.Status), To: "new round"}
	}
	if startsAt.Before(sess.StartsAt) || endsAt.After(sess.EndsAt) {
		return nil, invalid("starts_at", "round window must lie inside the session window")
	}
	rounds, err := s.sessions.ListRounds(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rounds for session %s: %w", sessionID, err)
	}

	now := s.now()
	r := &session.Round{
		ID:             uuid.New(),
		SessionID:      sessionID,
		Number:         len(rounds) + 1,
		StartsAt:       startsAt,
		EndsAt:         endsAt,
		Status:         session.RoundPending,
		ConsensusState: session.ConsensusNotComputed,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.sessions.CreateRound(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to create round: %w", err)
	}
	sess.RoundCount = r.Number
	sess.UpdatedAt = now
	if err := s.sessions.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to update round count of session %s: %w", sessionID, err)
	}
	s.sessionChanged(sessionID)
	return r, nil
}

// Activate opens a round for scanning. Any other active round in the session
// is completed first. Activating the round that is already active is a no-op.
func (s *RoundService) Activate(ctx context.Context, sessionID, roundID uuid.UUID, lecturerID string) (*session.Round, error) {
	log := s.logger.WithFields(logrus.Fields{"session_id": sessionID, "round_id": roundID})

	unlock := s.locks.Lock(sessionID)
	sess, round, forced, activated, err := s.activateLocked(ctx, sessionID, roundID, lecturerID)
	unlock()
	if err != nil {
		return nil, err
	}

	for _, r := range forced {
		log.WithField("completed_round_id", r.ID).Info("Previous active round completed by activation")
		s.publishCompleted(ctx, r)
	}
	if activated {
		log.WithField("round_number", round.Number).Info("Round activated")
		s.notifyStudents(ctx, sess, notify.Event{
			Kind:      notify.EventRoundStarted,
			SessionID: sessionID,
			RoundID:   uuid.NullUUID{UUID: round.ID, Valid: true},
			Text:      fmt.Sprintf("Attendance round %d has started. Keep the app open until %s UTC.", round.Number, round.EndsAt.Format("15:04")),
		})
	}
	return round, nil
}

func (s *RoundService) activateLocked(ctx context.Context, sessionID, roundID uuid.UUID, lecturerID string) (*session.Session, *session.Round, []*session.Round, bool, error) {
	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, nil, nil, false, err
	}
	if sess.LecturerID != lecturerID {
		return nil, nil, nil, false, ErrNotAuthorized
	}
	round, err := s.loadRound(ctx, roundID)
	if err != nil {
		return nil, nil, nil, false, err
	}
	if round.SessionID != sessionID {
		return nil, nil, nil, false, invalid("round_id", "round does not belong to this session")
	}
	if round.Status == session.RoundActive {
		return sess, round, nil, false, nil
	}
	if sess.Status != session.StatusPending && sess.Status != session.StatusActive {
		return nil, nil, nil, false, &session.StateConflictError{Entity: "session", ID: sess.ID.String(), From: string(sess.Status), To: string(session.StatusActive)}
	}
	now := s.now()
	if !sess.WithinWindow(now) {
		return nil, nil, nil, false, ErrOutsideSessionWindow
	}
	if !round.Status.CanTransitionTo(session.RoundActive) {
		return nil, nil, nil, false, &session.StateConflictError{Entity: "round", ID: round.ID.String(), From: string(round.Status), To: string(session.RoundActive)}
	}

	rounds, err := s.sessions.ListRounds(ctx, sessionID)
	if err != nil {
		return nil, nil, nil, false, fmt.Errorf("failed to list rounds for session %s: %w", sessionID, err)
	}
	var forced []*session.Round
	for _, other := range rounds {
		if other.ID == round.ID || other.Status != session.RoundActive {
			continue
		}
		if err := other.Transition(session.RoundCompleted, now); err != nil {
			return nil, nil, nil, false, err
		}
		if err := s.sessions.UpdateRound(ctx, other); err != nil {
			return nil, nil, nil, false, fmt.Errorf("failed to complete round %s: %w", other.ID, err)
		}
		forced = append(forced, other)
	}

	if err := round.Transition(session.RoundActive, now); err != nil {
		return nil, nil, nil, false, err
	}
	if err := s.sessions.UpdateRound(ctx, round); err != nil {
		return nil, nil, nil, false, fmt.Errorf("failed to activate round %s: %w", round.ID, err)
	}
	if sess.Status == session.StatusPending {
		if err := sess.Transition(session.StatusActive, now); err != nil {
			return nil, nil, nil, false, err
		}
		if err := s.sessions.UpdateSession(ctx, sess); err != nil {
			return nil, nil, nil, false, fmt.Errorf("failed to activate session %s: %w", sess.ID, err)
		}
	}
	return sess, round, forced, true, nil
}

// Complete closes a round. Completing a round that is already completed or
// finalized returns it unchanged and publishes nothing.
func (s *RoundService) Complete(ctx context.Context, roundID uuid.UUID) (*session.Round, error) {
	r, err := s.loadRound(ctx, roundID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(r.SessionID)
	round, changed, err := s.completeLocked(ctx, roundID)
	unlock()
	if err != nil {
		return nil, err
	}
	if changed {
		s.logger.WithFields(logrus.Fields{"session_id": round.SessionID, "round_id": round.ID}).Info("Round completed")
		s.publishCompleted(ctx, round)
	}
	return round, nil
}

func (s *RoundService) completeLocked(ctx context.Context, roundID uuid.UUID) (*session.Round, bool, error) {
	round, err := s.loadRound(ctx, roundID)
	if err != nil {
		return nil, false, err
	}
	if round.Status.Closed() {
		return round, false, nil
	}
	now := s.now()
	if err := round.Transition(session.RoundCompleted, now); err != nil {
		return nil, false, err
	}
	if err := s.sessions.UpdateRound(ctx, round); err != nil {
		return nil, false, fmt.Errorf("failed to complete round %s: %w", round.ID, err)
	}
	if err := s.completeSessionIfDone(ctx, round.SessionID, now); err != nil {
		return nil, false, err
	}
	return round, true, nil
}

// completeSessionIfDone moves an active session to Completed once every round is terminal.
func (s *RoundService) completeSessionIfDone(ctx context.Context, sessionID uuid.UUID, now time.Time) error {
	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != session.StatusActive {
		return nil
	}
	rounds, err := s.sessions.ListRounds(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to list rounds for session %s: %w", sessionID, err)
	}
	for _, r := range rounds {
		if !r.Status.Terminal() {
			return nil
		}
	}
	if err := sess.Transition(session.StatusCompleted, now); err != nil {
		return err
	}
	if err := s.sessions.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("failed to complete session %s: %w", sessionID, err)
	}
	s.logger.WithField("session_id", sessionID).Info("Session completed")
	return nil
}

// Finalize locks the round's track. Only a completed round with a computed
// result can be finalized.
func (s *RoundService) Finalize(ctx context.Context, roundID uuid.UUID, actor string) (*session.Round, error) {
	if actor == "" {
		return nil, invalid("actor", "required")
	}
	r, err := s.loadRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(r.SessionID)
	defer unlock()

	round, err := s.loadRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if round.Status == session.RoundCompleted && round.ConsensusState != session.ConsensusComputed {
		return nil, ErrRoundNotConclusive
	}
	if err := round.Transition(session.RoundFinalized, s.now()); err != nil {
		return nil, err
	}
	round.FinalizedBy = sql.NullString{String: actor, Valid: true}
	if err := s.sessions.UpdateRound(ctx, round); err != nil {
		return nil, fmt.Errorf("failed to finalize round %s: %w", round.ID, err)
	}
	s.logger.WithFields(logrus.Fields{"round_id": round.ID, "actor": actor}).Info("Round finalized")
	return round, nil
}

// Cancel abandons a pending or active round.
func (s *RoundService) Cancel(ctx context.Context, roundID uuid.UUID) (*session.Round, error) {
	r, err := s.loadRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(r.SessionID)
	defer unlock()

	round, err := s.loadRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := round.Transition(session.RoundCancelled, now); err != nil {
		return nil, err
	}
	if err := s.sessions.UpdateRound(ctx, round); err != nil {
		return nil, fmt.Errorf("failed to cancel round %s: %w", round.ID, err)
	}
	if err := s.completeSessionIfDone(ctx, round.SessionID, now); err != nil {
		return nil, err
	}
	s.sessionChanged(round.SessionID)
	return round, nil
}

// CancelSession cancels the session and every round that has not closed.
func (s *RoundService) CancelSession(ctx context.Context, sessionID uuid.UUID) (*session.Session, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := sess.Transition(session.StatusCancelled, now); err != nil {
		return nil, err
	}
	if err := s.cancelOpenRounds(ctx, sessionID, now); err != nil {
		return nil, err
	}
	if err := s.sessions.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to cancel session %s: %w", sessionID, err)
	}
	s.sessionChanged(sessionID)
	return sess, nil
}

func (s *RoundService) cancelOpenRounds(ctx context.Context, sessionID uuid.UUID, now time.Time) error {
	rounds, err := s.sessions.ListRounds(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to list rounds for session %s: %w", sessionID, err)
	}
	for _, r := range rounds {
		if r.Status != session.RoundPending && r.Status != session.RoundActive {
			continue
		}
		if err := r.Transition(session.RoundCancelled, now); err != nil {
			return err
		}
		if err := s.sessions.UpdateRound(ctx, r); err != nil {
			return fmt.Errorf("failed to cancel round %s: %w", r.ID, err)
		}
	}
	return nil
}

// MarkMissedSessions flags pending sessions whose window passed without any
// round being activated.
func (s *RoundService) MarkMissedSessions(ctx context.Context) (int, error) {
	pending, err := s.sessions.ListSessionsByStatus(ctx, session.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending sessions: %w", err)
	}
	now := s.now()
	missed := 0
	for _, p := range pending {
		if !now.After(p.EndsAt) {
			continue
		}
		err := func() error {
			unlock := s.locks.Lock(p.ID)
			defer unlock()
			sess, err := s.loadSession(ctx, p.ID)
			if err != nil {
				return err
			}
			if sess.Status != session.StatusPending {
				return nil
			}
			if err := sess.Transition(session.StatusMissed, now); err != nil {
				return err
			}
			if err := s.cancelOpenRounds(ctx, sess.ID, now); err != nil {
				return err
			}
			if err := s.sessions.UpdateSession(ctx, sess); err != nil {
				return fmt.Errorf("failed to mark session %s missed: %w", sess.ID, err)
			}
			missed++
			return nil
		}()
		if err != nil {
			s.logger.WithError(err).WithField("session_id", p.ID).Error("Failed to mark session missed")
			continue
		}
		s.sessionChanged(p.ID)
	}
	return missed, nil
}

// CompleteExpiredRounds closes active rounds whose window has ended.
func (s *RoundService) CompleteExpiredRounds(ctx context.Context) (int, error) {
	expired, err := s.sessions.ListRoundsEndedBefore(ctx, session.RoundActive, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to list expired rounds: %w", err)
	}
	completed := 0
	for _, r := range expired {
		if _, err := s.Complete(ctx, r.ID); err != nil {
			s.logger.WithError(err).WithField("round_id", r.ID).Error("Failed to complete expired round")
			continue
		}
		completed++
	}
	return completed, nil
}

// RoundResult reads the stored track of a round.
func (s *RoundService) RoundResult(ctx context.Context, roundID uuid.UUID) (*RoundResult, error) {
	round, err := s.loadRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	res := &RoundResult{
		RoundID:        round.ID,
		SessionID:      round.SessionID,
		RoundNumber:    round.Number,
		Status:         round.Status,
		ConsensusState: round.ConsensusState,
		PerParticipant: []ParticipantResult{},
	}
	track, err := s.tracks.GetRoundTrack(ctx, roundID)
	if errors.Is(err, attendance.ErrTrackNotFound) {
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load track of round %s: %w", roundID, err)
	}
	for _, e := range track.Entries {
		pr := ParticipantResult{StudentID: e.ParticipantID, Attended: e.Attended, Verdict: e.Verdict}
		if e.AttendedAt.Valid {
			at := e.AttendedAt.Time
			pr.AttendedAt = &at
		}
		res.PerParticipant = append(res.PerParticipant, pr)
	}
	return res, nil
}

func (s *RoundService) Rounds(ctx context.Context, sessionID uuid.UUID) ([]*session.Round, error) {
	if _, err := s.loadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.sessions.ListRounds(ctx, sessionID)
}

func (s *RoundService) publishCompleted(ctx context.Context, r *session.Round) {
	s.events.RoundCompleted(ctx, *r)
	_ = s.notifier.Notify(ctx, notify.Event{
		Kind:      notify.EventRoundCompleted,
		SessionID: r.SessionID,
		RoundID:   uuid.NullUUID{UUID: r.ID, Valid: true},
		Text:      fmt.Sprintf("Attendance round %d is closed.", r.Number),
	})
}

func (s *RoundService) notifyStudents(ctx context.Context, sess *session.Session, e notify.Event) {
	ros, err := s.directory.SessionRoster(ctx, sess.ID)
	if err != nil {
		s.logger.WithError(err).WithField("session_id", sess.ID).Warn("Could not load roster for notification")
		return
	}
	for _, p := range ros.Students() {
		if p.ChatID != 0 {
			e.ChatIDs = append(e.ChatIDs, p.ChatID)
		}
	}
	if len(e.ChatIDs) == 0 {
		return
	}
	_ = s.notifier.Notify(ctx, e)
}

func (s *RoundService) loadSession(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	sess, err := s.sessions.GetSession(ctx, id)
	if errors.Is(err, session.ErrSessionNotFound) {
		return nil, invalid("session_id", "unknown session")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return sess, nil
}

func (s *RoundService) loadRound(ctx context.Context, id uuid.UUID) (*session.Round, error) {
	r, err := s.sessions.GetRound(ctx, id)
	if errors.Is(err, session.ErrRoundNotFound) {
		return nil, invalid("round_id", "unknown round")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get round %s: %w", id, err)
	}
	return r, nil
}
