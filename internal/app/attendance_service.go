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
	"proximity_attendance/internal/domain/scan"
	"proximity_attendance/internal/domain/session"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// OverrideRequest corrects one entry of a finalized round.
type OverrideRequest struct {
	RoundID            uuid.UUID               `json:"-" validate:"required"`
	ParticipantID      string                  `json:"participant_id" validate:"required,max=128"`
	Verdict            attendance.RoundVerdict `json:"verdict" validate:"required,oneof=PRESENT PRESENT_LOW_CONFIDENCE ABSENT ABSENT_PENDING_REVIEW"`
	Actor              string                  `json:"actor" validate:"required,max=128"`
	Reason             string                  `json:"reason" validate:"required,max=1000"`
	SourceSubmissionID *uuid.UUID              `json:"source_submission_id"`
}

// FlipRequest is issued by the dispute workflow once a dispute is approved.
type FlipRequest struct {
	SessionID     uuid.UUID                 `json:"-" validate:"required"`
	ParticipantID string                    `json:"-" validate:"required,max=128"`
	Verdict       attendance.SessionVerdict `json:"verdict" validate:"required,oneof=PRESENT ABSENT"`
	Actor         string                    `json:"actor" validate:"required,max=128"`
	Reason        string                    `json:"reason" validate:"required,max=1000"`
}

// AttendanceService rolls round tracks into session records and applies
// audited corrections.
type AttendanceService struct {
	sessions    session.Repository
	tracks      attendance.Repository
	submissions scan.Repository
	directory   roster.Directory
	notifier    notify.Notifier
	locks       *SessionLocks
	policy      attendance.AggregatePolicy
	logger      *logrus.Entry
	now         func() time.Time
}

func NewAttendanceService(
	sessions session.Repository,
	tracks attendance.Repository,
	submissions scan.Repository,
	directory roster.Directory,
	notifier notify.Notifier,
	locks *SessionLocks,
	policy attendance.AggregatePolicy,
	logger *logrus.Entry,
) *AttendanceService {
	return &AttendanceService{
		sessions:    sessions,
		tracks:      tracks,
		submissions: submissions,
		directory:   directory,
		notifier:    notifier,
		locks:       locks,
		policy:      policy,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// FinalizeSession computes the session records. The session must be
// Completed and every non-cancelled round Finalized. Records carrying an
// override are kept as they are.
func (s *AttendanceService) FinalizeSession(ctx context.Context, sessionID uuid.UUID) ([]*attendance.SessionRecord, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()
	return s.finalizeLocked(ctx, sessionID)
}

func (s *AttendanceService) finalizeLocked(ctx context.Context, sessionID uuid.UUID) ([]*attendance.SessionRecord, error) {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		return nil, invalid("session_id", "unknown session")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	if sess.Status != session.StatusCompleted {
		return nil, ErrSessionNotCompleted
	}
	rounds, err := s.sessions.ListRounds(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rounds for session %s: %w", sessionID, err)
	}
	counted := make(map[uuid.UUID]bool, len(rounds))
	for _, r := range rounds {
		if r.Status == session.RoundCancelled {
			continue
		}
		if r.Status != session.RoundFinalized {
			return nil, fmt.Errorf("%w: round %d", ErrRoundNotFinalized, r.Number)
		}
		counted[r.ID] = true
	}
	roundsTotal := len(counted)
	if sess.RoundCount > 0 && roundsTotal > sess.RoundCount {
		roundsTotal = sess.RoundCount
	}

	all, err := s.tracks.ListTracksBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracks for session %s: %w", sessionID, err)
	}
	tracks := make([]*attendance.RoundTrack, 0, len(all))
	for _, t := range all {
		if counted[t.RoundID] {
			tracks = append(tracks, t)
		}
	}

	ros, err := s.directory.SessionRoster(ctx, sessionID)
	if err != nil && !errors.Is(err, roster.ErrRosterNotFound) {
		return nil, fmt.Errorf("failed to load roster for session %s: %w", sessionID, err)
	}
	var participants []string
	if ros != nil {
		for _, p := range ros.Students() {
			participants = append(participants, p.ParticipantID)
		}
	}

	policy := s.policy
	if sess.AttendanceThreshold.Valid {
		policy.Threshold = sess.AttendanceThreshold.Float64
	}
	records := attendance.Aggregate(sessionID, participants, tracks, roundsTotal, policy, sess.EndsAt, s.now())

	existing, err := s.tracks.ListSessionRecords(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list records for session %s: %w", sessionID, err)
	}
	overridden := make(map[string]*attendance.SessionRecord)
	for _, r := range existing {
		if r.OverriddenBy.Valid {
			overridden[r.ParticipantID] = r
		}
	}
	for i, r := range records {
		if o, ok := overridden[r.ParticipantID]; ok {
			records[i] = o
		}
	}

	if err := s.tracks.UpsertSessionRecords(ctx, records); err != nil {
		return nil, fmt.Errorf("failed to store records for session %s: %w", sessionID, err)
	}
	s.logger.WithFields(logrus.Fields{
		"session_id":   sessionID,
		"participants": len(records),
		"rounds_total": roundsTotal,
	}).Info("Session attendance aggregated")
	return records, nil
}

// FinalizePendingSessions aggregates completed sessions whose records are
// missing or still waiting on a review, once all their rounds are finalized.
func (s *AttendanceService) FinalizePendingSessions(ctx context.Context) (int, error) {
	completed, err := s.sessions.ListSessionsByStatus(ctx, session.StatusCompleted)
	if err != nil {
		return 0, fmt.Errorf("failed to list completed sessions: %w", err)
	}
	done := 0
	for _, sess := range completed {
		records, err := s.tracks.ListSessionRecords(ctx, sess.ID)
		if err != nil {
			s.logger.WithError(err).WithField("session_id", sess.ID).Error("Failed to list session records")
			continue
		}
		if len(records) > 0 && allFinal(records) {
			continue
		}
		if _, err := s.FinalizeSession(ctx, sess.ID); err != nil {
			if errors.Is(err, ErrRoundNotFinalized) {
				continue
			}
			s.logger.WithError(err).WithField("session_id", sess.ID).Error("Failed to finalize session")
			continue
		}
		done++
	}
	return done, nil
}

func allFinal(records []*attendance.SessionRecord) bool {
	for _, r := range records {
		if !r.Final {
			return false
		}
	}
	return true
}

// SessionAttendance returns the stored records. It never aggregates.
func (s *AttendanceService) SessionAttendance(ctx context.Context, sessionID uuid.UUID) ([]*attendance.SessionRecord, error) {
	if _, err := s.sessions.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, invalid("session_id", "unknown session")
		}
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	return s.tracks.ListSessionRecords(ctx, sessionID)
}

// OverrideRoundEntry is the only way to change a finalized round. A late
// submission may be cited as evidence. When the session was already
// aggregated its records are refreshed from the corrected tracks.
func (s *AttendanceService) OverrideRoundEntry(ctx context.Context, req OverrideRequest) (*attendance.TrackEntry, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	round, err := s.sessions.GetRound(ctx, req.RoundID)
	if errors.Is(err, session.ErrRoundNotFound) {
		return nil, invalid("round_id", "unknown round")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get round %s: %w", req.RoundID, err)
	}

	unlock := s.locks.Lock(round.SessionID)
	entry, o, err := s.overrideLocked(ctx, round.ID, req)
	unlock()
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"round_id":       round.ID,
		"participant_id": req.ParticipantID,
		"previous":       o.Previous,
		"next":           o.Next,
		"actor":          req.Actor,
	}).Info("Round entry overridden")
	s.notifyParticipant(ctx, round.SessionID, req.ParticipantID, notify.Event{
		Kind:      notify.EventVerdictChanged,
		SessionID: round.SessionID,
		RoundID:   uuid.NullUUID{UUID: round.ID, Valid: true},
		Text:      fmt.Sprintf("Your attendance for round %d was changed to %s.", round.Number, o.Next),
	})
	return entry, nil
}

func (s *AttendanceService) overrideLocked(ctx context.Context, roundID uuid.UUID, req OverrideRequest) (*attendance.TrackEntry, *attendance.Override, error) {
	round, err := s.sessions.GetRound(ctx, roundID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get round %s: %w", roundID, err)
	}
	if round.Status != session.RoundFinalized {
		return nil, nil, ErrRoundNotFinalized
	}
	track, err := s.tracks.GetRoundTrack(ctx, roundID)
	if errors.Is(err, attendance.ErrTrackNotFound) {
		return nil, nil, invalid("round_id", "round has no track")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get track of round %s: %w", roundID, err)
	}
	var entry *attendance.TrackEntry
	for i := range track.Entries {
		if track.Entries[i].ParticipantID == req.ParticipantID {
			e := track.Entries[i]
			entry = &e
			break
		}
	}
	if entry == nil {
		return nil, nil, invalid("participant_id", "participant has no entry in this round")
	}

	var source uuid.NullUUID
	var evidenceAt time.Time
	if req.SourceSubmissionID != nil {
		sub, err := s.submissions.GetByID(ctx, *req.SourceSubmissionID)
		if errors.Is(err, scan.ErrSubmissionNotFound) {
			return nil, nil, invalid("source_submission_id", "unknown submission")
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get submission %s: %w", *req.SourceSubmissionID, err)
		}
		if !sub.RoundID.Valid || sub.RoundID.UUID != roundID {
			return nil, nil, invalid("source_submission_id", "submission belongs to another round")
		}
		source = uuid.NullUUID{UUID: sub.ID, Valid: true}
		evidenceAt = sub.ClientTimestamp
	}

	now := s.now()
	o := &attendance.Override{
		ID:                 uuid.New(),
		Scope:              attendance.ScopeRoundEntry,
		SessionID:          round.SessionID,
		RoundID:            uuid.NullUUID{UUID: roundID, Valid: true},
		ParticipantID:      req.ParticipantID,
		Previous:           string(entry.Verdict),
		Next:               string(req.Verdict),
		Actor:              req.Actor,
		Reason:             req.Reason,
		SourceSubmissionID: source,
		CreatedAt:          now,
	}

	entry.Verdict = req.Verdict
	entry.Attended = req.Verdict.Attended()
	switch {
	case !entry.Attended:
		entry.AttendedAt = sql.NullTime{}
	case !entry.AttendedAt.Valid && !evidenceAt.IsZero():
		entry.AttendedAt = sql.NullTime{Time: evidenceAt, Valid: true}
	case !entry.AttendedAt.Valid:
		entry.AttendedAt = sql.NullTime{Time: now, Valid: true}
	}
	if req.Verdict != attendance.VerdictAbsentPendingReview {
		entry.VetoAnomalyID = uuid.NullUUID{}
	}
	entry.OverriddenBy = sql.NullString{String: req.Actor, Valid: true}
	entry.OverrideReason = sql.NullString{String: req.Reason, Valid: true}

	if err := s.tracks.ApplyEntryOverride(ctx, entry, o); err != nil {
		return nil, nil, fmt.Errorf("failed to apply override: %w", err)
	}

	records, err := s.tracks.ListSessionRecords(ctx, round.SessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list records for session %s: %w", round.SessionID, err)
	}
	if len(records) > 0 {
		if _, err := s.finalizeLocked(ctx, round.SessionID); err != nil {
			return nil, nil, fmt.Errorf("failed to refresh records after override: %w", err)
		}
	}
	return entry, o, nil
}

// FlipSessionVerdict sets the final session verdict of one participant on
// behalf of the dispute workflow.
func (s *AttendanceService) FlipSessionVerdict(ctx context.Context, req FlipRequest) (*attendance.SessionRecord, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(req.SessionID)
	rec, o, err := s.flipLocked(ctx, req)
	unlock()
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"session_id":     req.SessionID,
		"participant_id": req.ParticipantID,
		"previous":       o.Previous,
		"next":           o.Next,
		"actor":          req.Actor,
	}).Info("Session verdict flipped")
	s.notifyParticipant(ctx, req.SessionID, req.ParticipantID, notify.Event{
		Kind:      notify.EventVerdictChanged,
		SessionID: req.SessionID,
		Text:      fmt.Sprintf("Your session attendance was changed to %s.", o.Next),
	})
	return rec, nil
}

func (s *AttendanceService) flipLocked(ctx context.Context, req FlipRequest) (*attendance.SessionRecord, *attendance.Override, error) {
	rec, err := s.tracks.GetSessionRecord(ctx, req.SessionID, req.ParticipantID)
	if errors.Is(err, attendance.ErrRecordNotFound) {
		return nil, nil, invalid("participant_id", "no attendance record for this participant")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get record: %w", err)
	}
	now := s.now()
	o := &attendance.Override{
		ID:            uuid.New(),
		Scope:         attendance.ScopeSessionVerdict,
		SessionID:     req.SessionID,
		ParticipantID: req.ParticipantID,
		Previous:      string(rec.Verdict),
		Next:          string(req.Verdict),
		Actor:         req.Actor,
		Reason:        req.Reason,
		CreatedAt:     now,
	}
	rec.Verdict = req.Verdict
	rec.Final = true
	rec.OverriddenBy = sql.NullString{String: req.Actor, Valid: true}
	rec.UpdatedAt = now
	if err := s.tracks.ApplyRecordOverride(ctx, rec, o); err != nil {
		return nil, nil, fmt.Errorf("failed to apply verdict flip: %w", err)
	}
	return rec, o, nil
}

// Overrides returns the audit log of a session, oldest first.
func (s *AttendanceService) Overrides(ctx context.Context, sessionID uuid.UUID) ([]*attendance.Override, error) {
	return s.tracks.ListOverrides(ctx, sessionID)
}

func (s *AttendanceService) notifyParticipant(ctx context.Context, sessionID uuid.UUID, participantID string, e notify.Event) {
	ros, err := s.directory.SessionRoster(ctx, sessionID)
	if err != nil {
		return
	}
	p, ok := ros.ByParticipant(participantID)
	if !ok || p.ChatID == 0 {
		return
	}
	e.ChatIDs = []int64{p.ChatID}
	_ = s.notifier.Notify(ctx, e)
}
