package app

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"proximity_attendance/internal/domain/attendance"
	"proximity_attendance/internal/domain/consensus"
	"proximity_attendance/internal/domain/geo"
	"proximity_attendance/internal/domain/notify"
	"proximity_attendance/internal/domain/roster"
	"proximity_attendance/internal/domain/scan"
	"proximity_attendance/internal/domain/session"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ConsensusService turns the submissions of a closed round into a stored
// RoundTrack. Runs are single-flight per round and a run over an unchanged
// input leaves the stored track alone.
type ConsensusService struct {
	engine      *consensus.Engine
	sessions    session.Repository
	submissions scan.Repository
	directory   roster.Directory
	presence    geo.Repository
	tracks      attendance.Repository
	notifier    notify.Notifier
	locks       *SessionLocks
	logger      *logrus.Entry
	now         func() time.Time

	flights      singleflight.Group
	computations atomic.Int64
}

func NewConsensusService(
	engine *consensus.Engine,
	sessions session.Repository,
	submissions scan.Repository,
	directory roster.Directory,
	presence geo.Repository,
	tracks attendance.Repository,
	notifier notify.Notifier,
	locks *SessionLocks,
	logger *logrus.Entry,
) *ConsensusService {
	return &ConsensusService{
		engine:      engine,
		sessions:    sessions,
		submissions: submissions,
		directory:   directory,
		presence:    presence,
		tracks:      tracks,
		notifier:    notifier,
		locks:       locks,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RoundCompleted is the subscriber for round-completed events. An
// inconclusive round is logged, not returned, since the event has been handled.
func (s *ConsensusService) RoundCompleted(ctx context.Context, r session.Round) error {
	_, err := s.run(ctx, r.ID, false)
	if errors.Is(err, consensus.ErrInconclusive) {
		return nil
	}
	return err
}

// Recompute is the explicit admin request. It only runs on Completed rounds.
func (s *ConsensusService) Recompute(ctx context.Context, roundID uuid.UUID, actor string) (*attendance.RoundTrack, error) {
	if actor == "" {
		return nil, invalid("actor", "required")
	}
	s.logger.WithFields(logrus.Fields{"round_id": roundID, "actor": actor}).Info("Consensus recompute requested")
	track, err := s.run(ctx, roundID, true)
	if err != nil {
		return nil, err
	}
	// a shared automatic run reports no track when the round was not completed
	if track == nil {
		return nil, ErrRoundNotClosed
	}
	return track, nil
}

// ReconcilePending retries completed rounds that never got a result, for
// example after a crash between completion and consensus.
func (s *ConsensusService) ReconcilePending(ctx context.Context) (int, error) {
	rounds, err := s.sessions.ListRoundsByConsensusState(ctx, session.RoundCompleted, session.ConsensusNotComputed)
	if err != nil {
		return 0, fmt.Errorf("failed to list rounds pending consensus: %w", err)
	}
	done := 0
	for _, r := range rounds {
		if err := s.RoundCompleted(ctx, *r); err != nil {
			s.logger.WithError(err).WithField("round_id", r.ID).Error("Failed to reconcile round")
			continue
		}
		done++
	}
	return done, nil
}

func (s *ConsensusService) run(ctx context.Context, roundID uuid.UUID, explicit bool) (*attendance.RoundTrack, error) {
	v, err, _ := s.flights.Do(roundID.String(), func() (interface{}, error) {
		return s.compute(ctx, roundID, explicit)
	})
	if err != nil {
		return nil, err
	}
	track, _ := v.(*attendance.RoundTrack)
	return track, nil
}

func (s *ConsensusService) compute(ctx context.Context, roundID uuid.UUID, explicit bool) (*attendance.RoundTrack, error) {
	log := s.logger.WithField("round_id", roundID)

	round, err := s.sessions.GetRound(ctx, roundID)
	if errors.Is(err, session.ErrRoundNotFound) {
		return nil, invalid("round_id", "unknown round")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get round %s: %w", roundID, err)
	}
	if err := checkComputable(round, explicit); err != nil {
		return nil, err
	}
	if round.Status != session.RoundCompleted {
		log.WithField("status", round.Status).Debug("Skipping consensus for round that is not completed")
		return nil, nil
	}
	log = log.WithField("session_id", round.SessionID)

	ros, err := s.directory.SessionRoster(ctx, round.SessionID)
	if err != nil && !errors.Is(err, roster.ErrRosterNotFound) {
		return nil, fmt.Errorf("failed to load roster for session %s: %w", round.SessionID, err)
	}
	if ros == nil {
		ros = &roster.Roster{SessionID: round.SessionID}
	}
	subs, err := s.submissions.ListByRound(ctx, roundID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions for round %s: %w", roundID, err)
	}
	anomalies, err := s.presence.ListUnresolvedAnomalies(ctx, round.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list anomalies for session %s: %w", round.SessionID, err)
	}
	fixes, err := s.presence.ListVerifications(ctx, round.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list verifications for session %s: %w", round.SessionID, err)
	}

	in := consensusInput(round.ID, ros, subs)
	s.computations.Add(1)
	res, err := s.engine.Compute(in)
	if errors.Is(err, consensus.ErrInconclusive) {
		if markErr := s.markInconclusive(ctx, round); markErr != nil {
			return nil, markErr
		}
		log.WithError(err).Warn("Round is inconclusive")
		_ = s.notifier.Notify(ctx, notify.Event{
			Kind:      notify.EventRoundResult,
			SessionID: round.SessionID,
			RoundID:   uuid.NullUUID{UUID: round.ID, Valid: true},
			Text:      fmt.Sprintf("Round %d is inconclusive: no lecturer scan was received. Recompute after review.", round.Number),
		})
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("consensus failed for round %s: %w", roundID, err)
	}

	decisions := geo.Corroborate(res.Verdicts, anomalies, fixes, round.StartsAt, round.EndsAt)
	track := &attendance.RoundTrack{
		RoundID:    round.ID,
		SessionID:  round.SessionID,
		Digest:     trackDigest(res.Digest, decisions),
		ComputedAt: s.now(),
		Entries:    trackEntries(round.ID, ros.Students(), res, decisions),
	}

	stored, changed, err := s.store(ctx, track, explicit)
	if err != nil {
		return nil, err
	}
	if !changed {
		log.Debug("Consensus input unchanged, keeping stored track")
		return stored, nil
	}

	attended := 0
	for _, e := range track.Entries {
		if e.Attended {
			attended++
		}
	}
	log.WithFields(logrus.Fields{
		"attended": attended,
		"expected": len(track.Entries),
		"excluded": len(res.Excluded),
		"digest":   track.Digest,
	}).Info("Round track stored")
	_ = s.notifier.Notify(ctx, notify.Event{
		Kind:      notify.EventRoundResult,
		SessionID: round.SessionID,
		RoundID:   uuid.NullUUID{UUID: round.ID, Valid: true},
		Text:      fmt.Sprintf("Round %d result: %d of %d participants attended.", round.Number, attended, len(track.Entries)),
	})
	return track, nil
}

func checkComputable(r *session.Round, explicit bool) error {
	if !explicit {
		return nil
	}
	switch r.Status {
	case session.RoundFinalized:
		return ErrRoundLocked
	case session.RoundCompleted:
		return nil
	default:
		return ErrRoundNotClosed
	}
}

// store writes the track under the session lock after re-checking the round.
// It reports false when the stored track already has the same digest.
func (s *ConsensusService) store(ctx context.Context, track *attendance.RoundTrack, explicit bool) (*attendance.RoundTrack, bool, error) {
	unlock := s.locks.Lock(track.SessionID)
	defer unlock()

	round, err := s.sessions.GetRound(ctx, track.RoundID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get round %s: %w", track.RoundID, err)
	}
	if err := checkComputable(round, explicit); err != nil {
		return nil, false, err
	}
	if round.Status != session.RoundCompleted {
		return nil, false, nil
	}

	existing, err := s.tracks.GetRoundTrack(ctx, track.RoundID)
	switch {
	case err == nil:
		if existing.Digest == track.Digest && round.ConsensusState == session.ConsensusComputed {
			return existing, false, nil
		}
	case errors.Is(err, attendance.ErrTrackNotFound):
	default:
		return nil, false, fmt.Errorf("failed to get track of round %s: %w", track.RoundID, err)
	}

	if err := s.tracks.ReplaceRoundTrack(ctx, track); err != nil {
		return nil, false, fmt.Errorf("failed to store track of round %s: %w", track.RoundID, err)
	}
	round.ConsensusState = session.ConsensusComputed
	round.UpdatedAt = s.now()
	if err := s.sessions.UpdateRound(ctx, round); err != nil {
		return nil, false, fmt.Errorf("failed to update consensus state of round %s: %w", round.ID, err)
	}
	return track, true, nil
}

func (s *ConsensusService) markInconclusive(ctx context.Context, r *session.Round) error {
	unlock := s.locks.Lock(r.SessionID)
	defer unlock()

	round, err := s.sessions.GetRound(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("failed to get round %s: %w", r.ID, err)
	}
	if round.Status != session.RoundCompleted || round.ConsensusState == session.ConsensusInconclusive {
		return nil
	}
	round.ConsensusState = session.ConsensusInconclusive
	round.UpdatedAt = s.now()
	if err := s.sessions.UpdateRound(ctx, round); err != nil {
		return fmt.Errorf("failed to mark round %s inconclusive: %w", round.ID, err)
	}
	return nil
}

func consensusInput(roundID uuid.UUID, ros *roster.Roster, subs []*scan.Submission) consensus.Input {
	in := consensus.Input{
		RoundID:       roundID.String(),
		AnchorDevices: ros.AnchorDevices(),
	}
	for _, p := range ros.Students() {
		if p.DeviceID != "" {
			in.ExpectedDevices = append(in.ExpectedDevices, p.DeviceID)
		}
	}
	for _, sub := range subs {
		in.Submissions = append(in.Submissions, consensus.SubmissionInput{
			ID:                sub.ID.String(),
			SubmitterDeviceID: sub.SubmitterDeviceID,
			ClientTimestamp:   sub.ClientTimestamp,
			Observations:      sub.Observations,
		})
	}
	return in
}

// trackEntries maps consensus verdicts and corroboration decisions onto one
// entry per student, ordered by participant id.
func trackEntries(roundID uuid.UUID, students []roster.Participant, res *consensus.Result, decisions map[string]geo.Decision) []attendance.TrackEntry {
	entries := make([]attendance.TrackEntry, 0, len(students))
	for _, p := range students {
		v, ok := res.Verdicts[p.DeviceID]
		if !ok {
			v = consensus.Verdict{DeviceID: p.DeviceID, Confidence: consensus.ConfidenceNone}
		}
		e := attendance.TrackEntry{
			RoundID:       roundID,
			ParticipantID: p.ParticipantID,
			DeviceID:      p.DeviceID,
			Confidence:    string(v.Confidence),
			ObserverCount: len(v.Observers),
			Verdict:       attendance.VerdictAbsent,
		}
		switch {
		case !v.Present:
		case v.Confidence == consensus.ConfidenceLow:
			d := decisions[p.DeviceID]
			switch d.Outcome {
			case geo.OutcomeVeto:
				e.Verdict = attendance.VerdictAbsentPendingReview
				e.VetoAnomalyID = d.AnomalyID
			case geo.OutcomeConfirm:
				e.Verdict = attendance.VerdictPresent
			default:
				e.Verdict = attendance.VerdictPresentLowConfidence
			}
		default:
			e.Verdict = attendance.VerdictPresent
		}
		e.Attended = e.Verdict.Attended()
		if e.Attended && !v.FirstSeenAt.IsZero() {
			e.AttendedAt = sql.NullTime{Time: v.FirstSeenAt.UTC(), Valid: true}
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ParticipantID < entries[j].ParticipantID })
	return entries
}

// trackDigest extends the consensus digest with the corroboration decisions,
// so resolving an anomaly changes the digest of the next run.
func trackDigest(consensusDigest string, decisions map[string]geo.Decision) string {
	devices := make([]string, 0, len(decisions))
	for d := range decisions {
		devices = append(devices, d)
	}
	sort.Strings(devices)

	h := sha256.New()
	h.Write([]byte(consensusDigest))
	for _, dev := range devices {
		d := decisions[dev]
		if d.Outcome == geo.OutcomeKeep {
			continue
		}
		fmt.Fprintf(h, "|%s:%s:%s:%s", dev, d.Outcome, nullUUID(d.AnomalyID), nullUUID(d.VerificationID))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func nullUUID(id uuid.NullUUID) string {
	if !id.Valid {
		return ""
	}
	return id.UUID.String()
}
