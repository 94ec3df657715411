package app

import (
	"errors"
	"testing"
	"time"

	"proximity_attendance/internal/domain/attendance"
	"proximity_attendance/internal/domain/session"
)

func TestClassroomRoundScenario(t *testing.T) {
	h := newHarness(t)
	sess, rounds := h.schedule(1)
	round := rounds[0]

	h.clock.Set(at(9, 0, 30))
	h.activate(sess, round)
	h.classroomScans(sess.ID, at(9, 5, 0))
	h.clock.Set(at(9, 10, 5))
	h.complete(round)

	want := map[string]attendance.RoundVerdict{
		"stu-a": attendance.VerdictPresent,
		"stu-b": attendance.VerdictPresent,
		"stu-c": attendance.VerdictPresent,
		"stu-d": attendance.VerdictPresentLowConfidence,
		"stu-e": attendance.VerdictAbsent,
	}
	got := h.entries(round.ID)
	for id, v := range want {
		if got[id].Verdict != v {
			t.Errorf("%s verdict = %s, want %s", id, got[id].Verdict, v)
		}
	}
	if _, ok := got["lecturer-1"]; ok {
		t.Errorf("lecturer should not have a track entry")
	}
	if !got["stu-b"].AttendedAt.Valid || !got["stu-b"].AttendedAt.Time.Equal(at(9, 5, 0)) {
		t.Errorf("stu-b attended at %v, want 09:05", got["stu-b"].AttendedAt)
	}
	if got["stu-e"].Attended || got["stu-e"].AttendedAt.Valid {
		t.Errorf("stu-e must not be attended: %+v", got["stu-e"])
	}

	res, err := h.rounds.RoundResult(h.ctx, round.ID)
	if err != nil {
		t.Fatalf("RoundResult: %v", err)
	}
	if res.RoundNumber != 1 || res.Status != session.RoundCompleted || res.ConsensusState != session.ConsensusComputed {
		t.Errorf("result header = %+v", res)
	}
	attended := 0
	for _, p := range res.PerParticipant {
		if p.Attended {
			attended++
		}
	}
	if attended != 4 {
		t.Errorf("%d attended, want 4", attended)
	}

	t.Run("late submission is stored but not counted", func(t *testing.T) {
		h.clock.Set(at(9, 12, 0))
		late := h.submit(sess.ID, "dev-L", at(9, 5, 0), obs("dev-E", -50))
		if !late.Accepted || !late.Late || late.RoundID != round.ID {
			t.Fatalf("late result = %+v", late)
		}
		if got := h.entries(round.ID)["stu-e"].Verdict; got != attendance.VerdictAbsent {
			t.Errorf("stu-e verdict = %s after late submission, want ABSENT", got)
		}
		lates, err := h.ingest.LateSubmissions(h.ctx, round.ID)
		if err != nil || len(lates) != 1 || lates[0].ID != late.SubmissionID {
			t.Fatalf("LateSubmissions = %v, %v", lates, err)
		}
	})

	t.Run("recompute over the same input keeps the stored track", func(t *testing.T) {
		before, _ := h.tracks.GetRoundTrack(h.ctx, round.ID)
		h.clock.Set(at(9, 20, 0))
		track, err := h.consensus.Recompute(h.ctx, round.ID, "admin")
		if err != nil {
			t.Fatalf("Recompute: %v", err)
		}
		if track.Digest != before.Digest || !track.ComputedAt.Equal(before.ComputedAt) {
			t.Errorf("track rewritten: digest %s -> %s, computed %s -> %s",
				before.Digest, track.Digest, before.ComputedAt, track.ComputedAt)
		}
	})
}

func TestHighAnomalyVetoesOnlyLowConfidence(t *testing.T) {
	h := newHarness(t)
	sess, rounds := h.schedule(1)
	round := rounds[0]

	h.clock.Set(at(9, 0, 30))
	h.activate(sess, round)
	h.classroomScans(sess.ID, at(9, 5, 0))

	// Mocked fixes for a low-confidence device and for an anchor-corroborated one.
	var vetoID string
	for _, dev := range []string{"dev-D", "dev-B"} {
		res, err := h.presenceSv.RecordVerification(h.ctx, VerificationRequest{
			SessionID: sess.ID, DeviceID: dev, Latitude: -6.2000, Longitude: 106.8166,
			AccuracyMeters: 8, Mocked: true, CapturedAt: at(9, 6, 0),
		})
		if err != nil {
			t.Fatalf("RecordVerification %s: %v", dev, err)
		}
		if len(res.Anomalies) != 1 || res.Verification.Valid {
			t.Fatalf("%s: anomalies = %d, valid = %v", dev, len(res.Anomalies), res.Verification.Valid)
		}
		if dev == "dev-D" {
			vetoID = res.Anomalies[0].ID.String()
		}
	}

	h.clock.Set(at(9, 10, 5))
	h.complete(round)

	got := h.entries(round.ID)
	d := got["stu-d"]
	if d.Verdict != attendance.VerdictAbsentPendingReview || d.Attended {
		t.Errorf("stu-d = %s attended=%v, want ABSENT_PENDING_REVIEW", d.Verdict, d.Attended)
	}
	if !d.VetoAnomalyID.Valid || d.VetoAnomalyID.UUID.String() != vetoID {
		t.Errorf("stu-d veto anomaly = %v, want %s", d.VetoAnomalyID, vetoID)
	}
	if got["stu-b"].Verdict != attendance.VerdictPresent {
		t.Errorf("stu-b = %s, high confidence presence must not be downgraded", got["stu-b"].Verdict)
	}

	t.Run("resolving the anomaly and recomputing lifts the veto", func(t *testing.T) {
		id := d.VetoAnomalyID.UUID
		if _, err := h.presenceSv.Investigate(h.ctx, id, "admin", "checking with student"); err != nil {
			t.Fatalf("Investigate: %v", err)
		}
		if _, err := h.presenceSv.Resolve(h.ctx, id, "admin", "device setting, not spoofing"); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if got := h.entries(round.ID)["stu-d"].Verdict; got != attendance.VerdictAbsentPendingReview {
			t.Fatalf("stu-d = %s before recompute, stored tracks change only on recompute", got)
		}
		if _, err := h.consensus.Recompute(h.ctx, round.ID, "admin"); err != nil {
			t.Fatalf("Recompute: %v", err)
		}
		if got := h.entries(round.ID)["stu-d"].Verdict; got != attendance.VerdictPresentLowConfidence {
			t.Errorf("stu-d = %s, want PRESENT_LOW_CONFIDENCE", got)
		}
	})
}

func TestValidFixConfirmsLowConfidence(t *testing.T) {
	h := newHarness(t)
	sess, rounds := h.schedule(1)
	round := rounds[0]

	h.clock.Set(at(9, 0, 30))
	h.activate(sess, round)
	h.classroomScans(sess.ID, at(9, 5, 0))
	if _, err := h.presenceSv.RecordVerification(h.ctx, VerificationRequest{
		SessionID: sess.ID, DeviceID: "dev-D", Latitude: -6.2001, Longitude: 106.8167,
		AccuracyMeters: 12, CapturedAt: at(9, 6, 0),
	}); err != nil {
		t.Fatalf("RecordVerification: %v", err)
	}

	h.clock.Set(at(9, 10, 5))
	h.complete(round)

	if got := h.entries(round.ID)["stu-d"]; got.Verdict != attendance.VerdictPresent || !got.Attended {
		t.Errorf("stu-d = %s, want PRESENT after a valid fix", got.Verdict)
	}
}

func TestRecomputeRequiresCompletedRound(t *testing.T) {
	h := newHarness(t)
	sess, rounds := h.schedule(1)
	h.clock.Set(at(9, 0, 30))
	h.activate(sess, rounds[0])

	if _, err := h.consensus.Recompute(h.ctx, rounds[0].ID, "admin"); !errors.Is(err, ErrRoundNotClosed) {
		t.Fatalf("err = %v, want ErrRoundNotClosed", err)
	}
	if _, err := h.consensus.Recompute(h.ctx, rounds[0].ID, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want validation error without actor", err)
	}
}

// An explicit recompute that joins an in-flight automatic run for a round
// that is not completed gets an error, never an empty track.
func TestRecomputeJoiningAutomaticRun(t *testing.T) {
	h := newHarness(t)
	sess, rounds := h.schedule(1)
	h.clock.Set(at(9, 0, 30))
	h.activate(sess, rounds[0])

	started := make(chan struct{})
	release := make(chan struct{})
	automatic := make(chan struct{})
	go func() {
		defer close(automatic)
		h.consensus.flights.Do(rounds[0].ID.String(), func() (interface{}, error) {
			close(started)
			<-release
			return (*attendance.RoundTrack)(nil), nil
		})
	}()
	<-started

	type outcome struct {
		track *attendance.RoundTrack
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		track, err := h.consensus.Recompute(h.ctx, rounds[0].ID, "admin")
		done <- outcome{track, err}
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	<-automatic

	got := <-done
	if got.track != nil || !errors.Is(got.err, ErrRoundNotClosed) {
		t.Fatalf("Recompute = %v, %v; want ErrRoundNotClosed", got.track, got.err)
	}
}

func TestReconcilePendingComputesMissedRounds(t *testing.T) {
	h := newHarness(t)
	sess, rounds := h.schedule(1)
	h.clock.Set(at(9, 0, 30))
	h.activate(sess, rounds[0])
	h.classroomScans(sess.ID, at(9, 5, 0))

	// Simulate a crash after completion was stored but before consensus ran.
	r, _ := h.sessions.GetRound(h.ctx, rounds[0].ID)
	if err := r.Transition(session.RoundCompleted, at(9, 10, 5)); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := h.sessions.UpdateRound(h.ctx, r); err != nil {
		t.Fatalf("UpdateRound: %v", err)
	}

	n, err := h.consensus.ReconcilePending(h.ctx)
	if err != nil || n != 1 {
		t.Fatalf("ReconcilePending = %d, %v; want 1", n, err)
	}
	r, _ = h.sessions.GetRound(h.ctx, rounds[0].ID)
	if r.ConsensusState != session.ConsensusComputed {
		t.Errorf("consensus state = %s, want COMPUTED", r.ConsensusState)
	}
	if n, _ := h.consensus.ReconcilePending(h.ctx); n != 0 {
		t.Errorf("second reconcile handled %d rounds, want 0", n)
	}
}

func TestInconclusiveRoundMarksNobodyAbsent(t *testing.T) {
	h := newHarness(t)
	sess, rounds := h.schedule(1)
	h.clock.Set(at(9, 0, 30))
	h.activate(sess, rounds[0])
	h.submit(sess.ID, "dev-A", at(9, 5, 0), obs("dev-B", -55))
	h.submit(sess.ID, "dev-B", at(9, 5, 0), obs("dev-A", -55))
	h.clock.Set(at(9, 10, 5))
	h.complete(rounds[0])

	if _, err := h.tracks.GetRoundTrack(h.ctx, rounds[0].ID); !errors.Is(err, attendance.ErrTrackNotFound) {
		t.Fatalf("track stored for inconclusive round: %v", err)
	}
	res, err := h.rounds.RoundResult(h.ctx, rounds[0].ID)
	if err != nil {
		t.Fatalf("RoundResult: %v", err)
	}
	if res.ConsensusState != session.ConsensusInconclusive || len(res.PerParticipant) != 0 {
		t.Errorf("result = %+v", res)
	}
}
