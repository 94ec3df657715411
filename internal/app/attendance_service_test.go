package app

import (
	"errors"
	"testing"
	"time"

	"proximity_attendance/internal/domain/attendance"
	"proximity_attendance/internal/domain/notify"
	"proximity_attendance/internal/domain/session"
)

// twoRoundSession runs two completed rounds. E is only heard in round 2.
func twoRoundSession(h *harness) (*session.Session, []*session.Round) {
	h.t.Helper()
	sess, rounds := h.schedule(2)

	h.clock.Set(at(9, 0, 30))
	h.activate(sess, rounds[0])
	h.classroomScans(sess.ID, at(9, 2, 0))
	h.clock.Set(at(9, 5, 10))
	h.complete(rounds[0])

	h.clock.Set(at(9, 5, 20))
	h.activate(sess, rounds[1])
	h.classroomScans(sess.ID, at(9, 7, 0))
	h.submit(sess.ID, "dev-L", at(9, 7, 5), obs("dev-E", -60))
	h.clock.Set(at(9, 10, 5))
	h.complete(rounds[1])
	return sess, rounds
}

func verdicts(records []*attendance.SessionRecord) map[string]*attendance.SessionRecord {
	out := make(map[string]*attendance.SessionRecord, len(records))
	for _, r := range records {
		out[r.ParticipantID] = r
	}
	return out
}

func TestFinalizeSessionAggregatesRounds(t *testing.T) {
	h := newHarness(t)
	sess, rounds := twoRoundSession(h)

	if _, err := h.attendance.FinalizeSession(h.ctx, sess.ID); !errors.Is(err, ErrRoundNotFinalized) {
		t.Fatalf("err = %v, want ErrRoundNotFinalized", err)
	}
	for _, r := range rounds {
		if _, err := h.rounds.Finalize(h.ctx, r.ID, "admin"); err != nil {
			t.Fatalf("Finalize round %d: %v", r.Number, err)
		}
	}

	records, err := h.attendance.FinalizeSession(h.ctx, sess.ID)
	if err != nil {
		t.Fatalf("FinalizeSession: %v", err)
	}
	got := verdicts(records)
	want := map[string]struct {
		attended int
		verdict  attendance.SessionVerdict
	}{
		"stu-a": {2, attendance.SessionPresent},
		"stu-b": {2, attendance.SessionPresent},
		"stu-c": {2, attendance.SessionPresent},
		"stu-d": {2, attendance.SessionPresent},
		"stu-e": {1, attendance.SessionAbsent},
	}
	for id, w := range want {
		r := got[id]
		if r == nil {
			t.Fatalf("no record for %s", id)
		}
		if r.RoundsAttended != w.attended || r.RoundsTotal != 2 || r.Verdict != w.verdict || !r.Final {
			t.Errorf("%s = %d/%d %s final=%v, want %d/2 %s", id, r.RoundsAttended, r.RoundsTotal, r.Verdict, r.Final, w.attended, w.verdict)
		}
	}

	stored, err := h.attendance.SessionAttendance(h.ctx, sess.ID)
	if err != nil || len(stored) != 5 {
		t.Fatalf("SessionAttendance = %d, %v", len(stored), err)
	}
}

func TestFinalizeSessionCountsOnDemandRounds(t *testing.T) {
	h := newHarness(t)
	sess, rounds := h.schedule(2)

	h.clock.Set(at(9, 0, 10))
	extra, err := h.rounds.AddRound(h.ctx, sess.ID, at(9, 7, 0), at(9, 10, 0))
	if err != nil {
		t.Fatalf("AddRound: %v", err)
	}
	stored, err := h.sessions.GetSession(h.ctx, sess.ID)
	if err != nil || stored.RoundCount != 3 {
		t.Fatalf("stored round count = %d, %v; want 3", stored.RoundCount, err)
	}
	rounds = append(rounds, extra)

	h.clock.Set(at(9, 0, 30))
	h.activate(sess, rounds[0])
	h.classroomScans(sess.ID, at(9, 2, 0))
	h.clock.Set(at(9, 5, 10))
	h.complete(rounds[0])

	h.clock.Set(at(9, 5, 20))
	h.activate(sess, rounds[1])
	h.classroomScans(sess.ID, at(9, 6, 0))
	h.clock.Set(at(9, 6, 50))
	h.complete(rounds[1])

	h.clock.Set(at(9, 7, 10))
	h.activate(sess, rounds[2])
	h.classroomScans(sess.ID, at(9, 8, 0))
	h.submit(sess.ID, "dev-L", at(9, 8, 5), obs("dev-E", -60))
	h.clock.Set(at(9, 10, 5))
	h.complete(rounds[2])

	for _, r := range rounds {
		if _, err := h.rounds.Finalize(h.ctx, r.ID, "admin"); err != nil {
			t.Fatalf("Finalize round %d: %v", r.Number, err)
		}
	}
	records, err := h.attendance.FinalizeSession(h.ctx, sess.ID)
	if err != nil {
		t.Fatalf("FinalizeSession: %v", err)
	}
	got := verdicts(records)
	if r := got["stu-a"]; r.RoundsAttended != 3 || r.RoundsTotal != 3 || r.Verdict != attendance.SessionPresent {
		t.Errorf("stu-a = %d/%d %s, want 3/3 PRESENT", r.RoundsAttended, r.RoundsTotal, r.Verdict)
	}
	if r := got["stu-e"]; r.RoundsAttended != 1 || r.RoundsTotal != 3 || r.Verdict != attendance.SessionAbsent {
		t.Errorf("stu-e = %d/%d %s, want 1/3 ABSENT", r.RoundsAttended, r.RoundsTotal, r.Verdict)
	}
}

func TestFinalizeSessionRequiresCompletedSession(t *testing.T) {
	h := newHarness(t)
	sess, rounds := h.schedule(2)
	h.clock.Set(at(9, 0, 30))
	h.activate(sess, rounds[0])

	if _, err := h.attendance.FinalizeSession(h.ctx, sess.ID); !errors.Is(err, ErrSessionNotCompleted) {
		t.Fatalf("err = %v, want ErrSessionNotCompleted", err)
	}
}

func TestOverrideRoundEntryWithLateEvidence(t *testing.T) {
	h := newHarness(t)
	sess, rounds := twoRoundSession(h)

	h.clock.Set(at(9, 12, 0))
	late := h.submit(sess.ID, "dev-L", at(9, 3, 0), obs("dev-E", -58))
	if !late.Late || late.RoundID != rounds[0].ID {
		t.Fatalf("late = %+v", late)
	}

	req := OverrideRequest{
		RoundID:            rounds[0].ID,
		ParticipantID:      "stu-e",
		Verdict:            attendance.VerdictPresent,
		Actor:              "admin",
		Reason:             "lecturer scan arrived late",
		SourceSubmissionID: &late.SubmissionID,
	}
	if _, err := h.attendance.OverrideRoundEntry(h.ctx, req); !errors.Is(err, ErrRoundNotFinalized) {
		t.Fatalf("override before finalize: err = %v, want ErrRoundNotFinalized", err)
	}

	for _, r := range rounds {
		if _, err := h.rounds.Finalize(h.ctx, r.ID, "admin"); err != nil {
			t.Fatalf("Finalize: %v", err)
		}
	}
	if _, err := h.attendance.FinalizeSession(h.ctx, sess.ID); err != nil {
		t.Fatalf("FinalizeSession: %v", err)
	}

	wrongRound := req
	wrongRound.RoundID = rounds[1].ID
	if _, err := h.attendance.OverrideRoundEntry(h.ctx, wrongRound); !errors.Is(err, ErrValidation) {
		t.Fatalf("evidence from another round: err = %v, want validation error", err)
	}

	entry, err := h.attendance.OverrideRoundEntry(h.ctx, req)
	if err != nil {
		t.Fatalf("OverrideRoundEntry: %v", err)
	}
	if !entry.Attended || entry.OverriddenBy.String != "admin" || !entry.AttendedAt.Time.Equal(at(9, 3, 0)) {
		t.Errorf("entry = %+v", entry)
	}
	if got := h.entries(rounds[0].ID)["stu-e"].Verdict; got != attendance.VerdictPresent {
		t.Errorf("stored verdict = %s, want PRESENT", got)
	}

	records, _ := h.attendance.SessionAttendance(h.ctx, sess.ID)
	if r := verdicts(records)["stu-e"]; r.RoundsAttended != 2 || r.Verdict != attendance.SessionPresent {
		t.Errorf("stu-e record = %d/%d %s, want refreshed to PRESENT", r.RoundsAttended, r.RoundsTotal, r.Verdict)
	}

	overrides, err := h.attendance.Overrides(h.ctx, sess.ID)
	if err != nil || len(overrides) != 1 {
		t.Fatalf("Overrides = %d, %v", len(overrides), err)
	}
	o := overrides[0]
	if o.Scope != attendance.ScopeRoundEntry || o.Previous != string(attendance.VerdictAbsent) ||
		o.Next != string(attendance.VerdictPresent) || o.SourceSubmissionID.UUID != late.SubmissionID {
		t.Errorf("override = %+v", o)
	}
}

func TestFlipSessionVerdictSurvivesReaggregation(t *testing.T) {
	h := newHarness(t)
	sess, rounds := twoRoundSession(h)
	for _, r := range rounds {
		if _, err := h.rounds.Finalize(h.ctx, r.ID, "admin"); err != nil {
			t.Fatalf("Finalize: %v", err)
		}
	}
	if _, err := h.attendance.FinalizeSession(h.ctx, sess.ID); err != nil {
		t.Fatalf("FinalizeSession: %v", err)
	}

	rec, err := h.attendance.FlipSessionVerdict(h.ctx, FlipRequest{
		SessionID:     sess.ID,
		ParticipantID: "stu-e",
		Verdict:       attendance.SessionPresent,
		Actor:         "dispute-service",
		Reason:        "medical certificate approved",
	})
	if err != nil {
		t.Fatalf("FlipSessionVerdict: %v", err)
	}
	if rec.Verdict != attendance.SessionPresent || !rec.OverriddenBy.Valid {
		t.Fatalf("record = %+v", rec)
	}

	records, err := h.attendance.FinalizeSession(h.ctx, sess.ID)
	if err != nil {
		t.Fatalf("FinalizeSession again: %v", err)
	}
	if r := verdicts(records)["stu-e"]; r.Verdict != attendance.SessionPresent {
		t.Errorf("flipped verdict lost on re-aggregation: %s", r.Verdict)
	}
	if got := h.notes.count(notify.EventVerdictChanged); got != 0 {
		t.Errorf("verdict notifications = %d, want 0 for a participant without chat", got)
	}

	_, err = h.attendance.FlipSessionVerdict(h.ctx, FlipRequest{
		SessionID: sess.ID, ParticipantID: "stu-z", Verdict: attendance.SessionPresent, Actor: "dispute-service", Reason: "x",
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("unknown participant: err = %v, want validation error", err)
	}
}

func TestPendingReviewHoldsUntilGracePeriod(t *testing.T) {
	h := newHarness(t)
	sess, rounds := h.schedule(1)
	h.clock.Set(at(9, 0, 30))
	h.activate(sess, rounds[0])
	h.classroomScans(sess.ID, at(9, 5, 0))
	if _, err := h.presenceSv.RecordVerification(h.ctx, VerificationRequest{
		SessionID: sess.ID, DeviceID: "dev-D", Latitude: -6.2, Longitude: 106.8166,
		AccuracyMeters: 5, Mocked: true, CapturedAt: at(9, 6, 0),
	}); err != nil {
		t.Fatalf("RecordVerification: %v", err)
	}
	h.clock.Set(at(9, 10, 5))
	h.complete(rounds[0])
	if _, err := h.rounds.Finalize(h.ctx, rounds[0].ID, "admin"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	n, err := h.attendance.FinalizePendingSessions(h.ctx)
	if err != nil || n != 1 {
		t.Fatalf("FinalizePendingSessions = %d, %v; want 1", n, err)
	}
	records, _ := h.attendance.SessionAttendance(h.ctx, sess.ID)
	d := verdicts(records)["stu-d"]
	if d.Verdict != attendance.SessionPendingReview || d.Final {
		t.Fatalf("stu-d = %s final=%v, want PENDING_REVIEW and not final", d.Verdict, d.Final)
	}

	h.clock.Set(sess.EndsAt.Add(49 * time.Hour))
	if n, err := h.attendance.FinalizePendingSessions(h.ctx); err != nil || n != 1 {
		t.Fatalf("FinalizePendingSessions after grace = %d, %v; want 1", n, err)
	}
	records, _ = h.attendance.SessionAttendance(h.ctx, sess.ID)
	d = verdicts(records)["stu-d"]
	if d.Verdict != attendance.SessionAbsent || !d.Final {
		t.Errorf("stu-d = %s final=%v, want final ABSENT", d.Verdict, d.Final)
	}
	if n, _ := h.attendance.FinalizePendingSessions(h.ctx); n != 0 {
		t.Errorf("sessions re-finalized = %d, want 0 once every record is final", n)
	}
}
