package attendance

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func entry(participant string, v RoundVerdict) TrackEntry {
	return TrackEntry{ParticipantID: participant, Verdict: v, Attended: v.Attended()}
}

func TestAggregate(t *testing.T) {
	sessionID := uuid.New()
	end := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	tracks := []*RoundTrack{
		{Entries: []TrackEntry{
			entry("alice", VerdictPresent),
			entry("bob", VerdictPresent),
			entry("carol", VerdictAbsentPendingReview),
			entry("dave", VerdictAbsent),
		}},
		{Entries: []TrackEntry{
			entry("alice", VerdictPresent),
			entry("bob", VerdictAbsent),
			entry("carol", VerdictAbsent),
			entry("dave", VerdictAbsent),
		}},
		{Entries: []TrackEntry{
			entry("alice", VerdictPresentLowConfidence),
			entry("bob", VerdictPresent),
			entry("carol", VerdictAbsent),
			entry("dave", VerdictAbsent),
		}},
	}
	policy := AggregatePolicy{Threshold: 0.75, GracePeriod: 24 * time.Hour}
	participants := []string{"dave", "carol", "bob", "alice"}

	t.Run("inside grace period", func(t *testing.T) {
		recs := Aggregate(sessionID, participants, tracks, 3, policy, end, end.Add(time.Hour))
		want := map[string]struct {
			attended int
			verdict  SessionVerdict
			final    bool
		}{
			"alice": {3, SessionPresent, true},
			"bob":   {2, SessionAbsent, true},
			"carol": {0, SessionPendingReview, false},
			"dave":  {0, SessionAbsent, true},
		}
		if len(recs) != 4 || recs[0].ParticipantID != "alice" {
			t.Fatalf("records not sorted by participant: %+v", recs)
		}
		for _, r := range recs {
			w := want[r.ParticipantID]
			if r.RoundsAttended != w.attended || r.Verdict != w.verdict || r.Final != w.final {
				t.Errorf("%s: attended=%d verdict=%s final=%v, want %d %s %v", r.ParticipantID, r.RoundsAttended, r.Verdict, r.Final, w.attended, w.verdict, w.final)
			}
			if r.RoundsTotal != 3 {
				t.Errorf("%s: RoundsTotal = %d", r.ParticipantID, r.RoundsTotal)
			}
		}
	})

	t.Run("after grace period", func(t *testing.T) {
		recs := Aggregate(sessionID, participants, tracks, 3, policy, end, end.Add(25*time.Hour))
		for _, r := range recs {
			if r.ParticipantID == "carol" && (r.Verdict != SessionAbsent || !r.Final) {
				t.Fatalf("carol should be finalized absent, got %+v", r)
			}
		}
	})

	t.Run("attended never exceeds total", func(t *testing.T) {
		recs := Aggregate(sessionID, []string{"alice"}, tracks, 2, policy, end, end)
		if recs[0].RoundsAttended != 2 || recs[0].Ratio != 1 {
			t.Fatalf("got %+v", recs[0])
		}
	})

	t.Run("per-session threshold", func(t *testing.T) {
		lenient := AggregatePolicy{Threshold: 0.5}
		recs := Aggregate(sessionID, []string{"bob"}, tracks, 3, lenient, end, end)
		if recs[0].Verdict != SessionPresent {
			t.Fatalf("bob at 2/3 should pass a 0.5 threshold, got %s", recs[0].Verdict)
		}
	})
}
