package attendance

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// AggregatePolicy controls how round results roll up into a session verdict.
type AggregatePolicy struct {
	Threshold   float64       // minimum attended ratio for PRESENT
	GracePeriod time.Duration // how long a pending review may hold a verdict open
}

// Aggregate rolls the tracks of a session into one record per participant.
// roundsTotal is the number of non-cancelled rounds and caps the attended
// count. sessionEnd plus the grace period decides whether an absence that
// still has a pending review can be finalized.
func Aggregate(sessionID uuid.UUID, participants []string, tracks []*RoundTrack, roundsTotal int, policy AggregatePolicy, sessionEnd, now time.Time) []*SessionRecord {
	attended := make(map[string]int, len(participants))
	pending := make(map[string]bool)
	for _, t := range tracks {
		for _, e := range t.Entries {
			if e.Attended {
				attended[e.ParticipantID]++
			}
			if e.Verdict == VerdictAbsentPendingReview {
				pending[e.ParticipantID] = true
			}
		}
	}

	graceOver := !now.Before(sessionEnd.Add(policy.GracePeriod))

	ids := append([]string(nil), participants...)
	sort.Strings(ids)
	records := make([]*SessionRecord, 0, len(ids))
	for _, id := range ids {
		n := attended[id]
		if n > roundsTotal {
			n = roundsTotal
		}
		ratio := 0.0
		if roundsTotal > 0 {
			ratio = float64(n) / float64(roundsTotal)
		}
		rec := &SessionRecord{
			SessionID:      sessionID,
			ParticipantID:  id,
			RoundsAttended: n,
			RoundsTotal:    roundsTotal,
			Ratio:          ratio,
			Threshold:      policy.Threshold,
			Final:          true,
			UpdatedAt:      now,
		}
		switch {
		case roundsTotal > 0 && ratio >= policy.Threshold:
			rec.Verdict = SessionPresent
		case pending[id] && !graceOver:
			rec.Verdict = SessionPendingReview
			rec.Final = false
		default:
			rec.Verdict = SessionAbsent
		}
		records = append(records, rec)
	}
	return records
}
