package geo

import (
	"sort"
	"time"

	"proximity_attendance/internal/domain/consensus"

	"github.com/google/uuid"
)

type Outcome string

const (
	OutcomeKeep    Outcome = "KEEP"    // verdict stands as computed
	OutcomeConfirm Outcome = "CONFIRM" // low-confidence presence backed by a valid fix
	OutcomeVeto    Outcome = "VETO"    // low-confidence presence downgraded pending review
)

// Decision is the corroboration layer's adjustment of one consensus verdict.
type Decision struct {
	DeviceID       string
	Outcome        Outcome
	AnomalyID      uuid.NullUUID
	VerificationID uuid.NullUUID
}

// Corroborate tie-breaks low-confidence verdicts. Anchor and high-confidence
// verdicts are never touched. An unresolved high-severity anomaly vetoes a
// low-confidence presence; otherwise a valid fix captured inside the round
// window confirms it. The oldest matching anomaly or fix is cited so the
// decision is stable across runs.
func Corroborate(verdicts map[string]consensus.Verdict, anomalies []*Anomaly, fixes []*Verification, windowStart, windowEnd time.Time) map[string]Decision {
	vetoes := make(map[string]*Anomaly)
	for _, a := range sortedAnomalies(anomalies) {
		if a.Severity != SeverityHigh || !a.Unresolved() {
			continue
		}
		if _, seen := vetoes[a.DeviceID]; !seen {
			vetoes[a.DeviceID] = a
		}
	}

	confirms := make(map[string]*Verification)
	for _, f := range sortedFixes(fixes) {
		if !f.Valid || f.CapturedAt.Before(windowStart) || f.CapturedAt.After(windowEnd) {
			continue
		}
		if _, seen := confirms[f.DeviceID]; !seen {
			confirms[f.DeviceID] = f
		}
	}

	out := make(map[string]Decision, len(verdicts))
	for dev, v := range verdicts {
		d := Decision{DeviceID: dev, Outcome: OutcomeKeep}
		if v.Present && v.Confidence == consensus.ConfidenceLow {
			if a, ok := vetoes[dev]; ok {
				d.Outcome = OutcomeVeto
				d.AnomalyID = uuid.NullUUID{UUID: a.ID, Valid: true}
			} else if f, ok := confirms[dev]; ok {
				d.Outcome = OutcomeConfirm
				d.VerificationID = uuid.NullUUID{UUID: f.ID, Valid: true}
			}
		}
		out[dev] = d
	}
	return out
}

func sortedAnomalies(in []*Anomaly) []*Anomaly {
	out := append([]*Anomaly(nil), in...)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func sortedFixes(in []*Verification) []*Verification {
	out := append([]*Verification(nil), in...)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CapturedAt.Equal(out[j].CapturedAt) {
			return out[i].CapturedAt.Before(out[j].CapturedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}
