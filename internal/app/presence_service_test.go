package app

import (
	"errors"
	"testing"

	"proximity_attendance/internal/domain/geo"
	"proximity_attendance/internal/domain/notify"

	"github.com/google/uuid"
)

func TestRecordVerificationDetectsAnomalies(t *testing.T) {
	h := newHarness(t)
	sess, _ := h.schedule(1)

	record := func(dev string, lat, lng float64, min, sec int) *VerificationResult {
		t.Helper()
		res, err := h.presenceSv.RecordVerification(h.ctx, VerificationRequest{
			SessionID: sess.ID, DeviceID: dev, Latitude: lat, Longitude: lng,
			AccuracyMeters: 10, CapturedAt: at(9, min, sec),
		})
		if err != nil {
			t.Fatalf("RecordVerification: %v", err)
		}
		return res
	}

	first := record("dev-A", -6.2000, 106.8166, 1, 0)
	if !first.Verification.Valid || len(first.Anomalies) != 0 || first.Verification.Sequence != 1 {
		t.Fatalf("first fix = %+v, anomalies %d", first.Verification, len(first.Anomalies))
	}

	// Roughly 11 km north ten seconds later.
	jump := record("dev-A", -6.1000, 106.8166, 1, 10)
	if jump.Verification.Sequence != 2 || jump.Verification.Valid {
		t.Fatalf("jump fix = %+v", jump.Verification)
	}
	kinds := map[geo.AnomalyKind]geo.Severity{}
	for _, a := range jump.Anomalies {
		kinds[a.Kind] = a.Severity
		if a.ParticipantID != "stu-a" {
			t.Errorf("anomaly participant = %q, want stu-a", a.ParticipantID)
		}
	}
	if kinds[geo.KindTeleportation] != geo.SeverityHigh {
		t.Errorf("teleportation severity = %q, want HIGH", kinds[geo.KindTeleportation])
	}
	if kinds[geo.KindOutOfRange] != geo.SeverityHigh {
		t.Errorf("out of range severity = %q, want HIGH", kinds[geo.KindOutOfRange])
	}
	if got := h.notes.count(notify.EventAnomalyRaised); got != 2 {
		t.Errorf("anomaly notifications = %d, want 2", got)
	}

	open, err := h.presenceSv.OpenAnomalies(h.ctx, sess.ID)
	if err != nil || len(open) != 2 {
		t.Fatalf("OpenAnomalies = %d, %v; want 2", len(open), err)
	}
	all, _ := h.presenceSv.OpenAnomalies(h.ctx, uuid.Nil)
	if len(all) != 2 {
		t.Errorf("OpenAnomalies across sessions = %d, want 2", len(all))
	}
}

func TestRecordVerificationRejections(t *testing.T) {
	h := newHarness(t)
	sess, _ := h.schedule(1)

	_, err := h.presenceSv.RecordVerification(h.ctx, VerificationRequest{
		SessionID: sess.ID, DeviceID: "dev-X", Latitude: -6.2, Longitude: 106.8, AccuracyMeters: 5, CapturedAt: at(9, 1, 0),
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("unregistered device: err = %v, want validation error", err)
	}
	_, err = h.presenceSv.RecordVerification(h.ctx, VerificationRequest{
		SessionID: sess.ID, DeviceID: "dev-A", Latitude: -95, Longitude: 106.8, AccuracyMeters: 5, CapturedAt: at(9, 1, 0),
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("latitude out of range: err = %v, want validation error", err)
	}
}

func TestAnomalyLifecycle(t *testing.T) {
	h := newHarness(t)
	sess, _ := h.schedule(1)
	res, err := h.presenceSv.RecordVerification(h.ctx, VerificationRequest{
		SessionID: sess.ID, DeviceID: "dev-C", Latitude: -6.2, Longitude: 106.8166, AccuracyMeters: 0, CapturedAt: at(9, 2, 0),
	})
	if err != nil {
		t.Fatalf("RecordVerification: %v", err)
	}
	if len(res.Anomalies) != 1 || res.Anomalies[0].Kind != geo.KindSpoofing {
		t.Fatalf("anomalies = %+v, want one spoofing signature", res.Anomalies)
	}
	id := res.Anomalies[0].ID

	if _, err := h.presenceSv.Resolve(h.ctx, id, "admin", "skip ahead"); !errors.Is(err, geo.ErrAnomalyTransition) {
		t.Fatalf("resolve open anomaly: err = %v, want ErrAnomalyTransition", err)
	}
	a, err := h.presenceSv.Investigate(h.ctx, id, "admin", "")
	if err != nil || a.Status != geo.AnomalyInvestigating {
		t.Fatalf("Investigate = %v, %v", a, err)
	}
	a, err = h.presenceSv.Resolve(h.ctx, id, "admin", "confirmed spoofing")
	if err != nil || a.Status != geo.AnomalyResolved || a.ResolvedBy.String != "admin" {
		t.Fatalf("Resolve = %+v, %v", a, err)
	}
	if _, err := h.presenceSv.Investigate(h.ctx, id, "admin", ""); !errors.Is(err, geo.ErrAnomalyTransition) {
		t.Errorf("investigate resolved anomaly: err = %v, want ErrAnomalyTransition", err)
	}
	if open, _ := h.presenceSv.OpenAnomalies(h.ctx, sess.ID); len(open) != 0 {
		t.Errorf("%d open anomalies after resolve, want 0", len(open))
	}
	if _, err := h.presenceSv.Investigate(h.ctx, uuid.New(), "admin", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown anomaly: err = %v, want validation error", err)
	}
}
