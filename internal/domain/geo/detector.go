// internal/domain/geo/detector.go
package geo

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

const earthRadiusMeters = 6371000.0

// HaversineMeters is the great-circle distance between two coordinates.
func HaversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(a)))
}

// Fence is the area a session is expected to happen in.
type Fence struct {
	Latitude     float64
	Longitude    float64
	RadiusMeters float64
}

// DetectorConfig holds the anomaly thresholds.
type DetectorConfig struct {
	MaxSpeedMPS     float64 // fastest plausible movement between two fixes
	ToleranceMeters float64 // added to the fence radius before flagging
	FarFactor       float64 // beyond FarFactor * radius an out-of-range fix is high severity
}

type Detector struct {
	cfg DetectorConfig
}

func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.FarFactor < 1 {
		cfg.FarFactor = 1
	}
	return &Detector{cfg: cfg}
}

// Evaluate checks cur against the session fence and against the device's
// previous fix (nil when none). It fills cur.Valid and cur.Reason and returns
// the anomalies to record.
func (d *Detector) Evaluate(prev *Verification, cur *Verification, fence Fence) []*Anomaly {
	var anomalies []*Anomaly
	var reasons []string

	raise := func(kind AnomalyKind, sev Severity, details string) {
		anomalies = append(anomalies, &Anomaly{
			ID:             uuid.New(),
			SessionID:      cur.SessionID,
			DeviceID:       cur.DeviceID,
			ParticipantID:  cur.ParticipantID,
			VerificationID: uuid.NullUUID{UUID: cur.ID, Valid: cur.ID != uuid.Nil},
			Kind:           kind,
			Severity:       sev,
			Status:         AnomalyOpen,
			Details:        details,
			DetectedAt:     cur.CapturedAt,
		})
		reasons = append(reasons, details)
	}

	if cur.Mocked {
		raise(KindSpoofing, SeverityHigh, "mock location provider reported")
	} else if cur.AccuracyMeters <= 0 {
		raise(KindSpoofing, SeverityHigh, fmt.Sprintf("implausible accuracy %.2fm", cur.AccuracyMeters))
	}

	if prev != nil && cur.CapturedAt.After(prev.CapturedAt) && d.cfg.MaxSpeedMPS > 0 {
		dist := HaversineMeters(prev.Latitude, prev.Longitude, cur.Latitude, cur.Longitude)
		elapsed := cur.CapturedAt.Sub(prev.CapturedAt).Seconds()
		speed := dist / elapsed
		if speed > d.cfg.MaxSpeedMPS {
			raise(KindTeleportation, SeverityHigh, fmt.Sprintf("moved %.0fm in %s (%.1f m/s)", dist, cur.CapturedAt.Sub(prev.CapturedAt).Round(time.Second), speed))
		}
	}

	if fence.RadiusMeters > 0 {
		dist := HaversineMeters(fence.Latitude, fence.Longitude, cur.Latitude, cur.Longitude)
		if dist > fence.RadiusMeters+d.cfg.ToleranceMeters {
			sev := SeverityMedium
			if dist > fence.RadiusMeters*d.cfg.FarFactor {
				sev = SeverityHigh
			}
			raise(KindOutOfRange, sev, fmt.Sprintf("%.0fm from the session location (radius %.0fm)", dist, fence.RadiusMeters))
		}
	}

	cur.Valid = len(anomalies) == 0
	if cur.Valid {
		cur.Reason = "within geofence"
	} else {
		cur.Reason = strings.Join(reasons, "; ")
	}
	return anomalies
}
