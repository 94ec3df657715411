// internal/domain/signal/signal.go
package signal

import (
	"fmt"
	"math"
)

// DefaultPathLossExponent is the free-space path loss exponent.
const DefaultPathLossExponent = 2.0

// Observation is one entry of a scan report: a peer device or beacon the
// submitter heard, with the received signal strength in dBm.
type Observation struct {
	ObservedID string  `json:"observed_id" validate:"required,max=128"`
	RSSI       float64 `json:"rssi" validate:"gte=-127,lte=20"`
}

// Edge is an admitted observation, used transiently when building the
// observation graph.
type Edge struct {
	Observer       string
	Observed       string
	RSSI           float64
	DistanceMeters float64
}

// BeaconProfile carries the calibration of a beacon or, for peer devices,
// of the space the session takes place in.
type BeaconProfile struct {
	ID               string
	ReferenceRSSI    float64 // measured at 1 metre
	PathLossExponent float64
	MaxRadiusMeters  float64
	MinRSSI          float64
}

// EstimateDistance converts a signal strength into metres using the
// log-distance path loss model: 10^((ref - rssi) / (10 * n)).
func EstimateDistance(rssi, referenceRSSI, pathLossExponent float64) float64 {
	if pathLossExponent <= 0 {
		pathLossExponent = DefaultPathLossExponent
	}
	return math.Pow(10, (referenceRSSI-rssi)/(10*pathLossExponent))
}

// RejectReason says why an observation was kept out of the graph.
type RejectReason string

const (
	RejectBelowMinStrength RejectReason = "BELOW_MIN_STRENGTH"
	RejectBeyondRadius     RejectReason = "BEYOND_RADIUS"
	RejectSelfObservation  RejectReason = "SELF_OBSERVATION"
	RejectBelowFloor       RejectReason = "BELOW_ACCEPTANCE_FLOOR"
)

// Exclusion records an observation that was not admitted.
type Exclusion struct {
	Observer       string
	Observed       string
	RSSI           float64
	DistanceMeters float64
	Reason         RejectReason
}

func (e Exclusion) String() string {
	return fmt.Sprintf("%s->%s rssi=%.1f dist=%.2fm: %s", e.Observer, e.Observed, e.RSSI, e.DistanceMeters, e.Reason)
}

// Filter admits observations against beacon calibration. Observed ids with a
// profile in Beacons use it; everything else uses Default.
type Filter struct {
	Default BeaconProfile
	Beacons map[string]BeaconProfile
}

func (f Filter) profileFor(observedID string) BeaconProfile {
	if p, ok := f.Beacons[observedID]; ok {
		return p
	}
	return f.Default
}

// Admit runs the strength and range checks for one observation. A zero
// MaxRadiusMeters disables the range check.
func (f Filter) Admit(observer string, o Observation) (Edge, *Exclusion) {
	p := f.profileFor(o.ObservedID)
	dist := EstimateDistance(o.RSSI, p.ReferenceRSSI, p.PathLossExponent)

	reject := func(reason RejectReason) (Edge, *Exclusion) {
		return Edge{}, &Exclusion{Observer: observer, Observed: o.ObservedID, RSSI: o.RSSI, DistanceMeters: dist, Reason: reason}
	}

	if observer == o.ObservedID {
		return reject(RejectSelfObservation)
	}
	if o.RSSI < p.MinRSSI {
		return reject(RejectBelowMinStrength)
	}
	if p.MaxRadiusMeters > 0 && dist > p.MaxRadiusMeters {
		return reject(RejectBeyondRadius)
	}
	return Edge{Observer: observer, Observed: o.ObservedID, RSSI: o.RSSI, DistanceMeters: dist}, nil
}
