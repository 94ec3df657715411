package signal

import (
	"math"
	"testing"
)

func TestEstimateDistance(t *testing.T) {
	tests := []struct {
		name string
		rssi float64
		ref  float64
		n    float64
		want float64
	}{
		{"at reference", -59, -59, 2, 1},
		{"ten dB weaker, n=2", -69, -59, 2, math.Pow(10, 0.5)},
		{"twenty dB weaker, n=2", -79, -59, 2, 10},
		{"twenty dB weaker, n=4", -79, -59, 4, math.Pow(10, 0.5)},
		{"zero exponent falls back to default", -79, -59, 0, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateDistance(tt.rssi, tt.ref, tt.n)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("EstimateDistance(%v, %v, %v) = %v, want %v", tt.rssi, tt.ref, tt.n, got, tt.want)
			}
		})
	}
}

func TestFilterAdmit(t *testing.T) {
	f := Filter{
		Default: BeaconProfile{ReferenceRSSI: -59, PathLossExponent: 2, MaxRadiusMeters: 15, MinRSSI: -90},
		Beacons: map[string]BeaconProfile{
			"beacon-1": {ID: "beacon-1", ReferenceRSSI: -65, PathLossExponent: 2, MaxRadiusMeters: 5, MinRSSI: -80},
		},
	}

	tests := []struct {
		name       string
		observer   string
		obs        Observation
		wantReason RejectReason
	}{
		{"close peer admitted", "A", Observation{ObservedID: "B", RSSI: -65}, ""},
		{"peer below min strength", "A", Observation{ObservedID: "B", RSSI: -95}, RejectBelowMinStrength},
		{"peer beyond radius", "A", Observation{ObservedID: "B", RSSI: -85}, RejectBeyondRadius},
		{"self observation", "A", Observation{ObservedID: "A", RSSI: -40}, RejectSelfObservation},
		{"beacon uses own profile radius", "A", Observation{ObservedID: "beacon-1", RSSI: -79}, RejectBeyondRadius},
		{"beacon uses own min strength", "A", Observation{ObservedID: "beacon-1", RSSI: -81}, RejectBelowMinStrength},
		{"beacon inside radius", "A", Observation{ObservedID: "beacon-1", RSSI: -70}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			edge, excl := f.Admit(tt.observer, tt.obs)
			if tt.wantReason == "" {
				if excl != nil {
					t.Fatalf("expected admission, got exclusion %s", excl)
				}
				if edge.Observer != tt.observer || edge.Observed != tt.obs.ObservedID {
					t.Fatalf("unexpected edge %+v", edge)
				}
				return
			}
			if excl == nil {
				t.Fatalf("expected exclusion %s, got edge %+v", tt.wantReason, edge)
			}
			if excl.Reason != tt.wantReason {
				t.Fatalf("reason = %s, want %s", excl.Reason, tt.wantReason)
			}
		})
	}
}
