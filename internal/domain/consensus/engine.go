// Package consensus decides which devices were co-located during a round
// from the observations the devices reported about each other.
//
// Presence is the least fixed point of a monotone rule seeded with the
// anchor devices: a device is admitted with high confidence when an anchor
// heard it, or when enough already-admitted devices heard it strongly.
// Devices heard only weakly by admitted devices are present with low
// confidence and never admit others. A pair of devices that only hear each
// other therefore cannot vouch their way in.
package consensus

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"proximity_attendance/internal/domain/signal"
)

var ErrInconclusive = errors.New("round inconclusive")

type Confidence string

const (
	ConfidenceAnchor Confidence = "ANCHOR"
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceLow    Confidence = "LOW"
	ConfidenceNone   Confidence = "NONE"
)

// Policy holds the tunable thresholds of the propagation.
type Policy struct {
	AcceptanceFloorRSSI float64 // weakest signal that forms an edge
	StrongRSSI          float64 // weakest signal that counts towards a peer quorum
	PeerQuorum          int     // distinct high-confidence peers that substitute for an anchor
}

// SubmissionInput is the part of a scan submission the engine reads.
type SubmissionInput struct {
	ID                string
	SubmitterDeviceID string
	ClientTimestamp   time.Time
	Observations      []signal.Observation
}

// Input is a snapshot of everything a round computation depends on.
type Input struct {
	RoundID         string
	AnchorDevices   []string
	ExpectedDevices []string
	Submissions     []SubmissionInput
}

// Verdict is the engine's decision about one device.
type Verdict struct {
	DeviceID    string
	Present     bool
	Confidence  Confidence
	Observers   []string  // admitted devices that heard this one, sorted
	FirstSeenAt time.Time // earliest corroborating report, zero when absent
	Reason      string
}

type Result struct {
	RoundID           string
	Verdicts          map[string]Verdict
	AttendedDeviceIDs []string
	Excluded          []signal.Exclusion
	Digest            string
}

type inboundEdge struct {
	rssi      float64
	firstSeen time.Time
}

// Graph is the admitted observation graph, indexed by observed device.
type Graph struct {
	inbound  map[string]map[string]inboundEdge
	nodes    map[string]struct{}
	Excluded []signal.Exclusion
}

// HasEdge reports whether observer -> observed was admitted.
func (g *Graph) HasEdge(observer, observed string) bool {
	_, ok := g.inbound[observed][observer]
	return ok
}

// EdgeCount is the number of distinct admitted (observer, observed) pairs.
func (g *Graph) EdgeCount() int {
	n := 0
	for _, in := range g.inbound {
		n += len(in)
	}
	return n
}

type Engine struct {
	Policy Policy
	Filter signal.Filter
}

func NewEngine(p Policy, f signal.Filter) *Engine {
	if p.PeerQuorum < 1 {
		p.PeerQuorum = 1
	}
	return &Engine{Policy: p, Filter: f}
}

// BuildGraph admits observations through the signal filter and the
// acceptance floor. Duplicate pairs keep the strongest signal.
func (e *Engine) BuildGraph(in Input) *Graph {
	g := &Graph{
		inbound: make(map[string]map[string]inboundEdge),
		nodes:   make(map[string]struct{}),
	}
	for _, d := range in.ExpectedDevices {
		g.nodes[d] = struct{}{}
	}
	for _, d := range in.AnchorDevices {
		g.nodes[d] = struct{}{}
	}

	for _, sub := range in.Submissions {
		g.nodes[sub.SubmitterDeviceID] = struct{}{}
		for _, o := range sub.Observations {
			edge, excl := e.Filter.Admit(sub.SubmitterDeviceID, o)
			if excl == nil && o.RSSI < e.Policy.AcceptanceFloorRSSI {
				excl = &signal.Exclusion{
					Observer:       sub.SubmitterDeviceID,
					Observed:       o.ObservedID,
					RSSI:           o.RSSI,
					DistanceMeters: edge.DistanceMeters,
					Reason:         signal.RejectBelowFloor,
				}
			}
			if excl != nil {
				g.Excluded = append(g.Excluded, *excl)
				continue
			}
			if _, beacon := e.Filter.Beacons[edge.Observed]; !beacon {
				g.nodes[edge.Observed] = struct{}{}
			}

			in := g.inbound[edge.Observed]
			if in == nil {
				in = make(map[string]inboundEdge)
				g.inbound[edge.Observed] = in
			}
			cur, seen := in[edge.Observer]
			if !seen {
				in[edge.Observer] = inboundEdge{rssi: edge.RSSI, firstSeen: sub.ClientTimestamp}
				continue
			}
			if edge.RSSI > cur.rssi {
				cur.rssi = edge.RSSI
			}
			if sub.ClientTimestamp.Before(cur.firstSeen) {
				cur.firstSeen = sub.ClientTimestamp
			}
			in[edge.Observer] = cur
		}
	}

	sort.Slice(g.Excluded, func(i, j int) bool {
		a, b := g.Excluded[i], g.Excluded[j]
		if a.Observer != b.Observer {
			return a.Observer < b.Observer
		}
		if a.Observed != b.Observed {
			return a.Observed < b.Observed
		}
		if a.RSSI != b.RSSI {
			return a.RSSI < b.RSSI
		}
		return a.Reason < b.Reason
	})
	return g
}

// Compute runs the propagation. The same input always yields the same result.
func (e *Engine) Compute(in Input) (*Result, error) {
	if len(in.AnchorDevices) == 0 {
		return nil, fmt.Errorf("%w: no anchor device registered for round %s", ErrInconclusive, in.RoundID)
	}

	anchors := make(map[string]bool, len(in.AnchorDevices))
	for _, a := range in.AnchorDevices {
		anchors[a] = true
	}
	anchorSeen := time.Time{}
	anchorReported := false
	for _, sub := range in.Submissions {
		if anchors[sub.SubmitterDeviceID] {
			if !anchorReported || sub.ClientTimestamp.Before(anchorSeen) {
				anchorSeen = sub.ClientTimestamp
			}
			anchorReported = true
		}
	}
	if !anchorReported {
		return nil, fmt.Errorf("%w: no anchor observation for round %s", ErrInconclusive, in.RoundID)
	}

	g := e.BuildGraph(in)
	nodes := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	high := make(map[string]bool, len(nodes))
	for a := range anchors {
		high[a] = true
	}

	for changed := true; changed; {
		changed = false
		for _, d := range nodes {
			if high[d] {
				continue
			}
			if e.admitsHigh(g.inbound[d], anchors, high) {
				high[d] = true
				changed = true
			}
		}
	}

	res := &Result{
		RoundID:  in.RoundID,
		Verdicts: make(map[string]Verdict, len(nodes)),
		Excluded: g.Excluded,
		Digest:   Digest(in, e.Policy, e.Filter),
	}
	for _, d := range nodes {
		v := Verdict{DeviceID: d, Confidence: ConfidenceNone}
		observers, firstSeen := corroborators(g.inbound[d], high)
		v.Observers = observers
		switch {
		case anchors[d]:
			v.Present = true
			v.Confidence = ConfidenceAnchor
			v.FirstSeenAt = anchorSeen
			v.Reason = "anchor device"
		case high[d]:
			v.Present = true
			v.Confidence = ConfidenceHigh
			v.FirstSeenAt = firstSeen
			v.Reason = fmt.Sprintf("corroborated by %d admitted device(s)", len(observers))
		case len(observers) > 0:
			v.Present = true
			v.Confidence = ConfidenceLow
			v.FirstSeenAt = firstSeen
			v.Reason = "only weak corroboration, pending review"
		default:
			v.Reason = "no inbound observation from an admitted device"
		}
		res.Verdicts[d] = v
		if v.Present {
			res.AttendedDeviceIDs = append(res.AttendedDeviceIDs, d)
		}
	}
	return res, nil
}

func (e *Engine) admitsHigh(inbound map[string]inboundEdge, anchors, high map[string]bool) bool {
	strong := 0
	for observer, edge := range inbound {
		if anchors[observer] {
			return true
		}
		if high[observer] && edge.rssi >= e.Policy.StrongRSSI {
			strong++
		}
	}
	return strong >= e.Policy.PeerQuorum
}

func corroborators(inbound map[string]inboundEdge, high map[string]bool) ([]string, time.Time) {
	var observers []string
	var first time.Time
	for observer, edge := range inbound {
		if !high[observer] {
			continue
		}
		observers = append(observers, observer)
		if first.IsZero() || edge.firstSeen.Before(first) {
			first = edge.firstSeen
		}
	}
	sort.Strings(observers)
	return observers, first
}

// Digest fingerprints an input together with the policy and signal filter,
// so repeated runs over the same submission set can be recognised without
// rewriting the stored track.
func Digest(in Input, p Policy, f signal.Filter) string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, s := range parts {
			h.Write([]byte(s))
			h.Write([]byte{0})
		}
	}
	ff := func(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }

	write("round", in.RoundID)
	write("policy", ff(p.AcceptanceFloorRSSI), ff(p.StrongRSSI), strconv.Itoa(p.PeerQuorum))
	profile := func(tag string, bp signal.BeaconProfile) {
		write(tag, bp.ID, ff(bp.ReferenceRSSI), ff(bp.PathLossExponent), ff(bp.MaxRadiusMeters), ff(bp.MinRSSI))
	}
	profile("filter", f.Default)
	beacons := make([]string, 0, len(f.Beacons))
	for id := range f.Beacons {
		beacons = append(beacons, id)
	}
	sort.Strings(beacons)
	for _, id := range beacons {
		write("beacon", id)
		profile("profile", f.Beacons[id])
	}
	write("anchors")
	write(sortedCopy(in.AnchorDevices)...)
	write("expected")
	write(sortedCopy(in.ExpectedDevices)...)

	subs := make([]SubmissionInput, len(in.Submissions))
	copy(subs, in.Submissions)
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	for _, s := range subs {
		write("sub", s.ID, s.SubmitterDeviceID, s.ClientTimestamp.UTC().Format(time.RFC3339Nano))
		obs := make([]signal.Observation, len(s.Observations))
		copy(obs, s.Observations)
		sort.Slice(obs, func(i, j int) bool {
			if obs[i].ObservedID != obs[j].ObservedID {
				return obs[i].ObservedID < obs[j].ObservedID
			}
			return obs[i].RSSI < obs[j].RSSI
		})
		for _, o := range obs {
			write(o.ObservedID, ff(o.RSSI))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
