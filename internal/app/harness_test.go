package app

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"proximity_attendance/internal/domain/attendance"
	"proximity_attendance/internal/domain/consensus"
	"proximity_attendance/internal/domain/geo"
	"proximity_attendance/internal/domain/notify"
	"proximity_attendance/internal/domain/roster"
	"proximity_attendance/internal/domain/session"
	"proximity_attendance/internal/domain/signal"
	"proximity_attendance/internal/infra/memory"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(hour, min, sec int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(min)*time.Minute + time.Duration(sec)*time.Second)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, e notify.Event) error {
	n.mu.Lock()
	n.events = append(n.events, e)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) count(kind notify.EventKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.Kind == kind {
			c++
		}
	}
	return c
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	clock     *testClock
	sessions  *memory.SessionRepository
	scans     *memory.ScanRepository
	presence  *memory.GeoRepository
	tracks    *memory.AttendanceRepository
	directory *memory.Directory
	events    *AsyncRoundEvents
	notes     *recordingNotifier

	rounds     *RoundService
	ingest     *IngestionService
	consensus  *ConsensusService
	presenceSv *PresenceService
	attendance *AttendanceService
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		ctx:       context.Background(),
		clock:     &testClock{t: at(8, 0, 0)},
		sessions:  memory.NewSessionRepository(),
		scans:     memory.NewScanRepository(),
		presence:  memory.NewGeoRepository(),
		tracks:    memory.NewAttendanceRepository(),
		directory: memory.NewDirectory(),
		notes:     &recordingNotifier{},
	}
	log := quietLogger()
	locks := NewSessionLocks()
	h.events = NewAsyncRoundEvents(5*time.Second, log)

	engine := consensus.NewEngine(
		consensus.Policy{AcceptanceFloorRSSI: -80, StrongRSSI: -70, PeerQuorum: 2},
		signal.Filter{Default: signal.BeaconProfile{ReferenceRSSI: -59, PathLossExponent: 2, MaxRadiusMeters: 30, MinRSSI: -90}},
	)
	detector := geo.NewDetector(geo.DetectorConfig{MaxSpeedMPS: 50, ToleranceMeters: 25, FarFactor: 5})

	h.rounds = NewRoundService(h.sessions, h.directory, h.tracks, h.events, h.notes, locks, log)
	h.ingest = NewIngestionService(h.scans, h.sessions, h.directory, 0, log)
	h.consensus = NewConsensusService(engine, h.sessions, h.scans, h.directory, h.presence, h.tracks, h.notes, locks, log)
	h.presenceSv = NewPresenceService(h.presence, h.sessions, h.directory, detector, h.notes, log)
	h.attendance = NewAttendanceService(h.sessions, h.tracks, h.scans, h.directory, h.notes, locks,
		attendance.AggregatePolicy{Threshold: 0.75, GracePeriod: 48 * time.Hour}, log)

	h.rounds.now = h.clock.Now
	h.ingest.now = h.clock.Now
	h.consensus.now = h.clock.Now
	h.presenceSv.now = h.clock.Now
	h.attendance.now = h.clock.Now

	h.events.Subscribe(h.consensus.RoundCompleted)
	h.rounds.OnSessionChange(h.ingest.Invalidate)
	return h
}

var classRoster = []roster.Participant{
	{ParticipantID: "lecturer-1", DeviceID: "dev-L", Role: roster.RoleLecturer},
	{ParticipantID: "stu-a", DeviceID: "dev-A", Role: roster.RoleStudent, ChatID: 101},
	{ParticipantID: "stu-b", DeviceID: "dev-B", Role: roster.RoleStudent, ChatID: 102},
	{ParticipantID: "stu-c", DeviceID: "dev-C", Role: roster.RoleStudent},
	{ParticipantID: "stu-d", DeviceID: "dev-D", Role: roster.RoleStudent},
	{ParticipantID: "stu-e", DeviceID: "dev-E", Role: roster.RoleStudent},
}

// schedule creates a 09:00-09:10 session with the given number of rounds.
func (h *harness) schedule(rounds int) (*session.Session, []*session.Round) {
	h.t.Helper()
	sess, rs, err := h.rounds.ScheduleSession(h.ctx, ScheduleRequest{
		ScheduleID:   "algorithms-101",
		LecturerID:   "lecturer-1",
		StartsAt:     at(9, 0, 0),
		EndsAt:       at(9, 10, 0),
		RoundCount:   rounds,
		Latitude:     -6.2000,
		Longitude:    106.8166,
		RadiusMeters: 100,
		Participants: classRoster,
	})
	if err != nil {
		h.t.Fatalf("ScheduleSession: %v", err)
	}
	return sess, rs
}

func (h *harness) activate(sess *session.Session, r *session.Round) {
	h.t.Helper()
	if _, err := h.rounds.Activate(h.ctx, sess.ID, r.ID, sess.LecturerID); err != nil {
		h.t.Fatalf("Activate round %d: %v", r.Number, err)
	}
}

func (h *harness) submit(sessionID uuid.UUID, device string, ts time.Time, obs ...signal.Observation) *SubmitResult {
	h.t.Helper()
	res, err := h.ingest.Submit(h.ctx, SubmitRequest{
		SessionID:         sessionID,
		SubmitterDeviceID: device,
		ClientTimestamp:   ts,
		Observations:      obs,
	})
	if err != nil {
		h.t.Fatalf("Submit from %s: %v", device, err)
	}
	return res
}

// complete closes the round and waits for the consensus subscriber.
func (h *harness) complete(r *session.Round) {
	h.t.Helper()
	if _, err := h.rounds.Complete(h.ctx, r.ID); err != nil {
		h.t.Fatalf("Complete round %d: %v", r.Number, err)
	}
	h.events.Wait()
}

func (h *harness) entries(roundID uuid.UUID) map[string]attendance.TrackEntry {
	h.t.Helper()
	track, err := h.tracks.GetRoundTrack(h.ctx, roundID)
	if err != nil {
		h.t.Fatalf("GetRoundTrack: %v", err)
	}
	out := make(map[string]attendance.TrackEntry, len(track.Entries))
	for _, e := range track.Entries {
		out[e.ParticipantID] = e
	}
	return out
}

func obs(id string, rssi float64) signal.Observation {
	return signal.Observation{ObservedID: id, RSSI: rssi}
}

// classroomScans is the classroom scenario: the lecturer and A both hear B,
// and C reports only a weak edge to D. E is never heard.
func (h *harness) classroomScans(sessionID uuid.UUID, ts time.Time) {
	h.t.Helper()
	h.submit(sessionID, "dev-L", ts, obs("dev-A", -55), obs("dev-B", -62), obs("dev-C", -64))
	h.submit(sessionID, "dev-A", ts, obs("dev-B", -60))
	h.submit(sessionID, "dev-C", ts, obs("dev-D", -76))
	h.submit(sessionID, "dev-D", ts.Add(10*time.Second), obs("dev-C", -76))
}
