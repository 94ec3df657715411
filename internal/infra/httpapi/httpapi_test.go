package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"proximity_attendance/internal/app"
	"proximity_attendance/internal/domain/attendance"
	"proximity_attendance/internal/domain/consensus"
	"proximity_attendance/internal/domain/geo"
	"proximity_attendance/internal/domain/notify"
	"proximity_attendance/internal/domain/roster"
	"proximity_attendance/internal/domain/signal"
	"proximity_attendance/internal/infra/memory"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, notify.Event) error { return nil }

type envelope struct {
	Code    int               `json:"code"`
	Status  string            `json:"status"`
	Message string            `json:"message"`
	Data    json.RawMessage   `json:"data"`
	Errors  map[string]string `json:"errors"`
}

type testServer struct {
	t      *testing.T
	app    *fiber.App
	events *app.AsyncRoundEvents
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := quietLogger()
	sessions := memory.NewSessionRepository()
	scans := memory.NewScanRepository()
	presenceRepo := memory.NewGeoRepository()
	tracks := memory.NewAttendanceRepository()
	directory := memory.NewDirectory()
	locks := app.NewSessionLocks()
	events := app.NewAsyncRoundEvents(5*time.Second, log)

	engine := consensus.NewEngine(
		consensus.Policy{AcceptanceFloorRSSI: -80, StrongRSSI: -70, PeerQuorum: 2},
		signal.Filter{Default: signal.BeaconProfile{ReferenceRSSI: -59, PathLossExponent: 2, MaxRadiusMeters: 30, MinRSSI: -90}},
	)
	detector := geo.NewDetector(geo.DetectorConfig{MaxSpeedMPS: 50, ToleranceMeters: 25, FarFactor: 5})

	rounds := app.NewRoundService(sessions, directory, tracks, events, nopNotifier{}, locks, log)
	ingest := app.NewIngestionService(scans, sessions, directory, 0, log)
	cons := app.NewConsensusService(engine, sessions, scans, directory, presenceRepo, tracks, nopNotifier{}, locks, log)
	presence := app.NewPresenceService(presenceRepo, sessions, directory, detector, nopNotifier{}, log)
	att := app.NewAttendanceService(sessions, tracks, scans, directory, nopNotifier{}, locks,
		attendance.AggregatePolicy{Threshold: 0.75, GracePeriod: 48 * time.Hour}, log)

	events.Subscribe(cons.RoundCompleted)
	rounds.OnSessionChange(ingest.Invalidate)

	return &testServer{
		t:      t,
		app:    NewApp(NewHandler(rounds, ingest, cons, presence, att), log),
		events: events,
	}
}

func (s *testServer) do(method, path string, body interface{}, headers map[string]string) (int, envelope) {
	s.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			s.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.app.Test(req, -1)
	if err != nil {
		s.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &env); err != nil {
			s.t.Fatalf("decode %s %s: %v (%s)", method, path, err, raw)
		}
	}
	return resp.StatusCode, env
}

func decode(t *testing.T, env envelope, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(env.Data, out); err != nil {
		t.Fatalf("decode data: %v (%s)", err, env.Data)
	}
}

type scheduled struct {
	ID     uuid.UUID `json:"id"`
	Rounds []struct {
		ID     uuid.UUID `json:"id"`
		Status string    `json:"status"`
	} `json:"rounds"`
}

// scheduleLive creates a one-round session whose window contains the wall clock.
func (s *testServer) scheduleLive() scheduled {
	s.t.Helper()
	now := time.Now().UTC()
	status, env := s.do(http.MethodPost, "/api/v1/sessions", app.ScheduleRequest{
		ScheduleID:   "networks-201",
		LecturerID:   "lecturer-1",
		StartsAt:     now.Add(-time.Minute),
		EndsAt:       now.Add(10 * time.Minute),
		RoundCount:   1,
		Latitude:     -6.2,
		Longitude:    106.8166,
		RadiusMeters: 100,
		Participants: []roster.Participant{
			{ParticipantID: "lecturer-1", DeviceID: "dev-L", Role: roster.RoleLecturer},
			{ParticipantID: "stu-a", DeviceID: "dev-A", Role: roster.RoleStudent},
			{ParticipantID: "stu-e", DeviceID: "dev-E", Role: roster.RoleStudent},
		},
	}, nil)
	if status != fiber.StatusCreated {
		s.t.Fatalf("schedule status = %d (%+v)", status, env)
	}
	var out scheduled
	decode(s.t, env, &out)
	if len(out.Rounds) != 1 {
		s.t.Fatalf("rounds = %d, want 1", len(out.Rounds))
	}
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("health = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("request id header missing")
	}
}

func TestRoundLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	sess := s.scheduleLive()
	roundID := sess.Rounds[0].ID
	base := "/api/v1/sessions/" + sess.ID.String()
	activate := base + "/rounds/" + roundID.String() + "/activate"

	status, env := s.do(http.MethodPost, activate, nil, nil)
	if status != fiber.StatusBadRequest || env.Errors["X-Lecturer-ID"] == "" {
		t.Fatalf("activate without lecturer = %d %+v", status, env)
	}
	if status, _ := s.do(http.MethodPost, activate, nil, map[string]string{"X-Lecturer-ID": "stu-a"}); status != fiber.StatusForbidden {
		t.Errorf("activate by student = %d, want 403", status)
	}

	// a timestamp past the session window is stored but not assigned
	scan := app.SubmitRequest{
		SubmitterDeviceID: "dev-L",
		ClientTimestamp:   time.Now().UTC().Add(time.Hour),
		Observations:      []signal.Observation{{ObservedID: "dev-A", RSSI: -55}},
	}
	status, env = s.do(http.MethodPost, base+"/submissions", scan, nil)
	if status != fiber.StatusUnprocessableEntity || env.Status != "error" {
		t.Errorf("submit outside the window = %d, want 422", status)
	}
	var audit struct {
		Accepted     bool      `json:"accepted"`
		SubmissionID uuid.UUID `json:"submissionId"`
	}
	decode(t, env, &audit)
	if audit.Accepted || audit.SubmissionID == uuid.Nil {
		t.Errorf("audit ack = %+v, want the stored submission id", audit)
	}

	if status, env := s.do(http.MethodPost, activate, nil, map[string]string{"X-Lecturer-ID": "lecturer-1"}); status != fiber.StatusOK {
		t.Fatalf("activate = %d %+v", status, env)
	}

	scan.ClientTimestamp = time.Now().UTC()
	status, env = s.do(http.MethodPost, base+"/submissions", scan, nil)
	if status != fiber.StatusAccepted {
		t.Fatalf("submit = %d %+v", status, env)
	}
	var ack struct {
		Accepted bool      `json:"accepted"`
		RoundID  uuid.UUID `json:"roundId"`
		Late     bool      `json:"late"`
	}
	decode(t, env, &ack)
	if !ack.Accepted || ack.RoundID != roundID || ack.Late {
		t.Errorf("ack = %+v", ack)
	}

	status, env = s.do(http.MethodGet, base+"/unassigned-submissions", nil, nil)
	var unassigned []json.RawMessage
	decode(t, env, &unassigned)
	if status != fiber.StatusOK || len(unassigned) != 1 {
		t.Errorf("unassigned = %d, %d entries", status, len(unassigned))
	}

	// finalizing an active round is a state conflict
	if status, _ := s.do(http.MethodPost, "/api/v1/rounds/"+roundID.String()+"/finalize", map[string]string{"actor": "admin"}, nil); status != fiber.StatusConflict {
		t.Errorf("finalize active round = %d, want 409", status)
	}

	if status, env := s.do(http.MethodPost, "/api/v1/rounds/"+roundID.String()+"/complete", nil, nil); status != fiber.StatusOK {
		t.Fatalf("complete = %d %+v", status, env)
	}
	s.events.Wait()

	status, env = s.do(http.MethodGet, "/api/v1/rounds/"+roundID.String()+"/result", nil, nil)
	if status != fiber.StatusOK {
		t.Fatalf("result = %d %+v", status, env)
	}
	var res app.RoundResult
	decode(t, env, &res)
	if res.ConsensusState != "COMPUTED" {
		t.Errorf("consensus state = %s", res.ConsensusState)
	}
	attended := map[string]bool{}
	for _, p := range res.PerParticipant {
		attended[p.StudentID] = p.Attended
	}
	if !attended["stu-a"] || attended["stu-e"] {
		t.Errorf("attended = %v", attended)
	}

	status, env = s.do(http.MethodPost, "/api/v1/rounds/"+roundID.String()+"/finalize", map[string]string{}, nil)
	if status != fiber.StatusBadRequest || env.Errors["Actor"] == "" {
		t.Errorf("finalize without actor = %d %+v", status, env)
	}
	if status, env := s.do(http.MethodPost, "/api/v1/rounds/"+roundID.String()+"/finalize", map[string]string{"actor": "admin"}, nil); status != fiber.StatusOK {
		t.Fatalf("finalize = %d %+v", status, env)
	}
	if status, _ := s.do(http.MethodPost, "/api/v1/rounds/"+roundID.String()+"/recompute", map[string]string{"actor": "admin"}, nil); status != fiber.StatusConflict {
		t.Errorf("recompute finalized round = %d, want 409", status)
	}
}

func TestSubmitOutsideAnyRound(t *testing.T) {
	s := newTestServer(t)
	sess := s.scheduleLive()
	base := "/api/v1/sessions/" + sess.ID.String()
	s.do(http.MethodPost, base+"/rounds/"+sess.Rounds[0].ID.String()+"/activate", nil, map[string]string{"X-Lecturer-ID": "lecturer-1"})

	status, env := s.do(http.MethodPost, base+"/submissions", app.SubmitRequest{
		SubmitterDeviceID: "dev-A",
		ClientTimestamp:   time.Now().UTC().Add(2 * time.Hour),
		Observations:      []signal.Observation{{ObservedID: "dev-E", RSSI: -60}},
	}, nil)
	if status != fiber.StatusUnprocessableEntity || env.Status != "error" {
		t.Errorf("submit outside window = %d %+v", status, env)
	}

	status, _ = s.do(http.MethodPost, base+"/submissions", app.SubmitRequest{
		SubmitterDeviceID: "dev-unknown",
		ClientTimestamp:   time.Now().UTC(),
	}, nil)
	if status != fiber.StatusBadRequest {
		t.Errorf("submit from unregistered device = %d, want 400", status)
	}
}

func TestBadIdentifiers(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(http.MethodGet, "/api/v1/rounds/not-a-uuid/result", nil, nil)
	if status != fiber.StatusBadRequest || env.Errors["roundID"] == "" {
		t.Errorf("bad uuid = %d %+v", status, env)
	}
	if status, _ := s.do(http.MethodGet, "/api/v1/rounds/"+uuid.NewString()+"/result", nil, nil); status != fiber.StatusBadRequest {
		t.Errorf("unknown round = %d, want 400", status)
	}
	if status, _ := s.do(http.MethodGet, "/api/v1/anomalies/?session_id=nope", nil, nil); status != fiber.StatusBadRequest {
		t.Errorf("bad session filter = %d, want 400", status)
	}
	status, env = s.do(http.MethodGet, "/api/v1/anomalies/", nil, nil)
	if status != fiber.StatusOK || env.Status != "success" {
		t.Errorf("list anomalies = %d %+v", status, env)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&app.ValidationError{Field: "x", Reason: "y"}, fiber.StatusBadRequest},
		{app.ErrNotAuthorized, fiber.StatusForbidden},
		{app.ErrNoMatchingRound, fiber.StatusUnprocessableEntity},
		{app.ErrSessionClosed, fiber.StatusGone},
		{app.ErrRoundLocked, fiber.StatusConflict},
		{geo.ErrAnomalyTransition, fiber.StatusConflict},
		{attendance.ErrTrackNotFound, fiber.StatusNotFound},
		{fiber.ErrMethodNotAllowed, fiber.StatusMethodNotAllowed},
		{context.DeadlineExceeded, fiber.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
