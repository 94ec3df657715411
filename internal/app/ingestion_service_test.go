package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"proximity_attendance/internal/domain/scan"
	"proximity_attendance/internal/domain/signal"
	"proximity_attendance/internal/infra/memory"

	"github.com/google/uuid"
)

func TestSubmitAssignsRoundByWindow(t *testing.T) {
	h := newHarness(t)
	sess, rounds := h.schedule(2) // 09:00-09:05 and 09:05-09:10

	tests := []struct {
		name string
		ts   time.Time
		want int
	}{
		{"start of first round", at(9, 0, 0), 1},
		{"one second before the boundary", at(9, 4, 59), 1},
		{"shared boundary goes to the later start", at(9, 5, 0), 2},
		{"one second after the boundary", at(9, 5, 1), 2},
		{"end of last round", at(9, 10, 0), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.submit(sess.ID, "dev-A", tt.ts, obs("dev-B", -60))
			if !res.Accepted || res.Late {
				t.Fatalf("result = %+v", res)
			}
			if res.RoundID != rounds[tt.want-1].ID {
				t.Errorf("assigned to %s, want round %d", res.RoundID, tt.want)
			}
		})
	}
}

func TestSubmitPrefersLatestStartOnOverlap(t *testing.T) {
	h := newHarness(t)
	sess, rounds := h.schedule(1)
	extra, err := h.rounds.AddRound(h.ctx, sess.ID, at(9, 4, 58), at(9, 10, 0))
	if err != nil {
		t.Fatalf("AddRound: %v", err)
	}

	if res := h.submit(sess.ID, "dev-A", at(9, 4, 57), obs("dev-B", -60)); res.RoundID != rounds[0].ID {
		t.Errorf("09:04:57 assigned to %s, want round 1", res.RoundID)
	}
	if res := h.submit(sess.ID, "dev-A", at(9, 4, 59), obs("dev-B", -60)); res.RoundID != extra.ID {
		t.Errorf("09:04:59 assigned to %s, want round 2", res.RoundID)
	}
}

func TestSubmitWithoutMatchingRoundIsStoredForAudit(t *testing.T) {
	h := newHarness(t)
	sess, _ := h.schedule(1)

	res, err := h.ingest.Submit(h.ctx, SubmitRequest{
		SessionID:         sess.ID,
		SubmitterDeviceID: "dev-A",
		ClientTimestamp:   at(9, 11, 0),
		Observations:      []signal.Observation{obs("dev-B", -60)},
	})
	if !errors.Is(err, ErrNoMatchingRound) {
		t.Fatalf("err = %v, want ErrNoMatchingRound", err)
	}
	if res == nil || res.Accepted || res.SubmissionID == uuid.Nil || res.RoundID != uuid.Nil {
		t.Fatalf("result = %+v, want an unaccepted result with the stored id", res)
	}
	unassigned, err := h.ingest.UnassignedSubmissions(h.ctx, sess.ID)
	if err != nil {
		t.Fatalf("UnassignedSubmissions: %v", err)
	}
	if len(unassigned) != 1 || unassigned[0].Assigned() || unassigned[0].ID != res.SubmissionID {
		t.Fatalf("unassigned = %+v", unassigned)
	}
}

// closingScanRepository runs a hook right before storing, once armed, the
// way a round completion landing between routing and storage would.
type closingScanRepository struct {
	*memory.ScanRepository
	mu     sync.Mutex
	before func()
}

func (r *closingScanRepository) arm(before func()) {
	r.mu.Lock()
	r.before = before
	r.mu.Unlock()
}

func (r *closingScanRepository) Append(ctx context.Context, s *scan.Submission) error {
	r.mu.Lock()
	before := r.before
	r.before = nil
	r.mu.Unlock()
	if before != nil {
		before()
	}
	return r.ScanRepository.Append(ctx, s)
}

func TestSubmitRacingCompletionIsLate(t *testing.T) {
	h := newHarness(t)
	repo := &closingScanRepository{ScanRepository: h.scans}
	h.ingest.submissions = repo

	sess, rounds := h.schedule(1)
	h.clock.Set(at(9, 0, 30))
	h.activate(sess, rounds[0])
	h.classroomScans(sess.ID, at(9, 5, 0))

	h.clock.Set(at(9, 6, 0))
	repo.arm(func() { h.complete(rounds[0]) })
	res := h.submit(sess.ID, "dev-L", at(9, 5, 30), obs("dev-E", -55))
	if !res.Late || res.RoundID != rounds[0].ID {
		t.Fatalf("result = %+v, want late for round 1", res)
	}

	late, err := h.ingest.LateSubmissions(h.ctx, rounds[0].ID)
	if err != nil {
		t.Fatalf("LateSubmissions: %v", err)
	}
	if len(late) != 1 || late[0].ID != res.SubmissionID {
		t.Fatalf("late = %+v, want the raced submission", late)
	}
	// consensus ran before the submission landed, so the override path is
	// the only way it counts
	if e := h.entries(rounds[0].ID)["stu-e"]; e.Attended {
		t.Errorf("stu-e attended from a submission consensus never saw")
	}
	if e := h.entries(rounds[0].ID)["stu-a"]; !e.Attended {
		t.Errorf("stu-a = %s, want attended", e.Verdict)
	}
}

func TestSubmitRejections(t *testing.T) {
	h := newHarness(t)
	sess, _ := h.schedule(1)
	cancelled, _ := h.schedule(1)
	if _, err := h.rounds.CancelSession(h.ctx, cancelled.ID); err != nil {
		t.Fatalf("CancelSession: %v", err)
	}

	tests := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{
			name: "missing device",
			req:  SubmitRequest{SessionID: sess.ID, ClientTimestamp: at(9, 1, 0)},
			want: ErrValidation,
		},
		{
			name: "signal strength out of range",
			req: SubmitRequest{SessionID: sess.ID, SubmitterDeviceID: "dev-A", ClientTimestamp: at(9, 1, 0),
				Observations: []signal.Observation{obs("dev-B", 40)}},
			want: ErrValidation,
		},
		{
			name: "unregistered device",
			req:  SubmitRequest{SessionID: sess.ID, SubmitterDeviceID: "dev-X", ClientTimestamp: at(9, 1, 0)},
			want: ErrValidation,
		},
		{
			name: "cancelled session",
			req:  SubmitRequest{SessionID: cancelled.ID, SubmitterDeviceID: "dev-A", ClientTimestamp: at(9, 1, 0)},
			want: ErrSessionClosed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.ingest.Submit(h.ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}

	t.Run("unknown session", func(t *testing.T) {
		req := SubmitRequest{SessionID: uuid.New(), SubmitterDeviceID: "dev-A", ClientTimestamp: at(9, 1, 0)}
		if _, err := h.ingest.Submit(h.ctx, req); !errors.Is(err, ErrValidation) {
			t.Fatalf("err = %v, want validation error", err)
		}
	})
}

func TestSubmitCachedSnapshotSeesCancellation(t *testing.T) {
	h := newHarness(t)
	h.ingest.ttl = time.Hour
	sess, _ := h.schedule(1)

	h.submit(sess.ID, "dev-A", at(9, 1, 0), obs("dev-B", -60))
	if _, err := h.rounds.CancelSession(h.ctx, sess.ID); err != nil {
		t.Fatalf("CancelSession: %v", err)
	}
	_, err := h.ingest.Submit(h.ctx, SubmitRequest{SessionID: sess.ID, SubmitterDeviceID: "dev-A", ClientTimestamp: at(9, 2, 0)})
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed after invalidation", err)
	}
}
