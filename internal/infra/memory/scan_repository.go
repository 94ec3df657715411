package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"proximity_attendance/internal/domain/scan"
	"proximity_attendance/internal/domain/signal"

	"github.com/google/uuid"
)

// ScanRepository is an append-only submission log.
type ScanRepository struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]scan.Submission
}

func NewScanRepository() *ScanRepository {
	return &ScanRepository{byID: make(map[uuid.UUID]scan.Submission)}
}

func (r *ScanRepository) Append(_ context.Context, s *scan.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[s.ID]; ok {
		return fmt.Errorf("submission %s already stored", s.ID)
	}
	r.byID[s.ID] = copySubmission(*s)
	return nil
}

func (r *ScanRepository) GetByID(_ context.Context, id uuid.UUID) (*scan.Submission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, scan.ErrSubmissionNotFound
	}
	s = copySubmission(s)
	return &s, nil
}

func (r *ScanRepository) MarkLate(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return scan.ErrSubmissionNotFound
	}
	s.Late = true
	r.byID[id] = s
	return nil
}

func (r *ScanRepository) ListByRound(_ context.Context, roundID uuid.UUID, includeLate bool) ([]*scan.Submission, error) {
	return r.filter(func(s scan.Submission) bool {
		return s.RoundID.Valid && s.RoundID.UUID == roundID && (includeLate || !s.Late)
	}), nil
}

func (r *ScanRepository) ListLateByRound(_ context.Context, roundID uuid.UUID) ([]*scan.Submission, error) {
	return r.filter(func(s scan.Submission) bool {
		return s.RoundID.Valid && s.RoundID.UUID == roundID && s.Late
	}), nil
}

func (r *ScanRepository) ListUnassigned(_ context.Context, sessionID uuid.UUID) ([]*scan.Submission, error) {
	return r.filter(func(s scan.Submission) bool {
		return s.SessionID == sessionID && !s.RoundID.Valid
	}), nil
}

func (r *ScanRepository) filter(keep func(scan.Submission) bool) []*scan.Submission {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*scan.Submission
	for _, s := range r.byID {
		if keep(s) {
			s := copySubmission(s)
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ClientTimestamp.Equal(out[j].ClientTimestamp) {
			return out[i].ClientTimestamp.Before(out[j].ClientTimestamp)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func copySubmission(s scan.Submission) scan.Submission {
	s.Observations = append([]signal.Observation(nil), s.Observations...)
	return s
}
