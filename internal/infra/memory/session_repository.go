// Package memory holds in-process repositories with the same contracts as
// the Postgres ones. Values are copied on the way in and out so callers never
// share state with the store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"proximity_attendance/internal/domain/session"

	"github.com/google/uuid"
)

type SessionRepository struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]session.Session
	rounds   map[uuid.UUID]session.Round
}

func NewSessionRepository() *SessionRepository {
	return &SessionRepository{
		sessions: make(map[uuid.UUID]session.Session),
		rounds:   make(map[uuid.UUID]session.Round),
	}
}

func (r *SessionRepository) CreateSession(_ context.Context, s *session.Session, rounds []*session.Round) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	for _, rd := range rounds {
		if err := r.checkRoundNumber(rd); err != nil {
			return err
		}
	}
	r.sessions[s.ID] = *s
	for _, rd := range rounds {
		r.rounds[rd.ID] = *rd
	}
	return nil
}

func (r *SessionRepository) GetSession(_ context.Context, id uuid.UUID) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return &s, nil
}

func (r *SessionRepository) UpdateSession(_ context.Context, s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.sessions[s.ID]
	if !ok {
		return session.ErrSessionNotFound
	}
	// same column set as the sessions UPDATE
	stored.Status = s.Status
	stored.AttendanceThreshold = s.AttendanceThreshold
	stored.RoundCount = s.RoundCount
	stored.UpdatedAt = s.UpdatedAt
	r.sessions[s.ID] = stored
	return nil
}

func (r *SessionRepository) ListSessionsByStatus(_ context.Context, statuses ...session.Status) ([]*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	want := make(map[session.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*session.Session
	for _, s := range r.sessions {
		if want[s.Status] {
			s := s
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

func (r *SessionRepository) CreateRound(_ context.Context, rd *session.Round) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[rd.SessionID]; !ok {
		return session.ErrSessionNotFound
	}
	if err := r.checkRoundNumber(rd); err != nil {
		return err
	}
	r.rounds[rd.ID] = *rd
	return nil
}

// checkRoundNumber mirrors the (session_id, number) unique constraint.
func (r *SessionRepository) checkRoundNumber(rd *session.Round) error {
	for _, existing := range r.rounds {
		if existing.SessionID == rd.SessionID && existing.Number == rd.Number {
			return fmt.Errorf("round %d already exists in session %s", rd.Number, rd.SessionID)
		}
	}
	return nil
}

func (r *SessionRepository) GetRound(_ context.Context, id uuid.UUID) (*session.Round, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rd, ok := r.rounds[id]
	if !ok {
		return nil, session.ErrRoundNotFound
	}
	return &rd, nil
}

func (r *SessionRepository) ListRounds(_ context.Context, sessionID uuid.UUID) ([]*session.Round, error) {
	return r.filterRounds(func(rd session.Round) bool { return rd.SessionID == sessionID }), nil
}

func (r *SessionRepository) UpdateRound(_ context.Context, rd *session.Round) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rounds[rd.ID]; !ok {
		return session.ErrRoundNotFound
	}
	r.rounds[rd.ID] = *rd
	return nil
}

func (r *SessionRepository) ListRoundsEndedBefore(_ context.Context, status session.RoundStatus, t time.Time) ([]*session.Round, error) {
	return r.filterRounds(func(rd session.Round) bool {
		return rd.Status == status && rd.EndsAt.Before(t)
	}), nil
}

func (r *SessionRepository) ListRoundsByConsensusState(_ context.Context, status session.RoundStatus, state session.ConsensusState) ([]*session.Round, error) {
	return r.filterRounds(func(rd session.Round) bool {
		return rd.Status == status && rd.ConsensusState == state
	}), nil
}

func (r *SessionRepository) filterRounds(keep func(session.Round) bool) []*session.Round {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*session.Round
	for _, rd := range r.rounds {
		if keep(rd) {
			rd := rd
			out = append(out, &rd)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID.String() < out[j].SessionID.String()
		}
		return out[i].Number < out[j].Number
	})
	return out
}
