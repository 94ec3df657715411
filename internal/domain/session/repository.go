package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists sessions and their rounds.
type Repository interface {
	// CreateSession stores the session together with its pre-provisioned rounds.
	CreateSession(ctx context.Context, s *Session, rounds []*Round) error
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	ListSessionsByStatus(ctx context.Context, statuses ...Status) ([]*Session, error)

	CreateRound(ctx context.Context, r *Round) error
	GetRound(ctx context.Context, id uuid.UUID) (*Round, error)
	ListRounds(ctx context.Context, sessionID uuid.UUID) ([]*Round, error) // ordered by number
	UpdateRound(ctx context.Context, r *Round) error
	// ListRoundsEndedBefore returns rounds in the given status whose window closed before t.
	ListRoundsEndedBefore(ctx context.Context, status RoundStatus, t time.Time) ([]*Round, error)
	ListRoundsByConsensusState(ctx context.Context, status RoundStatus, state ConsensusState) ([]*Round, error)
}
