package memory

import (
	"context"
	"sync"

	"proximity_attendance/internal/domain/roster"

	"github.com/google/uuid"
)

// Directory keeps session rosters in memory.
type Directory struct {
	mu      sync.RWMutex
	rosters map[uuid.UUID][]roster.Participant
}

func NewDirectory() *Directory {
	return &Directory{rosters: make(map[uuid.UUID][]roster.Participant)}
}

func (d *Directory) SessionRoster(_ context.Context, sessionID uuid.UUID) (*roster.Roster, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ps, ok := d.rosters[sessionID]
	if !ok {
		return nil, roster.ErrRosterNotFound
	}
	return &roster.Roster{
		SessionID:    sessionID,
		Participants: append([]roster.Participant(nil), ps...),
	}, nil
}

func (d *Directory) RegisterParticipants(_ context.Context, sessionID uuid.UUID, participants []roster.Participant) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rosters[sessionID] = append([]roster.Participant(nil), participants...)
	return nil
}
