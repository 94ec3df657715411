// internal/domain/roster/roster.go
package roster

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrRosterNotFound = errors.New("roster not found")

// Role tells the consensus engine how far to trust a device.
type Role string

const (
	RoleLecturer Role = "LECTURER"
	RoleStudent  Role = "STUDENT"
)

// Participant maps an enrolled person to the device registered for them.
type Participant struct {
	ParticipantID string `json:"participant_id" validate:"required,max=128"`
	DeviceID      string `json:"device_id" validate:"required,max=128"`
	Role          Role   `json:"role" validate:"oneof=LECTURER STUDENT"`
	ChatID        int64  `json:"chat_id"` // Telegram chat for notifications, 0 when unknown
}

// Roster is a point-in-time copy of the people expected in a session.
type Roster struct {
	SessionID    uuid.UUID
	Participants []Participant
}

// AnchorDevices returns the lecturer devices, which seed the consensus.
func (r *Roster) AnchorDevices() []string {
	var out []string
	for _, p := range r.Participants {
		if p.Role == RoleLecturer && p.DeviceID != "" {
			out = append(out, p.DeviceID)
		}
	}
	return out
}

// Students returns the participants that attendance is computed for.
func (r *Roster) Students() []Participant {
	var out []Participant
	for _, p := range r.Participants {
		if p.Role == RoleStudent {
			out = append(out, p)
		}
	}
	return out
}

// ByDevice looks up the participant owning a device.
func (r *Roster) ByDevice(deviceID string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.DeviceID == deviceID {
			return p, true
		}
	}
	return Participant{}, false
}

func (r *Roster) ByParticipant(participantID string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.ParticipantID == participantID {
			return p, true
		}
	}
	return Participant{}, false
}

// ByChatID finds the participant linked to a Telegram chat.
func (r *Roster) ByChatID(chatID int64) (Participant, bool) {
	if chatID == 0 {
		return Participant{}, false
	}
	for _, p := range r.Participants {
		if p.ChatID == chatID {
			return p, true
		}
	}
	return Participant{}, false
}

// Directory is the enrollment and identity collaborator.
type Directory interface {
	SessionRoster(ctx context.Context, sessionID uuid.UUID) (*Roster, error)
	// RegisterParticipants replaces the roster of a session.
	RegisterParticipants(ctx context.Context, sessionID uuid.UUID, participants []Participant) error
}
