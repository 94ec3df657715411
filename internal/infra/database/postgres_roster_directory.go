// internal/infra/database/postgres_roster_directory.go
package database

import (
	"context"
	"database/sql"
	"fmt"

	"proximity_attendance/internal/domain/roster"

	"github.com/google/uuid"
)

var ErrDuplicateDevice = fmt.Errorf("device already registered to another participant in this session")

// PostgresRosterDirectory keeps the roster snapshot taken when a session is
// scheduled. It stands in for the enrollment and identity services.
type PostgresRosterDirectory struct {
	db *sql.DB
}

func NewPostgresRosterDirectory(db *sql.DB) *PostgresRosterDirectory {
	return &PostgresRosterDirectory{db: db}
}

func (d *PostgresRosterDirectory) SessionRoster(ctx context.Context, sessionID uuid.UUID) (*roster.Roster, error) {
	query := `SELECT participant_id, device_id, role, chat_id
              FROM session_participants WHERE session_id = $1 ORDER BY participant_id`
	rows, err := d.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("error getting session roster: %w", err)
	}
	defer rows.Close()

	r := &roster.Roster{SessionID: sessionID}
	for rows.Next() {
		var p roster.Participant
		if err := rows.Scan(&p.ParticipantID, &p.DeviceID, &p.Role, &p.ChatID); err != nil {
			return nil, fmt.Errorf("error scanning participant row: %w", err)
		}
		r.Participants = append(r.Participants, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating participant rows: %w", err)
	}
	if len(r.Participants) == 0 {
		return nil, roster.ErrRosterNotFound
	}
	return r, nil
}

func (d *PostgresRosterDirectory) RegisterParticipants(ctx context.Context, sessionID uuid.UUID, participants []roster.Participant) error {
	return withTx(ctx, d.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM session_participants WHERE session_id = $1`, sessionID); err != nil {
			return fmt.Errorf("error clearing session roster: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO session_participants (session_id, participant_id, device_id, role, chat_id)
                  VALUES ($1, $2, $3, $4, $5)`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement for roster insert: %w", err)
		}
		defer stmt.Close()

		for _, p := range participants {
			if _, err := stmt.ExecContext(ctx, sessionID, p.ParticipantID, p.DeviceID, p.Role, p.ChatID); err != nil {
				if isUniqueViolation(err, "session_participants_device_unique") {
					return fmt.Errorf("%s: %w", p.DeviceID, ErrDuplicateDevice)
				}
				return fmt.Errorf("error registering participant %s: %w", p.ParticipantID, err)
			}
		}
		return nil
	})
}
