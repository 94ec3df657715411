// internal/infra/database/postgres_session_repository.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"proximity_attendance/internal/domain/session"

	"github.com/google/uuid"
	"github.com/lib/pq" // For pq.Array
)

var ErrDuplicateRoundNumber = fmt.Errorf("duplicate round number within session")

type PostgresSessionRepository struct {
	db *sql.DB
}

func NewPostgresSessionRepository(db *sql.DB) *PostgresSessionRepository {
	return &PostgresSessionRepository{db: db}
}

const sessionColumns = `id, schedule_id, lecturer_id, starts_at, ends_at, status, round_count,
	attendance_threshold, fence_latitude, fence_longitude, fence_radius_meters, created_at, updated_at`

const roundColumns = `id, session_id, number, starts_at, ends_at, status, consensus_state,
	activated_at, completed_at, finalized_at, finalized_by, created_at, updated_at`

// --- Session Methods ---

func (r *PostgresSessionRepository) CreateSession(ctx context.Context, s *session.Session, rounds []*session.Round) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		query := `INSERT INTO sessions (` + sessionColumns + `)
                  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
		_, err := tx.ExecContext(ctx, query,
			s.ID, s.ScheduleID, s.LecturerID, s.StartsAt, s.EndsAt, s.Status, s.RoundCount,
			s.AttendanceThreshold, s.Geofence.Latitude, s.Geofence.Longitude, s.Geofence.RadiusMeters,
			s.CreatedAt, s.UpdatedAt)
		if err != nil {
			return fmt.Errorf("error creating session: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, insertRoundQuery)
		if err != nil {
			return fmt.Errorf("failed to prepare statement for round insert: %w", err)
		}
		defer stmt.Close()

		for _, rd := range rounds {
			if _, err := stmt.ExecContext(ctx, roundArgs(rd)...); err != nil {
				if isUniqueViolation(err, "rounds_session_number_unique") {
					return fmt.Errorf("round %d: %w", rd.Number, ErrDuplicateRoundNumber)
				}
				return fmt.Errorf("error inserting round %d: %w", rd.Number, err)
			}
		}
		return nil
	})
}

func (r *PostgresSessionRepository) GetSession(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	s, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrSessionNotFound
		}
		return nil, fmt.Errorf("error getting session by ID: %w", err)
	}
	return s, nil
}

// UpdateSession persists status, threshold and round count. The window is
// immutable once the session exists.
func (r *PostgresSessionRepository) UpdateSession(ctx context.Context, s *session.Session) error {
	query := `UPDATE sessions SET status = $1, attendance_threshold = $2, round_count = $3, updated_at = $4 WHERE id = $5`
	result, err := r.db.ExecContext(ctx, query, s.Status, s.AttendanceThreshold, s.RoundCount, s.UpdatedAt, s.ID)
	if err != nil {
		return fmt.Errorf("error updating session: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected for session update: %w", err)
	}
	if rowsAffected == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

func (r *PostgresSessionRepository) ListSessionsByStatus(ctx context.Context, statuses ...session.Status) ([]*session.Session, error) {
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status = ANY($1) ORDER BY starts_at ASC`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("error listing sessions by status (%s): %w", strings.Join(names, ","), err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning session row: %w", err)
		}
		out = append(out, s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return out, nil
}

// --- Round Methods ---

const insertRoundQuery = `INSERT INTO rounds (` + roundColumns + `)
               VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

func roundArgs(rd *session.Round) []interface{} {
	return []interface{}{
		rd.ID, rd.SessionID, rd.Number, rd.StartsAt, rd.EndsAt, rd.Status, rd.ConsensusState,
		rd.ActivatedAt, rd.CompletedAt, rd.FinalizedAt, rd.FinalizedBy, rd.CreatedAt, rd.UpdatedAt,
	}
}

func (r *PostgresSessionRepository) CreateRound(ctx context.Context, rd *session.Round) error {
	_, err := r.db.ExecContext(ctx, insertRoundQuery, roundArgs(rd)...)
	if err != nil {
		if isUniqueViolation(err, "rounds_session_number_unique") {
			return fmt.Errorf("round %d: %w", rd.Number, ErrDuplicateRoundNumber)
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" { // foreign_key_violation
			return session.ErrSessionNotFound
		}
		return fmt.Errorf("error creating round: %w", err)
	}
	return nil
}

func (r *PostgresSessionRepository) GetRound(ctx context.Context, id uuid.UUID) (*session.Round, error) {
	query := `SELECT ` + roundColumns + ` FROM rounds WHERE id = $1`
	rd, err := scanRound(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrRoundNotFound
		}
		return nil, fmt.Errorf("error getting round by ID: %w", err)
	}
	return rd, nil
}

func (r *PostgresSessionRepository) ListRounds(ctx context.Context, sessionID uuid.UUID) ([]*session.Round, error) {
	query := `SELECT ` + roundColumns + ` FROM rounds WHERE session_id = $1 ORDER BY number ASC`
	return r.queryRounds(ctx, query, sessionID)
}

func (r *PostgresSessionRepository) UpdateRound(ctx context.Context, rd *session.Round) error {
	query := `UPDATE rounds
              SET status = $1, consensus_state = $2, activated_at = $3, completed_at = $4,
                  finalized_at = $5, finalized_by = $6, updated_at = $7
              WHERE id = $8`
	result, err := r.db.ExecContext(ctx, query,
		rd.Status, rd.ConsensusState, rd.ActivatedAt, rd.CompletedAt, rd.FinalizedAt, rd.FinalizedBy, rd.UpdatedAt, rd.ID)
	if err != nil {
		return fmt.Errorf("error updating round: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected for round update: %w", err)
	}
	if rowsAffected == 0 {
		return session.ErrRoundNotFound
	}
	return nil
}

func (r *PostgresSessionRepository) ListRoundsEndedBefore(ctx context.Context, status session.RoundStatus, t time.Time) ([]*session.Round, error) {
	query := `SELECT ` + roundColumns + ` FROM rounds WHERE status = $1 AND ends_at < $2 ORDER BY session_id, number`
	return r.queryRounds(ctx, query, status, t)
}

func (r *PostgresSessionRepository) ListRoundsByConsensusState(ctx context.Context, status session.RoundStatus, state session.ConsensusState) ([]*session.Round, error) {
	query := `SELECT ` + roundColumns + ` FROM rounds WHERE status = $1 AND consensus_state = $2 ORDER BY session_id, number`
	return r.queryRounds(ctx, query, status, state)
}

func (r *PostgresSessionRepository) queryRounds(ctx context.Context, query string, args ...interface{}) ([]*session.Round, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying rounds: %w", err)
	}
	defer rows.Close()

	var out []*session.Round
	for rows.Next() {
		rd, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning round row: %w", err)
		}
		out = append(out, rd)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating round rows: %w", err)
	}
	return out, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	s := session.Session{}
	err := row.Scan(&s.ID, &s.ScheduleID, &s.LecturerID, &s.StartsAt, &s.EndsAt, &s.Status, &s.RoundCount,
		&s.AttendanceThreshold, &s.Geofence.Latitude, &s.Geofence.Longitude, &s.Geofence.RadiusMeters,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.StartsAt, s.EndsAt = s.StartsAt.UTC(), s.EndsAt.UTC()
	return &s, nil
}

func scanRound(row rowScanner) (*session.Round, error) {
	rd := session.Round{}
	err := row.Scan(&rd.ID, &rd.SessionID, &rd.Number, &rd.StartsAt, &rd.EndsAt, &rd.Status, &rd.ConsensusState,
		&rd.ActivatedAt, &rd.CompletedAt, &rd.FinalizedAt, &rd.FinalizedBy, &rd.CreatedAt, &rd.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rd.StartsAt, rd.EndsAt = rd.StartsAt.UTC(), rd.EndsAt.UTC()
	return &rd, nil
}
