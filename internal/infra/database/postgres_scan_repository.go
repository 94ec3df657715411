package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"proximity_attendance/internal/domain/scan"
	"proximity_attendance/internal/domain/signal"

	"github.com/google/uuid"
)

// PostgresScanRepository is append-only apart from raising the late flag.
type PostgresScanRepository struct {
	db *sql.DB
}

func NewPostgresScanRepository(db *sql.DB) *PostgresScanRepository {
	return &PostgresScanRepository{db: db}
}

const submissionColumns = `id, session_id, round_id, submitter_device_id, observations, client_timestamp, received_at, late`

func (r *PostgresScanRepository) Append(ctx context.Context, s *scan.Submission) error {
	observations, err := json.Marshal(s.Observations)
	if err != nil {
		return fmt.Errorf("error encoding observations: %w", err)
	}
	query := `INSERT INTO scan_submissions (` + submissionColumns + `)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = r.db.ExecContext(ctx, query,
		s.ID, s.SessionID, s.RoundID, s.SubmitterDeviceID, observations, s.ClientTimestamp, s.ReceivedAt, s.Late)
	if err != nil {
		return fmt.Errorf("error appending scan submission: %w", err)
	}
	return nil
}

func (r *PostgresScanRepository) GetByID(ctx context.Context, id uuid.UUID) (*scan.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM scan_submissions WHERE id = $1`
	s, err := scanSubmission(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, scan.ErrSubmissionNotFound
		}
		return nil, fmt.Errorf("error getting scan submission by ID: %w", err)
	}
	return s, nil
}

func (r *PostgresScanRepository) MarkLate(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `UPDATE scan_submissions SET late = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("error marking scan submission late: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected for scan submission update: %w", err)
	}
	if rowsAffected == 0 {
		return scan.ErrSubmissionNotFound
	}
	return nil
}

func (r *PostgresScanRepository) ListByRound(ctx context.Context, roundID uuid.UUID, includeLate bool) ([]*scan.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM scan_submissions
              WHERE round_id = $1 AND ($2 OR NOT late)
              ORDER BY client_timestamp ASC, id ASC`
	return r.query(ctx, query, roundID, includeLate)
}

func (r *PostgresScanRepository) ListLateByRound(ctx context.Context, roundID uuid.UUID) ([]*scan.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM scan_submissions
              WHERE round_id = $1 AND late
              ORDER BY client_timestamp ASC, id ASC`
	return r.query(ctx, query, roundID)
}

func (r *PostgresScanRepository) ListUnassigned(ctx context.Context, sessionID uuid.UUID) ([]*scan.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM scan_submissions
              WHERE session_id = $1 AND round_id IS NULL
              ORDER BY client_timestamp ASC, id ASC`
	return r.query(ctx, query, sessionID)
}

func (r *PostgresScanRepository) query(ctx context.Context, query string, args ...interface{}) ([]*scan.Submission, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying scan submissions: %w", err)
	}
	defer rows.Close()

	var out []*scan.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning submission row: %w", err)
		}
		out = append(out, s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating submission rows: %w", err)
	}
	return out, nil
}

func scanSubmission(row rowScanner) (*scan.Submission, error) {
	s := scan.Submission{}
	var observations []byte
	err := row.Scan(&s.ID, &s.SessionID, &s.RoundID, &s.SubmitterDeviceID, &observations, &s.ClientTimestamp, &s.ReceivedAt, &s.Late)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(observations, &s.Observations); err != nil {
		return nil, fmt.Errorf("error decoding observations of submission %s: %w", s.ID, err)
	}
	if s.Observations == nil {
		s.Observations = []signal.Observation{}
	}
	s.ClientTimestamp, s.ReceivedAt = s.ClientTimestamp.UTC(), s.ReceivedAt.UTC()
	return &s, nil
}
