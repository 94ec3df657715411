// internal/infra/database/postgres_attendance_repository.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"proximity_attendance/internal/domain/attendance"

	"github.com/google/uuid"
	"github.com/lib/pq" // For pq.Array
)

type PostgresAttendanceRepository struct {
	db *sql.DB
}

func NewPostgresAttendanceRepository(db *sql.DB) *PostgresAttendanceRepository {
	return &PostgresAttendanceRepository{db: db}
}

const entryColumns = `round_id, participant_id, device_id, verdict, confidence, attended, attended_at,
	observer_count, veto_anomaly_id, overridden_by, override_reason`

const recordColumns = `session_id, participant_id, rounds_attended, rounds_total, ratio, threshold,
	verdict, final, overridden_by, updated_at`

const overrideColumns = `id, scope, session_id, round_id, participant_id, previous, next, actor, reason,
	source_submission_id, created_at`

// --- RoundTrack Methods ---

// ReplaceRoundTrack deletes the previous track of the round and writes the
// new one in the same transaction, so readers never see a partial track.
func (r *PostgresAttendanceRepository) ReplaceRoundTrack(ctx context.Context, t *attendance.RoundTrack) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM round_tracks WHERE round_id = $1`, t.RoundID); err != nil {
			return fmt.Errorf("error deleting previous round track: %w", err)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO round_tracks (round_id, session_id, digest, computed_at) VALUES ($1, $2, $3, $4)`,
			t.RoundID, t.SessionID, t.Digest, t.ComputedAt)
		if err != nil {
			return fmt.Errorf("error creating round track: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO round_track_entries (`+entryColumns+`)
                  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement for track entries: %w", err)
		}
		defer stmt.Close()

		for _, e := range t.Entries {
			_, err := stmt.ExecContext(ctx, t.RoundID, e.ParticipantID, e.DeviceID, e.Verdict, e.Confidence, e.Attended,
				e.AttendedAt, e.ObserverCount, e.VetoAnomalyID, e.OverriddenBy, e.OverrideReason)
			if err != nil {
				return fmt.Errorf("error inserting track entry for %s: %w", e.ParticipantID, err)
			}
		}
		return nil
	})
}

func (r *PostgresAttendanceRepository) GetRoundTrack(ctx context.Context, roundID uuid.UUID) (*attendance.RoundTrack, error) {
	t := attendance.RoundTrack{}
	err := r.db.QueryRowContext(ctx,
		`SELECT round_id, session_id, digest, computed_at FROM round_tracks WHERE round_id = $1`, roundID).
		Scan(&t.RoundID, &t.SessionID, &t.Digest, &t.ComputedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, attendance.ErrTrackNotFound
		}
		return nil, fmt.Errorf("error getting round track: %w", err)
	}
	t.ComputedAt = t.ComputedAt.UTC()

	entries, err := r.entries(ctx, []uuid.UUID{roundID})
	if err != nil {
		return nil, err
	}
	t.Entries = entries[roundID]
	return &t, nil
}

func (r *PostgresAttendanceRepository) ListTracksBySession(ctx context.Context, sessionID uuid.UUID) ([]*attendance.RoundTrack, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT round_id, session_id, digest, computed_at FROM round_tracks WHERE session_id = $1 ORDER BY computed_at ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("error listing round tracks: %w", err)
	}
	defer rows.Close()

	var out []*attendance.RoundTrack
	var ids []uuid.UUID
	for rows.Next() {
		t := attendance.RoundTrack{}
		if err := rows.Scan(&t.RoundID, &t.SessionID, &t.Digest, &t.ComputedAt); err != nil {
			return nil, fmt.Errorf("error scanning round track row: %w", err)
		}
		t.ComputedAt = t.ComputedAt.UTC()
		out = append(out, &t)
		ids = append(ids, t.RoundID)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating round track rows: %w", err)
	}
	if len(ids) == 0 {
		return out, nil
	}

	entries, err := r.entries(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, t := range out {
		t.Entries = entries[t.RoundID]
	}
	return out, nil
}

// entries loads the entries of several rounds in one query, grouped by round.
func (r *PostgresAttendanceRepository) entries(ctx context.Context, roundIDs []uuid.UUID) (map[uuid.UUID][]attendance.TrackEntry, error) {
	ids := make([]string, 0, len(roundIDs))
	for _, id := range roundIDs {
		ids = append(ids, id.String())
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM round_track_entries WHERE round_id = ANY($1::uuid[]) ORDER BY round_id, participant_id`,
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("error querying track entries: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]attendance.TrackEntry, len(roundIDs))
	for rows.Next() {
		e := attendance.TrackEntry{}
		err := rows.Scan(&e.RoundID, &e.ParticipantID, &e.DeviceID, &e.Verdict, &e.Confidence, &e.Attended,
			&e.AttendedAt, &e.ObserverCount, &e.VetoAnomalyID, &e.OverriddenBy, &e.OverrideReason)
		if err != nil {
			return nil, fmt.Errorf("error scanning track entry row: %w", err)
		}
		if e.AttendedAt.Valid {
			e.AttendedAt.Time = e.AttendedAt.Time.UTC()
		}
		out[e.RoundID] = append(out[e.RoundID], e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating track entry rows: %w", err)
	}
	return out, nil
}

func (r *PostgresAttendanceRepository) ApplyEntryOverride(ctx context.Context, e *attendance.TrackEntry, o *attendance.Override) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `UPDATE round_track_entries
                  SET verdict = $1, confidence = $2, attended = $3, attended_at = $4, veto_anomaly_id = $5,
                      overridden_by = $6, override_reason = $7
                  WHERE round_id = $8 AND participant_id = $9`,
			e.Verdict, e.Confidence, e.Attended, e.AttendedAt, e.VetoAnomalyID, e.OverriddenBy, e.OverrideReason,
			e.RoundID, e.ParticipantID)
		if err != nil {
			return fmt.Errorf("error updating track entry: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("error getting rows affected for track entry update: %w", err)
		}
		if rowsAffected == 0 {
			return attendance.ErrEntryNotFound
		}
		return insertOverride(ctx, tx, o)
	})
}

// --- SessionRecord Methods ---

func (r *PostgresAttendanceRepository) UpsertSessionRecords(ctx context.Context, records []*attendance.SessionRecord) error {
	if len(records) == 0 {
		return nil
	}
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO session_attendance (`+recordColumns+`)
                  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
                  ON CONFLICT (session_id, participant_id) DO UPDATE SET
                      rounds_attended = EXCLUDED.rounds_attended,
                      rounds_total = EXCLUDED.rounds_total,
                      ratio = EXCLUDED.ratio,
                      threshold = EXCLUDED.threshold,
                      verdict = EXCLUDED.verdict,
                      final = EXCLUDED.final,
                      overridden_by = EXCLUDED.overridden_by,
                      updated_at = EXCLUDED.updated_at`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement for session records: %w", err)
		}
		defer stmt.Close()

		for _, rec := range records {
			_, err := stmt.ExecContext(ctx, recordArgs(rec)...)
			if err != nil {
				return fmt.Errorf("error upserting session record for %s: %w", rec.ParticipantID, err)
			}
		}
		return nil
	})
}

func recordArgs(rec *attendance.SessionRecord) []interface{} {
	return []interface{}{
		rec.SessionID, rec.ParticipantID, rec.RoundsAttended, rec.RoundsTotal, rec.Ratio, rec.Threshold,
		rec.Verdict, rec.Final, rec.OverriddenBy, rec.UpdatedAt,
	}
}

func (r *PostgresAttendanceRepository) ListSessionRecords(ctx context.Context, sessionID uuid.UUID) ([]*attendance.SessionRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM session_attendance WHERE session_id = $1 ORDER BY participant_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("error listing session records: %w", err)
	}
	defer rows.Close()

	var out []*attendance.SessionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning session record row: %w", err)
		}
		out = append(out, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session record rows: %w", err)
	}
	return out, nil
}

func (r *PostgresAttendanceRepository) GetSessionRecord(ctx context.Context, sessionID uuid.UUID, participantID string) (*attendance.SessionRecord, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM session_attendance WHERE session_id = $1 AND participant_id = $2`,
		sessionID, participantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, attendance.ErrRecordNotFound
		}
		return nil, fmt.Errorf("error getting session record: %w", err)
	}
	return rec, nil
}

func (r *PostgresAttendanceRepository) ApplyRecordOverride(ctx context.Context, rec *attendance.SessionRecord, o *attendance.Override) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `UPDATE session_attendance
                  SET verdict = $1, final = $2, overridden_by = $3, updated_at = $4
                  WHERE session_id = $5 AND participant_id = $6`,
			rec.Verdict, rec.Final, rec.OverriddenBy, rec.UpdatedAt, rec.SessionID, rec.ParticipantID)
		if err != nil {
			return fmt.Errorf("error updating session record: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("error getting rows affected for session record update: %w", err)
		}
		if rowsAffected == 0 {
			return attendance.ErrRecordNotFound
		}
		return insertOverride(ctx, tx, o)
	})
}

// --- Override Methods ---

func insertOverride(ctx context.Context, tx *sql.Tx, o *attendance.Override) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO attendance_overrides (`+overrideColumns+`)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		o.ID, o.Scope, o.SessionID, o.RoundID, o.ParticipantID, o.Previous, o.Next, o.Actor, o.Reason,
		o.SourceSubmissionID, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("error recording override: %w", err)
	}
	return nil
}

func (r *PostgresAttendanceRepository) ListOverrides(ctx context.Context, sessionID uuid.UUID) ([]*attendance.Override, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+overrideColumns+` FROM attendance_overrides WHERE session_id = $1 ORDER BY created_at ASC, id ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("error listing overrides: %w", err)
	}
	defer rows.Close()

	var out []*attendance.Override
	for rows.Next() {
		o := attendance.Override{}
		err := rows.Scan(&o.ID, &o.Scope, &o.SessionID, &o.RoundID, &o.ParticipantID, &o.Previous, &o.Next,
			&o.Actor, &o.Reason, &o.SourceSubmissionID, &o.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("error scanning override row: %w", err)
		}
		out = append(out, &o)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating override rows: %w", err)
	}
	return out, nil
}

func scanRecord(row rowScanner) (*attendance.SessionRecord, error) {
	rec := attendance.SessionRecord{}
	err := row.Scan(&rec.SessionID, &rec.ParticipantID, &rec.RoundsAttended, &rec.RoundsTotal, &rec.Ratio, &rec.Threshold,
		&rec.Verdict, &rec.Final, &rec.OverriddenBy, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
