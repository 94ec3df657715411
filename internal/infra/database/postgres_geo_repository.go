package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"proximity_attendance/internal/domain/geo"

	"github.com/google/uuid"
)

type PostgresGeoRepository struct {
	db *sql.DB
}

func NewPostgresGeoRepository(db *sql.DB) *PostgresGeoRepository {
	return &PostgresGeoRepository{db: db}
}

const verificationColumns = `id, session_id, device_id, participant_id, sequence, latitude, longitude,
	accuracy_meters, mocked, captured_at, valid, reason, created_at`

const anomalyColumns = `id, session_id, device_id, participant_id, verification_id, kind, severity, status,
	details, detected_at, investigated_by, investigated_at, resolved_by, resolved_at, resolution`

// SaveVerification stores a fix and the anomalies it raised in one transaction.
func (r *PostgresGeoRepository) SaveVerification(ctx context.Context, v *geo.Verification, anomalies []*geo.Anomaly) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		query := `INSERT INTO presence_verifications (` + verificationColumns + `)
                  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
		_, err := tx.ExecContext(ctx, query,
			v.ID, v.SessionID, v.DeviceID, v.ParticipantID, v.Sequence, v.Latitude, v.Longitude,
			v.AccuracyMeters, v.Mocked, v.CapturedAt, v.Valid, v.Reason, v.CreatedAt)
		if err != nil {
			return fmt.Errorf("error creating presence verification: %w", err)
		}
		if len(anomalies) == 0 {
			return nil
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO gps_anomalies (`+anomalyColumns+`)
                  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement for anomaly insert: %w", err)
		}
		defer stmt.Close()

		for _, a := range anomalies {
			_, err := stmt.ExecContext(ctx,
				a.ID, a.SessionID, a.DeviceID, a.ParticipantID, a.VerificationID, a.Kind, a.Severity, a.Status,
				a.Details, a.DetectedAt, a.InvestigatedBy, a.InvestigatedAt, a.ResolvedBy, a.ResolvedAt, a.Resolution)
			if err != nil {
				return fmt.Errorf("error creating gps anomaly (%s for %s): %w", a.Kind, a.DeviceID, err)
			}
		}
		return nil
	})
}

func (r *PostgresGeoRepository) LastVerification(ctx context.Context, deviceID string) (*geo.Verification, error) {
	query := `SELECT ` + verificationColumns + ` FROM presence_verifications
              WHERE device_id = $1 ORDER BY captured_at DESC LIMIT 1`
	v, err := scanVerification(r.db.QueryRowContext(ctx, query, deviceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, geo.ErrVerificationNotFound
		}
		return nil, fmt.Errorf("error getting last verification for device %s: %w", deviceID, err)
	}
	return v, nil
}

func (r *PostgresGeoRepository) ListVerifications(ctx context.Context, sessionID uuid.UUID) ([]*geo.Verification, error) {
	query := `SELECT ` + verificationColumns + ` FROM presence_verifications
              WHERE session_id = $1 ORDER BY captured_at ASC`
	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("error listing verifications: %w", err)
	}
	defer rows.Close()

	var out []*geo.Verification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning verification row: %w", err)
		}
		out = append(out, v)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating verification rows: %w", err)
	}
	return out, nil
}

func (r *PostgresGeoRepository) CountVerifications(ctx context.Context, sessionID uuid.UUID, deviceID string) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM presence_verifications WHERE session_id = $1 AND device_id = $2`
	if err := r.db.QueryRowContext(ctx, query, sessionID, deviceID).Scan(&n); err != nil {
		return 0, fmt.Errorf("error counting verifications: %w", err)
	}
	return n, nil
}

func (r *PostgresGeoRepository) GetAnomaly(ctx context.Context, id uuid.UUID) (*geo.Anomaly, error) {
	query := `SELECT ` + anomalyColumns + ` FROM gps_anomalies WHERE id = $1`
	a, err := scanAnomaly(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, geo.ErrAnomalyNotFound
		}
		return nil, fmt.Errorf("error getting anomaly by ID: %w", err)
	}
	return a, nil
}

func (r *PostgresGeoRepository) UpdateAnomaly(ctx context.Context, a *geo.Anomaly) error {
	query := `UPDATE gps_anomalies
              SET status = $1, details = $2, investigated_by = $3, investigated_at = $4,
                  resolved_by = $5, resolved_at = $6, resolution = $7
              WHERE id = $8`
	result, err := r.db.ExecContext(ctx, query,
		a.Status, a.Details, a.InvestigatedBy, a.InvestigatedAt, a.ResolvedBy, a.ResolvedAt, a.Resolution, a.ID)
	if err != nil {
		return fmt.Errorf("error updating anomaly: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected for anomaly update: %w", err)
	}
	if rowsAffected == 0 {
		return geo.ErrAnomalyNotFound
	}
	return nil
}

func (r *PostgresGeoRepository) ListUnresolvedAnomalies(ctx context.Context, sessionID uuid.UUID) ([]*geo.Anomaly, error) {
	query := `SELECT ` + anomalyColumns + ` FROM gps_anomalies
              WHERE status <> $1 AND ($2 OR session_id = $3)
              ORDER BY detected_at ASC, id ASC`
	rows, err := r.db.QueryContext(ctx, query, geo.AnomalyResolved, sessionID == uuid.Nil, sessionID)
	if err != nil {
		return nil, fmt.Errorf("error listing unresolved anomalies: %w", err)
	}
	defer rows.Close()

	var out []*geo.Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning anomaly row: %w", err)
		}
		out = append(out, a)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating anomaly rows: %w", err)
	}
	return out, nil
}

func scanVerification(row rowScanner) (*geo.Verification, error) {
	v := geo.Verification{}
	err := row.Scan(&v.ID, &v.SessionID, &v.DeviceID, &v.ParticipantID, &v.Sequence, &v.Latitude, &v.Longitude,
		&v.AccuracyMeters, &v.Mocked, &v.CapturedAt, &v.Valid, &v.Reason, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	v.CapturedAt = v.CapturedAt.UTC()
	return &v, nil
}

func scanAnomaly(row rowScanner) (*geo.Anomaly, error) {
	a := geo.Anomaly{}
	err := row.Scan(&a.ID, &a.SessionID, &a.DeviceID, &a.ParticipantID, &a.VerificationID, &a.Kind, &a.Severity, &a.Status,
		&a.Details, &a.DetectedAt, &a.InvestigatedBy, &a.InvestigatedAt, &a.ResolvedBy, &a.ResolvedAt, &a.Resolution)
	if err != nil {
		return nil, err
	}
	a.DetectedAt = a.DetectedAt.UTC()
	return &a, nil
}
