package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/fieldtrack/internal/tracking"
)

const pointColumns = `id, session_id, employee_id, latitude, longitude, accuracy_m, speed_mps,
	altitude, heading, recorded_at, is_moving, uploaded, upload_attempts, created_at, uploaded_at`

const insertPointSQL = `INSERT INTO location_points (` + pointColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, NULL)
	ON CONFLICT(id) DO NOTHING`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertPoint(ctx context.Context, ex execer, p tracking.LocationPoint) error {
	_, err := ex.ExecContext(ctx, insertPointSQL,
		p.ID, p.SessionID, p.EmployeeID, p.Latitude, p.Longitude, p.AccuracyM, p.SpeedMps,
		p.Altitude, p.Heading, toMillis(p.RecordedAt), boolToInt(p.Moving), toMillis(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue point %s: %w", p.ID, err)
	}
	return nil
}

// Enqueue durably stores one point. The write is committed before it
// returns; re-enqueueing the same id is a no-op.
func (db *DB) Enqueue(ctx context.Context, p tracking.LocationPoint) error {
	return retryOnBusy(func() error {
		return insertPoint(ctx, db.DB, p)
	})
}

// EnqueueAll stores points in a single transaction.
func (db *DB) EnqueueAll(ctx context.Context, points []tracking.LocationPoint) error {
	if len(points) == 0 {
		return nil
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range points {
			if err := insertPoint(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetUnuploaded returns up to limit points that are not uploaded and have
// fewer than maxAttempts failed uploads, oldest first.
func (db *DB) GetUnuploaded(ctx context.Context, limit, maxAttempts int) ([]tracking.LocationPoint, error) {
	return db.queryPoints(ctx, `SELECT `+pointColumns+` FROM location_points
		WHERE uploaded = 0 AND upload_attempts < ?
		ORDER BY recorded_at, id LIMIT ?`, maxAttempts, limit)
}

// GetUnuploadedBySession is GetUnuploaded restricted to one session.
func (db *DB) GetUnuploadedBySession(ctx context.Context, sessionID string, limit, maxAttempts int) ([]tracking.LocationPoint, error) {
	return db.queryPoints(ctx, `SELECT `+pointColumns+` FROM location_points
		WHERE session_id = ? AND uploaded = 0 AND upload_attempts < ?
		ORDER BY recorded_at, id LIMIT ?`, sessionID, maxAttempts, limit)
}

// GetBySession returns every point of a session in recording order.
func (db *DB) GetBySession(ctx context.Context, sessionID string) ([]tracking.LocationPoint, error) {
	return db.queryPoints(ctx, `SELECT `+pointColumns+` FROM location_points
		WHERE session_id = ? ORDER BY recorded_at, id`, sessionID)
}

// FailedPoints lists points that exhausted their upload attempts.
func (db *DB) FailedPoints(ctx context.Context, maxAttempts, limit int) ([]tracking.LocationPoint, error) {
	return db.queryPoints(ctx, `SELECT `+pointColumns+` FROM location_points
		WHERE uploaded = 0 AND upload_attempts >= ?
		ORDER BY recorded_at, id LIMIT ?`, maxAttempts, limit)
}

// MarkUploaded flags points as delivered. Marking an already uploaded
// point keeps its original upload time.
func (db *DB) MarkUploaded(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	q := `UPDATE location_points SET uploaded = 1, uploaded_at = COALESCE(uploaded_at, ?)
		WHERE id IN (` + placeholders(len(ids)) + `)`
	args := append([]any{toMillis(at)}, stringArgs(ids)...)
	return retryOnBusy(func() error {
		_, err := db.ExecContext(ctx, q, args...)
		return err
	})
}

// IncrementAttempts records one failed upload for each pending point.
func (db *DB) IncrementAttempts(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q := `UPDATE location_points SET upload_attempts = upload_attempts + 1
		WHERE uploaded = 0 AND id IN (` + placeholders(len(ids)) + `)`
	return retryOnBusy(func() error {
		_, err := db.ExecContext(ctx, q, stringArgs(ids)...)
		return err
	})
}

// ResetFailed re-arms points that exhausted their attempts so the sync
// engine picks them up again.
func (db *DB) ResetFailed(ctx context.Context, maxAttempts int) (int64, error) {
	var n int64
	err := retryOnBusy(func() error {
		res, err := db.ExecContext(ctx, `UPDATE location_points SET upload_attempts = 0
			WHERE uploaded = 0 AND upload_attempts >= ?`, maxAttempts)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// DeleteUploadedOlderThan removes uploaded points recorded before horizon.
// Pending points are never deleted.
func (db *DB) DeleteUploadedOlderThan(ctx context.Context, horizon time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(func() error {
		res, err := db.ExecContext(ctx, `DELETE FROM location_points
			WHERE uploaded = 1 AND recorded_at < ?`, toMillis(horizon))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// QueueStats summarises the queue for diagnostics.
type QueueStats struct {
	Pending       int64      `json:"pending"`
	Uploaded      int64      `json:"uploaded"`
	Failed        int64      `json:"failed"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// QueueStats counts pending, uploaded and permanently failed points.
func (db *DB) QueueStats(ctx context.Context, maxAttempts int) (QueueStats, error) {
	var stats QueueStats
	var oldest sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT
			COALESCE(SUM(CASE WHEN uploaded = 0 AND upload_attempts < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN uploaded = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN uploaded = 0 AND upload_attempts >= ? THEN 1 ELSE 0 END), 0),
			MIN(CASE WHEN uploaded = 0 THEN recorded_at END)
		FROM location_points`, maxAttempts, maxAttempts).
		Scan(&stats.Pending, &stats.Uploaded, &stats.Failed, &oldest)
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}
	if oldest.Valid {
		t := fromMillis(oldest.Int64)
		stats.OldestPending = &t
	}
	return stats, nil
}

func (db *DB) queryPoints(ctx context.Context, query string, args ...any) ([]tracking.LocationPoint, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query points: %w", err)
	}
	defer rows.Close()

	var points []tracking.LocationPoint
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPoint(s scanner) (tracking.LocationPoint, error) {
	var (
		p                     tracking.LocationPoint
		altitude, heading     sql.NullFloat64
		recordedAt, createdAt int64
		moving, uploaded      int
		uploadedAt            sql.NullInt64
	)
	err := s.Scan(&p.ID, &p.SessionID, &p.EmployeeID, &p.Latitude, &p.Longitude, &p.AccuracyM, &p.SpeedMps,
		&altitude, &heading, &recordedAt, &moving, &uploaded, &p.UploadAttempts, &createdAt, &uploadedAt)
	if err != nil {
		return p, fmt.Errorf("failed to scan point: %w", err)
	}
	if altitude.Valid {
		p.Altitude = &altitude.Float64
	}
	if heading.Valid {
		p.Heading = &heading.Float64
	}
	p.RecordedAt = fromMillis(recordedAt)
	p.CreatedAt = fromMillis(createdAt)
	p.Moving = moving == 1
	p.Uploaded = uploaded == 1
	if uploadedAt.Valid {
		t := fromMillis(uploadedAt.Int64)
		p.UploadedAt = &t
	}
	return p, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
