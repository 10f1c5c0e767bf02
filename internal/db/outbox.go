package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/fieldtrack/internal/timeline"
	"github.com/banshee-data/fieldtrack/internal/tracking"
)

// PendingEvent is a timeline event whose latest revision has not reached
// the backend yet.
type PendingEvent struct {
	Event    timeline.Event
	RemoteID string
	Revision int64
}

func upsertEvent(ctx context.Context, ex execer, e timeline.Event) error {
	_, err := ex.ExecContext(ctx, `INSERT INTO timeline_events (
			id, session_id, employee_id, event_type, start_time, end_time,
			latitude, longitude, distance_km, point_count, is_open, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			end_time = excluded.end_time,
			distance_km = excluded.distance_km,
			point_count = excluded.point_count,
			is_open = excluded.is_open,
			updated_at = excluded.updated_at,
			revision = timeline_events.revision + 1,
			sync_attempts = 0`,
		e.ID, e.SessionID, e.EmployeeID, string(e.Type), toMillis(e.StartTime), toMillis(e.EndTime),
		e.Latitude, e.Longitude, e.DistanceKm, e.PointCount, boolToInt(e.Open), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to store timeline event %s: %w", e.ID, err)
	}
	return nil
}

// SaveTimelineChanges records segmenter output in the outbox.
func (db *DB) SaveTimelineChanges(ctx context.Context, changes []timeline.Change) error {
	if len(changes) == 0 {
		return nil
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range changes {
			if err := upsertEvent(ctx, tx, c.Event); err != nil {
				return err
			}
		}
		return nil
	})
}

const eventColumns = `id, session_id, employee_id, event_type, start_time, end_time,
	latitude, longitude, distance_km, point_count, is_open`

func scanEvent(s scanner, extra ...any) (timeline.Event, error) {
	var (
		e          timeline.Event
		typ        string
		start, end int64
		open       int
	)
	dest := []any{&e.ID, &e.SessionID, &e.EmployeeID, &typ, &start, &end,
		&e.Latitude, &e.Longitude, &e.DistanceKm, &e.PointCount, &open}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return e, fmt.Errorf("failed to scan timeline event: %w", err)
	}
	e.Type = timeline.EventType(typ)
	e.StartTime = fromMillis(start)
	e.EndTime = fromMillis(end)
	e.Open = open == 1
	return e, nil
}

// TimelineBySession returns a session's events in chronological order.
func (db *DB) TimelineBySession(ctx context.Context, sessionID string) ([]timeline.Event, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+eventColumns+` FROM timeline_events
		WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeline: %w", err)
	}
	defer rows.Close()

	var events []timeline.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	timeline.SortEvents(events)
	return events, nil
}

// PendingTimelineEvents returns events with unsynced revisions, oldest
// first, skipping those that failed maxAttempts times in a row.
func (db *DB) PendingTimelineEvents(ctx context.Context, limit, maxAttempts int) ([]PendingEvent, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+eventColumns+`, COALESCE(remote_id, ''), revision
		FROM timeline_events
		WHERE synced_rev < revision AND sync_attempts < ?
		ORDER BY start_time, id LIMIT ?`, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending timeline events: %w", err)
	}
	defer rows.Close()

	var out []PendingEvent
	for rows.Next() {
		var pe PendingEvent
		e, err := scanEvent(rows, &pe.RemoteID, &pe.Revision)
		if err != nil {
			return nil, err
		}
		pe.Event = e
		out = append(out, pe)
	}
	return out, rows.Err()
}

// MarkTimelineSynced records that revision of event id reached the backend
// under remoteID. A newer local revision stays pending.
func (db *DB) MarkTimelineSynced(ctx context.Context, id, remoteID string, revision int64) error {
	return retryOnBusy(func() error {
		_, err := db.ExecContext(ctx, `UPDATE timeline_events
			SET remote_id = ?, synced_rev = MAX(synced_rev, ?), sync_attempts = 0
			WHERE id = ?`, remoteID, revision, id)
		return err
	})
}

// IncrementTimelineAttempts records a failed push of event id.
func (db *DB) IncrementTimelineAttempts(ctx context.Context, id string) error {
	return retryOnBusy(func() error {
		_, err := db.ExecContext(ctx, `UPDATE timeline_events SET sync_attempts = sync_attempts + 1 WHERE id = ?`, id)
		return err
	})
}

// SaveSessionEnd stores a session end the backend has not acknowledged.
func (db *DB) SaveSessionEnd(ctx context.Context, end tracking.SessionEnd) error {
	return retryOnBusy(func() error {
		_, err := db.ExecContext(ctx, `INSERT INTO session_ends (
				session_id, ended_at, end_latitude, end_longitude, end_address, distance_km, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				ended_at = excluded.ended_at,
				end_latitude = excluded.end_latitude,
				end_longitude = excluded.end_longitude,
				end_address = excluded.end_address,
				distance_km = excluded.distance_km`,
			end.SessionID, toMillis(end.EndedAt), end.EndLatitude, end.EndLongitude, end.EndAddress,
			end.DistanceKm, toMillis(time.Now()))
		return err
	})
}

// PendingSessionEnds lists unacknowledged session ends.
func (db *DB) PendingSessionEnds(ctx context.Context, maxAttempts int) ([]tracking.SessionEnd, error) {
	rows, err := db.QueryContext(ctx, `SELECT session_id, ended_at, end_latitude, end_longitude, end_address, distance_km
		FROM session_ends WHERE attempts < ? ORDER BY created_at`, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to query session ends: %w", err)
	}
	defer rows.Close()

	var out []tracking.SessionEnd
	for rows.Next() {
		var (
			end     tracking.SessionEnd
			endedAt int64
		)
		if err := rows.Scan(&end.SessionID, &endedAt, &end.EndLatitude, &end.EndLongitude, &end.EndAddress, &end.DistanceKm); err != nil {
			return nil, fmt.Errorf("failed to scan session end: %w", err)
		}
		end.EndedAt = fromMillis(endedAt)
		out = append(out, end)
	}
	return out, rows.Err()
}

// DeleteSessionEnd drops an acknowledged session end.
func (db *DB) DeleteSessionEnd(ctx context.Context, sessionID string) error {
	return retryOnBusy(func() error {
		_, err := db.ExecContext(ctx, `DELETE FROM session_ends WHERE session_id = ?`, sessionID)
		return err
	})
}

// IncrementSessionEndAttempts records a failed session end push.
func (db *DB) IncrementSessionEndAttempts(ctx context.Context, sessionID string) error {
	return retryOnBusy(func() error {
		_, err := db.ExecContext(ctx, `UPDATE session_ends SET attempts = attempts + 1 WHERE session_id = ?`, sessionID)
		return err
	})
}

// DiscardSession removes everything queued locally for a session the
// backend never accepted.
func (db *DB) DiscardSession(ctx context.Context, sessionID string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"location_points", "timeline_events", "session_ends"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE session_id = ?`, sessionID); err != nil {
				return fmt.Errorf("failed to discard %s for session %s: %w", table, sessionID, err)
			}
		}
		return nil
	})
}
