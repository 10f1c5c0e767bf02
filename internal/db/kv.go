package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Well-known keys in the kv table.
const (
	// KeyWorkerCheckpoint holds the tracking worker's resumable state.
	KeyWorkerCheckpoint = "worker.checkpoint"
	// KeyActiveSession holds the session manager's local session pointer.
	KeyActiveSession = "session.active"
)

func putJSON(ctx context.Context, ex execer, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(raw), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// PutJSON stores v under key, replacing any previous value.
func (db *DB) PutJSON(ctx context.Context, key string, v any) error {
	return retryOnBusy(func() error {
		return putJSON(ctx, db.DB, key, v)
	})
}

// GetJSON decodes the value under key into v. It reports false when the
// key does not exist.
func (db *DB) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	var raw string
	err := db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// DeleteKey removes key. Deleting a missing key is not an error.
func (db *DB) DeleteKey(ctx context.Context, key string) error {
	return retryOnBusy(func() error {
		_, err := db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		return err
	})
}
