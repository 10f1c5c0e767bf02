package db

import (
	"context"
	"database/sql"

	"github.com/banshee-data/fieldtrack/internal/timeline"
	"github.com/banshee-data/fieldtrack/internal/tracking"
)

// FixCommit is everything one processed fix writes. It is stored in a
// single transaction so a crash never leaves the checkpoint ahead of the
// queue or behind it.
type FixCommit struct {
	Checkpoint any
	Point      *tracking.LocationPoint
	Changes    []timeline.Change
}

// CommitFix writes the worker checkpoint, the forwarded point and any
// timeline changes atomically.
func (db *DB) CommitFix(ctx context.Context, c FixCommit) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if c.Point != nil {
			if err := insertPoint(ctx, tx, *c.Point); err != nil {
				return err
			}
		}
		for _, ch := range c.Changes {
			if err := upsertEvent(ctx, tx, ch.Event); err != nil {
				return err
			}
		}
		if c.Checkpoint == nil {
			_, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, KeyWorkerCheckpoint)
			return err
		}
		return putJSON(ctx, tx, KeyWorkerCheckpoint, c.Checkpoint)
	})
}
