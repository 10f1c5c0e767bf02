package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/fieldtrack/internal/tracking"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := NewDB(path)
	if err != nil {
		t.Fatalf("failed to create test DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var baseTime = time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

func testPoint(id, sessionID string, offset time.Duration) tracking.LocationPoint {
	return tracking.LocationPoint{
		ID:         id,
		SessionID:  sessionID,
		EmployeeID: "emp-1",
		Latitude:   52.52,
		Longitude:  13.405,
		AccuracyM:  8,
		SpeedMps:   1.5,
		RecordedAt: baseTime.Add(offset),
		Moving:     true,
		CreatedAt:  baseTime.Add(offset),
	}
}

func floatPtr(f float64) *float64 {
	return &f
}
