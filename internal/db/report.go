package db

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/fieldtrack/internal/timeline"
)

// SessionReport summarises a session from the local queue and timeline.
type SessionReport struct {
	SessionID       string        `json:"session_id"`
	PointCount      int           `json:"point_count"`
	MovingPoints    int           `json:"moving_points"`
	UploadedPoints  int           `json:"uploaded_points"`
	AccuracyP50     float64       `json:"accuracy_p50_m"`
	AccuracyP95     float64       `json:"accuracy_p95_m"`
	MeanMovingSpeed float64       `json:"mean_moving_speed_mps"`
	MoveDistanceKm  float64       `json:"move_distance_km"`
	StopCount       int           `json:"stop_count"`
	StopDuration    time.Duration `json:"-"`
	StopSeconds     float64       `json:"stop_seconds"`
}

// SessionReport computes a report for sessionID. A session with no local
// data yields a zero report.
func (db *DB) SessionReport(ctx context.Context, sessionID string) (*SessionReport, error) {
	points, err := db.GetBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	events, err := db.TimelineBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load timeline for report: %w", err)
	}

	r := &SessionReport{SessionID: sessionID, PointCount: len(points)}
	accuracies := make([]float64, 0, len(points))
	var speeds []float64
	for _, p := range points {
		accuracies = append(accuracies, p.AccuracyM)
		if p.Uploaded {
			r.UploadedPoints++
		}
		if p.Moving {
			r.MovingPoints++
			speeds = append(speeds, p.SpeedMps)
		}
	}
	if len(accuracies) > 0 {
		sort.Float64s(accuracies)
		r.AccuracyP50 = stat.Quantile(0.5, stat.Empirical, accuracies, nil)
		r.AccuracyP95 = stat.Quantile(0.95, stat.Empirical, accuracies, nil)
	}
	if len(speeds) > 0 {
		r.MeanMovingSpeed = stat.Mean(speeds, nil)
	}

	for _, e := range events {
		switch e.Type {
		case timeline.EventMove:
			r.MoveDistanceKm += e.DistanceKm
		case timeline.EventStop:
			r.StopCount++
			r.StopDuration += e.Duration()
		}
	}
	r.StopSeconds = r.StopDuration.Seconds()
	return r, nil
}
