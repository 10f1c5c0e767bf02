// Package timeline turns the filtered fix stream into a gap-free sequence of
// start, move, stop and end events.
package timeline

import (
	"time"

	"github.com/banshee-data/fieldtrack/internal/config"
)

// EventType tags a timeline event.
type EventType string

const (
	EventStart EventType = "start"
	EventMove  EventType = "move"
	EventStop  EventType = "stop"
	EventEnd   EventType = "end"
)

// Event is one span of a session's timeline. Start and end events are
// instants. A stop's position is its anchor; a move's is where it began.
type Event struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	EmployeeID string    `json:"employee_id"`
	Type       EventType `json:"event_type"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	DistanceKm float64   `json:"distance_km"`
	PointCount int       `json:"point_count"`
	// Open is true while a stop may still be extended.
	Open bool `json:"open"`
}

// Duration returns EndTime - StartTime.
func (e Event) Duration() time.Duration {
	return e.EndTime.Sub(e.StartTime)
}

// ChangeKind says whether a change introduces an event or revises one
// already emitted.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
)

// Change is one segmenter output.
type Change struct {
	Kind  ChangeKind `json:"kind"`
	Event Event      `json:"event"`
}

// Config holds the stop detection thresholds.
type Config struct {
	StopRadiusM     float64
	StopMinDuration time.Duration
}

// DefaultConfig returns the built-in stop thresholds.
func DefaultConfig() Config {
	return ConfigFromTracking(config.EmptyTrackingConfig())
}

// ConfigFromTracking builds a Config from the tracking config.
func ConfigFromTracking(cfg *config.TrackingConfig) Config {
	return Config{
		StopRadiusM:     cfg.GetStopRadiusM(),
		StopMinDuration: cfg.GetStopMinDuration(),
	}
}
