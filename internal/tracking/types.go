// Package tracking holds the location data model and the per-fix stages of
// the pipeline: the sample filter and the distance accumulator.
package tracking

import (
	"time"

	"github.com/google/uuid"
)

// RawFix is one reading from the platform location service.
type RawFix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	AccuracyM float64   `json:"accuracy_m"`
	SpeedMps  float64   `json:"speed_mps"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Time      time.Time `json:"time"`
	// Heartbeat marks a fix forced by the worker's heartbeat timer.
	Heartbeat bool `json:"heartbeat,omitempty"`
}

// LocationPoint is an accepted fix queued for upload.
type LocationPoint struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"session_id"`
	EmployeeID     string     `json:"employee_id"`
	Latitude       float64    `json:"latitude"`
	Longitude      float64    `json:"longitude"`
	AccuracyM      float64    `json:"accuracy"`
	SpeedMps       float64    `json:"speed"`
	Altitude       *float64   `json:"altitude,omitempty"`
	Heading        *float64   `json:"heading,omitempty"`
	RecordedAt     time.Time  `json:"recorded_at"`
	Moving         bool       `json:"is_moving"`
	Uploaded       bool       `json:"-"`
	UploadAttempts int        `json:"-"`
	CreatedAt      time.Time  `json:"-"`
	UploadedAt     *time.Time `json:"-"`
}

// NewLocationPoint builds a queue item for an accepted fix.
func NewLocationPoint(sessionID, employeeID string, fix RawFix, moving bool, now time.Time) LocationPoint {
	return LocationPoint{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		EmployeeID: employeeID,
		Latitude:   fix.Latitude,
		Longitude:  fix.Longitude,
		AccuracyM:  fix.AccuracyM,
		SpeedMps:   fix.SpeedMps,
		Altitude:   fix.Altitude,
		Heading:    fix.Heading,
		RecordedAt: fix.Time,
		Moving:     moving,
		CreatedAt:  now,
	}
}

// SessionStatus is the remote status of a work session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// Session is one work shift for one employee.
type Session struct {
	ID             string        `json:"id"`
	EmployeeID     string        `json:"employee_id"`
	Status         SessionStatus `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	StartLatitude  float64       `json:"start_latitude"`
	StartLongitude float64       `json:"start_longitude"`
	EndLatitude    *float64      `json:"end_latitude,omitempty"`
	EndLongitude   *float64      `json:"end_longitude,omitempty"`
	StartAddress   string        `json:"start_address,omitempty"`
	EndAddress     string        `json:"end_address,omitempty"`
	DistanceKm     float64       `json:"total_distance_km"`
}

// NewSession starts a session record at the given fix.
func NewSession(employeeID string, start RawFix, now time.Time) Session {
	return Session{
		ID:             uuid.NewString(),
		EmployeeID:     employeeID,
		Status:         SessionActive,
		StartedAt:      now,
		StartLatitude:  start.Latitude,
		StartLongitude: start.Longitude,
	}
}

// SessionEnd is the closing record sent to the backend.
type SessionEnd struct {
	SessionID    string    `json:"session_id"`
	EndedAt      time.Time `json:"ended_at"`
	EndLatitude  float64   `json:"end_latitude"`
	EndLongitude float64   `json:"end_longitude"`
	EndAddress   string    `json:"end_address,omitempty"`
	DistanceKm   float64   `json:"total_distance_km"`
}
