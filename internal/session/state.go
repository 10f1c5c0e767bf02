package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/fieldtrack/internal/location"
	"github.com/banshee-data/fieldtrack/internal/tracking"
)

// Status is the manager's lifecycle state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// HandshakeState tracks the start handshake with the worker.
type HandshakeState string

const (
	HandshakePendingAck HandshakeState = "pending_ack"
	HandshakeAcked      HandshakeState = "acked"
	HandshakeTimedOut   HandshakeState = "timed_out"
)

// maxWarnings caps the warnings kept on the state.
const maxWarnings = 20

// State is what the UI sees.
type State struct {
	Status          Status            `json:"status"`
	Session         *tracking.Session `json:"session,omitempty"`
	DistanceKm      float64           `json:"distance_km"`
	Duration        time.Duration     `json:"-"`
	DurationSeconds int64             `json:"duration_seconds"`
	LastFix         *tracking.RawFix  `json:"last_fix,omitempty"`
	Moving          bool              `json:"moving"`
	Phase           string            `json:"phase,omitempty"`
	Handshake       HandshakeState    `json:"handshake,omitempty"`
	Warnings        []string          `json:"warnings"`
	Error           string            `json:"error,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func (s State) clone() State {
	out := s
	if s.Session != nil {
		sess := *s.Session
		out.Session = &sess
	}
	if s.LastFix != nil {
		fix := *s.LastFix
		out.LastFix = &fix
	}
	out.Warnings = append([]string{}, s.Warnings...)
	return out
}

// tracking reports whether events for sessionID belong to this state.
func (s *State) tracking(sessionID string) bool {
	if s.Session == nil || s.Session.ID != sessionID {
		return false
	}
	switch s.Status {
	case StatusStarting, StatusActive, StatusStopping:
		return true
	}
	return false
}

func (s *State) warn(msg string) {
	s.Warnings = append(s.Warnings, msg)
	if len(s.Warnings) > maxWarnings {
		s.Warnings = s.Warnings[len(s.Warnings)-maxWarnings:]
	}
}

var (
	ErrAlreadyActive = errors.New("session already active")
	ErrNotActive     = errors.New("no active session")
)

// Reason classifies a failed start so the UI can guide the user.
type Reason string

const (
	ReasonPermissionDenied    Reason = "permission_denied"
	ReasonServiceDisabled     Reason = "service_disabled"
	ReasonLocationUnavailable Reason = "location_unavailable"
	ReasonAlreadyActive       Reason = "already_active"
	ReasonNoFix               Reason = "no_fix"
	ReasonRemote              Reason = "remote_unavailable"
	ReasonStorage             Reason = "storage_error"
)

// StartError is returned by Start.
type StartError struct {
	Reason Reason
	Err    error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start session: %s: %v", e.Reason, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

func locationReason(err error) Reason {
	switch {
	case errors.Is(err, location.ErrPermissionDenied):
		return ReasonPermissionDenied
	case errors.Is(err, location.ErrServiceDisabled):
		return ReasonServiceDisabled
	}
	return ReasonLocationUnavailable
}

// Pointer is the manager's persisted record of the running session. It is
// written before the worker is told to start so a crash mid-start leaves a
// trace Init can reconcile.
type Pointer struct {
	SessionID      string    `json:"session_id"`
	EmployeeID     string    `json:"employee_id"`
	StartedAt      time.Time `json:"started_at"`
	StartLatitude  float64   `json:"start_latitude"`
	StartLongitude float64   `json:"start_longitude"`
}

func pointerFor(s tracking.Session) Pointer {
	return Pointer{
		SessionID:      s.ID,
		EmployeeID:     s.EmployeeID,
		StartedAt:      s.StartedAt,
		StartLatitude:  s.StartLatitude,
		StartLongitude: s.StartLongitude,
	}
}

func (p Pointer) session() tracking.Session {
	return tracking.Session{
		ID:             p.SessionID,
		EmployeeID:     p.EmployeeID,
		Status:         tracking.SessionActive,
		StartedAt:      p.StartedAt,
		StartLatitude:  p.StartLatitude,
		StartLongitude: p.StartLongitude,
	}
}
