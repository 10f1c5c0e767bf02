package worker

import (
	"errors"
	"time"

	"github.com/banshee-data/fieldtrack/internal/timeline"
	"github.com/banshee-data/fieldtrack/internal/tracking"
)

// ErrStreamClosed is carried by an unexpected Stopped event when the
// location source ended the subscription on its own.
var ErrStreamClosed = errors.New("worker: location stream closed")

// Command is a message to the worker.
type Command interface{ isCommand() }

// Start begins tracking a session. Origin is the fix the session starts
// at; it is ignored when a checkpoint for the same session exists.
type Start struct {
	SessionID  string
	EmployeeID string
	StartedAt  time.Time
	Origin     tracking.RawFix
}

// Stop ends tracking. An empty SessionID stops whatever is running. The
// end event is placed at At (the worker's clock when zero) and at Final's
// position when set, otherwise at the last accepted fix.
type Stop struct {
	SessionID string
	At        time.Time
	Final     *tracking.RawFix
}

func (Start) isCommand() {}
func (Stop) isCommand()  {}

// Event is a message from the worker.
type Event interface{ isEvent() }

// Ack confirms a Start. Resumed is set when state came from a checkpoint,
// and DistanceKm then carries the restored total.
type Ack struct {
	SessionID  string
	Resumed    bool
	DistanceKm float64
}

// Progress follows every accepted fix.
type Progress struct {
	SessionID  string
	DistanceKm float64
	Fix        tracking.RawFix
	Moving     bool
	Forwarded  bool
	Phase      string
}

// TimelineChanged carries one created or revised timeline event.
type TimelineChanged struct {
	SessionID string
	Change    timeline.Change
}

// Stopped reports the worker is no longer tracking. Unexpected is set when
// the stop did not come from a Stop command; the checkpoint is kept so a
// later Start resumes it.
//
// EndedAt is the time of the end event written by a Stop command; it is
// zero for unexpected stops.
type Stopped struct {
	SessionID  string
	DistanceKm float64
	EndedAt    time.Time
	Unexpected bool
	Err        error
}

func (Ack) isEvent()             {}
func (Progress) isEvent()        {}
func (TimelineChanged) isEvent() {}
func (Stopped) isEvent()         {}

// Checkpoint is the worker's persisted state. It is rewritten in the same
// transaction as every queued point.
type Checkpoint struct {
	SessionID  string               `json:"session_id"`
	EmployeeID string               `json:"employee_id"`
	StartedAt  time.Time            `json:"started_at"`
	DistanceM  float64              `json:"distance_m"`
	Filter     tracking.FilterState `json:"filter"`
	Timeline   timeline.State       `json:"timeline"`
	UpdatedAt  time.Time            `json:"updated_at"`
}
