// Package remote is the boundary to the backend that owns sessions, points
// and timeline events. Two stores are provided: a REST client and a direct
// Postgres writer.
package remote

import (
	"context"
	"errors"

	"github.com/banshee-data/fieldtrack/internal/timeline"
	"github.com/banshee-data/fieldtrack/internal/tracking"
)

var (
	// ErrTransient marks failures worth retrying: network errors, timeouts,
	// 5xx and 429 replies, dropped database connections.
	ErrTransient = errors.New("remote: transient failure")
	// ErrNotFound is returned when the addressed session or event does not
	// exist remotely.
	ErrNotFound = errors.New("remote: not found")
	// ErrConflict is returned by CreateSession when the employee already
	// has an active session.
	ErrConflict = errors.New("remote: conflict")
	// ErrUnsupported is returned by stores that cannot serve an operation.
	ErrUnsupported = errors.New("remote: unsupported operation")
)

// IsTransient reports whether err should be retried later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Store is the remote persistence service.
type Store interface {
	CreateSession(ctx context.Context, s tracking.Session) error
	// GetSession returns ErrNotFound for unknown ids.
	GetSession(ctx context.Context, id string) (tracking.Session, error)
	// GetActiveSession returns nil when the employee has no active session.
	GetActiveSession(ctx context.Context, employeeID string) (*tracking.Session, error)
	EndSession(ctx context.Context, end tracking.SessionEnd) error
	// UploadLocationBatch is idempotent by point id; re-sending a point the
	// backend already holds is not an error.
	UploadLocationBatch(ctx context.Context, points []tracking.LocationPoint) error
	// CreateTimelineEvent returns the backend's id for the event.
	CreateTimelineEvent(ctx context.Context, e timeline.Event) (string, error)
	UpdateTimelineEvent(ctx context.Context, remoteID string, e timeline.Event) error
	// SignedURL returns a time-limited download URL for a stored object.
	SignedURL(ctx context.Context, path string) (string, error)
}
