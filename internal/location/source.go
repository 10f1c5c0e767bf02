// Package location is the platform location API: a Source of raw fixes
// with a permission/service check, a distance-throttled subscription and a
// one-shot current fix.
package location

import (
	"context"
	"errors"

	"github.com/banshee-data/fieldtrack/internal/tracking"
)

var (
	ErrPermissionDenied = errors.New("location permission denied")
	ErrServiceDisabled  = errors.New("location service disabled")
	ErrNoFix            = errors.New("no location fix available")
)

// Options configures a subscription.
type Options struct {
	// MinDistanceM drops fixes closer than this to the last delivered fix.
	MinDistanceM float64
}

// Source delivers raw fixes.
type Source interface {
	// Check reports whether fixes can be obtained at all. It returns
	// ErrPermissionDenied or ErrServiceDisabled when they cannot.
	Check(ctx context.Context) error
	// Subscribe streams fixes until ctx is done. The channel is closed when
	// ctx is done or when the source stops; a close while ctx is still live
	// means the stream ended unexpectedly.
	Subscribe(ctx context.Context, opts Options) (<-chan tracking.RawFix, error)
	// Current returns one fresh fix or ErrNoFix.
	Current(ctx context.Context) (tracking.RawFix, error)
}
