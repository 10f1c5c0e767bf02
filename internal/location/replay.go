package location

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/banshee-data/fieldtrack/internal/fsutil"
	"github.com/banshee-data/fieldtrack/internal/monitoring"
	"github.com/banshee-data/fieldtrack/internal/security"
	"github.com/banshee-data/fieldtrack/internal/timeutil"
	"github.com/banshee-data/fieldtrack/internal/tracking"
)

// ReplayOptions controls playback of a recorded fix file.
type ReplayOptions struct {
	// BaseDir, when set, is the directory the file must live in.
	BaseDir string
	// Speedup divides recorded gaps between fixes. Zero plays without
	// pauses.
	Speedup float64
	// Rebase shifts timestamps so the first fix is stamped with the time
	// playback starts.
	Rebase bool
	// WaitForSubscriber holds playback until someone subscribes.
	WaitForSubscriber bool
}

// ReplaySource plays back fixes stored as JSON lines, one RawFix per line.
type ReplaySource struct {
	opts  ReplayOptions
	clock timeutil.Clock
	hub   *hub
	fixes []tracking.RawFix
	log   monitoring.Logger

	mu     sync.Mutex
	offset time.Duration
	played bool
}

// LoadFixes reads a JSON lines fix file through fsys.
func LoadFixes(fsys fsutil.FileSystem, path string) ([]tracking.RawFix, error) {
	data, err := fsys.ReadFile(path)
	if errors.Is(err, fs.ErrPermission) {
		return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var fixes []tracking.RawFix
	scan := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; scan.Scan(); n++ {
		line := bytes.TrimSpace(scan.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		var fix tracking.RawFix
		if err := json.Unmarshal(line, &fix); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		fixes = append(fixes, fix)
	}
	return fixes, scan.Err()
}

// NewReplaySource loads path and prepares it for playback.
func NewReplaySource(fsys fsutil.FileSystem, path string, clock timeutil.Clock, opts ReplayOptions) (*ReplaySource, error) {
	if opts.BaseDir != "" {
		if err := security.ValidatePathWithinDirectory(path, opts.BaseDir); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
	}
	fixes, err := LoadFixes(fsys, path)
	if err != nil {
		return nil, err
	}
	log := monitoring.Component("replay")
	return &ReplaySource{
		opts:  opts,
		clock: clock,
		hub:   newHub(clock, log),
		fixes: fixes,
		log:   log,
	}, nil
}

// Len returns the number of fixes in the file.
func (r *ReplaySource) Len() int { return len(r.fixes) }

func (r *ReplaySource) stamp(fix tracking.RawFix) tracking.RawFix {
	r.mu.Lock()
	defer r.mu.Unlock()
	fix.Time = fix.Time.Add(r.offset)
	return fix
}

// Run plays the file once and then ends all subscriptions, as a receiver
// that was unplugged would.
func (r *ReplaySource) Run(ctx context.Context) error {
	defer r.hub.close()
	if len(r.fixes) == 0 {
		return ErrNoFix
	}
	if r.opts.WaitForSubscriber {
		if err := r.hub.waitSubscribers(ctx, 1); err != nil {
			return err
		}
	}

	r.mu.Lock()
	if r.opts.Rebase {
		r.offset = r.clock.Now().Sub(r.fixes[0].Time)
	}
	r.played = true
	r.mu.Unlock()
	r.log.Printf("playing %d fixes", len(r.fixes))

	for i, fix := range r.fixes {
		if i > 0 && r.opts.Speedup > 0 {
			gap := fix.Time.Sub(r.fixes[i-1].Time)
			if gap > 0 {
				select {
				case <-r.clock.After(time.Duration(float64(gap) / r.opts.Speedup)):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		r.hub.publish(r.stamp(fix))
	}
	return nil
}

func (r *ReplaySource) Check(ctx context.Context) error {
	if len(r.fixes) == 0 || r.hub.isClosed() {
		return ErrServiceDisabled
	}
	return nil
}

func (r *ReplaySource) Subscribe(ctx context.Context, opts Options) (<-chan tracking.RawFix, error) {
	return r.hub.subscribe(ctx, opts)
}

// Current returns the latest played fix. Before playback starts it returns
// the first fix, stamped as if playback started now.
func (r *ReplaySource) Current(ctx context.Context) (tracking.RawFix, error) {
	r.mu.Lock()
	played := r.played
	r.mu.Unlock()
	if !played {
		if len(r.fixes) == 0 {
			return tracking.RawFix{}, ErrNoFix
		}
		fix := r.fixes[0]
		if r.opts.Rebase {
			fix.Time = r.clock.Now()
		}
		return fix, nil
	}

	r.hub.mu.Lock()
	latest := r.hub.latest
	r.hub.mu.Unlock()
	if latest == nil {
		return tracking.RawFix{}, ErrNoFix
	}
	return *latest, nil
}
