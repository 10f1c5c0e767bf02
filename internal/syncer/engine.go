// Package syncer moves locally queued points, timeline events and session
// ends to the remote store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/fieldtrack/internal/config"
	"github.com/banshee-data/fieldtrack/internal/db"
	"github.com/banshee-data/fieldtrack/internal/monitoring"
	"github.com/banshee-data/fieldtrack/internal/remote"
	"github.com/banshee-data/fieldtrack/internal/timeutil"
	"github.com/banshee-data/fieldtrack/internal/tracking"
)

// Outbox is the local side of the sync: the point queue plus the timeline
// and session-end outboxes. *db.DB implements it.
type Outbox interface {
	GetUnuploaded(ctx context.Context, limit, maxAttempts int) ([]tracking.LocationPoint, error)
	GetUnuploadedBySession(ctx context.Context, sessionID string, limit, maxAttempts int) ([]tracking.LocationPoint, error)
	MarkUploaded(ctx context.Context, ids []string, at time.Time) error
	IncrementAttempts(ctx context.Context, ids []string) error
	DeleteUploadedOlderThan(ctx context.Context, horizon time.Time) (int64, error)

	PendingTimelineEvents(ctx context.Context, limit, maxAttempts int) ([]db.PendingEvent, error)
	MarkTimelineSynced(ctx context.Context, id, remoteID string, revision int64) error
	IncrementTimelineAttempts(ctx context.Context, id string) error

	PendingSessionEnds(ctx context.Context, maxAttempts int) ([]tracking.SessionEnd, error)
	DeleteSessionEnd(ctx context.Context, sessionID string) error
	IncrementSessionEndAttempts(ctx context.Context, sessionID string) error
}

// Options tunes the engine.
type Options struct {
	BatchSize    int
	MaxAttempts  int
	Interval     time.Duration
	Retention    time.Duration
	DrainBackoff time.Duration
	Clock        timeutil.Clock
}

// OptionsFromConfig reads the sync settings from the tracking config.
func OptionsFromConfig(cfg *config.TrackingConfig) Options {
	return Options{
		BatchSize:    cfg.GetMaxBatchSize(),
		MaxAttempts:  cfg.GetMaxAttempts(),
		Interval:     cfg.GetSyncInterval(),
		Retention:    cfg.GetRetention(),
		DrainBackoff: cfg.GetDrainBackoff(),
	}
}

// Result counts what one pass moved.
type Result struct {
	PointsUploaded int `json:"points_uploaded"`
	PointsFailed   int `json:"points_failed"`
	EventsSynced   int `json:"events_synced"`
	EventsFailed   int `json:"events_failed"`
	EndsSynced     int `json:"ends_synced"`
	EndsFailed     int `json:"ends_failed"`
}

func (r *Result) add(o Result) {
	r.PointsUploaded += o.PointsUploaded
	r.PointsFailed += o.PointsFailed
	r.EventsSynced += o.EventsSynced
	r.EventsFailed += o.EventsFailed
	r.EndsSynced += o.EndsSynced
	r.EndsFailed += o.EndsFailed
}

// RunInfo captures one pass of the engine.
type RunInfo struct {
	Trigger    string    `json:"trigger,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
	Result     Result    `json:"result"`
}

// Status is the engine's health summary.
type Status struct {
	Enabled      bool      `json:"enabled"`
	LastRunAt    time.Time `json:"last_run_at"`
	LastRunError string    `json:"last_run_error,omitempty"`
	RunCount     int64     `json:"run_count"`
	IsHealthy    bool      `json:"is_healthy"`
	CurrentRun   *RunInfo  `json:"current_run,omitempty"`
	LastRun      *RunInfo  `json:"last_run,omitempty"`
}

// Engine is the batch sync engine. RunOnce and Drain may be called from
// any goroutine; passes are serialised so a point is never in two uploads
// at once.
type Engine struct {
	local Outbox
	store remote.Store
	opts  Options
	clock timeutil.Clock
	log   monitoring.Logger

	passMu sync.Mutex

	mu           sync.RWMutex
	enabled      bool
	trigger      chan struct{}
	lastRunAt    time.Time
	lastRunError error
	runCount     int64
	currentRun   *RunInfo
	lastRun      *RunInfo
}

// NewEngine creates an enabled engine.
func NewEngine(local Outbox, store remote.Store, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Engine{
		local:   local,
		store:   store,
		opts:    opts,
		clock:   opts.Clock,
		log:     monitoring.Component("sync"),
		enabled: true,
		// Size 1 coalesces bursts of triggers into one pending run.
		trigger: make(chan struct{}, 1),
	}
}

func (e *Engine) IsEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled
}

// SetEnabled pauses or resumes periodic and triggered runs. Enabling
// triggers an immediate run. Drain ignores the flag.
func (e *Engine) SetEnabled(enabled bool) {
	e.mu.Lock()
	e.enabled = enabled
	e.mu.Unlock()
	if enabled {
		e.Trigger()
	}
}

// Trigger requests a run without waiting for it.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
		e.log.Printf("trigger skipped (already pending)")
	}
}

// Status returns the engine's health. It is unhealthy after a failed run or
// when no run happened within two intervals.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := Status{
		Enabled:   e.enabled,
		LastRunAt: e.lastRunAt,
		RunCount:  e.runCount,
		IsHealthy: true,
	}
	if e.lastRunError != nil {
		st.LastRunError = e.lastRunError.Error()
		st.IsHealthy = false
	}
	if e.currentRun != nil {
		run := *e.currentRun
		st.CurrentRun = &run
	}
	if e.lastRun != nil {
		run := *e.lastRun
		st.LastRun = &run
	}
	if e.enabled && !e.lastRunAt.IsZero() && e.opts.Interval > 0 &&
		e.clock.Since(e.lastRunAt) > 2*e.opts.Interval {
		st.IsHealthy = false
	}
	return st
}

func (e *Engine) startRun(trigger string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentRun = &RunInfo{Trigger: trigger, StartedAt: e.clock.Now()}
}

func (e *Engine) finishRun(res Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	if e.currentRun == nil {
		e.currentRun = &RunInfo{Trigger: "unknown", StartedAt: now}
	}
	e.currentRun.FinishedAt = now
	e.currentRun.DurationMs = now.Sub(e.currentRun.StartedAt).Milliseconds()
	e.currentRun.Result = res
	if err != nil {
		e.currentRun.Error = err.Error()
	}
	e.lastRun = e.currentRun
	e.currentRun = nil
	e.lastRunAt = now
	e.lastRunError = err
	e.runCount++
}

// RunOnce uploads one batch of points, then pushes pending timeline events
// and session ends. Item failures are counted against their attempts and
// reported in the returned error; the pass still visits every stage.
func (e *Engine) RunOnce(ctx context.Context) (Result, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	var res Result
	var errs []error

	points, err := e.local.GetUnuploaded(ctx, e.opts.BatchSize, e.opts.MaxAttempts)
	if err != nil {
		return res, fmt.Errorf("read queue: %w", err)
	}
	r, err := e.uploadBatch(ctx, points)
	res.add(r)
	if err != nil {
		errs = append(errs, err)
	}

	r, err = e.syncOutbox(ctx)
	res.add(r)
	if err != nil {
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}

// uploadBatch sends points as a single batch and records the outcome.
func (e *Engine) uploadBatch(ctx context.Context, points []tracking.LocationPoint) (Result, error) {
	var res Result
	if len(points) == 0 {
		return res, nil
	}
	ids := make([]string, len(points))
	for i, p := range points {
		ids[i] = p.ID
	}

	if uploadErr := e.store.UploadLocationBatch(ctx, points); uploadErr != nil {
		res.PointsFailed = len(points)
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := e.local.IncrementAttempts(ctx, ids); err != nil {
			return res, errors.Join(uploadErr, fmt.Errorf("record attempts: %w", err))
		}
		return res, uploadErr
	}
	if err := e.local.MarkUploaded(ctx, ids, e.clock.Now()); err != nil {
		// The backend has them; a re-send is absorbed by id.
		return res, fmt.Errorf("mark uploaded: %w", err)
	}
	res.PointsUploaded = len(points)
	return res, nil
}

// syncOutbox pushes dirty timeline events and unacknowledged session ends.
func (e *Engine) syncOutbox(ctx context.Context) (Result, error) {
	var res Result
	var errs []error

	events, err := e.local.PendingTimelineEvents(ctx, e.opts.BatchSize, e.opts.MaxAttempts)
	if err != nil {
		return res, fmt.Errorf("read timeline outbox: %w", err)
	}
	for _, pe := range events {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := e.pushEvent(ctx, pe); err != nil {
			res.EventsFailed++
			errs = append(errs, err)
			if ierr := e.local.IncrementTimelineAttempts(ctx, pe.Event.ID); ierr != nil {
				errs = append(errs, ierr)
			}
			continue
		}
		res.EventsSynced++
	}

	ends, err := e.local.PendingSessionEnds(ctx, e.opts.MaxAttempts)
	if err != nil {
		return res, errors.Join(append(errs, fmt.Errorf("read session ends: %w", err))...)
	}
	for _, end := range ends {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := e.store.EndSession(ctx, end); err != nil {
			res.EndsFailed++
			errs = append(errs, err)
			if ierr := e.local.IncrementSessionEndAttempts(ctx, end.SessionID); ierr != nil {
				errs = append(errs, ierr)
			}
			continue
		}
		if err := e.local.DeleteSessionEnd(ctx, end.SessionID); err != nil {
			errs = append(errs, err)
			continue
		}
		e.log.Printf("delivered deferred end of session %s", end.SessionID)
		res.EndsSynced++
	}
	return res, errors.Join(errs...)
}

// pushEvent creates the event remotely on first sync and updates it
// afterwards. An update the backend no longer knows about is re-created.
func (e *Engine) pushEvent(ctx context.Context, pe db.PendingEvent) error {
	remoteID := pe.RemoteID
	var err error
	if remoteID != "" {
		err = e.store.UpdateTimelineEvent(ctx, remoteID, pe.Event)
		if errors.Is(err, remote.ErrNotFound) {
			remoteID = ""
		}
	}
	if remoteID == "" {
		remoteID, err = e.store.CreateTimelineEvent(ctx, pe.Event)
	}
	if err != nil {
		return err
	}
	return e.local.MarkTimelineSynced(ctx, pe.Event.ID, remoteID, pe.Revision)
}

// Drain uploads the session's points until none are pending or every
// remaining point has exhausted its attempts, waiting DrainBackoff after a
// failed batch. It then makes one best-effort outbox pass. The caller
// bounds the wait through ctx.
func (e *Engine) Drain(ctx context.Context, sessionID string) (Result, error) {
	var total Result
	for {
		e.passMu.Lock()
		points, err := e.local.GetUnuploadedBySession(ctx, sessionID, e.opts.BatchSize, e.opts.MaxAttempts)
		if err != nil {
			e.passMu.Unlock()
			return total, fmt.Errorf("read session queue: %w", err)
		}
		if len(points) == 0 {
			r, oerr := e.syncOutbox(ctx)
			e.passMu.Unlock()
			total.add(r)
			if oerr != nil {
				e.log.Printf("drain %s: outbox pass: %v", sessionID, oerr)
			}
			return total, nil
		}
		r, uerr := e.uploadBatch(ctx, points)
		e.passMu.Unlock()
		total.add(r)

		if uerr == nil {
			continue
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		e.log.Printf("drain %s: batch of %d failed: %v", sessionID, len(points), uerr)
		select {
		case <-e.clock.After(e.opts.DrainBackoff):
		case <-ctx.Done():
			return total, ctx.Err()
		}
	}
}

// sweep drops uploaded points older than the retention horizon.
func (e *Engine) sweep(ctx context.Context) {
	if e.opts.Retention <= 0 {
		return
	}
	n, err := e.local.DeleteUploadedOlderThan(ctx, e.clock.Now().Add(-e.opts.Retention))
	if err != nil {
		e.log.Printf("retention sweep failed: %v", err)
		return
	}
	if n > 0 {
		e.log.Printf("retention sweep removed %d uploaded points", n)
	}
}

func (e *Engine) run(ctx context.Context, trigger string) {
	e.startRun(trigger)
	res, err := e.RunOnce(ctx)
	e.finishRun(res, err)
	if err != nil {
		e.log.Printf("%s run error: %v", trigger, err)
		return
	}
	if res != (Result{}) {
		e.log.Printf("%s run: %d points, %d events, %d ends", trigger, res.PointsUploaded, res.EventsSynced, res.EndsSynced)
	}
}

// Run drives the engine until ctx ends: one run at startup, then one per
// interval followed by a retention sweep, plus any triggered runs.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.opts.Interval)
	defer ticker.Stop()
	e.log.Printf("loop started: enabled=%t interval=%s batch=%d", e.IsEnabled(), e.opts.Interval, e.opts.BatchSize)

	if e.IsEnabled() {
		e.run(ctx, "initial")
	}
	for {
		select {
		case <-ticker.C():
			if !e.IsEnabled() {
				continue
			}
			e.run(ctx, "periodic")
			e.sweep(ctx)
		case <-e.trigger:
			if e.IsEnabled() {
				e.run(ctx, "manual")
			}
		case <-ctx.Done():
			e.log.Printf("loop terminated")
			return ctx.Err()
		}
	}
}
