// Package worker is the background tracking context. A single goroutine
// owns the filter, the distance total and the segmenter; other components
// talk to it only through commands and events.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/fieldtrack/internal/config"
	"github.com/banshee-data/fieldtrack/internal/db"
	"github.com/banshee-data/fieldtrack/internal/location"
	"github.com/banshee-data/fieldtrack/internal/monitoring"
	"github.com/banshee-data/fieldtrack/internal/timeline"
	"github.com/banshee-data/fieldtrack/internal/timeutil"
	"github.com/banshee-data/fieldtrack/internal/tracking"
)

const (
	mailboxSize = 8
	eventBuffer = 64
	// maxBacklog bounds commits kept in memory while the database refuses
	// writes.
	maxBacklog = 1000
	// clearAttempts bounds checkpoint deletes after a failed final commit.
	clearAttempts = 3
)

// Store is the worker's durable state. *db.DB implements it.
type Store interface {
	CommitFix(ctx context.Context, c db.FixCommit) error
	GetJSON(ctx context.Context, key string, v any) (bool, error)
	DeleteKey(ctx context.Context, key string) error
}

// Options tunes the worker.
type Options struct {
	Filter            tracking.FilterConfig
	Timeline          timeline.Config
	MinDistanceM      float64
	HeartbeatInterval time.Duration
	FixTimeout        time.Duration
	Clock             timeutil.Clock
}

// OptionsFromConfig reads the worker settings from the tracking config.
func OptionsFromConfig(cfg *config.TrackingConfig) Options {
	return Options{
		Filter:            tracking.FilterConfigFromTracking(cfg),
		Timeline:          timeline.ConfigFromTracking(cfg),
		MinDistanceM:      cfg.GetMinDistanceM(),
		HeartbeatInterval: cfg.GetHeartbeatInterval(),
		FixTimeout:        cfg.GetFixTimeout(),
	}
}

// session is the actor-owned state of the running session.
type session struct {
	cp        Checkpoint
	filter    *tracking.Filter
	acc       *tracking.Accumulator
	seg       *timeline.Segmenter
	fixes     <-chan tracking.RawFix
	ctx       context.Context
	cancel    context.CancelFunc
	heartbeat timeutil.Ticker
	gen       uint64
	beating   bool
}

// heartbeatFix is the result of a heartbeat fetch, tagged with the
// subscription it was started for.
type heartbeatFix struct {
	gen uint64
	fix tracking.RawFix
	err error
}

// Worker is the background tracking actor.
type Worker struct {
	store  Store
	source location.Source
	opts   Options
	clock  timeutil.Clock
	log    monitoring.Logger

	cmds   chan Command
	events chan Event
	done   chan struct{}

	sess    *session
	backlog []db.FixCommit
	gen     uint64
	beats   chan heartbeatFix
}

func New(store Store, source location.Source, opts Options) *Worker {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.FixTimeout <= 0 {
		opts.FixTimeout = 30 * time.Second
	}
	return &Worker{
		store:  store,
		source: source,
		opts:   opts,
		clock:  opts.Clock,
		log:    monitoring.Component("worker"),
		cmds:   make(chan Command, mailboxSize),
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		beats:  make(chan heartbeatFix, 1),
	}
}

// Send posts a command without waiting for it to be handled. It returns
// false when the mailbox is full or the worker has exited.
func (w *Worker) Send(cmd Command) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.cmds <- cmd:
		return true
	default:
		return false
	}
}

// Events is closed when Run returns.
func (w *Worker) Events() <-chan Event { return w.events }

// emit delivers lifecycle events reliably and drops progress when the
// consumer lags; the next fix carries fresher progress anyway.
func (w *Worker) emit(ctx context.Context, ev Event) {
	if _, ok := ev.(Progress); ok {
		select {
		case w.events <- ev:
		default:
		}
		return
	}
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}

// Run processes commands and fixes until ctx is done. A checkpoint left by
// a previous process is resumed first. Cancelling ctx detaches from the
// source but keeps the checkpoint, as if the process was killed.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.events)
	defer close(w.done)

	w.resume(ctx)

	for {
		var fixes <-chan tracking.RawFix
		var beat <-chan time.Time
		if w.sess != nil {
			fixes = w.sess.fixes
			beat = w.sess.heartbeat.C()
		}

		select {
		case <-ctx.Done():
			w.detach()
			return ctx.Err()
		case cmd := <-w.cmds:
			switch c := cmd.(type) {
			case Start:
				w.start(ctx, c)
			case Stop:
				w.stop(ctx, c)
			}
		case fix, ok := <-fixes:
			if !ok {
				w.lost(ctx, ErrStreamClosed)
				continue
			}
			w.process(ctx, fix)
		case <-beat:
			w.beat(ctx)
		case hb := <-w.beats:
			w.heartbeat(ctx, hb)
		}
	}
}

func (w *Worker) resume(ctx context.Context) {
	var cp Checkpoint
	found, err := w.store.GetJSON(ctx, db.KeyWorkerCheckpoint, &cp)
	if err != nil {
		w.log.Printf("failed to load checkpoint: %v", err)
		return
	}
	if !found || cp.SessionID == "" {
		return
	}
	w.log.Printf("resuming session %s from checkpoint (%.3f km)", cp.SessionID, cp.DistanceM/1000)
	if err := w.attach(ctx, cp); err != nil {
		w.emit(ctx, Stopped{SessionID: cp.SessionID, DistanceKm: cp.DistanceM / 1000, Unexpected: true, Err: err})
		return
	}
	w.emit(ctx, Ack{SessionID: cp.SessionID, Resumed: true, DistanceKm: cp.DistanceM / 1000})
}

// attach rebuilds the pipeline from cp and subscribes to the source.
func (w *Worker) attach(ctx context.Context, cp Checkpoint) error {
	seg, err := timeline.Restore(w.opts.Timeline, cp.Timeline)
	if err != nil {
		return fmt.Errorf("restore timeline: %w", err)
	}
	s := &session{
		cp:     cp,
		filter: tracking.NewFilter(w.opts.Filter, cp.Filter),
		acc:    tracking.NewAccumulator(cp.DistanceM),
		seg:    seg,
	}
	if err := w.subscribe(ctx, s); err != nil {
		return err
	}
	w.sess = s
	return nil
}

// subscribe starts the location stream and the heartbeat together.
func (w *Worker) subscribe(ctx context.Context, s *session) error {
	subCtx, cancel := context.WithCancel(ctx)
	fixes, err := w.source.Subscribe(subCtx, location.Options{MinDistanceM: w.opts.MinDistanceM})
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe: %w", err)
	}
	w.gen++
	s.fixes = fixes
	s.ctx = subCtx
	s.cancel = cancel
	s.gen = w.gen
	s.heartbeat = w.clock.NewTicker(w.opts.HeartbeatInterval)
	return nil
}

// detach stops the stream and heartbeat in one step.
func (w *Worker) detach() {
	if w.sess == nil {
		return
	}
	w.sess.cancel()
	w.sess.heartbeat.Stop()
	w.sess = nil
}

func (w *Worker) start(ctx context.Context, c Start) {
	if w.sess != nil {
		if w.sess.cp.SessionID == c.SessionID {
			w.emit(ctx, Ack{SessionID: c.SessionID, Resumed: true, DistanceKm: w.sess.acc.TotalKm()})
			return
		}
		w.log.Printf("start %s while %s is running; stopping the old session", c.SessionID, w.sess.cp.SessionID)
		w.stop(ctx, Stop{SessionID: w.sess.cp.SessionID})
	}

	var cp Checkpoint
	found, err := w.store.GetJSON(ctx, db.KeyWorkerCheckpoint, &cp)
	if err != nil {
		w.log.Printf("failed to load checkpoint: %v", err)
	}
	if found && cp.SessionID == c.SessionID {
		if err := w.attach(ctx, cp); err != nil {
			w.emit(ctx, Stopped{SessionID: c.SessionID, DistanceKm: cp.DistanceM / 1000, Unexpected: true, Err: err})
			return
		}
		w.log.Printf("restarted session %s from checkpoint", c.SessionID)
		w.emit(ctx, Ack{SessionID: c.SessionID, Resumed: true, DistanceKm: cp.DistanceM / 1000})
		return
	}

	s := &session{
		cp: Checkpoint{
			SessionID:  c.SessionID,
			EmployeeID: c.EmployeeID,
			StartedAt:  c.StartedAt,
		},
		filter: tracking.NewFilter(w.opts.Filter, tracking.FilterState{}),
		acc:    tracking.NewAccumulator(0),
		seg:    timeline.NewSegmenter(w.opts.Timeline),
	}
	if err := w.subscribe(ctx, s); err != nil {
		w.emit(ctx, Stopped{SessionID: c.SessionID, Unexpected: true, Err: err})
		return
	}
	w.sess = s

	origin := c.Origin
	if origin.Time.IsZero() {
		origin.Time = c.StartedAt
	}
	// The timeline starts with the session, at the origin's position.
	begin := origin
	if !c.StartedAt.IsZero() {
		begin.Time = c.StartedAt
	}
	changes := s.seg.Begin(c.SessionID, c.EmployeeID, begin)
	w.log.Printf("started session %s", c.SessionID)
	w.emit(ctx, Ack{SessionID: c.SessionID})
	w.apply(ctx, origin, changes)
}

// stop finalises the timeline at the stop time and clears the checkpoint.
func (w *Worker) stop(ctx context.Context, c Stop) {
	if w.sess == nil {
		w.stopIdle(ctx, c.SessionID)
		return
	}
	s := w.sess
	if c.SessionID != "" && c.SessionID != s.cp.SessionID {
		w.log.Printf("stop for %s ignored, running %s", c.SessionID, s.cp.SessionID)
		w.emit(ctx, Stopped{SessionID: c.SessionID})
		return
	}
	w.detach()

	end := tracking.RawFix{Time: c.At}
	if end.Time.IsZero() {
		end.Time = w.clock.Now()
	}
	switch last := s.filter.State().Last; {
	case c.Final != nil:
		end.Latitude, end.Longitude = c.Final.Latitude, c.Final.Longitude
	case last != nil:
		end.Latitude, end.Longitude = last.Latitude, last.Longitude
	}
	changes := s.seg.End(end)
	endedAt := end.Time
	if n := len(changes); n > 0 {
		endedAt = changes[n-1].Event.StartTime
	}

	// The final commit carries no checkpoint, which deletes it.
	final := db.FixCommit{Changes: changes}
	var stopErr error
	if err := w.flush(ctx); err != nil {
		stopErr = err
		w.enqueueBacklog(final)
	} else if err := w.store.CommitFix(ctx, final); err != nil {
		stopErr = fmt.Errorf("commit final timeline: %w", err)
		w.enqueueBacklog(final)
	}
	if stopErr != nil {
		// The end event waits in the backlog; the checkpoint must not
		// outlive the stop or the next run would resume an ended session.
		w.log.Printf("stop %s: %v", s.cp.SessionID, stopErr)
		if err := w.clearCheckpoint(ctx); err != nil {
			stopErr = errors.Join(stopErr, err)
		}
	}
	for _, ch := range changes {
		w.emit(ctx, TimelineChanged{SessionID: s.cp.SessionID, Change: ch})
	}
	w.log.Printf("stopped session %s at %.3f km", s.cp.SessionID, s.acc.TotalKm())
	w.emit(ctx, Stopped{SessionID: s.cp.SessionID, DistanceKm: s.acc.TotalKm(), EndedAt: endedAt, Err: stopErr})
}

func (w *Worker) clearCheckpoint(ctx context.Context) error {
	var err error
	for attempt := 0; attempt < clearAttempts; attempt++ {
		if err = w.store.DeleteKey(ctx, db.KeyWorkerCheckpoint); err == nil {
			return nil
		}
	}
	return fmt.Errorf("clear checkpoint: %w", err)
}

// stopIdle handles Stop with nothing running, e.g. to clear a checkpoint
// the session manager has found stale.
func (w *Worker) stopIdle(ctx context.Context, sessionID string) {
	var cp Checkpoint
	found, err := w.store.GetJSON(ctx, db.KeyWorkerCheckpoint, &cp)
	if err == nil && found && (sessionID == "" || cp.SessionID == sessionID) {
		if err := w.store.DeleteKey(ctx, db.KeyWorkerCheckpoint); err != nil {
			w.log.Printf("failed to clear checkpoint: %v", err)
		}
		w.emit(ctx, Stopped{SessionID: cp.SessionID, DistanceKm: cp.DistanceM / 1000})
		return
	}
	w.emit(ctx, Stopped{SessionID: sessionID})
}

// lost handles a stream that ended without a Stop. The checkpoint stays.
func (w *Worker) lost(ctx context.Context, cause error) {
	s := w.sess
	w.detach()
	w.log.Printf("session %s: %v", s.cp.SessionID, cause)
	w.emit(ctx, Stopped{SessionID: s.cp.SessionID, DistanceKm: s.acc.TotalKm(), Unexpected: true, Err: cause})
}

// beat fetches a forced fix off the actor goroutine so a slow receiver
// never holds up the stream or a Stop. The fetch ends with the
// subscription.
func (w *Worker) beat(ctx context.Context) {
	s := w.sess
	if s == nil || s.beating {
		return
	}
	s.beating = true
	gen := s.gen
	fixCtx, cancel := context.WithTimeout(s.ctx, w.opts.FixTimeout)
	go func() {
		defer cancel()
		fix, err := w.source.Current(fixCtx)
		select {
		case w.beats <- heartbeatFix{gen: gen, fix: fix, err: err}:
		case <-ctx.Done():
		}
	}()
}

// heartbeat processes a fetched heartbeat fix. Results for a subscription
// that has since ended are dropped.
func (w *Worker) heartbeat(ctx context.Context, hb heartbeatFix) {
	s := w.sess
	if s == nil || hb.gen != s.gen {
		return
	}
	s.beating = false
	if hb.err != nil {
		w.log.Printf("heartbeat fix failed: %v", hb.err)
		return
	}
	fix := hb.fix
	fix.Heartbeat = true
	w.process(ctx, fix)
}

func (w *Worker) process(ctx context.Context, fix tracking.RawFix) {
	s := w.sess
	res := s.filter.Accept(fix)
	if !res.Accepted {
		return
	}
	s.acc.Add(res.DeltaM)
	w.commit(ctx, &res, s.seg.Observe(res))
}

// apply runs the origin fix through the pipeline right after Begin so the
// start position is queued like any other fix.
func (w *Worker) apply(ctx context.Context, origin tracking.RawFix, begin []timeline.Change) {
	s := w.sess
	res := s.filter.Accept(origin)
	if !res.Accepted {
		w.log.Printf("origin fix rejected: %s", res.Reason)
		w.commit(ctx, nil, begin)
		return
	}
	s.acc.Add(res.DeltaM)
	w.commit(ctx, &res, append(begin, s.seg.Observe(res)...))
}

// checkpoint snapshots the running session.
func (w *Worker) checkpoint() Checkpoint {
	s := w.sess
	cp := s.cp
	cp.DistanceM = s.acc.Meters()
	cp.Filter = s.filter.State()
	cp.Timeline = s.seg.State()
	cp.UpdatedAt = w.clock.Now()
	return cp
}

// commit writes checkpoint, point and timeline changes in one transaction,
// then reports them. A failed write is kept and retried before the next
// one so the queue never skips a point.
func (w *Worker) commit(ctx context.Context, res *tracking.Result, changes []timeline.Change) {
	s := w.sess
	fc := db.FixCommit{Checkpoint: w.checkpoint(), Changes: changes}
	if res != nil && res.Forward {
		p := tracking.NewLocationPoint(s.cp.SessionID, s.cp.EmployeeID, res.Fix, res.Moving, w.clock.Now())
		fc.Point = &p
	}

	if err := w.flush(ctx); err != nil {
		w.enqueueBacklog(fc)
	} else if err := w.store.CommitFix(ctx, fc); err != nil {
		w.log.Printf("commit failed, keeping in memory: %v", err)
		w.enqueueBacklog(fc)
	}

	for _, ch := range changes {
		w.emit(ctx, TimelineChanged{SessionID: s.cp.SessionID, Change: ch})
	}
	if res != nil {
		w.emit(ctx, Progress{
			SessionID:  s.cp.SessionID,
			DistanceKm: s.acc.TotalKm(),
			Fix:        res.Fix,
			Moving:     res.Moving,
			Forwarded:  fc.Point != nil,
			Phase:      s.seg.Phase(),
		})
	}
}

func (w *Worker) enqueueBacklog(fc db.FixCommit) {
	if len(w.backlog) >= maxBacklog {
		w.log.Printf("commit backlog full, dropping oldest entry")
		w.backlog = w.backlog[1:]
	}
	w.backlog = append(w.backlog, fc)
}

// flush retries backlogged commits in order.
func (w *Worker) flush(ctx context.Context) error {
	for len(w.backlog) > 0 {
		if err := w.store.CommitFix(ctx, w.backlog[0]); err != nil {
			return err
		}
		w.backlog = w.backlog[1:]
	}
	return nil
}
