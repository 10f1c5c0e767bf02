// Package session is the foreground orchestrator. It owns the session
// lifecycle and folds worker events into the state the UI subscribes to;
// the worker keeps its own copy of the session and the two are reconciled
// through the persisted pointer and the backend.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/fieldtrack/internal/config"
	"github.com/banshee-data/fieldtrack/internal/db"
	"github.com/banshee-data/fieldtrack/internal/location"
	"github.com/banshee-data/fieldtrack/internal/monitoring"
	"github.com/banshee-data/fieldtrack/internal/remote"
	"github.com/banshee-data/fieldtrack/internal/syncer"
	"github.com/banshee-data/fieldtrack/internal/timeutil"
	"github.com/banshee-data/fieldtrack/internal/tracking"
	"github.com/banshee-data/fieldtrack/internal/worker"
)

const replyBuffer = 16

// Worker is the background tracking context. *worker.Worker implements it.
type Worker interface {
	Send(cmd worker.Command) bool
	Events() <-chan worker.Event
}

// Syncer pushes queued data. *syncer.Engine implements it.
type Syncer interface {
	Drain(ctx context.Context, sessionID string) (syncer.Result, error)
	Trigger()
}

// Local is the manager's slice of local storage. *db.DB implements it.
type Local interface {
	PutJSON(ctx context.Context, key string, v any) error
	GetJSON(ctx context.Context, key string, v any) (bool, error)
	DeleteKey(ctx context.Context, key string) error
	SaveSessionEnd(ctx context.Context, end tracking.SessionEnd) error
	DiscardSession(ctx context.Context, sessionID string) error
}

// Options tunes the manager.
type Options struct {
	EmployeeID        string
	HandshakeTimeout  time.Duration
	HandshakeAttempts int
	StopTimeout       time.Duration
	DrainTimeout      time.Duration
	RestartDelay      time.Duration
	DurationTick      time.Duration
	FixTimeout        time.Duration
	Clock             timeutil.Clock
}

func OptionsFromConfig(cfg *config.TrackingConfig, employeeID string) Options {
	return Options{
		EmployeeID:        employeeID,
		HandshakeTimeout:  cfg.GetHandshakeTimeout(),
		HandshakeAttempts: cfg.GetHandshakeAttempts(),
		StopTimeout:       cfg.GetStopTimeout(),
		DrainTimeout:      cfg.GetDrainTimeout(),
		RestartDelay:      cfg.GetRestartDelay(),
		DurationTick:      cfg.GetDurationTick(),
		FixTimeout:        cfg.GetFixTimeout(),
	}
}

func (o *Options) defaults() {
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 2 * time.Second
	}
	if o.HandshakeAttempts <= 0 {
		o.HandshakeAttempts = 5
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 5 * time.Second
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = time.Minute
	}
	if o.RestartDelay <= 0 {
		o.RestartDelay = 3 * time.Second
	}
	if o.DurationTick <= 0 {
		o.DurationTick = time.Second
	}
	if o.FixTimeout <= 0 {
		o.FixTimeout = 30 * time.Second
	}
}

// Manager runs the session lifecycle. Run must be running for Start,
// Stop and Init to see worker replies.
type Manager struct {
	opts   Options
	clock  timeutil.Clock
	log    monitoring.Logger
	local  Local
	remote remote.Store
	source location.Source
	worker Worker
	syncer Syncer

	// opMu serialises Start, Stop, Init and restarts.
	opMu    sync.Mutex
	replies chan worker.Event

	mu            sync.Mutex
	state         State
	subs          map[int]chan State
	nextSub       int
	restarting    bool
	cancelRestart context.CancelFunc
}

func NewManager(local Local, store remote.Store, source location.Source, w Worker, s Syncer, opts Options) *Manager {
	opts.defaults()
	return &Manager{
		opts:    opts,
		clock:   opts.Clock,
		log:     monitoring.Component("session"),
		local:   local,
		remote:  store,
		source:  source,
		worker:  w,
		syncer:  s,
		replies: make(chan worker.Event, replyBuffer),
		state:   State{Status: StatusIdle, Warnings: []string{}},
		subs:    make(map[int]chan State),
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe returns a channel that always holds the latest state. Slow
// readers miss intermediate states, never the newest one.
func (m *Manager) Subscribe() (int, <-chan State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan State, 1)
	ch <- m.snapshotLocked()
	m.subs[id] = ch
	return id, ch
}

func (m *Manager) Unsubscribe(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.subs[id]; ok {
		delete(m.subs, id)
		close(ch)
	}
}

func (m *Manager) snapshotLocked() State {
	st := m.state.clone()
	if st.Session != nil {
		switch {
		case st.Status == StatusActive || st.Status == StatusStopping:
			st.Duration = m.clock.Since(st.Session.StartedAt)
		case st.Session.EndedAt != nil:
			st.Duration = st.Session.EndedAt.Sub(st.Session.StartedAt)
		}
	}
	st.DurationSeconds = int64(st.Duration / time.Second)
	return st
}

func (m *Manager) publishLocked() State {
	st := m.snapshotLocked()
	for _, ch := range m.subs {
		select {
		case ch <- st:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
	return st
}

// update applies fn and publishes when it reports a change.
func (m *Manager) update(fn func(s *State) bool) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !fn(&m.state) {
		return m.snapshotLocked()
	}
	m.state.UpdatedAt = m.clock.Now()
	return m.publishLocked()
}

func (m *Manager) warn(msg string) {
	m.log.Printf("warning: %s", msg)
	m.update(func(s *State) bool {
		s.warn(msg)
		return true
	})
}

// Run consumes worker events and drives the duration tick until ctx is
// done.
func (m *Manager) Run(ctx context.Context) error {
	tick := m.clock.NewTicker(m.opts.DurationTick)
	defer tick.Stop()
	events := m.worker.Events()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.stopRestartLocked()
			m.mu.Unlock()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				m.warn("background tracking worker exited")
				continue
			}
			m.handle(ctx, ev)
		case <-tick.C():
			m.update(func(s *State) bool { return s.Status == StatusActive })
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev worker.Event) {
	switch e := ev.(type) {
	case worker.Progress:
		m.update(func(s *State) bool {
			if !s.tracking(e.SessionID) {
				return false
			}
			if e.DistanceKm > s.DistanceKm {
				s.DistanceKm = e.DistanceKm
			}
			fix := e.Fix
			s.LastFix = &fix
			s.Moving = e.Moving
			s.Phase = e.Phase
			return true
		})
	case worker.Ack:
		m.update(func(s *State) bool {
			if !s.tracking(e.SessionID) || e.DistanceKm <= s.DistanceKm {
				return false
			}
			s.DistanceKm = e.DistanceKm
			return true
		})
		m.reply(ev)
	case worker.Stopped:
		m.reply(ev)
		if e.Unexpected {
			m.unexpectedStop(ctx, e)
		}
	}
}

// reply hands lifecycle events to whichever operation is waiting. The
// oldest reply is dropped when nobody reads them.
func (m *Manager) reply(ev worker.Event) {
	for {
		select {
		case m.replies <- ev:
			return
		default:
		}
		select {
		case <-m.replies:
		default:
		}
	}
}

func (m *Manager) drainReplies() {
	for {
		select {
		case <-m.replies:
		default:
			return
		}
	}
}

// Start opens a new session.
func (m *Manager) Start(ctx context.Context) (State, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if st := m.State(); st.Status != StatusIdle && st.Status != StatusError {
		return st, &StartError{Reason: ReasonAlreadyActive, Err: ErrAlreadyActive}
	}
	m.update(func(s *State) bool {
		*s = State{Status: StatusStarting, Warnings: []string{}}
		return true
	})

	if err := m.source.Check(ctx); err != nil {
		return m.failStart(locationReason(err), err)
	}

	var p Pointer
	found, err := m.local.GetJSON(ctx, db.KeyActiveSession, &p)
	if err != nil {
		return m.failStart(ReasonStorage, err)
	}
	if found {
		return m.failStart(ReasonAlreadyActive, fmt.Errorf("%w: local session %s", ErrAlreadyActive, p.SessionID))
	}
	active, err := m.remote.GetActiveSession(ctx, m.opts.EmployeeID)
	if err != nil {
		return m.failStart(ReasonRemote, err)
	}
	if active != nil {
		return m.failStart(ReasonAlreadyActive, fmt.Errorf("%w: remote session %s", ErrAlreadyActive, active.ID))
	}

	fix, err := m.currentFix(ctx)
	if err != nil {
		return m.failStart(ReasonNoFix, err)
	}

	sess := tracking.NewSession(m.opts.EmployeeID, fix, m.now())
	if err := m.local.PutJSON(ctx, db.KeyActiveSession, pointerFor(sess)); err != nil {
		return m.failStart(ReasonStorage, err)
	}
	m.update(func(s *State) bool {
		s.Session = &sess
		s.LastFix = &fix
		return true
	})

	hs := m.handshake(ctx, worker.Start{
		SessionID:  sess.ID,
		EmployeeID: sess.EmployeeID,
		StartedAt:  sess.StartedAt,
		Origin:     fix,
	})
	if hs == HandshakeTimedOut {
		m.warn("background tracking did not confirm start; continuing without confirmation")
	}

	if err := m.remote.CreateSession(ctx, sess); err != nil {
		m.rollback(ctx, sess.ID)
		reason := ReasonRemote
		if errors.Is(err, remote.ErrConflict) {
			reason = ReasonAlreadyActive
		}
		return m.failStart(reason, err)
	}

	st := m.update(func(s *State) bool {
		s.Status = StatusActive
		return true
	})
	m.log.Printf("session %s started (handshake %s)", sess.ID, hs)
	m.syncer.Trigger()
	return st, nil
}

// failStart surfaces err as the error state and returns to idle.
func (m *Manager) failStart(reason Reason, err error) (State, error) {
	serr := &StartError{Reason: reason, Err: err}
	m.log.Printf("%v", serr)
	m.update(func(s *State) bool {
		s.Status = StatusError
		s.Error = serr.Error()
		return true
	})
	st := m.update(func(s *State) bool {
		s.Status = StatusIdle
		s.Session = nil
		s.Handshake = ""
		return true
	})
	return st, serr
}

// rollback undoes a start the backend refused. Local data for the
// session is discarded once the worker has let go of it.
func (m *Manager) rollback(ctx context.Context, sessionID string) {
	ctx = context.WithoutCancel(ctx)
	m.drainReplies()
	m.worker.Send(worker.Stop{SessionID: sessionID})
	if _, ok := m.awaitStopped(ctx, sessionID); !ok {
		m.log.Printf("rollback %s: worker did not confirm stop", sessionID)
	}
	if err := m.local.DiscardSession(ctx, sessionID); err != nil {
		m.log.Printf("rollback %s: %v", sessionID, err)
	}
	if err := m.local.DeleteKey(ctx, db.KeyActiveSession); err != nil {
		m.log.Printf("rollback %s: failed to clear session pointer: %v", sessionID, err)
	}
}

// handshake sends cmd until the worker acknowledges it, at most
// HandshakeAttempts times, waiting HandshakeTimeout for each.
func (m *Manager) handshake(ctx context.Context, cmd worker.Start) HandshakeState {
	m.update(func(s *State) bool {
		s.Handshake = HandshakePendingAck
		return true
	})
	m.drainReplies()

	result := HandshakeTimedOut
	for attempt := 1; attempt <= m.opts.HandshakeAttempts; attempt++ {
		if !m.worker.Send(cmd) {
			m.log.Printf("handshake %s attempt %d: worker not accepting commands", cmd.SessionID, attempt)
		}
		if m.awaitAck(ctx, cmd.SessionID) {
			result = HandshakeAcked
			break
		}
		if ctx.Err() != nil {
			break
		}
		m.log.Printf("handshake %s attempt %d/%d unanswered", cmd.SessionID, attempt, m.opts.HandshakeAttempts)
	}

	m.update(func(s *State) bool {
		s.Handshake = result
		return true
	})
	return result
}

// awaitAck waits one handshake window. A worker that fails to start
// reports Stopped; the attempt still lasts the full window so retries
// stay paced.
func (m *Manager) awaitAck(ctx context.Context, sessionID string) bool {
	timer := m.clock.NewTimer(m.opts.HandshakeTimeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-m.replies:
			switch e := ev.(type) {
			case worker.Ack:
				if e.SessionID == sessionID {
					return true
				}
			case worker.Stopped:
				if e.SessionID == sessionID && e.Unexpected {
					m.log.Printf("worker failed to start %s: %v", sessionID, e.Err)
				}
			}
		case <-timer.C():
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (m *Manager) awaitStopped(ctx context.Context, sessionID string) (worker.Stopped, bool) {
	timer := m.clock.NewTimer(m.opts.StopTimeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-m.replies:
			if e, ok := ev.(worker.Stopped); ok && e.SessionID == sessionID {
				return e, true
			}
		case <-timer.C():
			return worker.Stopped{}, false
		case <-ctx.Done():
			return worker.Stopped{}, false
		}
	}
}

// now is the manager's clock at the resolution local storage keeps, so
// session times and timeline times compare equal after a round trip.
func (m *Manager) now() time.Time {
	return m.clock.Now().UTC().Truncate(time.Millisecond)
}

func (m *Manager) currentFix(ctx context.Context) (tracking.RawFix, error) {
	fixCtx, cancel := context.WithTimeout(ctx, m.opts.FixTimeout)
	defer cancel()
	return m.source.Current(fixCtx)
}

// Stop ends the active session. It runs to completion even if ctx is
// cancelled, since a half-finished stop is worse than a slow one.
func (m *Manager) Stop(ctx context.Context) (State, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	ctx = context.WithoutCancel(ctx)

	m.mu.Lock()
	if m.state.Status != StatusActive || m.state.Session == nil {
		st := m.snapshotLocked()
		m.mu.Unlock()
		return st, ErrNotActive
	}
	sess := *m.state.Session
	m.state.Status = StatusStopping
	m.stopRestartLocked()
	m.publishLocked()
	m.mu.Unlock()

	// The final fix and the end time travel with the Stop so the timeline
	// ends where and when the session does.
	var final *tracking.RawFix
	fix, fixErr := m.currentFix(ctx)
	if fixErr == nil {
		final = &fix
	}
	endedAt := m.now()

	m.drainReplies()
	if !m.worker.Send(worker.Stop{SessionID: sess.ID, At: endedAt, Final: final}) {
		m.log.Printf("stop %s: worker not accepting commands", sess.ID)
	}
	distance := m.State().DistanceKm
	if stopped, ok := m.awaitStopped(ctx, sess.ID); ok {
		if stopped.DistanceKm > distance {
			distance = stopped.DistanceKm
		}
		if !stopped.EndedAt.IsZero() {
			endedAt = stopped.EndedAt.UTC().Truncate(time.Millisecond)
		}
		if stopped.Err != nil {
			m.warn(fmt.Sprintf("background tracking stopped with an error: %v", stopped.Err))
		}
	} else {
		m.warn("background tracking did not confirm stop; using last reported distance")
	}

	end := tracking.SessionEnd{SessionID: sess.ID, EndedAt: endedAt, DistanceKm: distance}
	if final != nil {
		end.EndLatitude, end.EndLongitude = final.Latitude, final.Longitude
		m.update(func(s *State) bool {
			s.LastFix = final
			return true
		})
	} else if last := m.State().LastFix; last != nil {
		end.EndLatitude, end.EndLongitude = last.Latitude, last.Longitude
		m.warn(fmt.Sprintf("no final fix (%v); using last known position", fixErr))
	} else {
		end.EndLatitude, end.EndLongitude = sess.StartLatitude, sess.StartLongitude
		m.warn(fmt.Sprintf("no final fix (%v); using start position", fixErr))
	}

	drainCtx, cancel := context.WithTimeout(ctx, m.opts.DrainTimeout)
	res, err := m.syncer.Drain(drainCtx, sess.ID)
	cancel()
	if err != nil {
		m.warn(fmt.Sprintf("queue not fully uploaded: %v", err))
	}
	m.log.Printf("drained session %s: %d points uploaded, %d failed", sess.ID, res.PointsUploaded, res.PointsFailed)

	if err := m.remote.EndSession(ctx, end); err != nil {
		if serr := m.local.SaveSessionEnd(ctx, end); serr != nil {
			return m.failStop(errors.Join(err, serr))
		}
		m.warn(fmt.Sprintf("session end not confirmed by backend (%v); will retry", err))
		m.syncer.Trigger()
	}
	if err := m.local.DeleteKey(ctx, db.KeyActiveSession); err != nil {
		return m.failStop(err)
	}

	ended := sess
	ended.Status = tracking.SessionEnded
	ended.EndedAt = &end.EndedAt
	ended.EndLatitude = &end.EndLatitude
	ended.EndLongitude = &end.EndLongitude
	ended.DistanceKm = distance
	st := m.update(func(s *State) bool {
		s.Status = StatusIdle
		s.Session = &ended
		s.DistanceKm = distance
		s.Handshake = ""
		return true
	})
	m.log.Printf("session %s stopped at %.3f km", sess.ID, distance)
	return st, nil
}

func (m *Manager) failStop(err error) (State, error) {
	err = fmt.Errorf("stop session: %w", err)
	m.log.Printf("%v", err)
	m.update(func(s *State) bool {
		s.Status = StatusError
		s.Error = err.Error()
		return true
	})
	st := m.update(func(s *State) bool {
		s.Status = StatusIdle
		return true
	})
	return st, err
}

// Init reconciles a session pointer left by a previous process with the
// backend, which wins any disagreement.
func (m *Manager) Init(ctx context.Context) (State, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	var p Pointer
	found, err := m.local.GetJSON(ctx, db.KeyActiveSession, &p)
	if err != nil {
		return m.State(), fmt.Errorf("load session pointer: %w", err)
	}
	if !found {
		return m.State(), nil
	}

	sess, err := m.remote.GetSession(ctx, p.SessionID)
	switch {
	case err == nil && sess.Status == tracking.SessionActive:
		return m.reattach(p, &sess, ""), nil
	case err == nil || errors.Is(err, remote.ErrNotFound):
		m.log.Printf("session %s is not active remotely; clearing local pointer", p.SessionID)
		m.drainReplies()
		m.worker.Send(worker.Stop{SessionID: p.SessionID})
		msg := fmt.Sprintf("session %s was already ended", p.SessionID)
		if err != nil {
			// A start that died before the backend created the session. Its
			// queued data can never be delivered, so it goes once the worker
			// has let go of it.
			if _, ok := m.awaitStopped(ctx, p.SessionID); !ok {
				m.log.Printf("discard %s: worker did not confirm stop", p.SessionID)
			}
			if err := m.local.DiscardSession(ctx, p.SessionID); err != nil {
				return m.State(), fmt.Errorf("discard session %s: %w", p.SessionID, err)
			}
			msg = fmt.Sprintf("session %s was never created on the backend; discarded its local data", p.SessionID)
		}
		if err := m.local.DeleteKey(ctx, db.KeyActiveSession); err != nil {
			return m.State(), fmt.Errorf("clear session pointer: %w", err)
		}
		return m.update(func(s *State) bool {
			*s = State{Status: StatusIdle, Warnings: []string{msg}}
			return true
		}), nil
	default:
		return m.reattach(p, nil, fmt.Sprintf("backend unreachable (%v); resumed session from local state", err)), nil
	}
}

// reattach resumes the manager's view of a running session. The worker
// has usually resumed on its own; the Start it gets here is a no-op then
// and restarts it otherwise.
func (m *Manager) reattach(p Pointer, remoteSess *tracking.Session, warning string) State {
	sess := p.session()
	if remoteSess != nil {
		sess = *remoteSess
	}
	if warning != "" {
		m.log.Printf("warning: %s", warning)
	}
	st := m.update(func(s *State) bool {
		*s = State{Status: StatusActive, Session: &sess, Warnings: []string{}}
		if warning != "" {
			s.warn(warning)
		}
		return true
	})
	m.worker.Send(worker.Start{
		SessionID:  sess.ID,
		EmployeeID: sess.EmployeeID,
		StartedAt:  sess.StartedAt,
		Origin: tracking.RawFix{
			Latitude:  sess.StartLatitude,
			Longitude: sess.StartLongitude,
			Time:      sess.StartedAt,
		},
	})
	m.log.Printf("re-attached to session %s started %s", sess.ID, sess.StartedAt.Format(time.RFC3339))
	m.syncer.Trigger()
	return st
}

// unexpectedStop schedules one restart for a worker that stopped on its
// own while the session is active. The session is never force-stopped.
func (m *Manager) unexpectedStop(ctx context.Context, e worker.Stopped) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status != StatusActive || !m.state.tracking(e.SessionID) {
		return
	}
	if e.DistanceKm > m.state.DistanceKm {
		m.state.DistanceKm = e.DistanceKm
	}
	if m.restarting {
		return
	}
	msg := fmt.Sprintf("background tracking stopped unexpectedly (%v); restarting", e.Err)
	m.log.Printf("warning: %s", msg)
	m.state.warn(msg)
	m.state.UpdatedAt = m.clock.Now()
	m.publishLocked()

	origin := tracking.RawFix{
		Latitude:  m.state.Session.StartLatitude,
		Longitude: m.state.Session.StartLongitude,
		Time:      m.state.Session.StartedAt,
	}
	if m.state.LastFix != nil {
		origin = *m.state.LastFix
	}
	cmd := worker.Start{
		SessionID:  m.state.Session.ID,
		EmployeeID: m.state.Session.EmployeeID,
		StartedAt:  m.state.Session.StartedAt,
		Origin:     origin,
	}
	rctx, cancel := context.WithCancel(ctx)
	m.restarting = true
	m.cancelRestart = cancel
	go m.restart(rctx, cmd)
}

func (m *Manager) stopRestartLocked() {
	if m.cancelRestart != nil {
		m.cancelRestart()
		m.cancelRestart = nil
	}
	m.restarting = false
}

func (m *Manager) restart(ctx context.Context, cmd worker.Start) {
	defer func() {
		m.mu.Lock()
		m.restarting = false
		m.mu.Unlock()
	}()

	select {
	case <-m.clock.After(m.opts.RestartDelay):
	case <-ctx.Done():
		return
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	m.mu.Lock()
	active := m.state.Status == StatusActive && m.state.tracking(cmd.SessionID)
	m.mu.Unlock()
	if !active {
		return
	}

	if m.handshake(ctx, cmd) == HandshakeAcked {
		m.log.Printf("restarted background tracking for %s", cmd.SessionID)
		return
	}
	m.warn("background tracking could not be restarted; the session is still open")
}
