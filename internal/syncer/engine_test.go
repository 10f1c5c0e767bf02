package syncer

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fieldtrack/internal/db"
	"github.com/banshee-data/fieldtrack/internal/monitoring"
	"github.com/banshee-data/fieldtrack/internal/remote"
	"github.com/banshee-data/fieldtrack/internal/timeline"
	"github.com/banshee-data/fieldtrack/internal/timeutil"
	"github.com/banshee-data/fieldtrack/internal/tracking"
)

var t0 = time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

type fixture struct {
	db     *db.DB
	store  *remote.MockStore
	clock  *timeutil.MockClock
	engine *Engine
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	local, err := db.NewDB(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	clock := timeutil.NewMockClock(t0.Add(time.Hour))
	opts := Options{
		BatchSize:    100,
		MaxAttempts:  5,
		Interval:     3 * time.Minute,
		Retention:    7 * 24 * time.Hour,
		DrainBackoff: 5 * time.Second,
		Clock:        clock,
	}
	if mutate != nil {
		mutate(&opts)
	}
	store := remote.NewMockStore()
	return &fixture{db: local, store: store, clock: clock, engine: NewEngine(local, store, opts)}
}

func (f *fixture) enqueue(t *testing.T, sessionID string, n int) []string {
	t.Helper()
	points := make([]tracking.LocationPoint, n)
	ids := make([]string, n)
	for i := range points {
		ids[i] = fmt.Sprintf("%s-p%03d", sessionID, i)
		points[i] = tracking.LocationPoint{
			ID: ids[i], SessionID: sessionID, EmployeeID: "emp-1",
			Latitude: 52.52, Longitude: 13.405, AccuracyM: 8,
			RecordedAt: t0.Add(time.Duration(i) * 10 * time.Second),
			CreatedAt:  t0.Add(time.Duration(i) * 10 * time.Second),
		}
	}
	require.NoError(t, f.db.EnqueueAll(context.Background(), points))
	return ids
}

func (f *fixture) stats(t *testing.T) db.QueueStats {
	t.Helper()
	st, err := f.db.QueueStats(context.Background(), 5)
	require.NoError(t, err)
	return st
}

func TestRunOnce_BatchesAtMostBatchSize(t *testing.T) {
	f := newFixture(t, nil)
	f.enqueue(t, "s1", 150)
	ctx := context.Background()

	res, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, res.PointsUploaded)

	res, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, res.PointsUploaded)

	batches := f.store.Batches()
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 100)
	assert.Len(t, batches[1], 50)
	assert.Equal(t, "s1-p000", batches[0][0], "oldest first")
	assert.Equal(t, int64(150), f.stats(t).Uploaded)
}

func TestRunOnce_FailureCountsAttempts(t *testing.T) {
	f := newFixture(t, nil)
	f.enqueue(t, "s1", 3)
	f.store.FailAlways(remote.OpUpload, fmt.Errorf("upload: %w", remote.ErrTransient))
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res, err := f.engine.RunOnce(ctx)
		require.Error(t, err, "attempt %d", i)
		assert.True(t, remote.IsTransient(err))
		assert.Equal(t, 3, res.PointsFailed)
	}

	st := f.stats(t)
	assert.Equal(t, int64(0), st.Pending)
	assert.Equal(t, int64(3), st.Failed, "points stop being offered after MaxAttempts")

	res, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Equal(t, 5, f.store.Calls(remote.OpUpload))
}

func TestRunOnce_RecoversAfterTransientFailure(t *testing.T) {
	f := newFixture(t, nil)
	ids := f.enqueue(t, "s1", 4)
	f.store.FailNext(remote.OpUpload, remote.ErrTransient)
	ctx := context.Background()

	_, err := f.engine.RunOnce(ctx)
	require.Error(t, err)
	_, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)

	for _, id := range ids {
		assert.True(t, f.store.HasPoint(id), id)
	}
	assert.Equal(t, int64(4), f.stats(t).Uploaded)
}

func TestRunOnce_TimelineCreateThenUpdate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	stop := timeline.Event{ID: "ev-stop", SessionID: "s1", EmployeeID: "emp-1", Type: timeline.EventStop,
		StartTime: t0, EndTime: t0.Add(5 * time.Minute), Open: true}
	require.NoError(t, f.db.SaveTimelineChanges(ctx, []timeline.Change{{Kind: timeline.ChangeCreated, Event: stop}}))

	res, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EventsSynced)
	assert.Equal(t, 1, f.store.Calls(remote.OpCreateEvent))

	res, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.EventsSynced, "synced revision is not re-sent")

	stop.EndTime = t0.Add(9 * time.Minute)
	stop.Open = false
	require.NoError(t, f.db.SaveTimelineChanges(ctx, []timeline.Change{{Kind: timeline.ChangeUpdated, Event: stop}}))

	res, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EventsSynced)
	assert.Equal(t, 1, f.store.Calls(remote.OpCreateEvent))
	assert.Equal(t, 1, f.store.Calls(remote.OpUpdateEvent))

	events := f.store.Events()
	require.Len(t, events, 1)
	for _, e := range events {
		assert.False(t, e.Open)
		assert.Equal(t, 9*time.Minute, e.Duration())
	}
}

func TestRunOnce_TimelineFailureRetried(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ev := timeline.Event{ID: "ev-1", SessionID: "s1", Type: timeline.EventStart, StartTime: t0, EndTime: t0}
	require.NoError(t, f.db.SaveTimelineChanges(ctx, []timeline.Change{{Kind: timeline.ChangeCreated, Event: ev}}))
	f.store.FailNext(remote.OpCreateEvent, remote.ErrTransient)

	res, err := f.engine.RunOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, res.EventsFailed)

	res, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EventsSynced)
}

func TestRunOnce_DeliversDeferredSessionEnd(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.store.PutSession(tracking.Session{ID: "s1", EmployeeID: "emp-1", Status: tracking.SessionActive, StartedAt: t0})

	end := tracking.SessionEnd{SessionID: "s1", EndedAt: t0.Add(8 * time.Hour), DistanceKm: 12.5}
	require.NoError(t, f.db.SaveSessionEnd(ctx, end))
	f.store.FailNext(remote.OpEndSession, remote.ErrTransient)

	res, err := f.engine.RunOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, res.EndsFailed)

	res, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EndsSynced)

	sess, ok := f.store.Session("s1")
	require.True(t, ok)
	assert.Equal(t, tracking.SessionEnded, sess.Status)
	assert.Equal(t, 12.5, sess.DistanceKm)

	pending, err := f.db.PendingSessionEnds(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDrain_OnlyTouchesSession(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.BatchSize = 10 })
	f.enqueue(t, "s1", 25)
	f.enqueue(t, "s2", 5)

	res, err := f.engine.Drain(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 25, res.PointsUploaded)
	assert.Len(t, f.store.Batches(), 3)

	st := f.stats(t)
	assert.Equal(t, int64(5), st.Pending)
	assert.Equal(t, int64(25), st.Uploaded)
}

func TestDrain_BacksOffAfterFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.enqueue(t, "s1", 3)
	f.store.FailNext(remote.OpUpload, remote.ErrTransient)

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Drain(context.Background(), "s1")
		done <- err
	}()

	f.clock.BlockUntil(1)
	select {
	case <-done:
		t.Fatal("drain returned before backoff elapsed")
	default:
	}
	f.clock.Advance(5 * time.Second)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not finish")
	}
	assert.Equal(t, 3, f.store.Points())
	assert.Equal(t, 2, f.store.Calls(remote.OpUpload))
}

func TestDrain_StopsWhenAttemptsExhausted(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.MaxAttempts = 3
		o.DrainBackoff = time.Millisecond
		o.Clock = timeutil.RealClock{}
	})
	f.enqueue(t, "s1", 2)
	f.store.FailAlways(remote.OpUpload, remote.ErrTransient)

	_, err := f.engine.Drain(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, f.store.Calls(remote.OpUpload))

	st, err := f.db.QueueStats(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Failed)
}

func TestDrain_HonoursContext(t *testing.T) {
	f := newFixture(t, nil)
	f.enqueue(t, "s1", 1)
	f.store.FailAlways(remote.OpUpload, remote.ErrTransient)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Drain(ctx, "s1")
		done <- err
	}()
	f.clock.BlockUntil(1)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("drain ignored cancellation")
	}
}

func TestRun_PeriodicTriggerAndSweep(t *testing.T) {
	f := newFixture(t, nil)
	f.enqueue(t, "s1", 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	require.Eventually(t, func() bool { return f.engine.Status().RunCount == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, f.store.Points())
	assert.Equal(t, "initial", f.engine.Status().LastRun.Trigger)

	f.enqueue(t, "s2", 1)
	f.engine.Trigger()
	require.Eventually(t, func() bool { return f.engine.Status().RunCount == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "manual", f.engine.Status().LastRun.Trigger)
	assert.Equal(t, 3, f.store.Points())

	// Eight days on, the periodic run sweeps everything uploaded.
	f.clock.BlockUntil(1)
	f.clock.Advance(8 * 24 * time.Hour)
	require.Eventually(t, func() bool { return f.stats(t).Uploaded == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "periodic", f.engine.Status().LastRun.Trigger)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestStatus_Health(t *testing.T) {
	f := newFixture(t, nil)
	f.enqueue(t, "s1", 1)
	f.store.FailNext(remote.OpUpload, remote.ErrTransient)

	f.engine.startRun("manual")
	res, err := f.engine.RunOnce(context.Background())
	f.engine.finishRun(res, err)

	st := f.engine.Status()
	assert.False(t, st.IsHealthy)
	assert.NotEmpty(t, st.LastRunError)
	assert.Equal(t, 1, st.LastRun.Result.PointsFailed)

	f.engine.startRun("manual")
	res, err = f.engine.RunOnce(context.Background())
	f.engine.finishRun(res, err)
	assert.True(t, f.engine.Status().IsHealthy)

	f.clock.Advance(7 * time.Minute)
	assert.False(t, f.engine.Status().IsHealthy, "stale engine is unhealthy")
}

func TestSetEnabled(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.SetEnabled(false)
	assert.False(t, f.engine.IsEnabled())
	f.engine.SetEnabled(true)
	assert.True(t, f.engine.IsEnabled())
	// Enabling queued a trigger; a second one coalesces.
	f.engine.Trigger()
	assert.Len(t, f.engine.trigger, 1)
}
