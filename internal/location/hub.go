package location

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/fieldtrack/internal/geo"
	"github.com/banshee-data/fieldtrack/internal/monitoring"
	"github.com/banshee-data/fieldtrack/internal/timeutil"
	"github.com/banshee-data/fieldtrack/internal/tracking"
)

const subscriberBuffer = 16

// distanceGate passes a fix only once it is MinDistanceM away from the
// last fix it passed.
type distanceGate struct {
	minDistanceM float64
	last         *tracking.RawFix
}

func (g *distanceGate) allow(fix tracking.RawFix) bool {
	if g.last != nil && g.minDistanceM > 0 {
		d := geo.DistanceMeters(g.last.Latitude, g.last.Longitude, fix.Latitude, fix.Longitude)
		if d < g.minDistanceM {
			return false
		}
	}
	g.last = &fix
	return true
}

type subscriber struct {
	ch   chan tracking.RawFix
	gate distanceGate
}

// hub fans fixes out to subscribers and remembers the latest one.
type hub struct {
	clock timeutil.Clock
	log   monitoring.Logger

	mu       sync.Mutex
	subs     map[int]*subscriber
	nextID   int
	latest   *tracking.RawFix
	latestAt time.Time
	closed   bool
	changed  chan struct{}
}

func newHub(clock timeutil.Clock, log monitoring.Logger) *hub {
	return &hub{
		clock:   clock,
		log:     log,
		subs:    make(map[int]*subscriber),
		changed: make(chan struct{}),
	}
}

func (h *hub) notifyLocked() {
	close(h.changed)
	h.changed = make(chan struct{})
}

func (h *hub) subscribe(ctx context.Context, opts Options) (<-chan tracking.RawFix, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrServiceDisabled
	}
	id := h.nextID
	h.nextID++
	sub := &subscriber{
		ch:   make(chan tracking.RawFix, subscriberBuffer),
		gate: distanceGate{minDistanceM: opts.MinDistanceM},
	}
	h.subs[id] = sub
	h.notifyLocked()

	go func() {
		<-ctx.Done()
		h.remove(id)
	}()
	return sub.ch, nil
}

func (h *hub) remove(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		close(sub.ch)
		delete(h.subs, id)
		h.notifyLocked()
	}
}

// publish records fix as the latest and offers it to every subscriber
// whose gate passes it. A full subscriber misses the fix.
func (h *hub) publish(fix tracking.RawFix) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.latest = &fix
	h.latestAt = h.clock.Now()
	for id, sub := range h.subs {
		if !sub.gate.allow(fix) {
			continue
		}
		select {
		case sub.ch <- fix:
		default:
			h.log.Printf("subscriber %d is full, dropped fix at %s", id, fix.Time.Format(time.RFC3339))
		}
	}
	h.notifyLocked()
}

// dropSubscribers ends every current subscription while leaving the hub
// usable for new ones.
func (h *hub) dropSubscribers() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
	h.notifyLocked()
}

// close ends every subscription and refuses new ones.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
	h.notifyLocked()
}

func (h *hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *hub) subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// waitSubscribers blocks until at least n subscriptions exist.
func (h *hub) waitSubscribers(ctx context.Context, n int) error {
	for {
		h.mu.Lock()
		if len(h.subs) >= n {
			h.mu.Unlock()
			return nil
		}
		ch := h.changed
		h.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// current returns the latest fix if it was received within maxAge,
// otherwise waits up to maxAge for the next one.
func (h *hub) current(ctx context.Context, maxAge time.Duration) (tracking.RawFix, error) {
	var timeout <-chan time.Time
	for {
		h.mu.Lock()
		if h.latest != nil && h.clock.Since(h.latestAt) <= maxAge {
			fix := *h.latest
			h.mu.Unlock()
			return fix, nil
		}
		if h.closed {
			h.mu.Unlock()
			return tracking.RawFix{}, ErrNoFix
		}
		ch := h.changed
		h.mu.Unlock()

		if timeout == nil {
			timeout = h.clock.After(maxAge)
		}
		select {
		case <-ch:
		case <-timeout:
			return tracking.RawFix{}, ErrNoFix
		case <-ctx.Done():
			return tracking.RawFix{}, ctx.Err()
		}
	}
}
