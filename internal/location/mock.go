package location

import (
	"context"
	"sync"

	"github.com/banshee-data/fieldtrack/internal/monitoring"
	"github.com/banshee-data/fieldtrack/internal/timeutil"
	"github.com/banshee-data/fieldtrack/internal/tracking"
)

// MockSource is a scriptable Source for tests.
type MockSource struct {
	hub *hub

	mu             sync.Mutex
	checkErr       error
	subscribeErr   error
	currentErr     error
	current        *tracking.RawFix
	hold           <-chan struct{}
	subscribeCalls int
	currentCalls   int
}

// NewMockSource returns a source with no fix and no errors.
func NewMockSource() *MockSource {
	return &MockSource{hub: newHub(timeutil.RealClock{}, monitoring.Component("mock-location"))}
}

// SetCheckError makes Check fail with err.
func (m *MockSource) SetCheckError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkErr = err
}

// SetSubscribeError makes Subscribe fail with err.
func (m *MockSource) SetSubscribeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

// SetCurrent sets the fix Current returns.
func (m *MockSource) SetCurrent(fix tracking.RawFix) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = &fix
	m.currentErr = nil
}

// SetCurrentError makes Current fail with err.
func (m *MockSource) SetCurrentError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentErr = err
}

// HoldCurrent makes Current block until release is closed or its context
// ends, the way a receiver without a lock does.
func (m *MockSource) HoldCurrent(release <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = release
}

// Emit delivers fix to every subscriber whose distance gate passes it.
func (m *MockSource) Emit(fix tracking.RawFix) {
	m.hub.publish(fix)
}

// Fail ends every open subscription as if the platform stopped updates.
func (m *MockSource) Fail() {
	m.hub.dropSubscribers()
}

// Subscribers returns the number of open subscriptions.
func (m *MockSource) Subscribers() int { return m.hub.subscribers() }

// WaitSubscribers blocks until n subscriptions are open.
func (m *MockSource) WaitSubscribers(ctx context.Context, n int) error {
	return m.hub.waitSubscribers(ctx, n)
}

// SubscribeCalls returns how many times Subscribe was called.
func (m *MockSource) SubscribeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribeCalls
}

// CurrentCalls returns how many times Current was called.
func (m *MockSource) CurrentCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentCalls
}

func (m *MockSource) Check(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkErr
}

func (m *MockSource) Subscribe(ctx context.Context, opts Options) (<-chan tracking.RawFix, error) {
	m.mu.Lock()
	m.subscribeCalls++
	err := m.subscribeErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.hub.subscribe(ctx, opts)
}

func (m *MockSource) Current(ctx context.Context) (tracking.RawFix, error) {
	m.mu.Lock()
	m.currentCalls++
	hold := m.hold
	m.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return tracking.RawFix{}, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentErr != nil {
		return tracking.RawFix{}, m.currentErr
	}
	if m.current != nil {
		return *m.current, nil
	}
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	if m.hub.latest != nil {
		return *m.hub.latest, nil
	}
	return tracking.RawFix{}, ErrNoFix
}
