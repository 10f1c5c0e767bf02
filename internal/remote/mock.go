package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/fieldtrack/internal/timeline"
	"github.com/banshee-data/fieldtrack/internal/tracking"
)

// Op names a Store method for MockStore fault injection.
type Op string

const (
	OpCreateSession    Op = "CreateSession"
	OpGetSession       Op = "GetSession"
	OpGetActiveSession Op = "GetActiveSession"
	OpEndSession       Op = "EndSession"
	OpUpload           Op = "UploadLocationBatch"
	OpCreateEvent      Op = "CreateTimelineEvent"
	OpUpdateEvent      Op = "UpdateTimelineEvent"
	OpSignedURL        Op = "SignedURL"
)

// MockStore is an in-memory Store. Errors can be queued per operation
// (FailNext) or made sticky (FailAlways).
type MockStore struct {
	mu       sync.Mutex
	sessions map[string]tracking.Session
	points   map[string]tracking.LocationPoint
	events   map[string]timeline.Event
	ends     []tracking.SessionEnd
	batches  [][]string
	calls    map[Op]int
	queued   map[Op][]error
	sticky   map[Op]error
	nextID   int
}

func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]tracking.Session),
		points:   make(map[string]tracking.LocationPoint),
		events:   make(map[string]timeline.Event),
		calls:    make(map[Op]int),
		queued:   make(map[Op][]error),
		sticky:   make(map[Op]error),
	}
}

// FailNext makes the next call to op return err.
func (m *MockStore) FailNext(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued[op] = append(m.queued[op], err)
}

// FailAlways makes every call to op return err until cleared with nil.
func (m *MockStore) FailAlways(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.sticky, op)
		return
	}
	m.sticky[op] = err
}

// begin counts the call and returns an injected error, if any. Callers hold mu.
func (m *MockStore) begin(op Op) error {
	m.calls[op]++
	if q := m.queued[op]; len(q) > 0 {
		m.queued[op] = q[1:]
		return q[0]
	}
	return m.sticky[op]
}

// PutSession seeds a remote session.
func (m *MockStore) PutSession(s tracking.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *MockStore) CreateSession(ctx context.Context, s tracking.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpCreateSession); err != nil {
		return err
	}
	for _, existing := range m.sessions {
		if existing.EmployeeID == s.EmployeeID && existing.Status == tracking.SessionActive && existing.ID != s.ID {
			return fmt.Errorf("create session: %w", ErrConflict)
		}
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *MockStore) GetSession(ctx context.Context, id string) (tracking.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpGetSession); err != nil {
		return tracking.Session{}, err
	}
	s, ok := m.sessions[id]
	if !ok {
		return tracking.Session{}, fmt.Errorf("get session %s: %w", id, ErrNotFound)
	}
	return s, nil
}

func (m *MockStore) GetActiveSession(ctx context.Context, employeeID string) (*tracking.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpGetActiveSession); err != nil {
		return nil, err
	}
	for _, s := range m.sessions {
		if s.EmployeeID == employeeID && s.Status == tracking.SessionActive {
			return &s, nil
		}
	}
	return nil, nil
}

func (m *MockStore) EndSession(ctx context.Context, end tracking.SessionEnd) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpEndSession); err != nil {
		return err
	}
	s, ok := m.sessions[end.SessionID]
	if !ok {
		return fmt.Errorf("end session %s: %w", end.SessionID, ErrNotFound)
	}
	endedAt := end.EndedAt
	lat, lng := end.EndLatitude, end.EndLongitude
	s.Status = tracking.SessionEnded
	s.EndedAt = &endedAt
	s.EndLatitude, s.EndLongitude = &lat, &lng
	s.EndAddress = end.EndAddress
	s.DistanceKm = end.DistanceKm
	m.sessions[end.SessionID] = s
	m.ends = append(m.ends, end)
	return nil
}

func (m *MockStore) UploadLocationBatch(ctx context.Context, points []tracking.LocationPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpUpload); err != nil {
		return err
	}
	ids := make([]string, len(points))
	for i, p := range points {
		ids[i] = p.ID
		if _, dup := m.points[p.ID]; !dup {
			m.points[p.ID] = p
		}
	}
	m.batches = append(m.batches, ids)
	return nil
}

func (m *MockStore) CreateTimelineEvent(ctx context.Context, e timeline.Event) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpCreateEvent); err != nil {
		return "", err
	}
	m.nextID++
	id := fmt.Sprintf("remote-%d", m.nextID)
	m.events[id] = e
	return id, nil
}

func (m *MockStore) UpdateTimelineEvent(ctx context.Context, remoteID string, e timeline.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpUpdateEvent); err != nil {
		return err
	}
	if _, ok := m.events[remoteID]; !ok {
		return fmt.Errorf("update timeline event %s: %w", remoteID, ErrNotFound)
	}
	m.events[remoteID] = e
	return nil
}

func (m *MockStore) SignedURL(ctx context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpSignedURL); err != nil {
		return "", err
	}
	return "https://storage.invalid/" + path + "?signed=1", nil
}

// Session returns the stored copy of a session.
func (m *MockStore) Session(id string) (tracking.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Points returns the number of distinct points received.
func (m *MockStore) Points() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.points)
}

// HasPoint reports whether the point id was uploaded.
func (m *MockStore) HasPoint(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.points[id]
	return ok
}

// Batches returns the ids of every upload call in order.
func (m *MockStore) Batches() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.batches...)
}

// Events returns the remote timeline keyed by remote id.
func (m *MockStore) Events() map[string]timeline.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]timeline.Event, len(m.events))
	for k, v := range m.events {
		out[k] = v
	}
	return out
}

// Ends returns every successful EndSession call.
func (m *MockStore) Ends() []tracking.SessionEnd {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tracking.SessionEnd(nil), m.ends...)
}

// Calls returns how many times op was invoked, failures included.
func (m *MockStore) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}
