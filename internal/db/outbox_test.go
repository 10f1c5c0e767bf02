package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/fieldtrack/internal/timeline"
	"github.com/banshee-data/fieldtrack/internal/tracking"
)

func testEvent(id string, typ timeline.EventType, start, end time.Duration) timeline.Event {
	return timeline.Event{
		ID:         id,
		SessionID:  "s1",
		EmployeeID: "emp-1",
		Type:       typ,
		StartTime:  baseTime.Add(start),
		EndTime:    baseTime.Add(end),
		Latitude:   52.52,
		Longitude:  13.405,
	}
}

func TestTimelineOutboxRevisions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	stop := testEvent("stop-1", timeline.EventStop, time.Minute, 6*time.Minute)
	stop.Open = true
	if err := db.SaveTimelineChanges(ctx, []timeline.Change{{Kind: timeline.ChangeCreated, Event: stop}}); err != nil {
		t.Fatalf("SaveTimelineChanges failed: %v", err)
	}

	pending, err := db.PendingTimelineEvents(ctx, 10, 5)
	if err != nil {
		t.Fatalf("PendingTimelineEvents failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Revision != 1 || pending[0].RemoteID != "" {
		t.Fatalf("expected one new event at revision 1, got %+v", pending)
	}
	if !pending[0].Event.Open || pending[0].Event.Type != timeline.EventStop {
		t.Errorf("event fields not round-tripped: %+v", pending[0].Event)
	}

	stop.EndTime = baseTime.Add(9 * time.Minute)
	if err := db.SaveTimelineChanges(ctx, []timeline.Change{{Kind: timeline.ChangeUpdated, Event: stop}}); err != nil {
		t.Fatalf("SaveTimelineChanges update failed: %v", err)
	}

	// The backend acknowledges the first revision while the second is queued.
	if err := db.MarkTimelineSynced(ctx, "stop-1", "remote-9", 1); err != nil {
		t.Fatalf("MarkTimelineSynced failed: %v", err)
	}
	pending, err = db.PendingTimelineEvents(ctx, 10, 5)
	if err != nil {
		t.Fatalf("PendingTimelineEvents failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected revision 2 still pending, got %d events", len(pending))
	}
	if pending[0].Revision != 2 || pending[0].RemoteID != "remote-9" {
		t.Errorf("expected revision 2 with remote id, got %+v", pending[0])
	}
	if !pending[0].Event.EndTime.Equal(baseTime.Add(9 * time.Minute)) {
		t.Errorf("expected updated end time, got %v", pending[0].Event.EndTime)
	}

	if err := db.MarkTimelineSynced(ctx, "stop-1", "remote-9", 2); err != nil {
		t.Fatalf("MarkTimelineSynced failed: %v", err)
	}
	pending, err = db.PendingTimelineEvents(ctx, 10, 5)
	if err != nil {
		t.Fatalf("PendingTimelineEvents failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected nothing pending, got %+v", pending)
	}
}

func TestTimelineAttemptsExcludeEvent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if err := db.SaveTimelineChanges(ctx, []timeline.Change{
		{Kind: timeline.ChangeCreated, Event: testEvent("start-1", timeline.EventStart, 0, 0)},
	}); err != nil {
		t.Fatalf("SaveTimelineChanges failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := db.IncrementTimelineAttempts(ctx, "start-1"); err != nil {
			t.Fatalf("IncrementTimelineAttempts failed: %v", err)
		}
	}
	pending, err := db.PendingTimelineEvents(ctx, 10, 2)
	if err != nil {
		t.Fatalf("PendingTimelineEvents failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected event excluded after 2 attempts, got %d", len(pending))
	}
}

func TestTimelineBySessionOrdersEvents(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	changes := []timeline.Change{
		{Kind: timeline.ChangeCreated, Event: testEvent("end", timeline.EventEnd, 10*time.Minute, 10*time.Minute)},
		{Kind: timeline.ChangeCreated, Event: testEvent("move", timeline.EventMove, 0, 10*time.Minute)},
		{Kind: timeline.ChangeCreated, Event: testEvent("start", timeline.EventStart, 0, 0)},
	}
	if err := db.SaveTimelineChanges(ctx, changes); err != nil {
		t.Fatalf("SaveTimelineChanges failed: %v", err)
	}

	events, err := db.TimelineBySession(ctx, "s1")
	if err != nil {
		t.Fatalf("TimelineBySession failed: %v", err)
	}
	var ids []string
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	want := []string{"start", "move", "end"}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], ids[i])
		}
	}
	if err := timeline.Validate(events); err != nil {
		t.Errorf("stored timeline is not a partition: %v", err)
	}
}

func TestSessionEndOutbox(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	end := tracking.SessionEnd{
		SessionID:    "s1",
		EndedAt:      baseTime.Add(8 * time.Hour),
		EndLatitude:  52.5,
		EndLongitude: 13.4,
		DistanceKm:   12.5,
	}
	if err := db.SaveSessionEnd(ctx, end); err != nil {
		t.Fatalf("SaveSessionEnd failed: %v", err)
	}
	end.DistanceKm = 13
	if err := db.SaveSessionEnd(ctx, end); err != nil {
		t.Fatalf("SaveSessionEnd replace failed: %v", err)
	}

	pending, err := db.PendingSessionEnds(ctx, 3)
	if err != nil {
		t.Fatalf("PendingSessionEnds failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending end, got %d", len(pending))
	}
	if diff := cmp.Diff(end, pending[0]); diff != "" {
		t.Errorf("session end mismatch (-want +got):\n%s", diff)
	}

	for i := 0; i < 3; i++ {
		if err := db.IncrementSessionEndAttempts(ctx, "s1"); err != nil {
			t.Fatalf("IncrementSessionEndAttempts failed: %v", err)
		}
	}
	pending, err = db.PendingSessionEnds(ctx, 3)
	if err != nil {
		t.Fatalf("PendingSessionEnds failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected end excluded after attempts, got %d", len(pending))
	}

	if err := db.DeleteSessionEnd(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSessionEnd failed: %v", err)
	}
	pending, err = db.PendingSessionEnds(ctx, 10)
	if err != nil {
		t.Fatalf("PendingSessionEnds failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected end deleted, got %d", len(pending))
	}
}

func TestDiscardSession(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if err := db.EnqueueAll(ctx, []tracking.LocationPoint{
		testPoint("p1", "s1", 0),
		testPoint("p2", "s2", time.Minute),
	}); err != nil {
		t.Fatalf("EnqueueAll failed: %v", err)
	}
	start := testEvent("e1", timeline.EventStart, 0, 0)
	if err := db.SaveTimelineChanges(ctx, []timeline.Change{{Kind: timeline.ChangeCreated, Event: start}}); err != nil {
		t.Fatalf("SaveTimelineChanges failed: %v", err)
	}

	if err := db.DiscardSession(ctx, "s1"); err != nil {
		t.Fatalf("DiscardSession failed: %v", err)
	}

	points, err := db.GetBySession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetBySession failed: %v", err)
	}
	if len(points) != 0 {
		t.Errorf("expected s1 points gone, got %d", len(points))
	}
	events, err := db.TimelineBySession(ctx, "s1")
	if err != nil {
		t.Fatalf("TimelineBySession failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected s1 events gone, got %d", len(events))
	}
	other, err := db.GetBySession(ctx, "s2")
	if err != nil {
		t.Fatalf("GetBySession failed: %v", err)
	}
	if len(other) != 1 {
		t.Errorf("expected s2 untouched, got %d points", len(other))
	}
}
