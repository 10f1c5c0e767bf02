package remote

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"

	"github.com/banshee-data/fieldtrack/internal/timeline"
	"github.com/banshee-data/fieldtrack/internal/tracking"
)

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

// stringsArg matches a []string argument exactly.
type stringsArg []string

func (a stringsArg) Match(v any) bool {
	got, ok := v.([]string)
	return ok && reflect.DeepEqual(got, []string(a))
}

var sessionCols = []string{"id", "employee_id", "status", "started_at", "ended_at",
	"start_latitude", "start_longitude", "end_latitude", "end_longitude",
	"start_address", "end_address", "total_distance_km"}

func TestPostgresStore_SessionLifecycle(t *testing.T) {
	mock := newMockPool(t)
	store := NewPostgresStore(mock)
	ctx := context.Background()

	sess := tracking.Session{ID: "s1", EmployeeID: "e1", Status: tracking.SessionActive, StartedAt: t0,
		StartLatitude: 51.5, StartLongitude: -0.12}

	mock.ExpectExec(`INSERT INTO work_sessions`).
		WithArgs("s1", "e1", "active", t0, 51.5, -0.12, "", 0.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	mock.ExpectQuery(`(?s)SELECT id, employee_id, status, started_at, ended_at,.*FROM work_sessions\s+WHERE employee_id=\$1 AND status='active'`).
		WithArgs("e1").
		WillReturnRows(pgxmock.NewRows(sessionCols).
			AddRow("s1", "e1", "active", t0, (*time.Time)(nil), 51.5, -0.12, (*float64)(nil), (*float64)(nil), "", "", 0.0))
	active, err := store.GetActiveSession(ctx, "e1")
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active == nil || active.ID != "s1" || active.Status != tracking.SessionActive {
		t.Fatalf("unexpected active session %+v", active)
	}

	mock.ExpectExec(`UPDATE work_sessions`).
		WithArgs("s1", t0.Add(time.Hour), 51.6, -0.13, "", 4.2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	end := tracking.SessionEnd{SessionID: "s1", EndedAt: t0.Add(time.Hour), EndLatitude: 51.6, EndLongitude: -0.13, DistanceKm: 4.2}
	if err := store.EndSession(ctx, end); err != nil {
		t.Fatalf("end session: %v", err)
	}

	endedAt := t0.Add(time.Hour)
	lat, lng := 51.6, -0.13
	mock.ExpectQuery(`(?s)SELECT id, employee_id, status.*FROM work_sessions WHERE id=\$1`).
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows(sessionCols).
			AddRow("s1", "e1", "ended", t0, &endedAt, 51.5, -0.12, &lat, &lng, "", "", 4.2))
	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != tracking.SessionEnded || got.EndedAt == nil || !got.EndedAt.Equal(endedAt) {
		t.Fatalf("unexpected session %+v", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_NoActiveSession(t *testing.T) {
	mock := newMockPool(t)
	store := NewPostgresStore(mock)

	mock.ExpectQuery(`FROM work_sessions`).WithArgs("e1").WillReturnError(pgx.ErrNoRows)
	active, err := store.GetActiveSession(context.Background(), "e1")
	if err != nil || active != nil {
		t.Fatalf("got %+v, %v; want nil, nil", active, err)
	}

	mock.ExpectQuery(`FROM work_sessions WHERE id=\$1`).WithArgs("gone").WillReturnError(pgx.ErrNoRows)
	if _, err := store.GetSession(context.Background(), "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_EndUnknownSession(t *testing.T) {
	mock := newMockPool(t)
	store := NewPostgresStore(mock)

	mock.ExpectExec(`UPDATE work_sessions`).
		WithArgs("nope", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err := store.EndSession(context.Background(), tracking.SessionEnd{SessionID: "nope"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_UploadLocationBatch(t *testing.T) {
	mock := newMockPool(t)
	store := NewPostgresStore(mock)

	points := []tracking.LocationPoint{
		{ID: "p1", SessionID: "s1", EmployeeID: "e1", RecordedAt: t0},
		{ID: "p2", SessionID: "s1", EmployeeID: "e1", RecordedAt: t0.Add(10 * time.Second), Moving: true},
	}
	args := []any{stringsArg{"p1", "p2"}, stringsArg{"s1", "s1"}, stringsArg{"e1", "e1"}}
	for i := 0; i < 8; i++ {
		args = append(args, pgxmock.AnyArg())
	}
	mock.ExpectExec(`(?s)INSERT INTO location_points.*unnest\(.*ON CONFLICT \(id\) DO NOTHING`).
		WithArgs(args...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := store.UploadLocationBatch(context.Background(), points); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := store.UploadLocationBatch(context.Background(), nil); err != nil {
		t.Fatalf("empty upload: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		conflict  bool
	}{
		{"connection lost", &pgconn.PgError{Code: "08006"}, true, false},
		{"serialization", &pgconn.PgError{Code: "40001"}, true, false},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false, true},
		{"fk violation", &pgconn.PgError{Code: "23503"}, false, false},
		{"network", errors.New("read: connection reset by peer"), true, false},
		{"canceled", context.Canceled, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockPool(t)
			store := NewPostgresStore(mock)
			mock.ExpectExec(`INSERT INTO work_sessions`).WillReturnError(tt.err)

			err := store.CreateSession(context.Background(), tracking.Session{ID: "s1"})
			if err == nil {
				t.Fatal("expected error")
			}
			if IsTransient(err) != tt.transient {
				t.Errorf("transient = %v, want %v (%v)", IsTransient(err), tt.transient, err)
			}
			if errors.Is(err, ErrConflict) != tt.conflict {
				t.Errorf("conflict = %v, want %v", errors.Is(err, ErrConflict), tt.conflict)
			}
		})
	}
}

func TestPostgresStore_TimelineEvents(t *testing.T) {
	mock := newMockPool(t)
	store := NewPostgresStore(mock)
	ctx := context.Background()

	ev := timeline.Event{ID: "ev1", SessionID: "s1", EmployeeID: "e1", Type: timeline.EventMove,
		StartTime: t0, EndTime: t0.Add(90 * time.Second), DistanceKm: 0.4, PointCount: 9}

	mock.ExpectQuery(`(?s)INSERT INTO timeline_events.*ON CONFLICT \(id\) DO UPDATE.*RETURNING id`).
		WithArgs("ev1", "s1", "e1", "move", t0, t0.Add(90*time.Second), int64(90), 0.0, 0.0, 0.4, 9, false).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("ev1"))
	id, err := store.CreateTimelineEvent(ctx, ev)
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	if id != "ev1" {
		t.Fatalf("remote id = %q", id)
	}

	mock.ExpectExec(`UPDATE timeline_events`).
		WithArgs("ev1", t0.Add(90*time.Second), int64(90), 0.4, 9, false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := store.UpdateTimelineEvent(ctx, id, ev); err != nil {
		t.Fatalf("update event: %v", err)
	}

	mock.ExpectExec(`UPDATE timeline_events`).
		WithArgs("ev2", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	if err := store.UpdateTimelineEvent(ctx, "ev2", ev); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_EnsureSchemaAndSign(t *testing.T) {
	mock := newMockPool(t)
	store := NewPostgresStore(mock)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS work_sessions`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if _, err := store.SignedURL(context.Background(), "x"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
