package remote

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/banshee-data/fieldtrack/internal/timeline"
	"github.com/banshee-data/fieldtrack/internal/tracking"
)

//go:embed postgres_schema.sql
var postgresSchema string

// Querier is the part of a pgx pool the store uses. *pgxpool.Pool and
// pgxmock pools both satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore writes straight into the backend database.
type PostgresStore struct {
	db Querier
}

func NewPostgresStore(db Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

// ConnectPostgres opens a pool and pings it within five seconds.
func ConnectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// EnsureSchema creates the backend tables if they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return classify("ensure schema", err)
	}
	return nil
}

// classify wraps err with the sentinel the sync engine keys on. Connection
// class errors, serialisation failures and anything that is not a server
// error count as transient.
func classify(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01":
			return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
		case pgErr.Code == "23505":
			return fmt.Errorf("%s: %w: %w", op, ErrConflict, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

const sessionColumns = `id, employee_id, status, started_at, ended_at,
	start_latitude, start_longitude, end_latitude, end_longitude,
	start_address, end_address, total_distance_km`

func scanSession(row pgx.Row) (tracking.Session, error) {
	var sess tracking.Session
	var status string
	err := row.Scan(&sess.ID, &sess.EmployeeID, &status, &sess.StartedAt, &sess.EndedAt,
		&sess.StartLatitude, &sess.StartLongitude, &sess.EndLatitude, &sess.EndLongitude,
		&sess.StartAddress, &sess.EndAddress, &sess.DistanceKm)
	sess.Status = tracking.SessionStatus(status)
	return sess, err
}

// CreateSession relies on the partial unique index over active sessions
// per employee; a second active session surfaces as ErrConflict.
func (s *PostgresStore) CreateSession(ctx context.Context, sess tracking.Session) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO work_sessions (id, employee_id, status, started_at,
			start_latitude, start_longitude, start_address, total_distance_km)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING
	`, sess.ID, sess.EmployeeID, string(sess.Status), sess.StartedAt,
		sess.StartLatitude, sess.StartLongitude, sess.StartAddress, sess.DistanceKm)
	if err != nil {
		return classify("create session", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (tracking.Session, error) {
	sess, err := scanSession(s.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM work_sessions WHERE id=$1`, id))
	if err != nil {
		return tracking.Session{}, classify("get session "+id, err)
	}
	return sess, nil
}

func (s *PostgresStore) GetActiveSession(ctx context.Context, employeeID string) (*tracking.Session, error) {
	sess, err := scanSession(s.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM work_sessions
		WHERE employee_id=$1 AND status='active'
		ORDER BY started_at DESC LIMIT 1`, employeeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get active session", err)
	}
	return &sess, nil
}

func (s *PostgresStore) EndSession(ctx context.Context, end tracking.SessionEnd) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE work_sessions
		SET status='ended', ended_at=$2, end_latitude=$3, end_longitude=$4,
		    end_address=$5, total_distance_km=$6
		WHERE id=$1
	`, end.SessionID, end.EndedAt, end.EndLatitude, end.EndLongitude, end.EndAddress, end.DistanceKm)
	if err != nil {
		return classify("end session "+end.SessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("end session %s: %w", end.SessionID, ErrNotFound)
	}
	return nil
}

// UploadLocationBatch inserts the whole batch in one statement via unnest.
// Points already present are skipped.
func (s *PostgresStore) UploadLocationBatch(ctx context.Context, points []tracking.LocationPoint) error {
	if len(points) == 0 {
		return nil
	}
	n := len(points)
	var (
		ids, sessions, employees = make([]string, n), make([]string, n), make([]string, n)
		lats, lngs, accs, speeds = make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n)
		alts, headings           = make([]*float64, n), make([]*float64, n)
		recorded                 = make([]time.Time, n)
		moving                   = make([]bool, n)
	)
	for i, p := range points {
		ids[i], sessions[i], employees[i] = p.ID, p.SessionID, p.EmployeeID
		lats[i], lngs[i], accs[i], speeds[i] = p.Latitude, p.Longitude, p.AccuracyM, p.SpeedMps
		alts[i], headings[i] = p.Altitude, p.Heading
		recorded[i] = p.RecordedAt
		moving[i] = p.Moving
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO location_points (id, session_id, employee_id, latitude, longitude,
			accuracy, speed, altitude, heading, recorded_at, is_moving)
		SELECT * FROM unnest($1::uuid[], $2::uuid[], $3::uuid[], $4::float8[], $5::float8[],
			$6::float8[], $7::float8[], $8::float8[], $9::float8[], $10::timestamptz[], $11::bool[])
		ON CONFLICT (id) DO NOTHING
	`, ids, sessions, employees, lats, lngs, accs, speeds, alts, headings, recorded, moving)
	if err != nil {
		return classify(fmt.Sprintf("upload %d points", n), err)
	}
	return nil
}

// CreateTimelineEvent keys remote events by the local id, so a create that
// is retried after a lost reply lands on the same row.
func (s *PostgresStore) CreateTimelineEvent(ctx context.Context, e timeline.Event) (string, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		INSERT INTO timeline_events (id, session_id, employee_id, event_type, start_time,
			end_time, duration_seconds, latitude, longitude, distance_km, point_count, is_open)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET end_time=EXCLUDED.end_time,
			duration_seconds=EXCLUDED.duration_seconds, distance_km=EXCLUDED.distance_km,
			point_count=EXCLUDED.point_count, is_open=EXCLUDED.is_open
		RETURNING id
	`, e.ID, e.SessionID, e.EmployeeID, string(e.Type), e.StartTime, e.EndTime,
		int64(e.Duration()/time.Second), e.Latitude, e.Longitude, e.DistanceKm, e.PointCount, e.Open).Scan(&id)
	if err != nil {
		return "", classify("create timeline event", err)
	}
	return id, nil
}

func (s *PostgresStore) UpdateTimelineEvent(ctx context.Context, remoteID string, e timeline.Event) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE timeline_events
		SET end_time=$2, duration_seconds=$3, distance_km=$4, point_count=$5, is_open=$6
		WHERE id=$1
	`, remoteID, e.EndTime, int64(e.Duration()/time.Second), e.DistanceKm, e.PointCount, e.Open)
	if err != nil {
		return classify("update timeline event "+remoteID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update timeline event %s: %w", remoteID, ErrNotFound)
	}
	return nil
}

// SignedURL needs an object store in front of the database.
func (s *PostgresStore) SignedURL(ctx context.Context, path string) (string, error) {
	return "", fmt.Errorf("sign %s: %w", path, ErrUnsupported)
}
