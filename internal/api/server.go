// Package api is the HTTP surface: session commands, the state feed,
// queue diagnostics and per-session data.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/fieldtrack/internal/db"
	"github.com/banshee-data/fieldtrack/internal/httputil"
	"github.com/banshee-data/fieldtrack/internal/monitoring"
	"github.com/banshee-data/fieldtrack/internal/session"
	"github.com/banshee-data/fieldtrack/internal/syncer"
	"github.com/banshee-data/fieldtrack/internal/timeline"
	"github.com/banshee-data/fieldtrack/internal/tracking"
	"github.com/banshee-data/fieldtrack/internal/units"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Sessions is the command and state side of the session manager.
type Sessions interface {
	Start(ctx context.Context) (session.State, error)
	Stop(ctx context.Context) (session.State, error)
	State() session.State
	Subscribe() (int, <-chan session.State)
	Unsubscribe(id int)
}

// Sync is the operator's handle on the sync engine.
type Sync interface {
	Status() syncer.Status
	IsEnabled() bool
	SetEnabled(enabled bool)
	Trigger()
}

// Store is the read side of the local database.
type Store interface {
	QueueStats(ctx context.Context, maxAttempts int) (db.QueueStats, error)
	FailedPoints(ctx context.Context, maxAttempts, limit int) ([]tracking.LocationPoint, error)
	ResetFailed(ctx context.Context, maxAttempts int) (int64, error)
	GetBySession(ctx context.Context, sessionID string) ([]tracking.LocationPoint, error)
	TimelineBySession(ctx context.Context, sessionID string) ([]timeline.Event, error)
	SessionReport(ctx context.Context, sessionID string) (*db.SessionReport, error)
}

type Server struct {
	sessions    Sessions
	sync        Sync
	db          Store
	units       string
	maxAttempts int
}

func NewServer(sessions Sessions, sync Sync, store Store, speedUnits string, maxAttempts int) *Server {
	if !units.IsValid(speedUnits) {
		speedUnits = units.KPH
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Server{
		sessions:    sessions,
		sync:        sync,
		db:          store,
		units:       speedUnits,
		maxAttempts: maxAttempts,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session/start", s.handleStart)
	mux.HandleFunc("/api/session/stop", s.handleStop)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/state/stream", s.handleStateStream)
	mux.HandleFunc("/api/queue", s.handleQueue)
	mux.HandleFunc("/api/queue/retry", s.handleQueueRetry)
	mux.HandleFunc("/api/sync", s.handleSync)
	mux.HandleFunc("/api/sync/trigger", s.handleSyncTrigger)
	mux.HandleFunc("/api/sessions/{id}/timeline", s.handleTimeline)
	mux.HandleFunc("/api/sessions/{id}/report", s.handleReport)
	mux.HandleFunc("/api/sessions/{id}/points.csv", s.handlePointsCSV)
	mux.HandleFunc("/api/config", s.handleConfig)
	return mux
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"units":        s.units,
		"max_attempts": s.maxAttempts,
	})
}
