package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/banshee-data/fieldtrack/internal/db"
	"github.com/banshee-data/fieldtrack/internal/httputil"
	"github.com/banshee-data/fieldtrack/internal/syncer"
	"github.com/banshee-data/fieldtrack/internal/tracking"
)

const (
	defaultFailedLimit = 50
	maxFailedLimit     = 1000
)

type queueResponse struct {
	Stats  db.QueueStats            `json:"stats"`
	Failed []tracking.LocationPoint `json:"failed"`
	Sync   syncer.Status            `json:"sync"`
}

// handleQueue reports queue depth and the points that ran out of upload
// attempts. Those points stay queued until an operator retries them.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	limit := defaultFailedLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > maxFailedLimit {
			httputil.BadRequest(w, fmt.Sprintf("Invalid 'limit' parameter (1-%d)", maxFailedLimit))
			return
		}
		limit = parsed
	}

	stats, err := s.db.QueueStats(r.Context(), s.maxAttempts)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to read queue stats: %v", err))
		return
	}
	failed, err := s.db.FailedPoints(r.Context(), s.maxAttempts, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to list failed points: %v", err))
		return
	}
	if failed == nil {
		failed = []tracking.LocationPoint{}
	}
	httputil.WriteJSONOK(w, queueResponse{Stats: stats, Failed: failed, Sync: s.sync.Status()})
}

// handleQueueRetry gives permanently failed points a fresh set of attempts.
func (s *Server) handleQueueRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	n, err := s.db.ResetFailed(r.Context(), s.maxAttempts)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to reset failed points: %v", err))
		return
	}
	if n > 0 {
		s.sync.Trigger()
	}
	httputil.WriteJSONOK(w, map[string]int64{"reset": n})
}

// handleSync reports the engine status on GET and toggles it on POST with
// ?enabled=true|false.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.sync.Status())
	case http.MethodPost:
		enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
		if err != nil {
			httputil.BadRequest(w, "Invalid 'enabled' parameter")
			return
		}
		s.sync.SetEnabled(enabled)
		httputil.WriteJSONOK(w, s.sync.Status())
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.sync.IsEnabled() {
		httputil.Conflict(w, "sync is disabled")
		return
	}
	s.sync.Trigger()
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}
