package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/banshee-data/fieldtrack/internal/httputil"
	"github.com/banshee-data/fieldtrack/internal/session"
)

type commandResponse struct {
	Error  string         `json:"error,omitempty"`
	Reason session.Reason `json:"reason,omitempty"`
	State  session.State  `json:"state"`
}

// startStatus maps a failed start onto an HTTP status the UI can act on.
func startStatus(reason session.Reason) int {
	switch reason {
	case session.ReasonAlreadyActive:
		return http.StatusConflict
	case session.ReasonPermissionDenied, session.ReasonServiceDisabled,
		session.ReasonLocationUnavailable, session.ReasonNoFix:
		return http.StatusUnprocessableEntity
	case session.ReasonRemote:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	st, err := s.sessions.Start(r.Context())
	if err != nil {
		resp := commandResponse{Error: err.Error(), State: st}
		status := http.StatusInternalServerError
		var serr *session.StartError
		if errors.As(err, &serr) {
			resp.Reason = serr.Reason
			status = startStatus(serr.Reason)
		}
		httputil.WriteJSON(w, status, resp)
		return
	}
	httputil.WriteJSONOK(w, commandResponse{State: st})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	st, err := s.sessions.Stop(r.Context())
	switch {
	case errors.Is(err, session.ErrNotActive):
		httputil.WriteJSON(w, http.StatusConflict, commandResponse{Error: err.Error(), State: st})
	case err != nil:
		httputil.WriteJSON(w, http.StatusInternalServerError, commandResponse{Error: err.Error(), State: st})
	default:
		httputil.WriteJSONOK(w, commandResponse{State: st})
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.sessions.State())
}

// handleStateStream pushes every state change as a server-sent event.
// Slow clients see the newest state and skip intermediate ones.
func (s *Server) handleStateStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, c := s.sessions.Subscribe()
	defer s.sessions.Unsubscribe(id)

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case st, ok := <-c:
			if !ok {
				return
			}
			payload, err := json.Marshal(st)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
