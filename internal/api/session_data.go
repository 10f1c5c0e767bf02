package api

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/fieldtrack/internal/db"
	"github.com/banshee-data/fieldtrack/internal/httputil"
	"github.com/banshee-data/fieldtrack/internal/monitoring"
	"github.com/banshee-data/fieldtrack/internal/security"
	"github.com/banshee-data/fieldtrack/internal/timeline"
	"github.com/banshee-data/fieldtrack/internal/units"
)

type timelineEvent struct {
	timeline.Event
	DurationSeconds float64 `json:"duration_seconds"`
}

type timelineResponse struct {
	SessionID string          `json:"session_id"`
	Events    []timelineEvent `json:"events"`
	Complete  bool            `json:"complete"`
	Error     string          `json:"error,omitempty"`
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	id := r.PathValue("id")

	events, err := s.db.TimelineBySession(r.Context(), id)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to load timeline: %v", err))
		return
	}
	if len(events) == 0 {
		httputil.NotFound(w, "no timeline for session")
		return
	}

	resp := timelineResponse{SessionID: id, Events: make([]timelineEvent, len(events))}
	for i, e := range events {
		resp.Events[i] = timelineEvent{Event: e, DurationSeconds: e.Duration().Seconds()}
	}
	resp.Complete = events[len(events)-1].Type == timeline.EventEnd
	if err := timeline.Validate(events); err != nil {
		resp.Error = err.Error()
	}
	httputil.WriteJSONOK(w, resp)
}

type reportResponse struct {
	*db.SessionReport
	MeanMovingSpeed float64 `json:"mean_moving_speed"`
	SpeedUnits      string  `json:"speed_units"`
}

// handleReport serves the session summary. ?units= picks the speed unit and
// ?download=1 serves it as an attachment.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	id := r.PathValue("id")
	speedUnits, ok := s.unitsParam(w, r)
	if !ok {
		return
	}

	report, err := s.db.SessionReport(r.Context(), id)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to build report: %v", err))
		return
	}
	if report.PointCount == 0 && report.StopCount == 0 && report.MoveDistanceKm == 0 {
		httputil.NotFound(w, "no data for session")
		return
	}

	if r.URL.Query().Get("download") == "1" {
		filename := "fieldtrack_report_" + security.SanitizeFilename(id) + ".json"
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	}
	httputil.WriteJSONOK(w, reportResponse{
		SessionReport:   report,
		MeanMovingSpeed: units.ConvertSpeed(report.MeanMovingSpeed, speedUnits),
		SpeedUnits:      speedUnits,
	})
}

// handlePointsCSV exports every queued point of a session.
func (s *Server) handlePointsCSV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	id := r.PathValue("id")
	speedUnits, ok := s.unitsParam(w, r)
	if !ok {
		return
	}

	points, err := s.db.GetBySession(r.Context(), id)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to load points: %v", err))
		return
	}
	if len(points) == 0 {
		httputil.NotFound(w, "no points for session")
		return
	}

	filename := "fieldtrack_points_" + security.SanitizeFilename(id) + ".csv"
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	cw := csv.NewWriter(w)
	cw.Write([]string{"id", "recorded_at", "latitude", "longitude", "accuracy_m", "speed_" + speedUnits, "moving", "uploaded"})
	for _, p := range points {
		cw.Write([]string{
			p.ID,
			p.RecordedAt.UTC().Format(time.RFC3339),
			strconv.FormatFloat(p.Latitude, 'f', 7, 64),
			strconv.FormatFloat(p.Longitude, 'f', 7, 64),
			strconv.FormatFloat(p.AccuracyM, 'f', 1, 64),
			strconv.FormatFloat(units.ConvertSpeed(p.SpeedMps, speedUnits), 'f', 2, 64),
			strconv.FormatBool(p.Moving),
			strconv.FormatBool(p.Uploaded),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		monitoring.Logf("points csv for %s: %v", id, err)
	}
}

func (s *Server) unitsParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	u := r.URL.Query().Get("units")
	if u == "" {
		return s.units, true
	}
	if !units.IsValid(u) {
		httputil.BadRequest(w, fmt.Sprintf("Invalid 'units' parameter; use one of %v", units.ValidUnits))
		return "", false
	}
	return u, true
}
