package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/fieldtrack/internal/geo"
	"github.com/banshee-data/fieldtrack/internal/httputil"
	"github.com/banshee-data/fieldtrack/internal/timeline"
	"github.com/banshee-data/fieldtrack/internal/tracking"
	"github.com/banshee-data/fieldtrack/internal/units"
)

const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// AttachAdminRoutes mounts the debug charts under /debug/.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("distance", "Distance and speed chart for a session (?session_id=, default current)", s.handleDistanceChart)
}

// distanceSeries walks the queued points of a session and accumulates the
// distance between consecutive moving points.
func distanceSeries(points []tracking.LocationPoint, speedUnits string) (x []string, km, speed []opts.LineData) {
	var total float64
	for i, p := range points {
		if i > 0 && p.Moving {
			prev := points[i-1]
			total += geo.DistanceMeters(prev.Latitude, prev.Longitude, p.Latitude, p.Longitude)
		}
		x = append(x, p.RecordedAt.UTC().Format("15:04:05"))
		km = append(km, opts.LineData{Value: units.MetersToKm(total)})
		speed = append(speed, opts.LineData{Value: units.ConvertSpeed(p.SpeedMps, speedUnits)})
	}
	return x, km, speed
}

func (s *Server) handleDistanceChart(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	if id == "" {
		if st := s.sessions.State(); st.Session != nil {
			id = st.Session.ID
		}
	}
	if id == "" {
		httputil.NotFound(w, "no session_id given and no current session")
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
	events, err := s.db.TimelineBySession(r.Context(), id)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to load timeline: %v", err))
		return
	}

	x, km, speed := distanceSeries(points, s.units)
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Session distance", Width: "100%", Height: "520px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Distance", Subtitle: fmt.Sprintf("session=%s points=%d", id, len(points))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(x).
		AddSeries("distance (km)", km, charts.WithLineChartOpts(opts.LineChart{Step: "end"})).
		AddSeries("speed ("+s.units+")", speed, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))

	labels := make([]string, 0, len(events))
	minutes := make([]opts.BarData, 0, len(events))
	for _, e := range events {
		if e.Type != timeline.EventMove && e.Type != timeline.EventStop {
			continue
		}
		labels = append(labels, fmt.Sprintf("%s %s", e.Type, e.StartTime.UTC().Format("15:04")))
		minutes = append(minutes, opts.BarData{Value: e.Duration().Round(time.Second).Minutes()})
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Timeline", Subtitle: "minutes per move/stop"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(labels).AddSeries("minutes", minutes)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsHost)
	page.AddCharts(line, bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
