package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fieldtrack/internal/geo"
	"github.com/banshee-data/fieldtrack/internal/timeline"
	"github.com/banshee-data/fieldtrack/internal/tracking"
	"github.com/banshee-data/fieldtrack/internal/units"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func at(north float64, seconds int, speed float64) tracking.RawFix {
	lat, lon := geo.Offset(52.52, 13.405, 0, north)
	return tracking.RawFix{
		Latitude:  lat,
		Longitude: lon,
		AccuracyM: 6,
		SpeedMps:  speed,
		Time:      t0.Add(time.Duration(seconds) * time.Second),
	}
}

// moveStopMove drives 500m north, idles for seven minutes, then drives
// another 300m.
func moveStopMove() []tracking.RawFix {
	fixes := []tracking.RawFix{at(0, 0, 10)}
	for i := 1; i <= 5; i++ {
		fixes = append(fixes, at(float64(i*100), i*10, 10))
	}
	for i := 0; i < 14; i++ {
		fixes = append(fixes, at(500+float64((i+2)%3), 80+i*30, 0))
	}
	return append(fixes, at(600, 480, 10), at(700, 490, 10), at(800, 500, 10))
}

func eventTypes(events []timeline.Event) []timeline.EventType {
	out := make([]timeline.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestReplay_MoveStopMove(t *testing.T) {
	r := replay(moveStopMove(), tracking.DefaultFilterConfig(), timeline.DefaultConfig())

	assert.Equal(t, 22, r.Fixes)
	assert.Empty(t, r.Error)
	require.Equal(t, []timeline.EventType{
		timeline.EventStart, timeline.EventMove, timeline.EventStop, timeline.EventMove, timeline.EventEnd,
	}, eventTypes(r.Events))
	assert.InDelta(t, 0.8, r.DistanceKm, 0.001)
	assert.Equal(t, t0.Add(50*time.Second), r.Events[2].StartTime)
	assert.LessOrEqual(t, r.Queued, r.Accepted)
}

func TestReplay_CountsRejections(t *testing.T) {
	fixes := []tracking.RawFix{
		at(0, 0, 10),
		at(100, 10, 10),
		{Latitude: 91, Longitude: 0, AccuracyM: 5, Time: t0.Add(15 * time.Second)},
		func() tracking.RawFix { f := at(150, 20, 10); f.AccuracyM = 500; return f }(),
		at(200, 30, 10),
	}
	r := replay(fixes, tracking.DefaultFilterConfig(), timeline.DefaultConfig())

	assert.Equal(t, 3, r.Accepted)
	assert.Equal(t, 1, r.Rejected[tracking.RejectInvalid])
	assert.Equal(t, 1, r.Rejected[tracking.RejectLowAccuracy])
	assert.InDelta(t, 0.2, r.DistanceKm, 0.001)
}

func TestReplay_Empty(t *testing.T) {
	r := replay(nil, tracking.DefaultFilterConfig(), timeline.DefaultConfig())
	assert.Zero(t, r.Fixes)
	assert.Empty(t, r.Events)
}

func TestPrintReport(t *testing.T) {
	r := replay(moveStopMove(), tracking.DefaultFilterConfig(), timeline.DefaultConfig())
	r.Rejected[tracking.RejectTooSoon] = 2

	var buf bytes.Buffer
	printReport(&buf, r, units.KPH)
	out := buf.String()

	assert.Contains(t, out, "distance: 0.800 km")
	assert.Contains(t, out, "rejected: too_soon=2")
	assert.Contains(t, out, "TYPE")
	// 500m in 50s is 36 km/h.
	assert.Contains(t, out, "36.0 kph")
	assert.Equal(t, 3+len(r.Events), strings.Count(out, "\n"))
	assert.NotContains(t, out, "timeline invalid")
}
