package tracking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fieldtrack/internal/geo"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

const baseLat, baseLon = -6.2088, 106.8456

// fixAt returns a fix metresNorth of the base point, seconds after t0.
func fixAt(metresNorth float64, seconds int, speed float64) RawFix {
	lat, lon := geo.Offset(baseLat, baseLon, 0, metresNorth)
	return RawFix{
		Latitude:  lat,
		Longitude: lon,
		AccuracyM: 5,
		SpeedMps:  speed,
		Time:      t0.Add(time.Duration(seconds) * time.Second),
	}
}

func newTestFilter() *Filter {
	return NewFilter(DefaultFilterConfig(), FilterState{})
}

func TestFilter_FirstFixAccepted(t *testing.T) {
	f := newTestFilter()
	res := f.Accept(fixAt(0, 0, 0))

	require.True(t, res.Accepted)
	assert.Zero(t, res.DeltaM)
	assert.False(t, res.Moving)
	assert.True(t, res.Forward)
	assert.Equal(t, res.Fix, res.StreakOrigin)
}

func TestFilter_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		fix    RawFix
		reason RejectReason
	}{
		{"low accuracy", func() RawFix { f := fixAt(100, 30, 3); f.AccuracyM = 80; return f }(), RejectLowAccuracy},
		{"too soon", fixAt(100, 3, 10), RejectTooSoon},
		{"teleport", fixAt(1200, 10, 10), RejectTeleport},
		{"out of order", fixAt(100, -10, 10), RejectOutOfOrder},
		{"invalid", RawFix{Latitude: 120, Longitude: 0, Time: t0.Add(time.Minute)}, RejectInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFilter()
			require.True(t, f.Accept(fixAt(0, 0, 0)).Accepted)
			before := f.State()

			res := f.Accept(tt.fix)
			assert.False(t, res.Accepted)
			assert.Equal(t, tt.reason, res.Reason)

			after := f.State()
			assert.Equal(t, before.Last, after.Last, "rejected fix must not move the anchor")
			assert.Equal(t, before.Moving, after.Moving)
			assert.Equal(t, before.RejectedCount+1, after.RejectedCount)
		})
	}
}

func TestFilter_LowAccuracyFirstFixRejected(t *testing.T) {
	f := newTestFilter()
	fix := fixAt(0, 0, 0)
	fix.AccuracyM = 80

	res := f.Accept(fix)
	assert.False(t, res.Accepted)
	assert.Nil(t, f.State().Last)
}

func TestFilter_HeartbeatBypassesMinInterval(t *testing.T) {
	f := newTestFilter()
	f.Accept(fixAt(0, 0, 0))

	hb := fixAt(2, 3, 0)
	hb.Heartbeat = true
	res := f.Accept(hb)

	require.True(t, res.Accepted)
	assert.True(t, res.Forward)
}

func TestFilter_ModeThresholds(t *testing.T) {
	tests := []struct {
		name       string
		moved      float64
		speed      float64
		stationary bool
	}{
		{"bike below threshold", 15, 2, true},
		{"bike above threshold", 25, 2, false},
		{"car below threshold", 50, 10, true},
		{"car above threshold", 70, 10, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFilter()
			f.Accept(fixAt(0, 0, 0))

			res := f.Accept(fixAt(tt.moved, 10, tt.speed))
			require.True(t, res.Accepted)
			assert.Equal(t, tt.stationary, res.Stationary)
			if tt.stationary {
				assert.Zero(t, res.DeltaM)
			} else {
				assert.InDelta(t, tt.moved, res.DeltaM, 0.01)
				assert.True(t, res.Moving)
			}
		})
	}
}

func TestFilter_StationaryStreak(t *testing.T) {
	f := newTestFilter()
	f.Accept(fixAt(0, 0, 0))
	moving := f.Accept(fixAt(100, 10, 10))
	require.True(t, moving.Moving)

	// Two stationary candidates keep the previous moving flag.
	r1 := f.Accept(fixAt(105, 20, 0))
	r2 := f.Accept(fixAt(108, 30, 0))
	assert.True(t, r1.Stationary && r1.Moving)
	assert.True(t, r2.Stationary && r2.Moving)

	// The third flips it off.
	r3 := f.Accept(fixAt(110, 40, 0))
	assert.False(t, r3.Moving)
	assert.Equal(t, moving.Fix, r3.StreakOrigin, "streak measured from the last moving fix")

	// Movement resets the streak.
	r4 := f.Accept(fixAt(200, 50, 10))
	assert.True(t, r4.Moving)
	assert.Equal(t, 0, f.State().Streak)
}

func TestFilter_StationaryForwardThinning(t *testing.T) {
	cfg := DefaultFilterConfig()
	cfg.StationaryForwardEvery = 3
	f := NewFilter(cfg, FilterState{})

	f.Accept(fixAt(0, 0, 0))
	var forwarded int
	for i := 1; i <= 9; i++ {
		res := f.Accept(fixAt(float64(i%2), i*10, 0))
		require.True(t, res.Accepted)
		assert.False(t, res.Moving)
		if res.Forward {
			forwarded++
		}
	}
	assert.Equal(t, 3, forwarded)
	assert.Equal(t, int64(10), f.State().AcceptedCount)
}

func TestFilter_ResumeFromState(t *testing.T) {
	f := newTestFilter()
	f.Accept(fixAt(0, 0, 0))
	f.Accept(fixAt(100, 10, 10))

	resumed := NewFilter(DefaultFilterConfig(), f.State())
	res := resumed.Accept(fixAt(103, 12, 10))
	assert.False(t, res.Accepted, "min interval measured from the checkpointed fix")
	assert.Equal(t, RejectTooSoon, res.Reason)

	res = resumed.Accept(fixAt(200, 20, 10))
	require.True(t, res.Accepted)
	assert.InDelta(t, 100, res.DeltaM, 0.01)
}

func TestAccumulator(t *testing.T) {
	a := NewAccumulator(1500)
	a.Add(250)
	a.Add(-40)
	a.Add(0)

	assert.InDelta(t, 1750, a.Meters(), 1e-9)
	assert.InDelta(t, 1.75, a.TotalKm(), 1e-12)
}

func TestAccumulator_MonotonicOverFilter(t *testing.T) {
	f := newTestFilter()
	acc := NewAccumulator(0)
	prev := 0.0

	for i := 0; i < 40; i++ {
		north := float64((i * 37) % 90)
		res := f.Accept(fixAt(north, i*10, float64(i%12)))
		if res.Accepted && res.Moving {
			acc.Add(res.DeltaM)
		}
		require.GreaterOrEqual(t, acc.Meters(), prev)
		prev = acc.Meters()
	}
}
