package tracking

import (
	"time"

	"github.com/banshee-data/fieldtrack/internal/config"
	"github.com/banshee-data/fieldtrack/internal/geo"
	"github.com/banshee-data/fieldtrack/internal/units"
)

// RejectReason explains why the filter discarded a fix.
type RejectReason string

const (
	RejectInvalid     RejectReason = "invalid_coordinate"
	RejectLowAccuracy RejectReason = "low_accuracy"
	RejectOutOfOrder  RejectReason = "out_of_order"
	RejectTooSoon     RejectReason = "too_soon"
	RejectTeleport    RejectReason = "teleport"
)

// FilterConfig holds the sample filter thresholds.
type FilterConfig struct {
	MaxAccuracyM  float64
	MinInterval   time.Duration
	MaxSpeedKmh   float64
	BikeSpeedMps  float64
	BikeDistanceM float64
	CarDistanceM  float64
	// StationaryStreak consecutive stationary candidates flip moving off.
	StationaryStreak int
	// StationaryForwardEvery (K) queues one in K fixes while not moving.
	StationaryForwardEvery int
}

// DefaultFilterConfig returns the filter thresholds used when no config
// file is supplied.
func DefaultFilterConfig() FilterConfig {
	return FilterConfigFromTracking(config.EmptyTrackingConfig())
}

// FilterConfigFromTracking builds a FilterConfig from the tracking config.
func FilterConfigFromTracking(cfg *config.TrackingConfig) FilterConfig {
	return FilterConfig{
		MaxAccuracyM:           cfg.GetMaxAccuracyM(),
		MinInterval:            cfg.GetMinInterval(),
		MaxSpeedKmh:            cfg.GetMaxSpeedKmh(),
		BikeSpeedMps:           cfg.GetBikeSpeedMps(),
		BikeDistanceM:          cfg.GetBikeDistanceM(),
		CarDistanceM:           cfg.GetCarDistanceM(),
		StationaryStreak:       cfg.GetStationaryStreak(),
		StationaryForwardEvery: cfg.GetStationaryForwardEvery(),
	}
}

// FilterState is the part of the filter that survives a worker restart.
type FilterState struct {
	Last   *RawFix `json:"last,omitempty"`
	Moving bool    `json:"moving"`
	Streak int     `json:"streak"`
	// StreakOrigin is the accepted fix the current stationary streak is
	// measured from.
	StreakOrigin   *RawFix `json:"streak_origin,omitempty"`
	StationarySeen int     `json:"stationary_seen"`
	AcceptedCount  int64   `json:"accepted_count"`
	RejectedCount  int64   `json:"rejected_count"`
}

// Result is the outcome of one Accept call. When Accepted is false only
// Reason is set.
type Result struct {
	Accepted bool
	Reason   RejectReason

	Fix RawFix
	// DeltaM is the distance credited to the session for this fix.
	DeltaM float64
	// Moving is the filter's movement flag after this fix.
	Moving bool
	// Stationary is true when the fix moved less than the mode threshold.
	Stationary bool
	// Forward is false for stationary fixes thinned out of the queue.
	Forward      bool
	StreakOrigin RawFix
}

// Filter applies the acceptance rules to raw fixes, in order: accuracy,
// first fix, minimum interval, implied speed, then the distance threshold
// for the reported speed mode.
type Filter struct {
	cfg   FilterConfig
	state FilterState
}

// NewFilter creates a filter resuming from state.
func NewFilter(cfg FilterConfig, state FilterState) *Filter {
	if cfg.StationaryStreak < 1 {
		cfg.StationaryStreak = 1
	}
	if cfg.StationaryForwardEvery < 1 {
		cfg.StationaryForwardEvery = 1
	}
	return &Filter{cfg: cfg, state: state}
}

// State returns a copy of the filter state for checkpointing.
func (f *Filter) State() FilterState {
	s := f.state
	if s.Last != nil {
		last := *s.Last
		s.Last = &last
	}
	if s.StreakOrigin != nil {
		origin := *s.StreakOrigin
		s.StreakOrigin = &origin
	}
	return s
}

// Moving reports the current movement flag.
func (f *Filter) Moving() bool { return f.state.Moving }

func (f *Filter) reject(reason RejectReason) Result {
	f.state.RejectedCount++
	return Result{Reason: reason}
}

// Accept runs one fix through the filter. Rejected fixes leave the state
// untouched apart from the rejection counter.
func (f *Filter) Accept(fix RawFix) Result {
	if !geo.ValidCoordinate(fix.Latitude, fix.Longitude) {
		return f.reject(RejectInvalid)
	}
	if fix.AccuracyM > f.cfg.MaxAccuracyM {
		return f.reject(RejectLowAccuracy)
	}

	last := f.state.Last
	if last == nil {
		origin := fix
		f.state.Last = &origin
		f.state.Moving = false
		f.state.Streak = 0
		f.state.StreakOrigin = &origin
		f.state.StationarySeen = 0
		f.state.AcceptedCount++
		return Result{
			Accepted:     true,
			Fix:          fix,
			Moving:       false,
			Forward:      true,
			StreakOrigin: fix,
		}
	}

	dt := fix.Time.Sub(last.Time)
	if dt <= 0 {
		return f.reject(RejectOutOfOrder)
	}
	if !fix.Heartbeat && dt < f.cfg.MinInterval {
		return f.reject(RejectTooSoon)
	}

	d := geo.DistanceMeters(last.Latitude, last.Longitude, fix.Latitude, fix.Longitude)
	if units.MPSToKPH(d/dt.Seconds()) > f.cfg.MaxSpeedKmh {
		return f.reject(RejectTeleport)
	}

	threshold := f.cfg.BikeDistanceM
	if fix.SpeedMps > f.cfg.BikeSpeedMps {
		threshold = f.cfg.CarDistanceM
	}

	res := Result{Accepted: true, Fix: fix}
	if d < threshold {
		if f.state.Streak == 0 {
			origin := *last
			f.state.StreakOrigin = &origin
		}
		f.state.Streak++
		if f.state.Streak >= f.cfg.StationaryStreak {
			f.state.Moving = false
		}
		res.Stationary = true
		if f.state.Moving {
			res.Forward = true
		} else {
			f.state.StationarySeen++
			res.Forward = f.state.StationarySeen%f.cfg.StationaryForwardEvery == 0
		}
	} else {
		f.state.Streak = 0
		f.state.StreakOrigin = nil
		f.state.StationarySeen = 0
		f.state.Moving = true
		res.DeltaM = d
		res.Forward = true
	}
	if fix.Heartbeat {
		res.Forward = true
	}

	res.Moving = f.state.Moving
	if f.state.StreakOrigin != nil {
		res.StreakOrigin = *f.state.StreakOrigin
	} else {
		res.StreakOrigin = fix
	}

	accepted := fix
	f.state.Last = &accepted
	f.state.AcceptedCount++
	return res
}
