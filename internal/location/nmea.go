package location

import (
	"context"
	"sync"
	"time"

	"github.com/adrianmo/go-nmea"

	"github.com/banshee-data/fieldtrack/internal/monitoring"
	"github.com/banshee-data/fieldtrack/internal/serialmux"
	"github.com/banshee-data/fieldtrack/internal/timeutil"
	"github.com/banshee-data/fieldtrack/internal/tracking"
	"github.com/banshee-data/fieldtrack/internal/units"
)

const (
	// uereM converts HDOP to an approximate horizontal accuracy.
	uereM = 5.0
	// unknownAccuracyM is reported until a GGA sentence supplies HDOP.
	unknownAccuracyM = 30.0
)

// NMEASource reads fixes from an NMEA 0183 receiver behind a serial mux.
// A fix is produced for every valid RMC sentence, using HDOP and altitude
// from the most recent GGA.
type NMEASource struct {
	mux    serialmux.Mux
	maxAge time.Duration
	clock  timeutil.Clock
	hub    *hub
	log    monitoring.Logger

	mu       sync.Mutex
	hdop     float64
	altitude float64
	haveGGA  bool
	stopped  bool
}

// NewNMEASource builds a source over mux. Current waits up to maxAge for a
// fix.
func NewNMEASource(mux serialmux.Mux, clock timeutil.Clock, maxAge time.Duration) *NMEASource {
	log := monitoring.Component("nmea")
	return &NMEASource{
		mux:    mux,
		maxAge: maxAge,
		clock:  clock,
		hub:    newHub(clock, log),
		log:    log,
	}
}

// Run consumes the mux until ctx is done or the mux stops producing lines.
// Either way all subscriptions end.
func (s *NMEASource) Run(ctx context.Context) error {
	id, lines := s.mux.Subscribe()
	defer func() {
		s.mux.Unsubscribe(id)
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.hub.close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				s.log.Printf("receiver stream closed")
				return ErrServiceDisabled
			}
			if fix, ok := s.handleLine(line); ok {
				s.hub.publish(fix)
			}
		}
	}
}

// handleLine parses one sentence. It reports a fix for valid RMC sentences.
func (s *NMEASource) handleLine(line string) (tracking.RawFix, bool) {
	sentence, err := nmea.Parse(line)
	if err != nil {
		// Receivers emit proprietary and partial sentences routinely.
		return tracking.RawFix{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch m := sentence.(type) {
	case nmea.GGA:
		if m.FixQuality == nmea.Invalid {
			s.haveGGA = false
			return tracking.RawFix{}, false
		}
		s.hdop = m.HDOP
		s.altitude = m.Altitude
		s.haveGGA = true

	case nmea.RMC:
		if m.Validity != nmea.ValidRMC {
			return tracking.RawFix{}, false
		}
		fix := tracking.RawFix{
			Latitude:  m.Latitude,
			Longitude: m.Longitude,
			AccuracyM: unknownAccuracyM,
			SpeedMps:  units.KnotsToMPS(m.Speed),
			Time:      s.fixTime(m.Date, m.Time),
		}
		course := m.Course
		fix.Heading = &course
		if s.haveGGA {
			fix.AccuracyM = s.hdop * uereM
			alt := s.altitude
			fix.Altitude = &alt
		}
		return fix, true
	}
	return tracking.RawFix{}, false
}

func (s *NMEASource) fixTime(d nmea.Date, t nmea.Time) time.Time {
	if !d.Valid || !t.Valid {
		return s.clock.Now().UTC()
	}
	year := 2000 + d.YY
	if d.YY >= 80 {
		year = 1900 + d.YY
	}
	return time.Date(year, time.Month(d.MM), d.DD,
		t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC)
}

func (s *NMEASource) Check(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrServiceDisabled
	}
	return nil
}

func (s *NMEASource) Subscribe(ctx context.Context, opts Options) (<-chan tracking.RawFix, error) {
	return s.hub.subscribe(ctx, opts)
}

func (s *NMEASource) Current(ctx context.Context) (tracking.RawFix, error) {
	return s.hub.current(ctx, s.maxAge)
}
