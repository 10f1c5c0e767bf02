package timeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/fieldtrack/internal/geo"
	"github.com/banshee-data/fieldtrack/internal/tracking"
)

var newID = uuid.NewString

// Position is a timestamped coordinate.
type Position struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Time      time.Time `json:"time"`
}

func positionOf(fix tracking.RawFix) Position {
	return Position{Latitude: fix.Latitude, Longitude: fix.Longitude, Time: fix.Time}
}

// segment is the segmenter's implicit state: exactly one of *MoveSegment,
// *StopCandidate or *OpenStop.
type segment interface {
	segmentKind() string
}

// MoveSegment is a move that has not been closed yet.
type MoveSegment struct {
	Start     Position `json:"start"`
	DistanceM float64  `json:"distance_m"`
	Points    int      `json:"points"`
}

// StopCandidate is a possible stop that has not lasted long enough yet.
// Radius and duration are always measured from Anchor.
type StopCandidate struct {
	Anchor        Position    `json:"anchor"`
	LastInRadius  Position    `json:"last_in_radius"`
	HeldDistanceM float64     `json:"held_distance_m"`
	Points        int         `json:"points"`
	Move          MoveSegment `json:"move"`
}

// OpenStop is a confirmed stop still being extended.
type OpenStop struct {
	Event Event `json:"event"`
}

func (*MoveSegment) segmentKind() string   { return "move" }
func (*StopCandidate) segmentKind() string { return "stop_candidate" }
func (*OpenStop) segmentKind() string      { return "stop" }

// State is the serialisable form of a Segmenter. At most one of Move,
// Candidate and Stop is set; none means no session is in progress.
type State struct {
	SessionID  string         `json:"session_id,omitempty"`
	EmployeeID string         `json:"employee_id,omitempty"`
	LastTime   time.Time      `json:"last_time"`
	Move       *MoveSegment   `json:"move,omitempty"`
	Candidate  *StopCandidate `json:"candidate,omitempty"`
	Stop       *OpenStop      `json:"stop,omitempty"`
}

// Segmenter classifies accepted fixes into moves and stops.
type Segmenter struct {
	cfg        Config
	sessionID  string
	employeeID string
	lastTime   time.Time
	seg        segment
}

// NewSegmenter returns an idle segmenter.
func NewSegmenter(cfg Config) *Segmenter {
	return &Segmenter{cfg: cfg}
}

// Restore rebuilds a segmenter from a checkpointed State.
func Restore(cfg Config, st State) (*Segmenter, error) {
	s := &Segmenter{cfg: cfg, sessionID: st.SessionID, employeeID: st.EmployeeID, lastTime: st.LastTime}
	set := 0
	if st.Move != nil {
		m := *st.Move
		s.seg = &m
		set++
	}
	if st.Candidate != nil {
		c := *st.Candidate
		s.seg = &c
		set++
	}
	if st.Stop != nil {
		o := *st.Stop
		s.seg = &o
		set++
	}
	if set > 1 {
		return nil, fmt.Errorf("timeline state has %d segments set", set)
	}
	return s, nil
}

// State snapshots the segmenter for checkpointing.
func (s *Segmenter) State() State {
	st := State{SessionID: s.sessionID, EmployeeID: s.employeeID, LastTime: s.lastTime}
	switch seg := s.seg.(type) {
	case *MoveSegment:
		m := *seg
		st.Move = &m
	case *StopCandidate:
		c := *seg
		st.Candidate = &c
	case *OpenStop:
		o := *seg
		st.Stop = &o
	}
	return st
}

// Active reports whether a session is being segmented.
func (s *Segmenter) Active() bool { return s.seg != nil }

// Phase names the current segment kind, or "" when idle.
func (s *Segmenter) Phase() string {
	if s.seg == nil {
		return ""
	}
	return s.seg.segmentKind()
}

// Begin emits the start event and opens the first move.
func (s *Segmenter) Begin(sessionID, employeeID string, origin tracking.RawFix) []Change {
	pos := positionOf(origin)
	s.sessionID = sessionID
	s.employeeID = employeeID
	s.lastTime = pos.Time
	s.seg = &MoveSegment{Start: pos}

	return []Change{{Kind: ChangeCreated, Event: s.event(EventStart, pos, pos.Time)}}
}

// Observe folds one filter result into the timeline. Rejected fixes are
// ignored.
func (s *Segmenter) Observe(res tracking.Result) []Change {
	if !res.Accepted || s.seg == nil {
		return nil
	}
	pos := positionOf(res.Fix)
	if pos.Time.After(s.lastTime) {
		s.lastTime = pos.Time
	}

	switch seg := s.seg.(type) {
	case *MoveSegment:
		seg.DistanceM += res.DeltaM
		seg.Points++
		return s.maybeBeginStop(seg, res)

	case *StopCandidate:
		if s.within(seg.Anchor, pos) {
			seg.LastInRadius = pos
			seg.HeldDistanceM += res.DeltaM
			seg.Points++
			return s.maybeConfirm(seg)
		}
		// Left the radius too early: the candidate was part of the move.
		move := seg.Move
		move.DistanceM += seg.HeldDistanceM + res.DeltaM
		move.Points += seg.Points + 1
		s.seg = &move
		return s.maybeBeginStop(&move, res)

	case *OpenStop:
		anchor := Position{Latitude: seg.Event.Latitude, Longitude: seg.Event.Longitude}
		if s.within(anchor, pos) {
			seg.Event.EndTime = pos.Time
			seg.Event.PointCount++
			return []Change{{Kind: ChangeUpdated, Event: seg.Event}}
		}
		closed := seg.Event
		closed.Open = false
		move := &MoveSegment{
			Start:     Position{Latitude: closed.Latitude, Longitude: closed.Longitude, Time: closed.EndTime},
			DistanceM: res.DeltaM,
			Points:    1,
		}
		s.seg = move
		changes := []Change{{Kind: ChangeUpdated, Event: closed}}
		return append(changes, s.maybeBeginStop(move, res)...)
	}
	return nil
}

// End finalises the timeline at the given fix: closes whatever segment is
// in progress so it reaches the end time, then emits the end event.
func (s *Segmenter) End(at tracking.RawFix) []Change {
	if s.seg == nil {
		return nil
	}
	end := positionOf(at)
	if end.Time.Before(s.lastTime) {
		end.Time = s.lastTime
	}

	var changes []Change
	switch seg := s.seg.(type) {
	case *MoveSegment:
		changes = append(changes, s.closeMove(*seg, end.Time)...)

	case *StopCandidate:
		if end.Time.Sub(seg.Anchor.Time) >= s.cfg.StopMinDuration {
			changes = append(changes, s.closeMove(seg.Move, seg.Anchor.Time)...)
			stop := s.event(EventStop, seg.Anchor, end.Time)
			stop.PointCount = seg.Points + 1
			changes = append(changes, Change{Kind: ChangeCreated, Event: stop})
		} else {
			move := seg.Move
			move.DistanceM += seg.HeldDistanceM
			move.Points += seg.Points
			changes = append(changes, s.closeMove(move, end.Time)...)
		}

	case *OpenStop:
		ev := seg.Event
		ev.EndTime = end.Time
		ev.Open = false
		changes = append(changes, Change{Kind: ChangeUpdated, Event: ev})
	}

	changes = append(changes, Change{Kind: ChangeCreated, Event: s.event(EventEnd, end, end.Time)})
	s.seg = nil
	return changes
}

func (s *Segmenter) maybeBeginStop(move *MoveSegment, res tracking.Result) []Change {
	if res.Moving {
		return nil
	}
	pos := positionOf(res.Fix)
	anchor := positionOf(res.StreakOrigin)
	if anchor.Time.IsZero() || anchor.Time.Before(move.Start.Time) {
		anchor = move.Start
	}
	// A slow drift keeps the filter's streak origin pinned where the drift
	// began; once that is out of reach the candidate starts at this fix.
	if !s.within(anchor, pos) {
		anchor = pos
	}
	cand := &StopCandidate{
		Anchor:       anchor,
		LastInRadius: pos,
		Move:         *move,
	}
	s.seg = cand
	return s.maybeConfirm(cand)
}

func (s *Segmenter) maybeConfirm(c *StopCandidate) []Change {
	if c.LastInRadius.Time.Sub(c.Anchor.Time) < s.cfg.StopMinDuration {
		return nil
	}
	changes := s.closeMove(c.Move, c.Anchor.Time)

	stop := s.event(EventStop, c.Anchor, c.LastInRadius.Time)
	stop.Open = true
	stop.PointCount = c.Points + 1
	s.seg = &OpenStop{Event: stop}
	return append(changes, Change{Kind: ChangeCreated, Event: stop})
}

// closeMove emits a move ending at end unless it has no duration.
func (s *Segmenter) closeMove(m MoveSegment, end time.Time) []Change {
	if !end.After(m.Start.Time) {
		return nil
	}
	ev := s.event(EventMove, m.Start, end)
	ev.DistanceKm = m.DistanceM / 1000
	ev.PointCount = m.Points
	return []Change{{Kind: ChangeCreated, Event: ev}}
}

func (s *Segmenter) event(typ EventType, at Position, end time.Time) Event {
	return Event{
		ID:         newID(),
		SessionID:  s.sessionID,
		EmployeeID: s.employeeID,
		Type:       typ,
		StartTime:  at.Time,
		EndTime:    end,
		Latitude:   at.Latitude,
		Longitude:  at.Longitude,
	}
}

func (s *Segmenter) within(anchor, p Position) bool {
	return geo.DistanceMeters(anchor.Latitude, anchor.Longitude, p.Latitude, p.Longitude) <= s.cfg.StopRadiusM
}
