package timeline

import (
	"fmt"
	"sort"
)

// Log materialises a change stream into the current list of events.
type Log struct {
	events []Event
	index  map[string]int
}

// NewLog returns an empty Log.
func NewLog() *Log {
	return &Log{index: make(map[string]int)}
}

// Apply records created events and replaces updated ones by ID.
func (l *Log) Apply(changes ...Change) {
	for _, c := range changes {
		if i, ok := l.index[c.Event.ID]; ok {
			l.events[i] = c.Event
			continue
		}
		l.index[c.Event.ID] = len(l.events)
		l.events = append(l.events, c.Event)
	}
}

// Events returns the events ordered by start time. Instants sort before
// spans starting at the same time, except end events which sort last.
func (l *Log) Events() []Event {
	out := append([]Event(nil), l.events...)
	SortEvents(out)
	return out
}

// SortEvents orders events chronologically.
func SortEvents(events []Event) {
	rank := func(e Event) int {
		switch e.Type {
		case EventStart:
			return 0
		case EventEnd:
			return 2
		default:
			return 1
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].StartTime.Equal(events[j].StartTime) {
			return events[i].StartTime.Before(events[j].StartTime)
		}
		return rank(events[i]) < rank(events[j])
	})
}

// Validate checks that sorted events partition the session: every event
// has start <= end, each span starts where the previous one ended, and at
// most one stop is open.
func Validate(events []Event) error {
	open := 0
	var cursor *Event
	for i := range events {
		e := events[i]
		if e.EndTime.Before(e.StartTime) {
			return fmt.Errorf("event %s (%s) ends before it starts", e.ID, e.Type)
		}
		if e.Open {
			open++
		}
		if cursor != nil && !e.StartTime.Equal(cursor.EndTime) {
			return fmt.Errorf("event %s (%s) starts at %s, previous ended at %s",
				e.ID, e.Type, e.StartTime.Format("15:04:05"), cursor.EndTime.Format("15:04:05"))
		}
		cursor = &events[i]
	}
	if open > 1 {
		return fmt.Errorf("%d open stops", open)
	}
	return nil
}
