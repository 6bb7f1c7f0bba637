// Package diag collects structured diagnostic events from the matching
// engine and mirrors them to a zerolog logger. No event is silently
// swallowed: everything emitted is both logged and retained for inspection
// after the run.
package diag

import "github.com/rs/zerolog"

// Event kinds.
const (
	KindInvariantViolation = "invariant_violation"
	KindLoadError          = "load_error"
	KindCancelled          = "cancelled"
)

// Event is one structured diagnostic: what happened, and which entity pair
// it concerns. Addresses are zero when the event is not pair-specific.
type Event struct {
	Kind      string
	Primary   uint64
	Secondary uint64
	Message   string
}

// Sink receives events from one matching context. A sink belongs to a single
// worker and needs no locking.
type Sink struct {
	log    zerolog.Logger
	events []Event
}

// NewSink returns a sink that mirrors events to log.
func NewSink(log zerolog.Logger) *Sink {
	return &Sink{log: log}
}

// Emit records an event and logs it.
func (s *Sink) Emit(kind string, primary, secondary uint64, message string) {
	s.events = append(s.events, Event{Kind: kind, Primary: primary, Secondary: secondary, Message: message})
	ev := s.log.Warn().Str("kind", kind).Str("message", message)
	if primary != 0 {
		ev = ev.Uint64("primary", primary)
	}
	if secondary != 0 {
		ev = ev.Uint64("secondary", secondary)
	}
	ev.Msg("diagnostic")
}

// Events returns everything emitted so far, in order.
func (s *Sink) Events() []Event { return s.events }

// Count returns the number of events of one kind.
func (s *Sink) Count(kind string) int {
	n := 0
	for _, e := range s.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
