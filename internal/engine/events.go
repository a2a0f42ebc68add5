package engine

import "time"

// EventKind classifies notification events.
type EventKind string

const (
	EventPhaseChange EventKind = "phase_change"
	EventSeqFinished EventKind = "sequence_finished"
	EventSeqFailed   EventKind = "sequence_failed"
)

// Event is published on the engine's notification channel for the serving
// front end: phase transitions and per-sequence completions.
type Event struct {
	Kind  EventKind `json:"kind"`
	Phase string    `json:"phase,omitempty"`
	SeqID string    `json:"sequence_id,omitempty"`
	Error string    `json:"error,omitempty"`
	Time  time.Time `json:"time"`
}

func (e *Engine) publish(ev Event) {
	ev.Time = time.Now()
	select {
	case e.events <- ev:
	default:
		// Consumers that fall behind lose events; the scheduler never
		// blocks on notification delivery.
	}
}

// Events is the notification channel. It is closed when the engine stops.
func (e *Engine) Events() <-chan Event {
	return e.events
}
