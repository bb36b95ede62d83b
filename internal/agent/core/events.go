package core

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType classifies progress events emitted during a run.
type EventType string

const (
	EventRunStarted   EventType = "run_started"
	EventDecision     EventType = "decision"
	EventBranchUnit   EventType = "branch_unit"
	EventReduce       EventType = "reduce"
	EventRetrieval    EventType = "retrieval"
	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"
)

// Event is a single progress record written to the event sink.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	Iteration int       `json:"iteration"`
	Tool      Path      `json:"tool,omitempty"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// Stream bridges the research run (producer) to an external consumer over a
// bounded channel. Publish never blocks: when the consumer falls behind,
// events are dropped and counted. Close delivers the end-of-stream sentinel
// by closing the channel.
type Stream struct {
	ch        chan Event
	closeOnce sync.Once
	dropped   atomic.Int64
}

// NewStream creates a bounded event stream. A non-positive capacity gets a
// small default so Publish keeps its non-blocking contract.
func NewStream(capacity int) *Stream {
	if capacity <= 0 {
		capacity = 64
	}
	return &Stream{ch: make(chan Event, capacity)}
}

// Publish enqueues an event, dropping it if the buffer is full or the stream
// is already closed.
func (s *Stream) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	defer func() {
		// Publishing after Close is a benign race with shutdown; count it
		// as a drop rather than panicking the producer.
		if recover() != nil {
			s.dropped.Add(1)
		}
	}()
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Events returns the consumer side. The channel is closed when the run ends.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Close signals end of stream. Safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Dropped returns the number of events discarded due to back-pressure.
func (s *Stream) Dropped() int64 {
	return s.dropped.Load()
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Publish(Event) {}
