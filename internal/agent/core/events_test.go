package core

import "testing"

func TestStreamDeliversInOrder(t *testing.T) {
	s := NewStream(8)
	s.Publish(Event{Type: EventRunStarted})
	s.Publish(Event{Type: EventDecision, Iteration: 1})
	s.Close()

	var got []Event
	for ev := range s.Events() {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != EventRunStarted || got[1].Type != EventDecision {
		t.Fatalf("events out of order: %v", got)
	}
	if got[0].At.IsZero() {
		t.Fatal("timestamp not stamped on publish")
	}
}

func TestStreamDropsWhenFull(t *testing.T) {
	s := NewStream(2)
	for i := 0; i < 5; i++ {
		s.Publish(Event{Type: EventBranchUnit, Iteration: i})
	}
	if got := s.Dropped(); got != 3 {
		t.Fatalf("expected 3 dropped, got %d", got)
	}
	s.Close()

	n := 0
	for range s.Events() {
		n++
	}
	if n != 2 {
		t.Fatalf("expected 2 buffered events, got %d", n)
	}
}

func TestStreamPublishAfterClose(t *testing.T) {
	s := NewStream(2)
	s.Close()
	s.Close() // idempotent

	// Must not panic; the late event counts as dropped.
	s.Publish(Event{Type: EventRunCompleted})
	if got := s.Dropped(); got != 1 {
		t.Fatalf("expected 1 dropped after close, got %d", got)
	}
}
