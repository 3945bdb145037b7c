package history

import (
	"context"
	"sync"
)

// MemorySink keeps events in process. It backs single-process deployments and tests.
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append implements Sink.
func (s *MemorySink) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

// Events returns the events of a task in append order.
func (s *MemorySink) Events(taskID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, e := range s.events {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}

// Errors returns the error events of a task in append order.
func (s *MemorySink) Errors(taskID string) []Event {
	var out []Event
	for _, e := range s.Events(taskID) {
		if e.IsError {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the total number of events.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
