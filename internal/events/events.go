package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names a lifecycle event. Types are dot-scoped so consumers can
// filter with a trailing wildcard ("execution.*").
type Type string

const (
	TypeExecutionStarted   Type = "execution.started"
	TypeExecutionCompleted Type = "execution.completed"
	TypeExecutionFailed    Type = "execution.failed"
	TypeExecutionCancelled Type = "execution.cancelled"
	TypeAgentStarted       Type = "agent.started"
	TypeAgentCompleted     Type = "agent.completed"
	TypeAgentFailed        Type = "agent.failed"
	TypeDelegation         Type = "collaboration.delegation"
	TypeConsensusReached   Type = "collaboration.consensus"
	TypeTerminated         Type = "collaboration.terminated"
)

// Event is one observable occurrence in an execution's lifecycle.
type Event struct {
	ID          string            `json:"id"`
	Type        Type              `json:"type"`
	ExecutionID string            `json:"execution_id"`
	TeamID      string            `json:"team_id,omitempty"`
	AgentID     string            `json:"agent_id,omitempty"`
	Payload     map[string]string `json:"payload,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// New creates an event stamped with a fresh ID and the current time.
func New(typ Type, executionID string) *Event {
	return &Event{
		ID:          uuid.New().String(),
		Type:        typ,
		ExecutionID: executionID,
		Timestamp:   time.Now(),
	}
}

// With adds one payload field, allocating the map lazily.
func (e *Event) With(key, value string) *Event {
	if e.Payload == nil {
		e.Payload = make(map[string]string)
	}
	e.Payload[key] = value
	return e
}

// Matches reports whether the event's type matches pattern. A pattern
// ending in ".*" matches the whole scope; "*" matches everything.
func (e *Event) Matches(pattern string) bool {
	if pattern == "*" || pattern == string(e.Type) {
		return true
	}
	if scope, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(string(e.Type), scope+".")
	}
	return false
}

// Sink receives lifecycle events. Publish failures must not fail the
// execution that produced the event.
type Sink interface {
	Publish(ctx context.Context, e *Event) error
	Close() error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Publish(context.Context, *Event) error { return nil }
func (NopSink) Close() error                          { return nil }

// MemorySink buffers events in order, for tests and local runs.
type MemorySink struct {
	mu     sync.Mutex
	events []*Event
}

func (s *MemorySink) Publish(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *MemorySink) Close() error { return nil }

// Events returns a copy of everything published so far.
func (s *MemorySink) Events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, len(s.events))
	copy(out, s.events)
	return out
}

// Filter returns buffered events whose type matches pattern.
func (s *MemorySink) Filter(pattern string) []*Event {
	var out []*Event
	for _, e := range s.Events() {
		if e.Matches(pattern) {
			out = append(out, e)
		}
	}
	return out
}
