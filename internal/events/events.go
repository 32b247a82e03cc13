// Package events publishes lifecycle events of tool execution and conversation turns.
package events

import (
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/logging"
)

// Type names an event.
type Type string

const (
	TurnStart       Type = "turn_start"
	TurnEnd         Type = "turn_end"
	ToolStart       Type = "tool_start"
	ToolEnd         Type = "tool_end"
	BatchRejected   Type = "batch_rejected"
	ConversationEnd Type = "conversation_end"
)

// Event is one lifecycle notification.
type Event struct {
	Type      Type          `json:"type"`
	SessionID string        `json:"session_id"`
	Turn      int           `json:"turn,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Tool      string        `json:"tool,omitempty"`
	Status    string        `json:"status,omitempty"`
	Kind      string        `json:"kind,omitempty"`
	Cached    bool          `json:"cached,omitempty"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Time      time.Time     `json:"time"`
}

// Fields flattens the event for structured loggers.
func (e Event) Fields() map[string]interface{} {
	f := map[string]interface{}{
		"session": e.SessionID,
	}
	if e.Turn > 0 {
		f["turn"] = e.Turn
	}
	if e.CallID != "" {
		f["call_id"] = e.CallID
	}
	if e.Tool != "" {
		f["tool"] = e.Tool
	}
	if e.Status != "" {
		f["status"] = e.Status
	}
	if e.Kind != "" {
		f["kind"] = e.Kind
	}
	if e.Cached {
		f["cached"] = true
	}
	if e.Duration > 0 {
		f["duration_ms"] = e.Duration.Milliseconds()
	}
	if e.Detail != "" {
		f["detail"] = e.Detail
	}
	return f
}

// Sink receives events. Implementations must not block for long and must be
// safe for concurrent use.
type Sink interface {
	Emit(Event)
}

// Func adapts a function to Sink.
type Func func(Event)

// Emit implements Sink.
func (f Func) Emit(e Event) { f(e) }

// Nop discards events.
var Nop Sink = Func(func(Event) {})

// Multi fans an event out to several sinks.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// LogSink writes events to the structured log at debug level.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink() *LogSink {
	return &LogSink{logger: logging.New().WithComponent("events")}
}

// Emit implements Sink.
func (s *LogSink) Emit(e Event) {
	s.logger.Debug(string(e.Type), e.Fields())
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of what was recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
