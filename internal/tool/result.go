package tool

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind tags a failed Result with its place in the error taxonomy.
type Kind string

const (
	KindValidation  Kind = "validation_error"
	KindNotFound    Kind = "tool_not_found"
	KindDenied      Kind = "approval_denied"
	KindTimeout     Kind = "timeout"
	KindExecution   Kind = "execution_failure"
	KindDuplicate   Kind = "duplicate_call_suppressed"
	KindSkipped     Kind = "skipped"
	KindCancelled   Kind = "cancelled"
	KindCircuitOpen Kind = "circuit_open"
	KindCycle       Kind = "cycle_detected"
	KindDeadlock    Kind = "deadlock_detected"
)

// Attempted reports whether a failure of this kind came from an attempt to
// run the call. Skips, cancellations and batch rejections never reached a tool.
func (k Kind) Attempted() bool {
	switch k {
	case KindSkipped, KindCancelled, KindCircuitOpen, KindCycle, KindDeadlock:
		return false
	}
	return true
}

// Result is the outcome of one tool call.
type Result struct {
	CallID    string      `json:"call_id"`
	Tool      string      `json:"tool"`
	Success   bool        `json:"success"`
	Payload   interface{} `json:"payload,omitempty"`
	Error     string      `json:"error,omitempty"`
	Kind      Kind        `json:"kind,omitempty"`
	Cached    bool        `json:"cached,omitempty"`
	Attempts  int         `json:"attempts,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Succeeded builds a successful result.
func Succeeded(req Request, payload interface{}) Result {
	return Result{
		CallID:    req.ID,
		Tool:      req.Tool,
		Success:   true,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Failed builds a failed result of the given kind.
func Failed(req Request, kind Kind, format string, args ...interface{}) Result {
	return Result{
		CallID:    req.ID,
		Tool:      req.Tool,
		Kind:      kind,
		Error:     fmt.Sprintf(format, args...),
		Timestamp: time.Now(),
	}
}

// Content renders the result as the body of a tool message.
func (r Result) Content() string {
	data, err := json.Marshal(r)
	if err != nil {
		// Payload was not serialisable; keep the rest of the envelope.
		r.Payload = fmt.Sprintf("%v", r.Payload)
		data, _ = json.Marshal(r)
	}
	return string(data)
}
