package conversation

import (
	"sync"

	"github.com/vinayprograms/agentcore/internal/tool"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// DependsOnKey is the reserved argument a model uses to declare that a call
// must wait for other calls of the same turn.
const DependsOnKey = "depends_on"

// ToolCall is one call declared by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	DependsOn []string               `json:"depends_on,omitempty"`
	// BestEffort marks calls recovered from free text rather than the
	// structured tool-call channel.
	BestEffort bool `json:"best_effort,omitempty"`
}

// Request converts the call into a scheduler request.
func (c ToolCall) Request() tool.Request {
	return tool.Request{ID: c.ID, Tool: c.Name, Params: c.Arguments, DependsOn: c.DependsOn}
}

// SplitDependencies removes DependsOnKey from args and returns the remaining
// parameters and the declared dependencies. args is not modified.
func SplitDependencies(args map[string]interface{}) (map[string]interface{}, []string) {
	raw, ok := args[DependsOnKey]
	if !ok {
		return args, nil
	}
	params := make(map[string]interface{}, len(args)-1)
	for k, v := range args {
		if k != DependsOnKey {
			params[k] = v
		}
	}
	var deps []string
	switch v := raw.(type) {
	case string:
		if v != "" {
			deps = []string{v}
		}
	case []string:
		deps = append(deps, v...)
	case []interface{}:
		for _, d := range v {
			if s, ok := d.(string); ok && s != "" {
				deps = append(deps, s)
			}
		}
	}
	return params, deps
}

// Message is one entry of the conversation history.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Turn records one model round-trip that produced tool calls.
type Turn struct {
	Index   int
	Calls   []ToolCall
	Results []tool.Result
}

// History is an append-only message log. Entries are never edited or removed.
type History struct {
	mu   sync.RWMutex
	msgs []Message
}

// Append adds messages to the end of the log.
func (h *History) Append(msgs ...Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msgs...)
}

// Messages returns a copy of the log.
func (h *History) Messages() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Len returns the number of messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.msgs)
}
