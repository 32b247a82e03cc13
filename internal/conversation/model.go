package conversation

import (
	"context"

	"github.com/vinayprograms/agentcore/internal/tool"
)

// ModelRequest is what the loop sends the model each turn.
type ModelRequest struct {
	Messages []Message
	Tools    []tool.Descriptor
}

// Chunk is one piece of a streamed reply: a content delta, a tool call, or
// both.
type Chunk struct {
	Content  string
	ToolCall *ToolCall
}

// Model produces a reply for the conversation so far. Implementations call
// emit for every chunk in order and stop if emit returns an error.
type Model interface {
	Stream(ctx context.Context, req ModelRequest, emit func(Chunk) error) error
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, req ModelRequest, emit func(Chunk) error) error

func (f ModelFunc) Stream(ctx context.Context, req ModelRequest, emit func(Chunk) error) error {
	return f(ctx, req, emit)
}
