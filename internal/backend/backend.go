// Package backend adapts an agentkit LLM provider to the conversation model
// interface.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/agentcore/internal/conversation"
	"github.com/vinayprograms/agentcore/internal/tool"
)

const dependsOnDescription = "IDs of tool calls in this same response that must complete before this one runs."

// Model wraps an llm.Provider. The provider replies in one piece, so each
// reply is emitted as a content chunk followed by one chunk per tool call.
type Model struct {
	provider llm.Provider
	logger   *logging.Logger
}

// New wraps provider.
func New(provider llm.Provider) *Model {
	return &Model{
		provider: provider,
		logger:   logging.New().WithComponent("backend"),
	}
}

// Stream implements conversation.Model.
func (m *Model) Stream(ctx context.Context, req conversation.ModelRequest, emit func(conversation.Chunk) error) error {
	start := time.Now()
	resp, err := m.provider.Chat(ctx, llm.ChatRequest{
		Messages: Messages(req.Messages),
		Tools:    ToolDefs(req.Tools),
	})
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	m.logger.Debug("model replied", map[string]interface{}{
		"duration_ms":   time.Since(start).Milliseconds(),
		"content_bytes": len(resp.Content),
		"tool_calls":    len(resp.ToolCalls),
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
	})

	if resp.Content != "" {
		if err := emit(conversation.Chunk{Content: resp.Content}); err != nil {
			return err
		}
	}
	for _, tc := range resp.ToolCalls {
		params, deps := conversation.SplitDependencies(tc.Args)
		call := &conversation.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: params, DependsOn: deps}
		if err := emit(conversation.Chunk{ToolCall: call}); err != nil {
			return err
		}
	}
	return nil
}

// Messages converts history into provider messages. Declared dependencies
// are folded back into the call arguments so the model sees what it sent.
func Messages(msgs []conversation.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		lm := llm.Message{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, c := range m.ToolCalls {
			args := c.Arguments
			if len(c.DependsOn) > 0 {
				args = make(map[string]interface{}, len(c.Arguments)+1)
				for k, v := range c.Arguments {
					args[k] = v
				}
				args[conversation.DependsOnKey] = c.DependsOn
			}
			lm.ToolCalls = append(lm.ToolCalls, llm.ToolCallResponse{ID: c.ID, Name: c.Name, Args: args})
		}
		out = append(out, lm)
	}
	return out
}

// ToolDefs converts descriptors into provider tool definitions, adding the
// optional depends_on argument to every schema.
func ToolDefs(descs []tool.Descriptor) []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(descs))
	for _, d := range descs {
		defs = append(defs, llm.ToolDef{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  withDependsOn(d.Schema),
		})
	}
	return defs
}

func withDependsOn(schema map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(schema)+2)
	for k, v := range schema {
		out[k] = v
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	props := make(map[string]interface{})
	if existing, ok := schema["properties"].(map[string]interface{}); ok {
		for k, v := range existing {
			props[k] = v
		}
	}
	props[conversation.DependsOnKey] = map[string]interface{}{
		"type":        "array",
		"items":       map[string]interface{}{"type": "string"},
		"description": dependsOnDescription,
	}
	out["properties"] = props
	return out
}
