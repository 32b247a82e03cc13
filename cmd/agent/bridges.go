package main

import (
	"context"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/policy"
)

// llmGenerateAdapter adapts llm.Provider to policy.LLMProvider for bash policy checking.
type llmGenerateAdapter struct {
	provider llm.Provider
}

func (a *llmGenerateAdapter) Generate(ctx context.Context, prompt string) (*policy.GenerateResult, error) {
	resp, err := a.provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, err
	}
	return &policy.GenerateResult{
		Content:      resp.Content,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}, nil
}
