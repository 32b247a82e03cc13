package main

import (
	"os"
	"time"

	"github.com/vinayprograms/agentkit/llm"

	"github.com/vinayprograms/agentcore/internal/conversation"
)

// isTerminal checks if the given file is a terminal.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// parseRetryConfig converts config values to RetryConfig.
func parseRetryConfig(maxRetries int, backoffStr string) llm.RetryConfig {
	cfg := llm.RetryConfig{
		MaxRetries: maxRetries,
	}
	if backoffStr != "" {
		if d, err := time.ParseDuration(backoffStr); err == nil {
			cfg.MaxBackoff = d
		}
	}
	return cfg
}

// exitCode maps a conversation stop reason to a process exit status.
func exitCode(reason conversation.StopReason) int {
	switch reason {
	case conversation.StopComplete:
		return 0
	case conversation.StopTurnLimit, conversation.StopFailureLimit:
		return 2
	case conversation.StopCancelled:
		return 130
	default:
		return 1
	}
}
