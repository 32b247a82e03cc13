// Package config provides configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = "agent.toml"

// Config represents the agent configuration.
type Config struct {
	Agent        AgentConfig        `toml:"agent"`
	LLM          LLMConfig          `toml:"llm"`
	SmallLLM     SmallLLMConfig     `toml:"small_llm"` // Fast/cheap model for bash review and summaries
	Conversation ConversationConfig `toml:"conversation"`
	Scheduler    SchedulerConfig    `toml:"scheduler"`
	Cache        CacheConfig        `toml:"cache"`
	Approval     ApprovalConfig     `toml:"approval"`
	Governor     GovernorConfig     `toml:"governor"`
	Tools        ToolsConfig        `toml:"tools"`
	Telemetry    TelemetryConfig    `toml:"telemetry"`
	Events       EventsConfig       `toml:"events"`
}

// AgentConfig contains agent identification settings.
type AgentConfig struct {
	ID        string `toml:"id"`
	Workspace string `toml:"workspace"` // Project root handed to tools (default: cwd)
}

// LLMConfig contains LLM provider settings.
type LLMConfig struct {
	Provider     string `toml:"provider"`
	Model        string `toml:"model" validate:"required"`
	APIKeyEnv    string `toml:"api_key_env"`
	MaxTokens    int    `toml:"max_tokens" validate:"gte=0"`
	BaseURL      string `toml:"base_url" validate:"omitempty,url"`                            // Custom API endpoint (OpenRouter, LiteLLM, Ollama, LMStudio)
	Thinking     string `toml:"thinking" validate:"omitempty,oneof=auto off low medium high"` // Thinking level
	MaxRetries   int    `toml:"max_retries" validate:"gte=0"`                                 // Provider-side retries (default 5)
	RetryBackoff string `toml:"retry_backoff"`                                                // Max provider backoff (default "60s")
}

// SmallLLMConfig names an optional secondary model. When set, bash commands
// get a second-opinion check and large tool output is summarized with it.
type SmallLLMConfig struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	MaxTokens int    `toml:"max_tokens" validate:"gte=0"`
}

// ConversationConfig bounds the turn loop.
type ConversationConfig struct {
	MaxTurns           int    `toml:"max_turns" validate:"gte=1,lte=1000"`
	SystemPrompt       string `toml:"system_prompt"`
	FallbackExtraction bool   `toml:"fallback_extraction"` // Scrape <tool_call> blocks when the model has no native tool calling
}

// SchedulerConfig tunes batch execution.
type SchedulerConfig struct {
	Concurrency int    `toml:"concurrency" validate:"gte=0,lte=256"` // 0 = scale with CPUs
	Timeout     string `toml:"timeout"`                              // Per-call limit (default "2m")
}

// CacheConfig tunes the read-only result cache.
type CacheConfig struct {
	TTL        string `toml:"ttl"`
	MaxEntries int    `toml:"max_entries" validate:"gte=1"`
}

// ApprovalConfig selects where approval decisions come from.
type ApprovalConfig struct {
	Mode      string `toml:"mode" validate:"oneof=prompt allow deny"` // prompt asks on the terminal
	RulesFile string `toml:"rules_file"`                              // YAML allow/deny rules, hot reloaded
	Timeout   string `toml:"timeout"`                                 // Unanswered prompts deny after this long
}

// GovernorConfig tunes dedup, the failure breaker and transient retries.
type GovernorConfig struct {
	DedupWindow      string `toml:"dedup_window"`
	FailureThreshold int    `toml:"failure_threshold" validate:"gte=1"`
	RetryAttempts    int    `toml:"retry_attempts" validate:"gte=1,lte=10"`
	RetryInitial     string `toml:"retry_initial"`
	RetryMax         string `toml:"retry_max"`
}

// ToolsConfig selects and classifies the built-in tools.
type ToolsConfig struct {
	PolicyFile string                  `toml:"policy_file"` // agentkit policy.toml
	Enabled    []string                `toml:"enabled"`     // Empty = every tool the policy allows
	Overrides  map[string]ToolOverride `toml:"overrides" validate:"dive"`
}

// ToolOverride replaces the built-in classification of one tool.
type ToolOverride struct {
	Category         string `toml:"category" validate:"required,oneof=filesystem execution version-control search analysis other"`
	ReadOnly         bool   `toml:"read_only"`
	RequiresApproval bool   `toml:"requires_approval"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled     bool              `toml:"enabled"`
	Endpoint    string            `toml:"endpoint"`                                 // OTLP endpoint (e.g., localhost:4317)
	Protocol    string            `toml:"protocol" validate:"oneof=noop grpc http"` // noop (default), grpc or http
	Insecure    bool              `toml:"insecure"`                                 // Disable TLS (default false)
	Headers     map[string]string `toml:"headers"`                                  // Auth headers (e.g., DD-API-KEY, x-honeycomb-team)
	MetricsAddr string            `toml:"metrics_addr"`                             // Prometheus listener, off when empty
}

// EventsConfig publishes lifecycle events to NATS when a URL is set.
type EventsConfig struct {
	NATSURL       string `toml:"nats_url" validate:"omitempty,url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		LLM: LLMConfig{
			MaxTokens:    4096,
			MaxRetries:   5,
			RetryBackoff: "60s",
		},
		Conversation: ConversationConfig{
			MaxTurns: 25,
		},
		Scheduler: SchedulerConfig{
			Timeout: "2m",
		},
		Cache: CacheConfig{
			TTL:        "5m",
			MaxEntries: 256,
		},
		Approval: ApprovalConfig{
			Mode:    "prompt",
			Timeout: "60s",
		},
		Governor: GovernorConfig{
			DedupWindow:      "60s",
			FailureThreshold: 3,
			RetryAttempts:    3,
			RetryInitial:     "200ms",
			RetryMax:         "5s",
		},
		Telemetry: TelemetryConfig{
			Protocol: "noop",
		},
		Events: EventsConfig{
			SubjectPrefix: "agentcore.events",
		},
	}
}

// Default returns a default configuration.
func Default() *Config {
	return New()
}

// LoadFile loads configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads configuration from agent.toml in the current directory.
// A missing file yields the defaults.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}

	cfg, err := LoadFile(filepath.Join(cwd, DefaultFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Durations holds the parsed duration settings.
type Durations struct {
	LLMRetryBackoff time.Duration
	ToolTimeout     time.Duration
	CacheTTL        time.Duration
	ApprovalTimeout time.Duration
	DedupWindow     time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
}

// Durations parses every duration string. Empty strings parse to zero, which
// the consuming components treat as "use the default".
func (c *Config) Durations() (Durations, error) {
	var d Durations
	fields := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"llm.retry_backoff", c.LLM.RetryBackoff, &d.LLMRetryBackoff},
		{"scheduler.timeout", c.Scheduler.Timeout, &d.ToolTimeout},
		{"cache.ttl", c.Cache.TTL, &d.CacheTTL},
		{"approval.timeout", c.Approval.Timeout, &d.ApprovalTimeout},
		{"governor.dedup_window", c.Governor.DedupWindow, &d.DedupWindow},
		{"governor.retry_initial", c.Governor.RetryInitial, &d.RetryInitial},
		{"governor.retry_max", c.Governor.RetryMax, &d.RetryMax},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		v, err := time.ParseDuration(f.value)
		if err != nil {
			return Durations{}, fmt.Errorf("%s: %w", f.name, err)
		}
		if v < 0 {
			return Durations{}, fmt.Errorf("%s: must not be negative", f.name)
		}
		*f.dst = v
	}
	return d, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and duration syntax. Every violation is
// reported, one per line.
func (c *Config) Validate() error {
	var problems []string
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("invalid config: %w", err)
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}
	if _, err := c.Durations(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fmt.Sprint(fe.Value()))
	case "gte", "lte":
		return fmt.Sprintf("%s must be %s %s, got %v", field, fe.Tag(), fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// GetAPIKey returns the API key from the configured environment variable.
// If api_key_env is not set, uses the default env var for the provider.
func (c *Config) GetAPIKey() string {
	envVar := c.LLM.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(c.LLM.Provider)
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// DefaultAPIKeyEnv returns the default environment variable name for a provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	default:
		return ""
	}
}

// WorkspaceDir returns the configured workspace, or the current directory.
func (c *Config) WorkspaceDir() (string, error) {
	if c.Agent.Workspace != "" {
		return filepath.Abs(c.Agent.Workspace)
	}
	return os.Getwd()
}
