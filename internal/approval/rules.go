package approval

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/agentcore/internal/tool"
)

// Action is what a rule prescribes.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
)

func (a Action) valid() bool {
	return a == ActionAllow || a == ActionDeny || a == ActionAsk
}

// Rule matches a tool name or a whole category.
type Rule struct {
	Tool     string `yaml:"tool,omitempty"`
	Category string `yaml:"category,omitempty"`
	Action   Action `yaml:"action"`
	Reason   string `yaml:"reason,omitempty"`
}

// Rules is the on-disk approval policy.
type Rules struct {
	Default Action `yaml:"default"`
	Rules   []Rule `yaml:"rules"`
}

// ParseRules decodes and validates a YAML rules document.
func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing approval rules: %w", err)
	}
	if r.Default == "" {
		r.Default = ActionAsk
	}
	if !r.Default.valid() {
		return nil, fmt.Errorf("approval rules: unknown default action %q", r.Default)
	}
	for i, rule := range r.Rules {
		if !rule.Action.valid() {
			return nil, fmt.Errorf("approval rule %d: unknown action %q", i, rule.Action)
		}
		if (rule.Tool == "") == (rule.Category == "") {
			return nil, fmt.Errorf("approval rule %d: exactly one of tool or category is required", i)
		}
		if rule.Category != "" {
			if _, err := tool.ParseCategory(rule.Category); err != nil {
				return nil, fmt.Errorf("approval rule %d: %w", i, err)
			}
		}
	}
	return &r, nil
}

// LoadRules reads a rules file.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRules(data)
}

// Match returns the action for a request. Tool rules take precedence over
// category rules; the first matching rule of each kind wins.
func (r *Rules) Match(req Request) (Action, string) {
	for _, rule := range r.Rules {
		if rule.Tool != "" && rule.Tool == req.Tool {
			return rule.Action, rule.Reason
		}
	}
	for _, rule := range r.Rules {
		if rule.Category != "" && tool.Category(rule.Category) == req.Category {
			return rule.Action, rule.Reason
		}
	}
	return r.Default, ""
}

// Policy answers from Rules and hands "ask" outcomes to the next decider.
type Policy struct {
	mu    sync.RWMutex
	rules *Rules
	next  Decider
}

// NewPolicy creates a rules-backed decider. next may be nil, in which case
// "ask" resolves to deny.
func NewPolicy(rules *Rules, next Decider) *Policy {
	if rules == nil {
		rules = &Rules{Default: ActionAsk}
	}
	return &Policy{rules: rules, next: next}
}

// SetRules swaps the active rules.
func (p *Policy) SetRules(r *Rules) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = r
}

// Rules returns the active rules.
func (p *Policy) Rules() *Rules {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rules
}

// Decide implements Decider.
func (p *Policy) Decide(ctx context.Context, req Request) (Decision, error) {
	action, reason := p.Rules().Match(req)
	switch action {
	case ActionAllow:
		return Decision{Allow: true, Reason: ruleReason(reason, "allowed by rule"), Source: "rules"}, nil
	case ActionDeny:
		return Decision{Allow: false, Reason: ruleReason(reason, "denied by rule"), Source: "rules"}, nil
	}
	if p.next == nil {
		return Decision{Allow: false, Reason: "no interactive approval available", Source: "rules"}, nil
	}
	return p.next.Decide(ctx, req)
}

func ruleReason(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

// Static always returns the same answer.
type Static bool

// AllowAll approves every request.
const AllowAll = Static(true)

// DenyAll rejects every request.
const DenyAll = Static(false)

// Decide implements Decider.
func (s Static) Decide(ctx context.Context, req Request) (Decision, error) {
	reason := "auto-denied"
	if s {
		reason = "auto-approved"
	}
	return Decision{Allow: bool(s), Reason: reason, Source: "static"}, nil
}
