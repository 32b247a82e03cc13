// Package approval gates risky tool calls behind a cached, fail-closed decision.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/logging"
	"golang.org/x/sync/singleflight"

	"github.com/vinayprograms/agentcore/internal/tool"
)

// DefaultTimeout bounds how long the gate waits for a decider.
const DefaultTimeout = 60 * time.Second

// Decision sources.
const (
	SourceDecider = "decider"
	SourceTimeout = "timeout"
	SourceError   = "error"
	SourceNone    = "no-decider"
)

// Request describes a call awaiting approval.
type Request struct {
	Tool     string
	Category tool.Category
	CallID   string
	Params   map[string]interface{}
}

// Decision is the answer for a (tool, category) pair.
type Decision struct {
	Tool     string
	Category tool.Category
	Allow    bool
	// Remember is set once the decision is stored for the rest of the session.
	Remember  bool
	Reason    string
	Source    string
	DecidedAt time.Time
	// Cached is true when the decision came from the session cache.
	Cached bool
}

// Decider produces approval decisions, usually by asking a human.
type Decider interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, req Request) (Decision, error)

// Decide implements Decider.
func (f DeciderFunc) Decide(ctx context.Context, req Request) (Decision, error) {
	return f(ctx, req)
}

type decisionKey struct {
	tool     string
	category tool.Category
}

func (k decisionKey) String() string {
	return k.tool + "\x00" + string(k.category)
}

// Gate caches decisions per session and asks its Decider on a miss.
type Gate struct {
	decider Decider
	timeout time.Duration
	logger  *logging.Logger
	group   singleflight.Group

	mu        sync.RWMutex
	decisions map[decisionKey]Decision
	asked     int
}

// NewGate creates a gate. A nil decider denies everything.
func NewGate(decider Decider, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{
		decider:   decider,
		timeout:   timeout,
		logger:    logging.New().WithComponent("approval"),
		decisions: make(map[decisionKey]Decision),
	}
}

// Check returns the decision for req, asking the decider at most once per
// (tool, category) for the lifetime of the gate. Concurrent checks for the
// same pair share a single prompt.
func (g *Gate) Check(ctx context.Context, req Request) Decision {
	key := decisionKey{tool: req.Tool, category: req.Category}
	if d, ok := g.lookup(key); ok {
		decisions.WithLabelValues(outcome(d.Allow), "cache").Inc()
		return d
	}

	v, _, _ := g.group.Do(key.String(), func() (interface{}, error) {
		if d, ok := g.lookup(key); ok {
			return d, nil
		}
		d := g.ask(ctx, req)
		if ctx.Err() == nil {
			d.Remember = true
			g.mu.Lock()
			g.decisions[key] = d
			g.mu.Unlock()
		}
		decisions.WithLabelValues(outcome(d.Allow), d.Source).Inc()
		return d, nil
	})
	return v.(Decision)
}

// Clear forgets the decision for one (tool, category) pair.
func (g *Gate) Clear(toolName string, category tool.Category) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.decisions, decisionKey{tool: toolName, category: category})
}

// Reset forgets every cached decision.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.decisions = make(map[decisionKey]Decision)
}

// Decisions returns the cached decisions.
func (g *Gate) Decisions() []Decision {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Decision, 0, len(g.decisions))
	for _, d := range g.decisions {
		out = append(out, d)
	}
	return out
}

// Asked returns how many times the decider was consulted.
func (g *Gate) Asked() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.asked
}

func (g *Gate) lookup(key decisionKey) (Decision, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.decisions[key]
	if ok {
		d.Cached = true
	}
	return d, ok
}

func (g *Gate) ask(ctx context.Context, req Request) Decision {
	deny := func(source, reason string) Decision {
		return Decision{
			Tool:      req.Tool,
			Category:  req.Category,
			Reason:    reason,
			Source:    source,
			DecidedAt: time.Now(),
		}
	}
	if g.decider == nil {
		return deny(SourceNone, "no approval source configured")
	}

	g.mu.Lock()
	g.asked++
	g.mu.Unlock()

	askCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type answer struct {
		d   Decision
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		d, err := g.decider.Decide(askCtx, req)
		ch <- answer{d, err}
	}()

	select {
	case a := <-ch:
		if a.err != nil {
			g.logger.Warn("approval decider failed, denying", map[string]interface{}{
				"tool":  req.Tool,
				"error": a.err.Error(),
			})
			return deny(SourceError, fmt.Sprintf("approval failed: %v", a.err))
		}
		d := a.d
		d.Tool = req.Tool
		d.Category = req.Category
		if d.Source == "" {
			d.Source = SourceDecider
		}
		if d.DecidedAt.IsZero() {
			d.DecidedAt = time.Now()
		}
		g.logger.Info("approval decided", map[string]interface{}{
			"tool":     req.Tool,
			"category": string(req.Category),
			"allow":    d.Allow,
			"source":   d.Source,
		})
		return d
	case <-askCtx.Done():
		reason := fmt.Sprintf("no decision within %s", g.timeout)
		if ctx.Err() != nil {
			reason = "approval cancelled"
		}
		g.logger.Warn("approval timed out, denying", map[string]interface{}{
			"tool":    req.Tool,
			"timeout": g.timeout.String(),
		})
		return deny(SourceTimeout, reason)
	}
}

func outcome(allow bool) string {
	if allow {
		return "allow"
	}
	return "deny"
}
