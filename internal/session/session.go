// Package session bundles the per-conversation state shared by the scheduler
// and the turn loop.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/agentcore/internal/approval"
	"github.com/vinayprograms/agentcore/internal/cache"
	"github.com/vinayprograms/agentcore/internal/events"
	"github.com/vinayprograms/agentcore/internal/governor"
	"github.com/vinayprograms/agentcore/internal/registry"
	"github.com/vinayprograms/agentcore/internal/tool"
)

// Status constants for sessions.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Options configures a new session. Zero values take defaults.
type Options struct {
	ID              string
	ProjectRoot     string
	Registry        *registry.Registry
	CacheTTL        time.Duration
	CacheEntries    int
	Decider         approval.Decider
	ApprovalTimeout time.Duration
	Governor        governor.Config
	Events          events.Sink
}

// Session is the explicit context object for one conversation. Nothing in it
// outlives the session.
type Session struct {
	ID          string
	ProjectRoot string
	CreatedAt   time.Time

	Registry  *registry.Registry
	Cache     *cache.Cache
	Approvals *approval.Gate
	Governor  *governor.Governor

	events events.Sink

	mu     sync.Mutex
	status string
}

// New creates a session from opts.
func New(opts Options) *Session {
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	reg := opts.Registry
	if reg == nil {
		reg = registry.New()
	}
	sink := opts.Events
	if sink == nil {
		sink = events.Nop
	}
	return &Session{
		ID:          id,
		ProjectRoot: opts.ProjectRoot,
		CreatedAt:   time.Now(),
		Registry:    reg,
		Cache:       cache.New(opts.CacheTTL, opts.CacheEntries),
		Approvals:   approval.NewGate(opts.Decider, opts.ApprovalTimeout),
		Governor:    governor.New(opts.Governor),
		events:      sink,
		status:      StatusRunning,
	}
}

// Emit stamps e with the session ID and time and hands it to the sink.
func (s *Session) Emit(e events.Event) {
	e.SessionID = s.ID
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.events.Emit(e)
}

// Env builds the environment passed to tool executions for call.
func (s *Session) Env(call tool.Request, category tool.Category) tool.Env {
	return tool.Env{
		ProjectRoot: s.ProjectRoot,
		Approve: func(ctx context.Context, reason string) bool {
			d := s.Approvals.Check(ctx, approval.Request{
				Tool:     call.Tool,
				Category: category,
				CallID:   call.ID,
				Params:   map[string]interface{}{"reason": reason},
			})
			return d.Allow
		},
	}
}

// Status returns the session status.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus records the session status.
func (s *Session) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}
