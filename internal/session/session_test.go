package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/agentcore/internal/approval"
	"github.com/vinayprograms/agentcore/internal/events"
	"github.com/vinayprograms/agentcore/internal/tool"
)

func TestNew_Defaults(t *testing.T) {
	s := New(Options{})
	assert.NotEmpty(t, s.ID)
	assert.NotNil(t, s.Registry)
	assert.NotNil(t, s.Cache)
	assert.NotNil(t, s.Approvals)
	assert.NotNil(t, s.Governor)
	assert.Equal(t, StatusRunning, s.Status())

	other := New(Options{})
	assert.NotEqual(t, s.ID, other.ID)
	assert.NotSame(t, s.Cache, other.Cache, "sessions never share state")
}

func TestEmit_StampsSession(t *testing.T) {
	rec := &events.Recorder{}
	s := New(Options{ID: "sess-1", Events: rec})
	s.Emit(events.Event{Type: events.TurnStart, Turn: 1})

	got := rec.Events()
	require.Len(t, got, 1)
	assert.Equal(t, "sess-1", got[0].SessionID)
	assert.WithinDuration(t, time.Now(), got[0].Time, time.Second)
}

func TestEnv_ApproveUsesGate(t *testing.T) {
	s := New(Options{ProjectRoot: "/work", Decider: approval.AllowAll})
	env := s.Env(tool.Request{ID: "c1", Tool: "bash"}, tool.CategoryExecution)
	assert.Equal(t, "/work", env.ProjectRoot)
	require.NotNil(t, env.Approve)
	assert.True(t, env.Approve(context.Background(), "rm build/"))
	assert.Len(t, s.Approvals.Decisions(), 1)

	denied := New(Options{Decider: approval.DenyAll})
	env = denied.Env(tool.Request{ID: "c1", Tool: "bash"}, tool.CategoryExecution)
	assert.False(t, env.Approve(context.Background(), "rm -rf /"))
}

func TestSetStatus(t *testing.T) {
	s := New(Options{})
	s.SetStatus(StatusComplete)
	assert.Equal(t, StatusComplete, s.Status())
}
