package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/agentcore/internal/approval"
	"github.com/vinayprograms/agentcore/internal/events"
	"github.com/vinayprograms/agentcore/internal/governor"
	"github.com/vinayprograms/agentcore/internal/registry"
	"github.com/vinayprograms/agentcore/internal/session"
	"github.com/vinayprograms/agentcore/internal/tool"
)

type stubTool struct {
	desc  tool.Descriptor
	calls int32
	fn    func(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

func (s *stubTool) Descriptor() tool.Descriptor { return s.desc }

func (s *stubTool) Execute(ctx context.Context, params map[string]interface{}, env tool.Env) (interface{}, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.fn == nil {
		return "ok", nil
	}
	return s.fn(ctx, params)
}

func (s *stubTool) Calls() int { return int(atomic.LoadInt32(&s.calls)) }

func newStub(name string, readOnly bool, fn func(ctx context.Context, params map[string]interface{}) (interface{}, error)) *stubTool {
	return &stubTool{
		desc: tool.Descriptor{Name: name, Category: tool.CategoryOther, ReadOnly: readOnly},
		fn:   fn,
	}
}

type harness struct {
	sess   *session.Session
	sched  *Scheduler
	events *events.Recorder
}

func newHarness(t *testing.T, cfg Config, opts session.Options, tools ...tool.Tool) *harness {
	t.Helper()
	reg := registry.New()
	for _, tl := range tools {
		require.NoError(t, reg.Register(tl))
	}
	rec := &events.Recorder{}
	opts.Registry = reg
	opts.Events = rec
	sess := session.New(opts)
	return &harness{sess: sess, sched: New(sess, cfg), events: rec}
}

func call(id, name string, params map[string]interface{}, deps ...string) tool.Request {
	return tool.Request{ID: id, Tool: name, Params: params, DependsOn: deps}
}

type span struct{ start, end time.Time }

type timeline struct {
	mu    sync.Mutex
	spans map[string]span
}

func (tl *timeline) record(id string, d time.Duration) {
	start := time.Now()
	time.Sleep(d)
	tl.mu.Lock()
	tl.spans[id] = span{start: start, end: time.Now()}
	tl.mu.Unlock()
}

func TestRun_DependencyOrderAndParallelism(t *testing.T) {
	tl := &timeline{spans: map[string]span{}}
	work := newStub("work", false, func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		tl.record(p["id"].(string), time.Duration(p["ms"].(int))*time.Millisecond)
		return p["id"], nil
	})
	h := newHarness(t, Config{Concurrency: 4}, session.Options{}, work)

	batch, err := h.sched.Run(context.Background(), []tool.Request{
		call("A", "work", map[string]interface{}{"id": "A", "ms": 80}),
		call("B", "work", map[string]interface{}{"id": "B", "ms": 10}, "A", "C"),
		call("C", "work", map[string]interface{}{"id": "C", "ms": 80}),
	})
	require.NoError(t, err)
	require.Len(t, batch.Results, 3)
	for _, r := range batch.Results {
		assert.True(t, r.Success, r.Error)
	}
	assert.Equal(t, []string{"A", "B", "C"}, []string{batch.Results[0].CallID, batch.Results[1].CallID, batch.Results[2].CallID})
	assert.Equal(t, 3, work.Calls(), "each node runs exactly once")

	a, b, c := tl.spans["A"], tl.spans["B"], tl.spans["C"]
	assert.True(t, a.start.Before(c.end) && c.start.Before(a.end), "A and C overlap")
	assert.False(t, b.start.Before(a.end), "B starts after A")
	assert.False(t, b.start.Before(c.end), "B starts after C")
}

func TestRun_DependentStartsWhileUnrelatedSiblingRuns(t *testing.T) {
	tl := &timeline{spans: map[string]span{}}
	work := newStub("work", false, func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		tl.record(p["id"].(string), time.Duration(p["ms"].(int))*time.Millisecond)
		return p["id"], nil
	})
	h := newHarness(t, Config{Concurrency: 2}, session.Options{}, work)

	start := time.Now()
	batch, err := h.sched.Run(context.Background(), []tool.Request{
		call("A", "work", map[string]interface{}{"id": "A", "ms": 100}),
		call("B", "work", map[string]interface{}{"id": "B", "ms": 10}, "A"),
		call("C", "work", map[string]interface{}{"id": "C", "ms": 150}),
	})
	total := time.Since(start)
	require.NoError(t, err)
	for _, r := range batch.Results {
		assert.True(t, r.Success, r.Error)
	}

	a, b, c := tl.spans["A"], tl.spans["B"], tl.spans["C"]
	assert.True(t, a.start.Before(c.end) && c.start.Before(a.end), "A and C overlap")
	assert.False(t, b.start.Before(a.end), "B starts after A")
	assert.True(t, b.start.Before(c.end), "B does not wait for C")
	assert.Less(t, total, 250*time.Millisecond, "batch bounded by the longest chain, not the sum")
}

func TestRun_CycleRejectsWholeBatch(t *testing.T) {
	work := newStub("work", false, nil)
	h := newHarness(t, Config{}, session.Options{}, work)

	_, err := h.sched.Run(context.Background(), []tool.Request{
		call("A", "work", nil, "C"),
		call("B", "work", nil, "A"),
		call("C", "work", nil, "B"),
		call("D", "work", nil),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycleDetected)
	var cyc *CycleError
	require.True(t, errors.As(err, &cyc))
	assert.Equal(t, []string{"A", "C", "B", "A"}, cyc.Path)
	assert.Contains(t, err.Error(), "A -> C -> B -> A")
	assert.Zero(t, work.Calls(), "no side effects from a rejected batch")
	assert.Len(t, h.events.OfType(events.BatchRejected), 1)
	assert.True(t, IsBatchError(err))
}

func TestRun_SelfDependencyIsCycle(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{}, newStub("work", false, nil))
	_, err := h.sched.Run(context.Background(), []tool.Request{call("A", "work", nil, "A")})
	var cyc *CycleError
	require.True(t, errors.As(err, &cyc))
	assert.Equal(t, []string{"A", "A"}, cyc.Path)
}

func TestRun_InvalidBatch(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{}, newStub("work", false, nil))
	_, err := h.sched.Run(context.Background(), []tool.Request{call("A", "work", nil), call("A", "work", nil)})
	assert.ErrorIs(t, err, ErrInvalidBatch)
	_, err = h.sched.Run(context.Background(), []tool.Request{call("", "work", nil)})
	assert.ErrorIs(t, err, ErrInvalidBatch)
}

func TestRun_FailedDependencySkipsDependents(t *testing.T) {
	fail := newStub("fail", false, func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		return nil, errors.New("exit status 1")
	})
	work := newStub("work", false, nil)
	h := newHarness(t, Config{}, session.Options{}, fail, work)

	batch, err := h.sched.Run(context.Background(), []tool.Request{
		call("build", "fail", nil),
		call("test", "work", map[string]interface{}{"n": 1}, "build"),
		call("deploy", "work", map[string]interface{}{"n": 2}, "test"),
		call("lint", "work", map[string]interface{}{"n": 3}),
	})
	require.NoError(t, err)
	r := batch.Results
	assert.Equal(t, tool.KindExecution, r[0].Kind)
	assert.Equal(t, tool.KindSkipped, r[1].Kind)
	assert.Equal(t, tool.KindSkipped, r[2].Kind)
	assert.True(t, r[3].Success)
	assert.Equal(t, 1, work.Calls())

	n, _ := batch.Plan.Node("deploy")
	assert.Equal(t, StatusSkipped, n.Status)
	assert.Equal(t, []string{"test"}, batch.Plan.Dependencies(n))
}

func TestRun_UnknownDependencyFailsOnlyThatNode(t *testing.T) {
	work := newStub("work", false, nil)
	h := newHarness(t, Config{}, session.Options{}, work)
	batch, err := h.sched.Run(context.Background(), []tool.Request{
		call("A", "work", map[string]interface{}{"n": 1}, "ghost"),
		call("B", "work", map[string]interface{}{"n": 2}, "A"),
		call("C", "work", map[string]interface{}{"n": 3}),
	})
	require.NoError(t, err)
	assert.Equal(t, tool.KindValidation, batch.Results[0].Kind)
	assert.Contains(t, batch.Results[0].Error, "ghost")
	assert.Equal(t, tool.KindSkipped, batch.Results[1].Kind)
	assert.True(t, batch.Results[2].Success)
	assert.Equal(t, 1, work.Calls())
}

func TestRun_ConcurrencyBound(t *testing.T) {
	var cur, peak int32
	slow := newStub("slow", false, func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		n := atomic.AddInt32(&cur, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		atomic.AddInt32(&cur, -1)
		return nil, nil
	})
	h := newHarness(t, Config{Concurrency: 2}, session.Options{}, slow)

	var reqs []tool.Request
	for i := 0; i < 8; i++ {
		reqs = append(reqs, call(fmt.Sprint(i), "slow", map[string]interface{}{"i": i}))
	}
	batch, err := h.sched.Run(context.Background(), reqs)
	require.NoError(t, err)
	assert.Zero(t, batch.Failed())
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Equal(t, 2, h.sched.Concurrency())
}

func TestRun_CacheIdempotenceAcrossBatches(t *testing.T) {
	read := newStub("read", true, func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		return "contents of " + p["path"].(string), nil
	})
	h := newHarness(t, Config{}, session.Options{}, read)
	ctx := context.Background()

	first, err := h.sched.Run(ctx, []tool.Request{call("c1", "read", map[string]interface{}{"path": "go.mod"})})
	require.NoError(t, err)
	second, err := h.sched.Run(ctx, []tool.Request{call("c9", "read", map[string]interface{}{"path": "go.mod"})})
	require.NoError(t, err)

	assert.Equal(t, 1, read.Calls(), "underlying tool invoked once")
	assert.Equal(t, first.Results[0].Payload, second.Results[0].Payload)
	assert.True(t, second.Results[0].Cached)
	assert.Equal(t, "c9", second.Results[0].CallID)
}

func TestRun_SideEffectInvalidatesCache(t *testing.T) {
	read := newStub("read", true, nil)
	write := newStub("write", false, nil)
	h := newHarness(t, Config{}, session.Options{}, read, write)
	ctx := context.Background()

	_, err := h.sched.Run(ctx, []tool.Request{call("r1", "read", map[string]interface{}{"path": "a"})})
	require.NoError(t, err)
	_, err = h.sched.Run(ctx, []tool.Request{call("w1", "write", map[string]interface{}{"path": "a", "content": "x"})})
	require.NoError(t, err)
	assert.Zero(t, h.sess.Cache.Len())
}

func TestRun_ReadAfterWriteRunsAgain(t *testing.T) {
	read := newStub("read", true, nil)
	write := newStub("write", false, nil)
	h := newHarness(t, Config{}, session.Options{}, read, write)
	ctx := context.Background()
	path := map[string]interface{}{"path": "a"}

	_, err := h.sched.Run(ctx, []tool.Request{call("r1", "read", path)})
	require.NoError(t, err)
	_, err = h.sched.Run(ctx, []tool.Request{call("w1", "write", map[string]interface{}{"path": "a", "content": "x"})})
	require.NoError(t, err)
	reread, err := h.sched.Run(ctx, []tool.Request{call("r2", "read", path)})
	require.NoError(t, err)

	res := reread.Results[0]
	assert.True(t, res.Success, "kind=%s error=%s", res.Kind, res.Error)
	assert.False(t, res.Cached)
	assert.Equal(t, 2, read.Calls(), "read executed again after the write")
	assert.Zero(t, h.sess.Governor.ConsecutiveFailures())
}

func TestRun_DuplicateWriteSuppressed(t *testing.T) {
	write := newStub("write_file", false, nil)
	h := newHarness(t, Config{}, session.Options{}, write)
	params := map[string]interface{}{"path": "out.txt", "content": "hello"}

	first, err := h.sched.Run(context.Background(), []tool.Request{call("w1", "write_file", params)})
	require.NoError(t, err)
	second, err := h.sched.Run(context.Background(), []tool.Request{call("w2", "write_file", params)})
	require.NoError(t, err)

	assert.True(t, first.Results[0].Success)
	assert.False(t, second.Results[0].Success)
	assert.Equal(t, tool.KindDuplicate, second.Results[0].Kind)
	assert.Equal(t, 1, write.Calls(), "underlying write happens exactly once")
}

func TestRun_InFlightDuplicateSuppressed(t *testing.T) {
	release := make(chan struct{})
	bash := newStub("bash", false, func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		<-release
		return "built", nil
	})
	h := newHarness(t, Config{Concurrency: 4}, session.Options{}, bash)
	params := map[string]interface{}{"cmd": "make"}

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	batch, err := h.sched.Run(context.Background(), []tool.Request{
		call("b1", "bash", params),
		call("b2", "bash", params),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, bash.Calls())
	kinds := []tool.Kind{batch.Results[0].Kind, batch.Results[1].Kind}
	assert.Contains(t, kinds, tool.KindDuplicate)
	assert.Contains(t, kinds, tool.Kind(""))
}

func TestRun_ApprovalDenialCachedWithoutReprompt(t *testing.T) {
	var prompts int32
	decider := approval.DeciderFunc(func(ctx context.Context, req approval.Request) (approval.Decision, error) {
		atomic.AddInt32(&prompts, 1)
		return approval.Decision{Allow: false, Reason: "user said no"}, nil
	})
	rm := newStub("rm", false, nil)
	rm.desc.RequiresApproval = true
	rm.desc.Category = tool.CategoryExecution
	h := newHarness(t, Config{}, session.Options{Decider: decider}, rm)

	for i, path := range []string{"a", "b"} {
		batch, err := h.sched.Run(context.Background(), []tool.Request{
			call(fmt.Sprint("c", i), "rm", map[string]interface{}{"path": path}),
		})
		require.NoError(t, err)
		assert.Equal(t, tool.KindDenied, batch.Results[0].Kind)
		assert.Contains(t, batch.Results[0].Error, "user said no")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&prompts))
	assert.Zero(t, rm.Calls())
}

func TestRun_CancelledDuringApprovalIsNotAFailure(t *testing.T) {
	asked := make(chan struct{})
	decider := approval.DeciderFunc(func(ctx context.Context, req approval.Request) (approval.Decision, error) {
		close(asked)
		<-ctx.Done()
		return approval.Decision{}, ctx.Err()
	})
	rm := newStub("rm", false, nil)
	rm.desc.RequiresApproval = true
	h := newHarness(t, Config{}, session.Options{Decider: decider}, rm)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-asked
		cancel()
	}()
	batch, err := h.sched.Run(ctx, []tool.Request{call("c", "rm", nil)})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, batch)
	assert.Equal(t, tool.KindCancelled, batch.Results[0].Kind)
	assert.Zero(t, rm.Calls())
	assert.Zero(t, h.sess.Governor.ConsecutiveFailures(), "cancelled prompt does not feed the breaker")
}

func TestRun_ApprovalAllowed(t *testing.T) {
	rm := newStub("rm", false, nil)
	rm.desc.RequiresApproval = true
	h := newHarness(t, Config{}, session.Options{Decider: approval.AllowAll}, rm)
	batch, err := h.sched.Run(context.Background(), []tool.Request{call("c", "rm", nil)})
	require.NoError(t, err)
	assert.True(t, batch.Results[0].Success)
	assert.Equal(t, 1, rm.Calls())
}

func TestRun_ValidationAndNotFound(t *testing.T) {
	read := newStub("read", true, nil)
	read.desc.Schema = map[string]interface{}{
		"properties": map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
		"required":   []interface{}{"path"},
	}
	h := newHarness(t, Config{}, session.Options{}, read)

	batch, err := h.sched.Run(context.Background(), []tool.Request{
		call("v", "read", map[string]interface{}{"path": 3}),
		call("n", "nope", nil),
	})
	require.NoError(t, err)
	assert.Equal(t, tool.KindValidation, batch.Results[0].Kind)
	assert.Contains(t, batch.Results[0].Error, "path")
	assert.Equal(t, tool.KindNotFound, batch.Results[1].Kind)
	assert.Zero(t, read.Calls())
}

func TestRun_TimeoutIsolatedFromSiblings(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	hang := newStub("hang", false, func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		<-block // ignores ctx
		return nil, nil
	})
	quick := newStub("quick", false, nil)
	h := newHarness(t, Config{Timeout: 30 * time.Millisecond}, session.Options{}, hang, quick)

	start := time.Now()
	batch, err := h.sched.Run(context.Background(), []tool.Request{
		call("h", "hang", nil),
		call("q", "quick", nil),
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, tool.KindTimeout, batch.Results[0].Kind)
	assert.Equal(t, 1, batch.Results[0].Attempts, "timeouts are not retried")
	assert.True(t, batch.Results[1].Success)
}

func TestRun_PanicBecomesExecutionFailure(t *testing.T) {
	boom := newStub("boom", false, func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		panic("nil map write")
	})
	h := newHarness(t, Config{}, session.Options{}, boom)
	batch, err := h.sched.Run(context.Background(), []tool.Request{call("x", "boom", nil)})
	require.NoError(t, err)
	assert.Equal(t, tool.KindExecution, batch.Results[0].Kind)
	assert.Contains(t, batch.Results[0].Error, "panicked")
}

func TestRun_TransientFailureRetried(t *testing.T) {
	var n int32
	flaky := newStub("fetch", true, func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		if atomic.AddInt32(&n, 1) < 3 {
			return nil, governor.MarkTransient(errors.New("503 service unavailable"))
		}
		return "page", nil
	})
	gcfg := governor.Config{Retry: governor.RetryConfig{MaxAttempts: 5, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}}
	h := newHarness(t, Config{}, session.Options{Governor: gcfg}, flaky)

	batch, err := h.sched.Run(context.Background(), []tool.Request{call("f", "fetch", nil)})
	require.NoError(t, err)
	assert.True(t, batch.Results[0].Success)
	assert.Equal(t, 3, batch.Results[0].Attempts)
}

func TestRun_CancellationReachesInFlightCalls(t *testing.T) {
	started := make(chan struct{}, 2)
	wait := newStub("wait", false, func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	after := newStub("after", false, nil)
	h := newHarness(t, Config{Concurrency: 2}, session.Options{}, wait, after)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		<-started
		cancel()
	}()
	batch, err := h.sched.Run(ctx, []tool.Request{
		call("w1", "wait", map[string]interface{}{"n": 1}),
		call("w2", "wait", map[string]interface{}{"n": 2}),
		call("a", "after", nil, "w1"),
	})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, batch)
	assert.Equal(t, tool.KindCancelled, batch.Results[0].Kind)
	assert.Equal(t, tool.KindCancelled, batch.Results[1].Kind)
	assert.False(t, batch.Results[2].Success)
	assert.Zero(t, after.Calls())
	assert.Zero(t, h.sess.Governor.ConsecutiveFailures(), "cancellations are not failures")
}

func TestRun_BreakerStopsLaunchingNewCalls(t *testing.T) {
	fail := newStub("fail", false, func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		return nil, errors.New("nope")
	})
	h := newHarness(t, Config{Concurrency: 1}, session.Options{Governor: governor.Config{FailureThreshold: 3}}, fail)

	var reqs []tool.Request
	for i := 0; i < 5; i++ {
		reqs = append(reqs, call(fmt.Sprint(i), "fail", map[string]interface{}{"i": i}))
	}
	batch, err := h.sched.Run(context.Background(), reqs)
	require.NoError(t, err)
	assert.Equal(t, 3, fail.Calls())
	assert.Equal(t, tool.KindCircuitOpen, batch.Results[3].Kind)
	assert.Equal(t, tool.KindCircuitOpen, batch.Results[4].Kind)
	assert.True(t, h.sess.Governor.Tripped())
}

func TestExecute_DeadlockDetected(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{}, newStub("work", false, nil))
	plan, err := BuildPlan([]tool.Request{call("A", "work", nil), call("B", "work", nil)})
	require.NoError(t, err)
	// Corrupt the bookkeeping so nothing can ever become ready.
	for _, n := range plan.Nodes {
		n.waiting = 1
	}
	err = h.sched.execute(context.Background(), plan)
	require.ErrorIs(t, err, ErrDeadlockDetected)
	for _, n := range plan.Nodes {
		assert.Equal(t, StatusFailed, n.Status)
		assert.Equal(t, tool.KindDeadlock, n.Result.Kind)
	}
}

func TestRun_EmitsLifecycleEvents(t *testing.T) {
	h := newHarness(t, Config{}, session.Options{ID: "s-events"}, newStub("work", false, nil))
	_, err := h.sched.Run(WithTurn(context.Background(), 4), []tool.Request{
		call("a", "work", map[string]interface{}{"n": 1}),
		call("b", "work", map[string]interface{}{"n": 2}, "a"),
	})
	require.NoError(t, err)
	ends := h.events.OfType(events.ToolEnd)
	require.Len(t, ends, 2)
	assert.Len(t, h.events.OfType(events.ToolStart), 2)
	for _, e := range ends {
		assert.Equal(t, 4, e.Turn)
		assert.Equal(t, "s-events", e.SessionID)
		assert.Equal(t, string(StatusCompleted), e.Status)
	}
}

func TestTruncate_SpanAttributesKeepRunesWhole(t *testing.T) {
	assert.Equal(t, "aé", truncate("aé", 10))
	assert.Equal(t, "a...", truncate("aé日本", 2))
	assert.Equal(t, "aé...", truncate("aé日本", 4))
}
