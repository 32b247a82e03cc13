package governor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/agentcore/internal/tool"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func okResult(name string) tool.Result {
	return tool.Succeeded(tool.Request{ID: "x", Tool: name}, nil)
}

func failResult(name string, kind tool.Kind) tool.Result {
	return tool.Failed(tool.Request{ID: "x", Tool: name}, kind, "failed")
}

func TestAdmit_SuppressesWithinWindow(t *testing.T) {
	c := &clock{now: time.Unix(0, 0)}
	g := New(Config{DedupWindow: time.Minute}, WithClock(c.Now))

	_, ok := g.Admit("write:{}", false)
	require.True(t, ok)

	c.Advance(59 * time.Second)
	rec, ok := g.Admit("write:{}", false)
	assert.False(t, ok)
	assert.Equal(t, 2, rec.Count)

	c.Advance(2 * time.Second)
	rec, ok = g.Admit("write:{}", false)
	assert.True(t, ok, "window is measured from the last admitted attempt")
	assert.Equal(t, 3, rec.Count)

	_, ok = g.Admit("write:{\"path\":\"b\"}", false)
	assert.True(t, ok, "different signature is independent")
}

func TestForgetReads_ReleasesOnlyReadSignatures(t *testing.T) {
	g := New(DefaultConfig())
	_, ok := g.Admit("read:{\"path\":\"a\"}", true)
	require.True(t, ok)
	_, ok = g.Admit("write:{\"path\":\"a\"}", false)
	require.True(t, ok)

	assert.Equal(t, 1, g.ForgetReads())

	_, ok = g.Admit("read:{\"path\":\"a\"}", true)
	assert.True(t, ok, "read runs again after its record is dropped")
	_, ok = g.Admit("write:{\"path\":\"a\"}", false)
	assert.False(t, ok, "side-effecting signature is still suppressed")
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ab...", truncate("abcdef", 2))

	// "é" is two bytes; cutting at 2 would split it.
	got := truncate("aé日本", 2)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "a...", got)
}

func TestAdmit_ConcurrentDuplicatesOnlyOneRuns(t *testing.T) {
	g := New(DefaultConfig())
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := g.Admit("bash:{\"cmd\":\"make\"}", false); ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, admitted)
}

func TestObserve_TripsAfterThreeConsecutiveFailures(t *testing.T) {
	g := New(Config{FailureThreshold: 3})

	assert.False(t, g.Observe("a", failResult("read", tool.KindExecution)))
	assert.False(t, g.Observe("b", failResult("bash", tool.KindTimeout)))
	assert.True(t, g.Observe("c", failResult("grep", tool.KindValidation)))
	assert.True(t, g.Tripped())
	assert.Equal(t, 3, g.ConsecutiveFailures())

	// A late success resets the streak but the breaker stays latched.
	g.Observe("d", okResult("read"))
	assert.Zero(t, g.ConsecutiveFailures())
	assert.True(t, g.Tripped())

	g.Reset()
	assert.False(t, g.Tripped())
}

func TestObserve_SuccessResetsStreak(t *testing.T) {
	g := New(Config{FailureThreshold: 3})
	g.Observe("a", failResult("read", tool.KindExecution))
	g.Observe("b", failResult("read", tool.KindExecution))
	g.Observe("c", okResult("ls"))
	g.Observe("d", failResult("read", tool.KindExecution))
	g.Observe("e", failResult("read", tool.KindExecution))
	assert.False(t, g.Tripped())
	assert.Equal(t, 2, g.ConsecutiveFailures())
}

func TestObserve_IgnoresUnattemptedResults(t *testing.T) {
	g := New(Config{FailureThreshold: 1})
	g.Observe("a", failResult("read", tool.KindSkipped))
	g.Observe("b", failResult("read", tool.KindCancelled))
	assert.False(t, g.Tripped())
	assert.Zero(t, g.ConsecutiveFailures())
}

func TestObserve_PerSignatureFailuresResetOnSuccessOnly(t *testing.T) {
	c := &clock{now: time.Unix(0, 0)}
	g := New(DefaultConfig(), WithClock(c.Now))
	g.Admit("sig", false)
	g.Observe("sig", failResult("read", tool.KindExecution))
	c.Advance(time.Hour)
	g.Admit("sig", false)
	g.Observe("sig", failResult("read", tool.KindExecution))

	rec, ok := g.Record("sig")
	require.True(t, ok)
	assert.Equal(t, 2, rec.Failures, "time passing does not reset the count")
	assert.Equal(t, tool.KindExecution, rec.LastKind)

	g.Observe("sig", okResult("read"))
	rec, _ = g.Record("sig")
	assert.Zero(t, rec.Failures)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("boom"), false},
		{MarkTransient(errors.New("rate limited")), true},
		{fmt.Errorf("wrapped: %w", MarkTransient(errors.New("busy"))), true},
		{fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{&os.PathError{Op: "open", Path: "x", Err: syscall.EBUSY}, true},
		{timeoutErr{}, true},
		{&os.PathError{Op: "open", Path: "x", Err: os.ErrNotExist}, false},
		{os.ErrPermission, false},
		{context.DeadlineExceeded, false},
		{context.Canceled, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsTransient(tc.err), "%v", tc.err)
	}
	assert.Nil(t, MarkTransient(nil))
}

func fastRetry(attempts int) Config {
	return Config{Retry: RetryConfig{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	}}
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	g := New(fastRetry(5))
	calls := 0
	out, attempts, err := g.Retry(context.Background(), "sig", func(ctx context.Context) (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, MarkTransient(errors.New("flaky"))
		}
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, 3, attempts)
}

func TestRetry_DeterministicFailureNotRetried(t *testing.T) {
	g := New(fastRetry(5))
	calls := 0
	_, attempts, err := g.Retry(context.Background(), "sig", func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, os.ErrNotExist
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	g := New(fastRetry(3))
	_, attempts, err := g.Retry(context.Background(), "sig", func(ctx context.Context) (interface{}, error) {
		return nil, MarkTransient(errors.New("still busy"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.True(t, IsTransient(err))
}

func TestRetry_TimeoutNotRetried(t *testing.T) {
	g := New(fastRetry(3))
	_, attempts, err := g.Retry(context.Background(), "sig", func(ctx context.Context) (interface{}, error) {
		return nil, fmt.Errorf("tool: %w", context.DeadlineExceeded)
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
