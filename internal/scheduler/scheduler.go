// Package scheduler executes a batch of tool calls in dependency order with
// bounded parallelism.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/agentcore/internal/events"
	"github.com/vinayprograms/agentcore/internal/session"
	"github.com/vinayprograms/agentcore/internal/tool"
)

// DefaultTimeout is the per-call execution limit.
const DefaultTimeout = 2 * time.Minute

// Config tunes a scheduler. Zero values take defaults.
type Config struct {
	Concurrency int
	Timeout     time.Duration
}

// DefaultConcurrency scales with available CPUs, clamped to [4, 32].
func DefaultConcurrency() int {
	n := runtime.NumCPU() * 4
	if n < 4 {
		n = 4
	}
	if n > 32 {
		n = 32
	}
	return n
}

// Scheduler runs batches against one session.
type Scheduler struct {
	sess        *session.Session
	concurrency int
	timeout     time.Duration
	logger      *logging.Logger
}

// New creates a scheduler bound to sess.
func New(sess *session.Session, cfg Config) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Scheduler{
		sess:        sess,
		concurrency: cfg.Concurrency,
		timeout:     cfg.Timeout,
		logger:      logging.New().WithComponent("scheduler"),
	}
}

// Concurrency returns the parallelism bound.
func (s *Scheduler) Concurrency() int { return s.concurrency }

// Batch is the outcome of one Run.
type Batch struct {
	Plan     *Plan
	Results  []tool.Result
	Duration time.Duration
}

// Failed counts results that are not successful.
func (b *Batch) Failed() int {
	n := 0
	for _, r := range b.Results {
		if !r.Success {
			n++
		}
	}
	return n
}

type turnKey struct{}

// WithTurn tags ctx with the conversation turn a batch belongs to.
func WithTurn(ctx context.Context, turn int) context.Context {
	return context.WithValue(ctx, turnKey{}, turn)
}

func turnFrom(ctx context.Context) int {
	turn, _ := ctx.Value(turnKey{}).(int)
	return turn
}

// Run builds the dependency graph for reqs and executes it. A cycle or an
// invalid batch is reported before anything runs. Results come back in
// request order. On cancellation Run waits for every in-flight call to return
// and reports ctx.Err() alongside the partial batch.
func (s *Scheduler) Run(ctx context.Context, reqs []tool.Request) (*Batch, error) {
	start := time.Now()
	ctx, span := s.startBatchSpan(ctx, len(reqs))

	plan, err := BuildPlan(reqs)
	if err != nil {
		s.logger.Error("batch rejected", map[string]interface{}{
			"calls": len(reqs),
			"error": err.Error(),
		})
		s.sess.Emit(events.Event{Type: events.BatchRejected, Turn: turnFrom(ctx), Detail: err.Error()})
		s.endBatchSpan(span, 0, err)
		return nil, err
	}

	batchSize.Observe(float64(len(reqs)))
	err = s.execute(ctx, plan)
	batch := &Batch{Plan: plan, Results: plan.Results(), Duration: time.Since(start)}

	s.logger.Info("batch finished", map[string]interface{}{
		"calls":       len(reqs),
		"failed":      batch.Failed(),
		"duration_ms": batch.Duration.Milliseconds(),
	})
	s.endBatchSpan(span, batch.Failed(), err)
	return batch, err
}

type completion struct {
	index  int
	result tool.Result
}

type stopReason int

const (
	running stopReason = iota
	stopCancelled
	stopBreaker
)

// execute drives the ready queue until every node is settled.
func (s *Scheduler) execute(ctx context.Context, plan *Plan) error {
	done := make(chan completion, len(plan.Nodes))
	var ready []int

	for _, n := range plan.Nodes {
		switch {
		case n.Status == StatusFailed:
			// Rejected while building the plan.
			s.sess.Governor.Observe("", n.Result)
			s.emitEnd(ctx, n.Request, n.Result, n.Status, 0)
			s.skipDependents(ctx, plan, n)
		case n.Status == StatusPending && n.waiting == 0:
			ready = append(ready, n.index)
		}
	}

	inflight := 0
	stop := running
	for {
		for len(ready) > 0 && inflight < s.concurrency && stop == running {
			if ctx.Err() != nil {
				stop = stopCancelled
				break
			}
			if s.sess.Governor.Tripped() {
				stop = stopBreaker
				break
			}
			n := plan.Nodes[ready[0]]
			ready = ready[1:]
			if n.Status != StatusPending {
				continue
			}
			n.Status = StatusRunning
			inflight++
			go func(index int, req tool.Request) {
				done <- completion{index: index, result: s.runNode(ctx, req)}
			}(n.index, n.Request)
		}

		if inflight == 0 {
			break
		}

		// In-flight calls see cancellation through ctx; waiting here for every
		// one of them keeps their slots accounted for.
		c := <-done
		inflight--
		n := plan.Nodes[c.index]
		n.Result = c.result
		if c.result.Success {
			n.Status = StatusCompleted
			for _, d := range n.dependents {
				dep := plan.Nodes[d]
				dep.waiting--
				if dep.waiting == 0 && dep.Status == StatusPending {
					ready = append(ready, d)
				}
			}
			continue
		}
		n.Status = StatusFailed
		s.skipDependents(ctx, plan, n)
	}

	if stop == running && ctx.Err() != nil && hasPending(plan) {
		stop = stopCancelled
	}

	switch stop {
	case stopCancelled:
		s.settlePending(ctx, plan, tool.KindCancelled, "cancelled before start")
		return ctx.Err()
	case stopBreaker:
		s.settlePending(ctx, plan, tool.KindCircuitOpen, "not started: consecutive failure limit reached")
		return nil
	}

	if hasPending(plan) {
		var stuck []string
		for _, n := range plan.Nodes {
			if n.Status == StatusPending {
				stuck = append(stuck, n.Request.ID)
			}
		}
		s.logger.Error("scheduler deadlock", map[string]interface{}{"pending": stuck})
		s.settlePending(ctx, plan, tool.KindDeadlock, "no runnable calls remained")
		return fmt.Errorf("%w: %d call(s) could not be scheduled: %v", ErrDeadlockDetected, len(stuck), stuck)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// skipDependents marks everything downstream of a failed node as skipped.
func (s *Scheduler) skipDependents(ctx context.Context, plan *Plan, failed *Node) {
	queue := []*Node{failed}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range cur.dependents {
			dep := plan.Nodes[d]
			if dep.Status != StatusPending {
				continue
			}
			dep.Status = StatusSkipped
			dep.Result = tool.Failed(dep.Request, tool.KindSkipped,
				"skipped: dependency %q did not complete (%s)", cur.Request.ID, cur.Result.Kind)
			s.emitEnd(ctx, dep.Request, dep.Result, dep.Status, 0)
			queue = append(queue, dep)
		}
	}
}

func (s *Scheduler) settlePending(ctx context.Context, plan *Plan, kind tool.Kind, msg string) {
	for _, n := range plan.Nodes {
		if n.Status != StatusPending {
			continue
		}
		n.Status = StatusSkipped
		if kind == tool.KindDeadlock {
			n.Status = StatusFailed
		}
		n.Result = tool.Failed(n.Request, kind, "%s", msg)
		s.emitEnd(ctx, n.Request, n.Result, n.Status, 0)
	}
}

func hasPending(plan *Plan) bool {
	for _, n := range plan.Nodes {
		if n.Status == StatusPending {
			return true
		}
	}
	return false
}

// IsBatchError reports whether err rejected a whole batch rather than
// individual calls.
func IsBatchError(err error) bool {
	return errors.Is(err, ErrCycleDetected) || errors.Is(err, ErrDeadlockDetected) || errors.Is(err, ErrInvalidBatch)
}
