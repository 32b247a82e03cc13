package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vinayprograms/agentcore/internal/approval"
	"github.com/vinayprograms/agentcore/internal/events"
	"github.com/vinayprograms/agentcore/internal/tool"
)

// runNode executes one call through the full pipeline and records the outcome
// with the failure governor. It runs on its own goroutine and only reads req.
func (s *Scheduler) runNode(ctx context.Context, req tool.Request) tool.Result {
	start := time.Now()
	s.sess.Emit(events.Event{Type: events.ToolStart, Turn: turnFrom(ctx), CallID: req.ID, Tool: req.Tool})

	ctx, span := s.startToolSpan(ctx, req)
	res, sig := s.pipeline(ctx, req)
	res.CallID = req.ID
	res.Tool = req.Tool
	duration := time.Since(start)

	s.sess.Governor.Observe(sig, res)
	s.endToolSpan(span, res)

	outcome := "success"
	if !res.Success {
		outcome = string(res.Kind)
	}
	toolCalls.WithLabelValues(req.Tool, outcome).Inc()
	toolDuration.WithLabelValues(req.Tool).Observe(duration.Seconds())

	fields := map[string]interface{}{
		"tool":        req.Tool,
		"call_id":     req.ID,
		"duration_ms": duration.Milliseconds(),
		"cached":      res.Cached,
		"attempts":    res.Attempts,
	}
	if res.Success {
		s.logger.Info("tool call completed", fields)
	} else {
		fields["kind"] = string(res.Kind)
		fields["error"] = res.Error
		s.logger.Warn("tool call failed", fields)
	}

	status := StatusCompleted
	if !res.Success {
		status = StatusFailed
	}
	s.emitEnd(ctx, req, res, status, duration)
	return res
}

// pipeline: cache lookup, validation, dedup, approval, execution, write-through.
// It returns the result and the call signature ("" if none could be formed).
func (s *Scheduler) pipeline(ctx context.Context, req tool.Request) (tool.Result, string) {
	t, err := s.sess.Registry.Get(req.Tool)
	if err != nil {
		return tool.Failed(req, tool.KindNotFound, "%v", err), ""
	}
	desc, err := s.sess.Registry.Descriptor(req.Tool)
	if err != nil {
		return tool.Failed(req, tool.KindNotFound, "%v", err), ""
	}

	sig, err := tool.Key(req.Tool, req.Params)
	if err != nil {
		return tool.Failed(req, tool.KindValidation, "%v", err), ""
	}

	if desc.ReadOnly {
		if cached, ok := s.sess.Cache.Get(sig); ok {
			cached.CallID = req.ID
			cached.Cached = true
			cached.Attempts = 0
			return cached, sig
		}
	}

	errs, err := s.sess.Registry.Validate(req.Tool, req.Params)
	if err != nil {
		return tool.Failed(req, tool.KindNotFound, "%v", err), sig
	}
	if len(errs) > 0 {
		return tool.Failed(req, tool.KindValidation, "invalid parameters: %s", tool.JoinFieldErrors(errs)), sig
	}

	if rec, ok := s.sess.Governor.Admit(sig, desc.ReadOnly); !ok {
		return tool.Failed(req, tool.KindDuplicate,
			"identical %s call already issued %d time(s) within %s; not repeating it",
			req.Tool, rec.Count-1, s.sess.Governor.Config().DedupWindow), sig
	}

	if desc.RequiresApproval {
		d := s.sess.Approvals.Check(ctx, approval.Request{
			Tool:     req.Tool,
			Category: desc.Category,
			CallID:   req.ID,
			Params:   req.Params,
		})
		if ctx.Err() != nil {
			return tool.Failed(req, tool.KindCancelled, "cancelled awaiting approval: %v", ctx.Err()), sig
		}
		if !d.Allow {
			return tool.Failed(req, tool.KindDenied, "approval denied: %s", d.Reason), sig
		}
	}

	env := s.sess.Env(req, desc.Category)
	payload, attempts, err := s.sess.Governor.Retry(ctx, sig, func(ctx context.Context) (interface{}, error) {
		return s.invoke(ctx, t, req, env)
	})
	if err != nil {
		var res tool.Result
		switch {
		case ctx.Err() != nil:
			res = tool.Failed(req, tool.KindCancelled, "cancelled: %v", ctx.Err())
		case errors.Is(err, context.DeadlineExceeded):
			res = tool.Failed(req, tool.KindTimeout, "timed out after %s", s.timeout)
		default:
			res = tool.Failed(req, tool.KindExecution, "%v", err)
		}
		res.Attempts = attempts
		return res, sig
	}

	res := tool.Succeeded(req, payload)
	res.Attempts = attempts
	if desc.ReadOnly {
		s.sess.Cache.Put(sig, res)
	} else {
		purged := s.sess.Cache.Purge()
		forgotten := s.sess.Governor.ForgetReads()
		if purged > 0 || forgotten > 0 {
			s.logger.Debug("read state invalidated after side effect", map[string]interface{}{
				"tool":    req.Tool,
				"entries": purged,
				"reads":   forgotten,
			})
		}
	}
	return res, sig
}

// invoke runs the tool under the per-call timeout. A tool that ignores its
// context is abandoned when the deadline passes; a panic becomes an error.
func (s *Scheduler) invoke(ctx context.Context, t tool.Tool, req tool.Request, env tool.Env) (interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type outcome struct {
		out interface{}
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("tool %s panicked: %v", req.Tool, r)}
			}
		}()
		out, err := t.Execute(callCtx, req.Params, env)
		ch <- outcome{out: out, err: err}
	}()

	select {
	case o := <-ch:
		return o.out, o.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s: %w", req.Tool, context.DeadlineExceeded)
	}
}

func (s *Scheduler) emitEnd(ctx context.Context, req tool.Request, res tool.Result, status Status, d time.Duration) {
	s.sess.Emit(events.Event{
		Type:     events.ToolEnd,
		Turn:     turnFrom(ctx),
		CallID:   req.ID,
		Tool:     req.Tool,
		Status:   string(status),
		Kind:     string(res.Kind),
		Cached:   res.Cached,
		Duration: d,
		Detail:   res.Error,
	})
}
