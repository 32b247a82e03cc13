// Tracing instrumentation for the scheduler.
package scheduler

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/agentcore/internal/tool"
)

// startBatchSpan starts a span covering one batch.
func (s *Scheduler) startBatchSpan(ctx context.Context, calls int) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "scheduler.batch")
	span.SetAttributes(
		attribute.Int("batch.calls", calls),
		attribute.Int("batch.concurrency", s.concurrency),
		attribute.Int("batch.turn", turnFrom(ctx)),
	)
	return ctx, span
}

// endBatchSpan ends the batch span.
func (s *Scheduler) endBatchSpan(span trace.Span, failed int, err error) {
	span.SetAttributes(attribute.Int("batch.failed", failed))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// startToolSpan starts a span for one tool call.
func (s *Scheduler) startToolSpan(ctx context.Context, req tool.Request) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "tool."+req.Tool)
	span.SetAttributes(
		attribute.String("tool.name", req.Tool),
		attribute.String("tool.call_id", req.ID),
		attribute.StringSlice("tool.depends_on", req.DependsOn),
	)
	if tracer.Debug() {
		if params, err := tool.Canonical(req.Params); err == nil {
			span.SetAttributes(attribute.String("tool.params", truncate(params, 1000)))
		}
	}
	return ctx, span
}

// endToolSpan ends the tool span with the outcome.
func (s *Scheduler) endToolSpan(span trace.Span, res tool.Result) {
	span.SetAttributes(
		attribute.Bool("tool.success", res.Success),
		attribute.Bool("tool.cached", res.Cached),
		attribute.Int("tool.attempts", res.Attempts),
	)
	if !res.Success {
		span.SetAttributes(attribute.String("tool.error_kind", string(res.Kind)))
		span.RecordError(fmt.Errorf("%s", res.Error))
	}
	span.End()
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
