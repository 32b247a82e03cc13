// Tracing instrumentation for the conversation loop.
package conversation

import (
	"context"
	"unicode/utf8"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// startRunSpan starts a span covering one Run.
func (l *Loop) startRunSpan(ctx context.Context, prompt string) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "conversation.run")
	span.SetAttributes(
		attribute.String("session.id", l.sess.ID),
		attribute.Int("conversation.max_turns", l.cfg.MaxTurns),
	)
	if tracer.Debug() {
		span.SetAttributes(attribute.String("conversation.prompt", truncate(prompt, 2000)))
	}
	return ctx, span
}

// endRunSpan ends the run span with the outcome.
func (l *Loop) endRunSpan(span trace.Span, out *Outcome, err error) {
	span.SetAttributes(
		attribute.String("conversation.reason", string(out.Reason)),
		attribute.Int("conversation.turns", out.Turns),
	)
	tracer := telemetry.GetTracer()
	if tracer.Debug() && out.Answer != "" {
		span.SetAttributes(attribute.String("conversation.answer", truncate(out.Answer, 2000)))
	}
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// startTurnSpan starts a span for one model round-trip and its tool batch.
func (l *Loop) startTurnSpan(ctx context.Context, turn int) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "conversation.turn")
	span.SetAttributes(attribute.Int("turn.index", turn))
	return ctx, span
}

func (l *Loop) endTurnSpan(span trace.Span, calls int, err error) {
	span.SetAttributes(attribute.Int("turn.tool_calls", calls))
	if err != nil {
		span.RecordError(err)
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
