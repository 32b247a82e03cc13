// Package conversation drives the multi-turn exchange between the model and
// the tool scheduler.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/agentcore/internal/events"
	"github.com/vinayprograms/agentcore/internal/scheduler"
	"github.com/vinayprograms/agentcore/internal/session"
	"github.com/vinayprograms/agentcore/internal/tool"
)

// DefaultMaxTurns bounds model round-trips per Run.
const DefaultMaxTurns = 25

var (
	// ErrTurnLimitExceeded is reported when the model kept requesting tools
	// until MaxTurns ran out.
	ErrTurnLimitExceeded = errors.New("turn limit exceeded")
	// ErrConsecutiveFailureLimit is reported when the failure breaker tripped.
	ErrConsecutiveFailureLimit = errors.New("consecutive failure limit reached")
)

// State is the position of the loop in its state machine.
type State string

const (
	StateIdle                State = "idle"
	StateAwaitingModel       State = "awaiting_model"
	StateToolCallsReceived   State = "tool_calls_received"
	StateExecuting           State = "executing"
	StateResultsAppended     State = "results_appended"
	StateNoToolCallsReceived State = "no_tool_calls_received"
	StateTurnLimitReached    State = "turn_limit_reached"
	StateFailureLimitReached State = "consecutive_failure_limit_reached"
	StateCancelled           State = "cancelled"
	StateComplete            State = "complete"
)

// StopReason says why a Run ended.
type StopReason string

const (
	StopComplete     StopReason = "complete"
	StopTurnLimit    StopReason = "turn_limit_reached"
	StopFailureLimit StopReason = "consecutive_failure_limit_reached"
	StopCancelled    StopReason = "cancelled"
	StopModelError   StopReason = "model_error"
)

// Outcome is the result of one Run.
type Outcome struct {
	Reason StopReason
	// Answer is the model's final content. For forced exits it is the
	// content of the last model reply, possibly empty.
	Answer string
	Turns  int
	// Notice is a user-facing explanation of a forced exit.
	Notice string
	// ToolTurns lists every turn that executed tools.
	ToolTurns []Turn
	cause     error
}

// Err returns the sentinel for a forced exit, the context error for a
// cancelled run, the backend error for a failed one, or nil.
func (o *Outcome) Err() error {
	switch o.Reason {
	case StopTurnLimit:
		return ErrTurnLimitExceeded
	case StopFailureLimit:
		return ErrConsecutiveFailureLimit
	case StopCancelled, StopModelError:
		return o.cause
	}
	return nil
}

// Config tunes the loop.
type Config struct {
	MaxTurns     int
	SystemPrompt string
	// FallbackExtraction enables scraping tool calls out of content when the
	// structured channel yields none.
	FallbackExtraction bool
}

// Loop runs conversations for one session. Runs are sequential; History
// carries over from one Run to the next.
type Loop struct {
	sess      *session.Session
	sched     *scheduler.Scheduler
	model     Model
	cfg       Config
	extractor TextExtractor
	logger    *logging.Logger

	// OnContent receives streamed content deltas as they arrive.
	OnContent func(delta string)

	History *History

	runMu sync.Mutex
	mu    sync.Mutex
	state State
}

// New creates a loop.
func New(sess *session.Session, sched *scheduler.Scheduler, model Model, cfg Config) *Loop {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	l := &Loop{
		sess:    sess,
		sched:   sched,
		model:   model,
		cfg:     cfg,
		logger:  logging.New().WithComponent("conversation"),
		History: &History{},
		state:   StateIdle,
	}
	if cfg.SystemPrompt != "" {
		l.History.Append(Message{Role: RoleSystem, Content: cfg.SystemPrompt})
	}
	return l
}

// State returns the current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	prev := l.state
	l.state = s
	l.mu.Unlock()
	l.logger.Debug("state transition", map[string]interface{}{
		"from": string(prev),
		"to":   string(s),
	})
}

// Run appends prompt as a user message and loops until the model stops
// requesting tools, a limit is reached, or ctx is cancelled. Forced exits are
// reported through the Outcome, not as errors. The returned error is non-nil
// only for cancellation and backend failures.
func (l *Loop) Run(ctx context.Context, prompt string) (*Outcome, error) {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	ctx, span := l.startRunSpan(ctx, prompt)
	l.History.Append(Message{Role: RoleUser, Content: prompt})
	out := &Outcome{}

	finish := func(reason StopReason, state State, notice string, cause error) (*Outcome, error) {
		out.Reason = reason
		out.Notice = notice
		out.cause = cause
		l.setState(state)
		if state != StateComplete {
			l.setState(StateComplete)
		}
		runs.WithLabelValues(string(reason)).Inc()
		l.sess.Emit(events.Event{
			Type:   events.ConversationEnd,
			Turn:   out.Turns,
			Status: string(reason),
			Detail: notice,
		})
		fields := map[string]interface{}{
			"reason": string(reason),
			"turns":  out.Turns,
		}
		if notice != "" {
			fields["notice"] = notice
		}
		l.logger.Info("conversation finished", fields)
		l.endRunSpan(span, out, cause)
		if reason == StopCancelled || reason == StopModelError {
			return out, cause
		}
		return out, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(StopCancelled, StateCancelled, "Cancelled.", err)
		}
		if l.sess.Governor.Tripped() {
			n := l.sess.Governor.Config().FailureThreshold
			return finish(StopFailureLimit, StateFailureLimitReached,
				fmt.Sprintf("Stopped after %d consecutive failed tool calls. Reset the session or change approach before retrying.", n), nil)
		}
		if out.Turns >= l.cfg.MaxTurns {
			return finish(StopTurnLimit, StateTurnLimitReached,
				fmt.Sprintf("Stopped after %d turns without a final answer.", l.cfg.MaxTurns), nil)
		}

		out.Turns++
		turn := out.Turns
		turnStart := time.Now()
		turnCtx, turnSpan := l.startTurnSpan(ctx, turn)
		l.sess.Emit(events.Event{Type: events.TurnStart, Turn: turn})
		turns.Inc()

		l.setState(StateAwaitingModel)
		content, calls, err := l.ask(turnCtx)
		if err != nil {
			l.endTurnSpan(turnSpan, 0, err)
			if ctx.Err() != nil {
				return finish(StopCancelled, StateCancelled, "Cancelled.", ctx.Err())
			}
			return finish(StopModelError, StateComplete, "", fmt.Errorf("model error: %w", err))
		}
		out.Answer = content

		if len(calls) == 0 && l.cfg.FallbackExtraction {
			calls = l.extractor.Extract(turn, content)
			if len(calls) > 0 {
				l.logger.Warn("recovered tool calls from content", map[string]interface{}{
					"turn":  turn,
					"count": len(calls),
				})
			}
		}

		if len(calls) == 0 {
			l.setState(StateNoToolCallsReceived)
			l.History.Append(Message{Role: RoleAssistant, Content: content})
			l.emitTurnEnd(turn, 0, turnStart)
			l.endTurnSpan(turnSpan, 0, nil)
			return finish(StopComplete, StateComplete, "", nil)
		}

		l.setState(StateToolCallsReceived)
		l.History.Append(Message{Role: RoleAssistant, Content: content, ToolCalls: calls})

		l.setState(StateExecuting)
		results, batchErr := l.execute(turnCtx, turn, calls)

		msgs := make([]Message, len(calls))
		for i, c := range calls {
			msgs[i] = Message{Role: RoleTool, Content: results[i].Content(), ToolCallID: c.ID}
		}
		l.History.Append(msgs...)
		out.ToolTurns = append(out.ToolTurns, Turn{Index: turn, Calls: calls, Results: results})
		l.setState(StateResultsAppended)
		l.emitTurnEnd(turn, len(calls), turnStart)
		l.endTurnSpan(turnSpan, len(calls), batchErr)

		if batchErr != nil && ctx.Err() != nil {
			return finish(StopCancelled, StateCancelled, "Cancelled.", ctx.Err())
		}
	}
}

// ask streams one model reply and collects its content and calls.
func (l *Loop) ask(ctx context.Context) (string, []ToolCall, error) {
	req := ModelRequest{
		Messages: l.History.Messages(),
		Tools:    l.sess.Registry.Descriptors(),
	}
	var content strings.Builder
	var calls []ToolCall
	err := l.model.Stream(ctx, req, func(c Chunk) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.Content != "" {
			content.WriteString(c.Content)
			if l.OnContent != nil {
				l.OnContent(c.Content)
			}
		}
		if c.ToolCall != nil {
			call := *c.ToolCall
			if call.ID == "" {
				call.ID = "call-" + uuid.NewString()
			}
			calls = append(calls, call)
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return content.String(), calls, nil
}

// execute hands the calls to the scheduler. A rejected batch becomes one
// failed result per call so the model can see why nothing ran.
func (l *Loop) execute(ctx context.Context, turn int, calls []ToolCall) ([]tool.Result, error) {
	reqs := make([]tool.Request, len(calls))
	for i, c := range calls {
		reqs[i] = c.Request()
	}

	batch, err := l.sched.Run(scheduler.WithTurn(ctx, turn), reqs)
	if batch != nil {
		return batch.Results, err
	}

	kind := tool.KindValidation
	switch {
	case errors.Is(err, scheduler.ErrCycleDetected):
		kind = tool.KindCycle
	case errors.Is(err, scheduler.ErrDeadlockDetected):
		kind = tool.KindDeadlock
	}
	l.logger.Warn("tool batch rejected", map[string]interface{}{
		"turn":  turn,
		"calls": len(calls),
		"error": err.Error(),
	})
	results := make([]tool.Result, len(reqs))
	for i, req := range reqs {
		results[i] = tool.Failed(req, kind, "batch rejected, nothing was executed: %v", err)
	}
	return results, err
}

func (l *Loop) emitTurnEnd(turn, calls int, start time.Time) {
	l.sess.Emit(events.Event{
		Type:     events.TurnEnd,
		Turn:     turn,
		Duration: time.Since(start),
		Detail:   fmt.Sprintf("%d tool call(s)", calls),
	})
}
