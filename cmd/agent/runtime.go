// Package main provides runtime setup for chat sessions.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vinayprograms/agentkit/credentials"
	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/policy"
	"github.com/vinayprograms/agentkit/telemetry"
	"github.com/vinayprograms/agentkit/tools"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/agentcore/internal/approval"
	"github.com/vinayprograms/agentcore/internal/backend"
	"github.com/vinayprograms/agentcore/internal/config"
	"github.com/vinayprograms/agentcore/internal/conversation"
	"github.com/vinayprograms/agentcore/internal/events"
	"github.com/vinayprograms/agentcore/internal/governor"
	"github.com/vinayprograms/agentcore/internal/registry"
	"github.com/vinayprograms/agentcore/internal/scheduler"
	"github.com/vinayprograms/agentcore/internal/session"
	"github.com/vinayprograms/agentcore/internal/tool"
	"github.com/vinayprograms/agentcore/internal/toolset"
)

// maxMetricsConns caps concurrent scrapes of the metrics listener.
const maxMetricsConns = 16

const defaultSystemPrompt = `You are a coding assistant working in the project at %s.
Use the available tools to inspect and change the project. Independent tool
calls in one reply run in parallel. When a call needs the output of another
call in the same reply, list that call's id in its "depends_on" argument.
Reply without tool calls once the task is done.`

// runtime handles the execution phase of a chat session.
type runtime struct {
	cfg   *config.Config
	durs  config.Durations
	pol   *policy.Policy
	creds *credentials.Credentials

	in     *os.File
	out    io.Writer
	errOut io.Writer
	logger *logging.Logger

	// Components
	provider  llm.Provider
	smallLLM  llm.Provider
	kit       *tools.Registry
	registry  *registry.Registry
	telem     telemetry.Exporter
	sink      events.Sink
	rules     *approval.Policy
	decider   approval.Decider
	sess      *session.Session
	sched     *scheduler.Scheduler
	loop      *conversation.Loop
	metricsLn net.Listener

	// Cleanup
	closers []func()
}

// newRuntime creates a runtime from loaded configuration.
func newRuntime(w *workflow, creds *credentials.Credentials) *runtime {
	return &runtime{
		cfg:    w.cfg,
		durs:   w.durs,
		pol:    w.pol,
		creds:  creds,
		in:     os.Stdin,
		out:    os.Stdout,
		errOut: os.Stderr,
		logger: logging.New().WithComponent("agent"),
	}
}

// setup initializes all runtime components. Returns error on failure.
func (rt *runtime) setup() error {
	if err := rt.createProvider(); err != nil {
		return err
	}
	rt.createSmallLLM()
	if err := rt.setupRegistry(); err != nil {
		return err
	}
	if err := rt.setupTelemetry(); err != nil {
		return err
	}
	if err := rt.setupEvents(); err != nil {
		return err
	}
	if err := rt.setupApproval(); err != nil {
		return err
	}
	rt.setupSession()
	rt.setupLoop()
	return rt.setupMetrics()
}

// createProvider creates the LLM provider.
func (rt *runtime) createProvider() error {
	llmProvider := rt.cfg.LLM.Provider
	if llmProvider == "" {
		llmProvider = llm.InferProviderFromModel(rt.cfg.LLM.Model)
	}
	if llmProvider == "" && rt.cfg.LLM.Model == "" {
		return fmt.Errorf("LLM model not configured")
	}

	var err error
	rt.provider, err = llm.NewProvider(llm.ProviderConfig{
		Provider:    llmProvider,
		Model:       rt.cfg.LLM.Model,
		APIKey:      rt.apiKey(llmProvider),
		MaxTokens:   rt.cfg.LLM.MaxTokens,
		BaseURL:     rt.cfg.LLM.BaseURL,
		Thinking:    llm.ThinkingConfig{Level: llm.ThinkingLevel(rt.cfg.LLM.Thinking)},
		RetryConfig: parseRetryConfig(rt.cfg.LLM.MaxRetries, rt.cfg.LLM.RetryBackoff),
	})
	if err != nil {
		return fmt.Errorf("creating LLM provider: %w", err)
	}
	return nil
}

// createSmallLLM creates the secondary model used for bash review and
// summarizing large tool output. Failures leave it disabled.
func (rt *runtime) createSmallLLM() {
	if rt.cfg.SmallLLM.Model == "" {
		return
	}
	smallProvider := rt.cfg.SmallLLM.Provider
	if smallProvider == "" {
		smallProvider = llm.InferProviderFromModel(rt.cfg.SmallLLM.Model)
	}
	var err error
	rt.smallLLM, err = llm.NewProvider(llm.ProviderConfig{
		Provider:  smallProvider,
		Model:     rt.cfg.SmallLLM.Model,
		APIKey:    rt.apiKey(smallProvider),
		MaxTokens: rt.cfg.SmallLLM.MaxTokens,
	})
	if err != nil {
		rt.logger.Warn("small LLM disabled", map[string]interface{}{
			"model": rt.cfg.SmallLLM.Model,
			"error": err.Error(),
		})
		rt.smallLLM = nil
	}
}

// apiKey prefers credentials.toml and falls back to the environment.
func (rt *runtime) apiKey(provider string) string {
	if rt.creds != nil {
		if key := rt.creds.GetAPIKey(provider); key != "" {
			return key
		}
	}
	return rt.cfg.GetAPIKey()
}

// setupRegistry builds the agentkit tools and registers them.
func (rt *runtime) setupRegistry() error {
	rt.kit = tools.NewRegistry(rt.pol)
	rt.setupBashChecker()
	if rt.smallLLM != nil {
		rt.kit.SetSummarizer(llm.NewSummarizer(rt.smallLLM))
		rt.kit.SetBashLLMChecker(policy.NewSmallLLMChecker(&llmGenerateAdapter{rt.smallLLM}))
	}
	if rt.creds != nil {
		rt.kit.SetCredentials(rt.creds)
	}

	overrides := make(map[string]toolset.Traits, len(rt.cfg.Tools.Overrides))
	for name, o := range rt.cfg.Tools.Overrides {
		overrides[name] = toolset.Traits{
			Category:         tool.Category(o.Category),
			ReadOnly:         o.ReadOnly,
			RequiresApproval: o.RequiresApproval,
		}
	}

	rt.registry = registry.New()
	if err := toolset.Register(rt.registry, rt.kit, rt.cfg.Tools.Enabled, overrides); err != nil {
		return fmt.Errorf("registering tools: %w", err)
	}
	return nil
}

// setupBashChecker configures bash security with fail-close defaults.
func (rt *runtime) setupBashChecker() {
	bashPolicy := rt.pol.GetToolPolicy("bash")
	allowedDirs := bashPolicy.AllowedDirs
	if len(allowedDirs) == 0 {
		if rt.pol.Workspace != "" {
			allowedDirs = []string{rt.pol.Workspace}
		} else if cwd, err := os.Getwd(); err == nil {
			allowedDirs = []string{cwd}
		} else {
			allowedDirs = []string{"."}
		}
		rt.logger.Debug("bash allowed_dirs defaulted", map[string]interface{}{
			"allowed_dirs": allowedDirs,
		})
	}
	rt.kit.SetBashChecker(policy.NewBashChecker(rt.pol.Workspace, allowedDirs, bashPolicy.Denylist))
}

// setupTelemetry creates the telemetry exporter.
func (rt *runtime) setupTelemetry() error {
	var err error
	if rt.cfg.Telemetry.Enabled {
		rt.telem, err = telemetry.NewExporter(rt.cfg.Telemetry.Protocol, rt.cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("creating telemetry exporter: %w", err)
		}
	} else {
		rt.telem = telemetry.NewNoopExporter()
	}
	rt.addCloser(func() { rt.telem.Close() })
	return nil
}

// setupEvents fans lifecycle events out to the log, the terminal, the
// telemetry exporter and, when configured, NATS.
func (rt *runtime) setupEvents() error {
	sinks := events.Multi{
		events.NewLogSink(),
		progress{w: rt.errOut},
		events.Func(func(e events.Event) {
			rt.telem.LogEvent(string(e.Type), e.Fields())
		}),
	}
	if url := rt.cfg.Events.NATSURL; url != "" {
		ns, err := events.ConnectNATS(url, rt.cfg.Events.SubjectPrefix)
		if err != nil {
			return err
		}
		rt.addCloser(func() { ns.Close() })
		sinks = append(sinks, ns)
	}
	rt.sink = sinks
	return nil
}

// setupApproval picks the decider for the configured mode and layers the
// rules file on top of it.
func (rt *runtime) setupApproval() error {
	var fallback approval.Decider
	switch rt.cfg.Approval.Mode {
	case "allow":
		fallback = approval.AllowAll
	case "deny":
		fallback = approval.DenyAll
	default:
		if isTerminal(rt.in) {
			fallback = approval.NewTerminal(rt.in, rt.errOut)
		} else {
			fmt.Fprintln(rt.errOut, noticeStyle.Render("⚠ stdin is not a terminal; tool calls that need approval will be denied"))
			fallback = approval.DenyAll
		}
	}

	if rt.cfg.Approval.RulesFile == "" {
		rt.decider = fallback
		return nil
	}
	rules, err := approval.LoadRules(rt.cfg.Approval.RulesFile)
	if err != nil {
		return fmt.Errorf("loading approval rules: %w", err)
	}
	rt.rules = approval.NewPolicy(rules, fallback)
	rt.decider = rt.rules
	return nil
}

// setupSession creates the session shared by the scheduler and the loop.
func (rt *runtime) setupSession() {
	rt.sess = session.New(session.Options{
		ProjectRoot:     rt.cfg.Agent.Workspace,
		Registry:        rt.registry,
		CacheTTL:        rt.durs.CacheTTL,
		CacheEntries:    rt.cfg.Cache.MaxEntries,
		Decider:         rt.decider,
		ApprovalTimeout: rt.durs.ApprovalTimeout,
		Governor: governor.Config{
			DedupWindow:      rt.durs.DedupWindow,
			FailureThreshold: rt.cfg.Governor.FailureThreshold,
			Retry: governor.RetryConfig{
				MaxAttempts:     rt.cfg.Governor.RetryAttempts,
				InitialInterval: rt.durs.RetryInitial,
				MaxInterval:     rt.durs.RetryMax,
			},
		},
		Events: rt.sink,
	})
}

// setupLoop creates the scheduler and the conversation loop.
func (rt *runtime) setupLoop() {
	rt.sched = scheduler.New(rt.sess, scheduler.Config{
		Concurrency: rt.cfg.Scheduler.Concurrency,
		Timeout:     rt.durs.ToolTimeout,
	})
	prompt := rt.cfg.Conversation.SystemPrompt
	if prompt == "" {
		prompt = fmt.Sprintf(defaultSystemPrompt, rt.cfg.Agent.Workspace)
	}
	rt.loop = conversation.New(rt.sess, rt.sched, backend.New(rt.provider), conversation.Config{
		MaxTurns:           rt.cfg.Conversation.MaxTurns,
		SystemPrompt:       prompt,
		FallbackExtraction: rt.cfg.Conversation.FallbackExtraction,
	})
}

// setupMetrics opens the Prometheus listener when an address is configured.
func (rt *runtime) setupMetrics() error {
	addr := rt.cfg.Telemetry.MetricsAddr
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	rt.metricsLn = netutil.LimitListener(ln, maxMetricsConns)
	return nil
}

// background starts the rules watcher and the metrics server. Both stop when
// ctx is done.
func (rt *runtime) background(ctx context.Context, g *errgroup.Group) {
	if rt.rules != nil {
		path := rt.cfg.Approval.RulesFile
		g.Go(func() error {
			// Reloaded rules must not be shadowed by remembered decisions.
			if err := approval.WatchRules(ctx, path, rt.rules, rt.sess.Approvals.Reset); err != nil {
				rt.logger.Warn("approval rules watcher stopped", map[string]interface{}{
					"path":  path,
					"error": err.Error(),
				})
			}
			return nil
		})
	}

	if rt.metricsLn != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.Serve(rt.metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		rt.logger.Info("metrics listening", map[string]interface{}{
			"addr": rt.metricsLn.Addr().String(),
		})
	}
}

// run sends one prompt through the loop and returns the exit code.
func (rt *runtime) run(ctx context.Context, prompt string) int {
	out, err := rt.loop.Run(ctx, prompt)
	printOutcome(rt.out, rt.errOut, out, isTerminalWriter(rt.out))
	if err != nil && out != nil && out.Reason != conversation.StopCancelled {
		fmt.Fprintf(rt.errOut, "\nerror: %v\n", err)
	}
	if out == nil {
		rt.sess.SetStatus(session.StatusFailed)
		return 1
	}
	if out.Reason == conversation.StopComplete {
		rt.sess.SetStatus(session.StatusComplete)
	} else {
		rt.sess.SetStatus(session.StatusFailed)
	}
	return exitCode(out.Reason)
}

// repl reads prompts line by line until EOF, "exit" or cancellation. Each
// prompt continues the same conversation; "reset" clears the breaker, the
// cache and remembered approvals.
func (rt *runtime) repl(ctx context.Context) int {
	fmt.Fprintf(rt.errOut, "%s\n\n", dimStyle.Render(fmt.Sprintf("session %s · %s · type reset or exit", rt.sess.ID, rt.cfg.LLM.Model)))
	scanner := bufio.NewScanner(rt.in)
	code := 0
	for {
		fmt.Fprint(rt.errOut, promptStyle.Render("› "))
		if !scanner.Scan() {
			fmt.Fprintln(rt.errOut)
			return code
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return code
		case "reset":
			rt.reset()
			continue
		}
		code = rt.run(ctx, line)
		if ctx.Err() != nil {
			return code
		}
		fmt.Fprintln(rt.errOut)
	}
}

// reset clears the session's failure streak, cached results and approvals.
// The conversation history is kept.
func (rt *runtime) reset() {
	rt.sess.Governor.Reset()
	purged := rt.sess.Cache.Purge()
	rt.sess.Approvals.Reset()
	fmt.Fprintln(rt.errOut, dimStyle.Render(fmt.Sprintf("session reset (%d cached result(s) dropped)", purged)))
}

// cleanup runs all registered cleanup functions.
func (rt *runtime) cleanup() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// addCloser registers a cleanup function.
func (rt *runtime) addCloser(fn func()) {
	rt.closers = append(rt.closers, fn)
}

// isTerminalWriter reports whether w is a terminal file.
func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isTerminal(f)
}
