package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/agentcore/internal/config"
)

// Run starts a chat session. With a prompt argument or piped stdin it runs a
// single conversation; on a terminal it reads prompts interactively.
func (c *ChatCmd) Run() error {
	code, err := c.chat()
	if err != nil {
		return err
	}
	if code != 0 {
		os.Exit(code)
	}
	return nil
}

func (c *ChatCmd) chat() (int, error) {
	w := newChatWorkflow(c)
	if err := w.load(); err != nil {
		return 1, err
	}

	rt := newRuntime(w, globalCreds)
	defer rt.cleanup()
	if err := rt.setup(); err != nil {
		return 1, err
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	rt.background(gctx, g)

	var code int
	switch prompt := strings.TrimSpace(strings.Join(c.Prompt, " ")); {
	case prompt != "":
		code = rt.run(gctx, prompt)
	case isTerminal(rt.in):
		code = rt.repl(gctx)
	default:
		data, err := io.ReadAll(rt.in)
		if err != nil {
			return 1, fmt.Errorf("reading prompt from stdin: %w", err)
		}
		if strings.TrimSpace(string(data)) == "" {
			return 1, fmt.Errorf("no prompt given")
		}
		code = rt.run(gctx, string(data))
	}

	cancel()
	if err := g.Wait(); err != nil {
		rt.logger.Warn("background task failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return code, nil
}

// Run lists the tools a chat session would expose.
func (c *ToolsCmd) Run() error {
	w := &workflow{
		configPath:    c.Config,
		policyPath:    c.Policy,
		workspacePath: c.Workspace,
	}
	if err := w.loadConfig(); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := w.loadPolicy(); err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}

	rt := newRuntime(w, globalCreds)
	if err := rt.setupRegistry(); err != nil {
		return err
	}
	printTools(rt.out, rt.registry.Descriptors())
	return nil
}

// Run validates a config file.
func (c *CheckConfigCmd) Run() error {
	cfg, err := config.LoadFile(c.File)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Printf("✓ Valid: %s\n", c.File)
	return nil
}

// Run prints version information.
func (c *VersionCmd) Run() error {
	fmt.Printf("agent version %s (commit: %s, built: %s)\n", version, commit, buildTime)
	return nil
}
