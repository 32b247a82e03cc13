// Package main provides configuration and policy loading.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/policy"

	"github.com/vinayprograms/agentcore/internal/config"
)

// workflow handles the configuration phase of a session.
type workflow struct {
	// Parsed from CLI (populated by kong)
	configPath    string
	policyPath    string
	workspacePath string
	model         string
	approvalMode  string
	maxTurns      int
	fallback      bool

	// Loaded artifacts
	cfg  *config.Config
	durs config.Durations
	pol  *policy.Policy
}

// newChatWorkflow copies the chat flags into a workflow.
func newChatWorkflow(c *ChatCmd) *workflow {
	w := &workflow{
		configPath:    c.Config,
		policyPath:    c.Policy,
		workspacePath: c.Workspace,
		model:         c.Model,
		approvalMode:  c.Approval,
		maxTurns:      c.MaxTurns,
		fallback:      c.Fallback,
	}
	if c.Yes {
		w.approvalMode = "allow"
	}
	return w
}

// load loads config and policy and validates the result.
func (w *workflow) load() error {
	if err := w.loadConfig(); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := w.cfg.Validate(); err != nil {
		return err
	}
	durs, err := w.cfg.Durations()
	if err != nil {
		return err
	}
	w.durs = durs
	if err := w.loadPolicy(); err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}
	return nil
}

// loadConfig loads and applies configuration.
func (w *workflow) loadConfig() error {
	var err error
	if w.configPath != "" {
		w.cfg, err = config.LoadFile(w.configPath)
	} else {
		w.cfg, err = config.LoadDefault()
	}
	if err != nil {
		return err
	}

	// Apply CLI overrides
	if w.model != "" {
		w.cfg.LLM.Model = w.model
	}
	if w.approvalMode != "" {
		w.cfg.Approval.Mode = w.approvalMode
	}
	if w.maxTurns > 0 {
		w.cfg.Conversation.MaxTurns = w.maxTurns
	}
	if w.fallback {
		w.cfg.Conversation.FallbackExtraction = true
	}
	if w.workspacePath != "" {
		w.cfg.Agent.Workspace = w.workspacePath
	}
	if w.cfg.LLM.Provider == "" {
		w.cfg.LLM.Provider = llm.InferProviderFromModel(w.cfg.LLM.Model)
	}
	w.cfg.Agent.Workspace, err = w.cfg.WorkspaceDir()
	return err
}

// loadPolicy loads the agentkit tool policy. The flag wins over the config,
// which wins over policy.toml in the workspace. No file means the stock policy.
func (w *workflow) loadPolicy() error {
	path := w.policyPath
	if path == "" {
		path = w.cfg.Tools.PolicyFile
	}
	if path == "" {
		path = filepath.Join(w.cfg.Agent.Workspace, "policy.toml")
		if _, err := os.Stat(path); err != nil {
			w.pol = policy.New()
			w.pol.Workspace = w.cfg.Agent.Workspace
			return nil
		}
	}

	var err error
	w.pol, err = policy.LoadFile(path)
	if err != nil {
		return err
	}
	w.pol.Workspace = w.cfg.Agent.Workspace
	return nil
}
