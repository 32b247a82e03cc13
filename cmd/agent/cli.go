// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Chat        ChatCmd        `cmd:"" help:"Converse with the agent"`
	Tools       ToolsCmd       `cmd:"" help:"List registered tools and their classification"`
	CheckConfig CheckConfigCmd `cmd:"" name:"check-config" help:"Validate agent.toml"`
	Version     VersionCmd     `cmd:"" help:"Show version information"`
}

// ChatCmd runs conversations against the configured model.
type ChatCmd struct {
	Prompt    []string `arg:"" optional:"" help:"Prompt (read from stdin when omitted)"`
	Config    string   `help:"Config file path"`
	Policy    string   `help:"Policy file path"`
	Workspace string   `help:"Workspace directory"`
	Model     string   `short:"m" help:"Model (overrides config)"`
	Approval  string   `help:"Approval mode: prompt, allow or deny (overrides config)"`
	Yes       bool     `short:"y" help:"Approve every tool call (same as --approval=allow)"`
	MaxTurns  int      `help:"Turn limit (overrides config)"`
	Fallback  bool     `help:"Extract tool calls from reply text when the model has no native tool calling"`
}

// ToolsCmd lists the tools a chat session would expose.
type ToolsCmd struct {
	Config    string `help:"Config file path"`
	Policy    string `help:"Policy file path"`
	Workspace string `help:"Workspace directory"`
}

// CheckConfigCmd validates a config file.
type CheckConfigCmd struct {
	File string `arg:"" optional:"" default:"agent.toml" help:"Config file path"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
