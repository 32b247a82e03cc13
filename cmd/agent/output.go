package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/vinayprograms/agentcore/internal/conversation"
	"github.com/vinayprograms/agentcore/internal/events"
	"github.com/vinayprograms/agentcore/internal/scheduler"
	"github.com/vinayprograms/agentcore/internal/tool"
)

// answerWidth is the wrap column for answers printed to a terminal.
const answerWidth = 100

var (
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11")).
			Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)
)

// progress writes one line per tool lifecycle event.
type progress struct {
	w io.Writer
}

// Emit implements events.Sink.
func (p progress) Emit(e events.Event) {
	switch e.Type {
	case events.ToolStart:
		fmt.Fprintf(p.w, "  → Tool: %s\n", e.Tool)
	case events.ToolEnd:
		switch {
		case e.Status == string(scheduler.StatusFailed):
			fmt.Fprintln(p.w, errorStyle.Render(fmt.Sprintf("  ✗ Tool error [%s]: %s", e.Tool, e.Detail)))
		case e.Status == string(scheduler.StatusSkipped):
			fmt.Fprintln(p.w, dimStyle.Render(fmt.Sprintf("  ⊘ Skipped [%s]: %s", e.Tool, e.Detail)))
		case e.Cached:
			fmt.Fprintln(p.w, dimStyle.Render(fmt.Sprintf("  ✓ %s (cached)", e.Tool)))
		}
	case events.BatchRejected:
		fmt.Fprintln(p.w, errorStyle.Render("  ✗ Batch rejected: "+e.Detail))
	}
}

// printOutcome writes the answer to out and any forced-exit notice to errOut.
func printOutcome(out, errOut io.Writer, o *conversation.Outcome, wrap bool) {
	if o == nil {
		return
	}
	if answer := strings.TrimSpace(o.Answer); answer != "" {
		if wrap {
			answer = wordwrap.String(answer, answerWidth)
		}
		fmt.Fprintln(out, answer)
	}
	if o.Notice != "" {
		fmt.Fprintln(errOut, noticeStyle.Render("⚠ "+o.Notice))
	}
}

// printTools writes a table of tool descriptors.
func printTools(w io.Writer, descs []tool.Descriptor) {
	if len(descs) == 0 {
		fmt.Fprintln(w, "No tools enabled. Allow tools in policy.toml.")
		return
	}
	width := len("NAME")
	for _, d := range descs {
		if len(d.Name) > width {
			width = len(d.Name)
		}
	}
	row := func(name, category, readOnly, approval string) string {
		return fmt.Sprintf("%-*s  %-16s  %-9s  %s", width, name, category, readOnly, approval)
	}
	fmt.Fprintln(w, headerStyle.Render(row("NAME", "CATEGORY", "READ-ONLY", "APPROVAL")))
	for _, d := range descs {
		fmt.Fprintln(w, row(d.Name, string(d.Category), yesNo(d.ReadOnly), yesNo(d.RequiresApproval)))
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
