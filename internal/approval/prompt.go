package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	promptBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("214")).
			Padding(0, 1)

	promptTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("214"))

	promptDimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	promptAllowStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("82"))

	promptDenyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))
)

type promptKeys struct {
	Allow key.Binding
	Deny  key.Binding
	Abort key.Binding
}

func (k promptKeys) ShortHelp() []key.Binding {
	return []key.Binding{k.Allow, k.Deny}
}

func (k promptKeys) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Allow, k.Deny, k.Abort}}
}

func defaultPromptKeys() promptKeys {
	return promptKeys{
		Allow: key.NewBinding(key.WithKeys("y", "Y"), key.WithHelp("y", "allow for this session")),
		Deny:  key.NewBinding(key.WithKeys("n", "N", "esc"), key.WithHelp("n", "deny")),
		Abort: key.NewBinding(key.WithKeys("ctrl+c"), key.WithHelp("ctrl+c", "deny and stop asking")),
	}
}

// promptModel is the bubbletea model for one approval question.
type promptModel struct {
	req     Request
	keys    promptKeys
	help    help.Model
	answer  bool
	done    bool
	aborted bool
}

func newPromptModel(req Request) promptModel {
	return promptModel{req: req, keys: defaultPromptKeys(), help: help.New()}
}

func (m promptModel) Init() tea.Cmd {
	return nil
}

func (m promptModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch {
		case key.Matches(msg, m.keys.Allow):
			m.answer, m.done = true, true
			return m, tea.Quit
		case key.Matches(msg, m.keys.Deny):
			m.answer, m.done = false, true
			return m, tea.Quit
		case key.Matches(msg, m.keys.Abort):
			m.answer, m.done, m.aborted = false, true, true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m promptModel) View() string {
	if m.done {
		if m.answer {
			return promptAllowStyle.Render(fmt.Sprintf("✓ %s allowed for this session", m.req.Tool)) + "\n"
		}
		return promptDenyStyle.Render(fmt.Sprintf("✗ %s denied for this session", m.req.Tool)) + "\n"
	}
	var b strings.Builder
	b.WriteString(promptTitleStyle.Render(fmt.Sprintf("Approve %s (%s)?", m.req.Tool, m.req.Category)))
	b.WriteString("\n")
	if summary := summarizeParams(m.req.Params, 200); summary != "" {
		b.WriteString(promptDimStyle.Render(summary))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))
	return promptBoxStyle.Render(b.String()) + "\n"
}

func summarizeParams(params map[string]interface{}, max int) string {
	if len(params) == 0 {
		return ""
	}
	data, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	s := string(data)
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}

// Terminal asks the user on an interactive terminal. Prompts are serialised.
type Terminal struct {
	in  io.Reader
	out io.Writer
	mu  sync.Mutex
}

// NewTerminal creates a terminal decider reading keys from in and drawing to out.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: in, out: out}
}

// Decide implements Decider.
func (t *Terminal) Decide(ctx context.Context, req Request) (Decision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := tea.NewProgram(newPromptModel(req),
		tea.WithContext(ctx),
		tea.WithInput(t.in),
		tea.WithOutput(t.out),
	)
	final, err := p.Run()
	if err != nil {
		return Decision{}, fmt.Errorf("approval prompt: %w", err)
	}
	m, ok := final.(promptModel)
	if !ok || !m.done {
		return Decision{}, fmt.Errorf("approval prompt closed without an answer")
	}
	reason := "denied by user"
	switch {
	case m.answer:
		reason = "approved by user"
	case m.aborted:
		reason = "prompt aborted by user"
	}
	return Decision{Allow: m.answer, Reason: reason, Source: "terminal"}, nil
}
