package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	detailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("69"))
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

type tickMsg time.Time

type doneMsg struct {
	details []string
	err     error
}

type detailMsg string

type model struct {
	title   string
	frame   int
	details []string
	done    bool
	err     error
}

func (m model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		if m.done {
			return m, nil
		}
		m.frame = (m.frame + 1) % len(spinnerFrames)
		return m, tick()
	case detailMsg:
		m.details = append(m.details, string(msg))
		return m, nil
	case doneMsg:
		m.done = true
		m.details = append(m.details, msg.details...)
		m.err = msg.err
		return m, tea.Quit
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.done = true
			m.err = fmt.Errorf("cancelled")
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n")
	for _, d := range m.details {
		b.WriteString(detailStyle.Render("  · " + d))
		b.WriteString("\n")
	}
	switch {
	case !m.done:
		b.WriteString(spinnerStyle.Render(spinnerFrames[m.frame]) + " running...\n")
	case m.err != nil:
		b.WriteString(failStyle.Render("✗ "+m.err.Error()) + "\n")
	default:
		b.WriteString(okStyle.Render("✓ done") + "\n")
	}
	return b.String()
}

// Run executes fn behind an interactive spinner. The details returned by fn
// are rendered as they would appear in CI output.
func Run(title string, fn func(ctx context.Context) ([]string, error)) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	p := tea.NewProgram(model{title: title})
	result := make(chan doneMsg, 1)
	go func() {
		details, err := fn(ctx)
		msg := doneMsg{details: details, err: err}
		result <- msg
		p.Send(msg)
	}()

	if _, err := p.Run(); err != nil {
		return nil, err
	}
	res := <-result
	return res.details, res.err
}
