package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/webeng/identity-portal/internal/client/guard"
	"github.com/webeng/identity-portal/internal/client/portal"
)

var (
	watchTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	watchDimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	watchOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	watchWarnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	watchFailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func newWatchCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Hold a session open and renew the access token as it nears expiry",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := portal.New(opts.baseURL)
			if err != nil {
				return err
			}
			ctx := signalContext()
			session, err := client.Login(ctx, opts.email, opts.password)
			if err != nil {
				return err
			}

			store := guard.NewMemoryStore()
			store.Save(guard.Snapshot{
				Token:                  session.Token,
				DisplayName:            session.DisplayName,
				Email:                  session.Email,
				Roles:                  session.Roles,
				RefreshTokenExpiration: session.RefreshTokenExpiration,
			})
			return runWatch(ctx, store, client)
		},
	}
}

type watchTickMsg time.Time

type sessionEndedMsg struct{}

type watchState struct {
	store guard.Store
	now   time.Time
	ended bool
	quit  bool
}

func watchTick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return watchTickMsg(t) })
}

func (m watchState) Init() tea.Cmd {
	return watchTick()
}

func (m watchState) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case watchTickMsg:
		m.now = time.Time(msg)
		if m.ended {
			return m, tea.Quit
		}
		return m, watchTick()
	case sessionEndedMsg:
		m.ended = true
		return m, tea.Quit
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.quit = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m watchState) View() string {
	var b strings.Builder
	b.WriteString(watchTitleStyle.Render("session watch"))
	b.WriteString("\n")

	snap, ok := m.store.Load()
	switch {
	case m.ended:
		b.WriteString(watchFailStyle.Render("✗ session ended, sign in again") + "\n")
		return b.String()
	case !ok:
		b.WriteString(watchDimStyle.Render("waiting for session...") + "\n")
		return b.String()
	}

	b.WriteString(watchDimStyle.Render("  account  "+snap.Email) + "\n")
	b.WriteString(watchDimStyle.Render("  roles    "+strings.Join(snap.Roles, ", ")) + "\n")

	remaining := accessTokenRemaining(snap.Token, m.now)
	line := fmt.Sprintf("  access   expires in %s", remaining.Truncate(time.Second))
	if remaining <= guard.DefaultExpiryBuffer {
		b.WriteString(watchWarnStyle.Render(line+" (renewing)") + "\n")
	} else {
		b.WriteString(watchOKStyle.Render(line) + "\n")
	}
	b.WriteString(watchDimStyle.Render(fmt.Sprintf("  refresh  valid until %s", snap.RefreshTokenExpiration.Local().Format(time.RFC1123))) + "\n")
	b.WriteString(watchDimStyle.Render("  q to quit") + "\n")
	return b.String()
}

func accessTokenRemaining(token string, now time.Time) time.Duration {
	exp, ok := guard.ExpiresAt(token)
	if !ok {
		return 0
	}
	if now.IsZero() {
		now = time.Now()
	}
	if remaining := exp.Sub(now); remaining > 0 {
		return remaining
	}
	return 0
}

func runWatch(ctx context.Context, store guard.Store, refresher guard.Refresher) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(watchState{store: store, now: time.Now()})

	g := guard.New(store, refresher, guard.Options{
		OnSessionEnded: func() { p.Send(sessionEndedMsg{}) },
	})
	go func() {
		if err := g.Run(ctx); err != nil {
			p.Send(sessionEndedMsg{})
		}
	}()

	state, err := p.Run()
	if err != nil {
		return err
	}
	if ws, ok := state.(watchState); ok && ws.ended {
		return guard.ErrSessionEnded
	}
	return nil
}
