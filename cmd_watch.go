package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(12)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

const watchRefresh = 100 * time.Millisecond

func newWatchCmd() *cobra.Command {
	var skew time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Show a live view of an in-process session pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := startDemoPair(cmd.Context(), skew)
			if err != nil {
				return err
			}
			defer p.Close()
			_, err = tea.NewProgram(&watchModel{ctx: cmd.Context(), pair: p}, tea.WithContext(cmd.Context())).Run()
			return err
		},
	}
	cmd.Flags().DurationVar(&skew, "skew", 250*time.Millisecond, "client clock offset")
	return cmd
}

type tickMsg time.Time

type rekeyDoneMsg struct{ err error }

type watchModel struct {
	ctx      context.Context
	pair     *demoPair
	rekeying bool
	status   string
}

func (m *watchModel) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(watchRefresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			if m.rekeying {
				return m, nil
			}
			m.rekeying = true
			m.status = "rekeying..."
			return m, m.rekey
		}
	case rekeyDoneMsg:
		m.rekeying = false
		m.status = "rekeyed"
		if msg.err != nil {
			m.status = "rekey failed: " + msg.err.Error()
		}
	case tickMsg:
		return m, tick()
	}
	return m, nil
}

func (m *watchModel) rekey() tea.Msg {
	return rekeyDoneMsg{err: m.pair.client.ForceRekey(m.ctx)}
}

func (m *watchModel) View() string {
	c := m.pair.client
	ts := c.TimeState()

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("session %016x", c.ID())))
	b.WriteString("\n\n")
	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + value + "\n")
	}
	row("state", c.State().String())
	row("recovery", c.RecoveryLevel().String())
	row("time", fmt.Sprintf("%s  offset %s  drift %.2fppm  quality %.2f",
		ts.Status, formatOffset(ts.Offset), ts.DriftPPM, ts.Quality))

	now := c.Now()
	slots := c.Schedule(6)
	if len(slots) > 1 {
		row("window", fmt.Sprintf("%d  port %d  next hop in %s",
			slots[0].Window, slots[0].Port, slots[1].Start.Sub(now).Round(time.Millisecond)))
		next := make([]string, 0, len(slots)-1)
		for _, s := range slots[1:] {
			next = append(next, fmt.Sprint(s.Port))
		}
		row("next", strings.Join(next, " "))
	}
	bound := make([]string, 0)
	for _, bd := range c.Bindings() {
		s := fmt.Sprint(bd.Port)
		if !bd.RetireAt.IsZero() {
			s = warnStyle.Render(s)
		}
		bound = append(bound, s)
	}
	row("bound", strings.Join(bound, " "))
	if m.status != "" {
		row("", m.status)
	}
	b.WriteString("\nr rekey  q quit")
	return boxStyle.Render(b.String()) + "\n"
}
