// Package tui is the interactive dashboard for a single run.
package tui

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"surgeq/internal/runner"
	"surgeq/internal/tui/live"
	"surgeq/internal/tui/result"
	"surgeq/internal/tui/styles"
)

type StatsMsg runner.StatsSnapshot

// DoneMsg is sent once Run has returned.
type DoneMsg struct {
	Report *runner.Report
	Err    error
}

type phase int

const (
	phaseRunning phase = iota
	phaseStopping
	phaseDone
)

type Model struct {
	cfg    runner.Config
	cancel context.CancelFunc

	phase  phase
	live   live.Model
	result result.Model
	err    error

	Width  int
	Height int
}

// NewModel builds the dashboard. cancel stops the run gracefully.
func NewModel(cfg runner.Config, cancel context.CancelFunc) Model {
	return Model{
		cfg:    cfg,
		cancel: cancel,
		live:   live.NewModel(len(cfg.Stages)),
	}
}

func (m Model) Init() tea.Cmd {
	return m.live.Init()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.phase == phaseRunning {
				// First press stops the ramp; the report follows once users drain.
				m.phase = phaseStopping
				m.cancel()
				return m, nil
			}
			// A second press leaves the dashboard while users drain.
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		var cmd tea.Cmd
		m.live, cmd = m.live.Update(msg)
		m.result, _ = m.result.Update(msg)
		return m, cmd

	case StatsMsg:
		var cmd tea.Cmd
		m.live, cmd = m.live.Update(runner.StatsSnapshot(msg))
		return m, cmd

	case DoneMsg:
		m.phase = phaseDone
		m.err = msg.Err
		m.result = result.NewModel(msg.Report)
		m.result.Width, m.result.Height = m.Width, m.Height
		return m, nil
	}

	var cmd tea.Cmd
	m.live, cmd = m.live.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	s := strings.Builder{}
	s.WriteString(styles.Title.Render("SurgeQ " + m.cfg.Name))
	s.WriteString("\n")
	s.WriteString(styles.Subtle.Render(fmt.Sprintf("%s %s | %d stages | pacing %s",
		m.cfg.Request.Method, m.cfg.Request.URL, len(m.cfg.Stages), m.cfg.Pacing)))
	s.WriteString("\n\n")

	switch m.phase {
	case phaseDone:
		if m.err != nil {
			s.WriteString(styles.Error.Render("run failed: " + m.err.Error()))
			s.WriteString("\n\n")
			s.WriteString(styles.RenderKey("q", "quit"))
			break
		}
		s.WriteString(m.result.View())
	case phaseStopping:
		s.WriteString(m.live.View())
		s.WriteString("\n\n")
		s.WriteString(styles.Warn.Render("Stopping, waiting for virtual users to finish..."))
		s.WriteString("\n")
		s.WriteString(styles.RenderKey("q", "quit"))
	default:
		s.WriteString(m.live.View())
		s.WriteString("\n\n")
		s.WriteString(styles.RenderKey("q", "stop run"))
	}
	return s.String()
}

// Run drives r under the dashboard. It consumes updates, which must be the
// channel passed to runner.WithUpdates, and closes it when the run is over.
func Run(ctx context.Context, r *runner.Runner, updates runner.StatsUpdateChan, opts ...tea.ProgramOption) (*runner.Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(NewModel(r.Config(), cancel), append([]tea.ProgramOption{tea.WithAltScreen()}, opts...)...)

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for u := range updates {
			p.Send(StatsMsg(u))
		}
	}()

	var rep *runner.Report
	var runErr error
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		rep, runErr = r.Run(ctx)
		close(updates)
		<-forwarded
		p.Send(DoneMsg{Report: rep, Err: runErr})
	}()

	_, uiErr := p.Run()
	// Leaving the dashboard early still lets the run drain and report.
	cancel()
	<-finished
	if runErr != nil {
		return rep, runErr
	}
	if uiErr != nil {
		return rep, fmt.Errorf("dashboard: %w", uiErr)
	}
	return rep, nil
}
