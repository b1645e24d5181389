package live

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"surgeq/internal/runner"
	"surgeq/internal/tui/components"
	"surgeq/internal/tui/styles"
)

// Model is the dashboard shown while a run is in progress.
type Model struct {
	Stats    runner.StatsSnapshot
	Progress progress.Model

	RpsLine     components.Sparkline
	LatencyLine components.Sparkline
	UsersLine   components.Sparkline

	Stages int

	lastElapsed time.Duration
	lastReqs    uint64

	Width  int
	Height int
}

func NewModel(stages int) Model {
	return Model{
		Progress:    progress.New(progress.WithDefaultGradient()),
		RpsLine:     components.NewSparkline(40, "RPS", styles.Active),
		LatencyLine: components.NewSparkline(40, "Latency P95 (ms)", styles.Warn),
		UsersLine:   components.NewSparkline(40, "Virtual users", styles.Value),
		Stages:      stages,
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case runner.StatsSnapshot:
		// Rates use run time, so a scaled clock still reads sensibly.
		if dt := (msg.Elapsed - m.lastElapsed).Seconds(); dt > 0 && msg.Requests >= m.lastReqs {
			m.RpsLine.Add(float64(msg.Requests-m.lastReqs) / dt)
		}
		m.LatencyLine.Add(msg.P95Ms)
		m.UsersLine.Add(float64(msg.ActiveUsers))

		m.Stats = msg
		m.lastReqs = msg.Requests
		m.lastElapsed = msg.Elapsed

		return m, m.Progress.SetPercent(m.Percent())

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Progress.Width = msg.Width - 4

		third := (msg.Width / 3) - 4
		if third < 10 {
			third = 10
		}
		m.RpsLine.Width = third
		m.LatencyLine.Width = third
		m.UsersLine.Width = third
		return m, nil

	case progress.FrameMsg:
		prog, cmd := m.Progress.Update(msg)
		m.Progress = prog.(progress.Model)
		return m, cmd
	}

	return m, nil
}

// Percent is the share of the ramp already played.
func (m Model) Percent() float64 {
	if m.Stats.Total <= 0 {
		return 0
	}
	pct := float64(m.Stats.Elapsed) / float64(m.Stats.Total)
	if pct > 1.0 {
		pct = 1.0
	}
	return pct
}

func (m Model) View() string {
	s := strings.Builder{}
	st := m.Stats

	stage := fmt.Sprintf("STAGE: %d/%d", st.Stage+1, m.Stages)
	if st.Draining {
		stage = styles.Warn.Render("DRAINING")
	}
	col1 := fmt.Sprintf("VUs: %d/%d\n%s", st.ActiveUsers, st.TargetUsers, stage)
	col2 := styles.ErrorRate(st.ErrorRate).Render(
		fmt.Sprintf("ERR: %.2f%%\nFAIL: %d", st.ErrorRate*100, st.Fail))
	if st.CheckFailures > 0 {
		col2 += styles.Warn.Render(fmt.Sprintf("\nCHK: %d (%s)", st.CheckFailures, st.TopCheck))
	}
	col3 := fmt.Sprintf("REQ: %d\nKB: %d", st.Requests, st.Bytes/1024)
	if st.Truncated > 0 {
		col3 += styles.Error.Render(fmt.Sprintf("\nTRUNC: %d", st.Truncated))
	}

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		styles.Box.Render(col1),
		styles.Box.Render(col2),
		styles.Box.Render(col3),
	))
	s.WriteString("\n\n")

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		styles.Box.Render(m.RpsLine.View()),
		styles.Box.Render(m.LatencyLine.View()),
		styles.Box.Render(m.UsersLine.View()),
	))
	s.WriteString("\n\n")

	latencies := fmt.Sprintf(
		"Avg: %.2f ms  |  P50: %.2f ms  |  P90: %.2f ms  |  P95: %.2f ms  |  P99: %.2f ms  |  Max: %.2f ms",
		st.AvgMs, st.P50Ms, st.P90Ms, st.P95Ms, st.P99Ms, st.MaxMs,
	)
	box := styles.Box
	if m.Width > 4 {
		box = box.Width(m.Width - 4)
	}
	s.WriteString(box.Render(latencies))
	s.WriteString("\n\n")

	s.WriteString(styles.Subtle.Render(fmt.Sprintf("%s / %s", st.Elapsed.Round(time.Second), st.Total)))
	s.WriteString("\n")
	s.WriteString(m.Progress.View())

	return s.String()
}
