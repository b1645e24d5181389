package result

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"surgeq/internal/runner"
	"surgeq/internal/tui/styles"
)

// Model shows the report of a finished run.
type Model struct {
	Report *runner.Report

	Width  int
	Height int
}

func NewModel(rep *runner.Report) Model {
	return Model{Report: rep}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
	}
	return m, nil
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func (m Model) View() string {
	if m.Report == nil {
		return ""
	}
	rep := m.Report
	sum := rep.Summary
	s := strings.Builder{}

	s.WriteString(styles.Title.Render("Test Complete"))
	s.WriteString("\n\n")

	badge := styles.FailBadge
	if rep.Pass() {
		badge = styles.PassBadge
	}
	s.WriteString(badge.Render(strings.ToUpper(rep.Status())))
	s.WriteString("\n\n")

	s.WriteString(styles.Active.Render("Overview"))
	s.WriteString("\n")
	overview := fmt.Sprintf(
		"Total Requests: %d\nFailed:         %d\nError Rate:     %.2f%%\nTruncated:      %d\nPeak VUs:       %d\nElapsed:        %s",
		sum.Total, sum.Failures, sum.ErrorRate*100, sum.Truncated, rep.PeakUsers, rep.Elapsed.Round(time.Second),
	)
	s.WriteString(styles.Box.Render(overview))
	s.WriteString("\n\n")

	s.WriteString(styles.Active.Render("Latency (all requests)"))
	s.WriteString("\n")
	lines := []string{fmt.Sprintf("Avg: %.2f ms", ms(sum.AvgLatency))}
	for _, pv := range sum.Percentiles {
		lines = append(lines, fmt.Sprintf("P%g: %.2f ms", pv.P, ms(pv.Value)))
	}
	lines = append(lines, fmt.Sprintf("Max: %.2f ms", ms(sum.MaxLatency)))
	s.WriteString(styles.Box.Render(strings.Join(lines, "\n")))
	s.WriteString("\n\n")

	if len(rep.Verdict.Results) > 0 {
		s.WriteString(styles.Active.Render("Thresholds"))
		s.WriteString("\n")
		var rows []string
		for _, r := range rep.Verdict.Results {
			if r.Pass {
				rows = append(rows, styles.Success.Render("✓ ")+r.Name)
				continue
			}
			row := styles.Error.Render("✗ ") + r.Name
			if !r.Defined {
				row += styles.Subtle.Render(" (" + r.Reason + ")")
			}
			rows = append(rows, row)
		}
		s.WriteString(styles.Box.Render(strings.Join(rows, "\n")))
		s.WriteString("\n\n")
	}

	for _, w := range rep.Verdict.Warnings {
		s.WriteString(styles.Warn.Render("! " + w))
		s.WriteString("\n")
	}

	s.WriteString("\n")
	s.WriteString(styles.RenderKey("q", "quit"))

	return s.String()
}
