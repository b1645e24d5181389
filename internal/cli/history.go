package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"surgeq/internal/storage"
)

// PrintHistory renders past runs as a table, newest first.
func PrintHistory(w io.Writer, records []storage.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No runs recorded yet.")
		return
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("RUN ID", "STARTED", "NAME", "STATUS", "REQUESTS", "ERR RATE", "P95")
	for _, r := range records {
		sum := r.Report.Summary
		errRate, p95 := "-", "-"
		if sum.ErrorRateDefined {
			errRate = fmt.Sprintf("%.2f%%", sum.ErrorRate*100)
		}
		if v, ok := sum.Percentile(95); ok && sum.Total > 0 {
			p95 = fmt.Sprintf("%.1fms", ms(v))
		}
		t.Row(
			r.ID,
			r.Timestamp.Local().Format(time.DateTime),
			r.Name,
			r.Status(),
			strconv.Itoa(sum.Total),
			errRate,
			p95,
		)
	}
	fmt.Fprintln(w, t.String())
}

// PrintRecord prints the stored report for one run.
func PrintRecord(w io.Writer, r *storage.Record) {
	fmt.Fprintf(w, "Target URL : %s\n", r.URL)
	for i, s := range r.Stages {
		fmt.Fprintf(w, "Stage %d    : %s -> %d VUs\n", i+1, s.Duration, s.Target)
	}
	printSummary(w, &r.Report)
}
