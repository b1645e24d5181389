// Package cli runs a plan headless, printing progress and the final report
// to a terminal.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"surgeq/internal/runner"
	"surgeq/internal/stats"
	"surgeq/internal/storage"
	"surgeq/internal/telemetry"
	"surgeq/internal/threshold"
	"surgeq/internal/tui"
)

const progressInterval = 200 * time.Millisecond

const rule = "======================================================================"

type Options struct {
	Out io.Writer
	Log *logrus.Entry

	// OutPrefix, when set, exports results to <prefix>.{csv,json,_summary.json}.
	OutPrefix string
	// HistoryPath, when set, saves the run to a bbolt history file.
	HistoryPath string
	// MetricsAddr, when set, serves Prometheus metrics for the run.
	MetricsAddr string
	// Quiet suppresses the progress line.
	Quiet bool
	// TUI shows the interactive dashboard instead of the progress line.
	TUI bool

	RunnerOptions []runner.Option
}

// Start runs cfg to completion and prints the report. A non-nil error means
// the run could not be set up or its artifacts could not be written; the
// verdict itself is in the report.
func Start(ctx context.Context, cfg runner.Config, t runner.Transport, opts Options) (*runner.Report, error) {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	var metrics telemetry.Metricer = telemetry.NoopMetrics
	var server *telemetry.Metrics
	if opts.MetricsAddr != "" {
		server = telemetry.NewMetrics()
		metrics = server
	}

	updates := make(runner.StatsUpdateChan, 100)
	ropts := append([]runner.Option{
		runner.WithLogger(log),
		runner.WithObserver(metrics),
		runner.WithUpdates(updates, progressInterval),
	}, opts.RunnerOptions...)
	r, err := runner.NewRunner(cfg, t, ropts...)
	if err != nil {
		return nil, err
	}
	metrics.RecordInfo(cfg.Name, r.ID())
	printHeader(out, r.Config())

	g, gctx := errgroup.WithContext(ctx)
	srvCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	var rep *runner.Report
	if opts.TUI {
		g.Go(func() error {
			defer stopServer()
			var err error
			rep, err = tui.Run(gctx, r, updates)
			return err
		})
	} else {
		g.Go(func() error {
			defer stopServer()
			defer close(updates)
			var err error
			rep, err = r.Run(gctx)
			return err
		})
		g.Go(func() error {
			for u := range updates {
				if !opts.Quiet {
					printProgress(out, u)
				}
			}
			return nil
		})
	}
	if server != nil {
		g.Go(func() error {
			if err := server.Serve(srvCtx, opts.MetricsAddr, log); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}

	printSummary(out, rep)

	if opts.OutPrefix != "" {
		if err := Export(rep, opts.OutPrefix); err != nil {
			return rep, err
		}
		fmt.Fprintf(out, "\nReports saved to %s.{csv,json,_summary.json}\n", opts.OutPrefix)
	}
	if opts.HistoryPath != "" {
		if err := saveHistory(opts.HistoryPath, r.Config(), rep); err != nil {
			return rep, fmt.Errorf("save history: %w", err)
		}
		log.WithField("path", opts.HistoryPath).Debug("run saved to history")
	}
	return rep, nil
}

func saveHistory(path string, cfg runner.Config, rep *runner.Report) error {
	s, err := storage.NewStore(path)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Save(storage.NewRecord(cfg, rep))
}

func printHeader(w io.Writer, cfg runner.Config) {
	fmt.Fprintf(w, "\nSTARTING SURGEQ LOAD TEST\n")
	fmt.Fprintln(w, rule)
	if cfg.Name != "" {
		fmt.Fprintf(w, "Name       : %s\n", cfg.Name)
	}
	fmt.Fprintf(w, "Target URL : %s\n", cfg.Request.URL)
	fmt.Fprintf(w, "Method     : %s\n", cfg.Request.Method)
	fmt.Fprintf(w, "Start users: %d\n", cfg.StartUsers)
	for i, s := range cfg.Stages {
		label := "Stages     :"
		if i > 0 {
			label = "            "
		}
		fmt.Fprintf(w, "%s %d) %s -> %d VUs\n", label, i+1, s.Duration, s.Target)
	}
	fmt.Fprintf(w, "Duration   : %s (+ up to %s drain)\n", cfg.TotalDuration(), cfg.DrainTimeout)
	fmt.Fprintf(w, "Pacing     : %s\n", cfg.Pacing)
	fmt.Fprintf(w, "Timeout    : %s\n", cfg.RequestTimeout)
	for i, t := range cfg.Thresholds {
		label := "Thresholds :"
		if i > 0 {
			label = "            "
		}
		flag := ""
		if t.AbortOnFail {
			flag = " (abort on fail)"
		}
		fmt.Fprintf(w, "%s %s%s\n", label, t, flag)
	}
	fmt.Fprintf(w, "%s\n\n", rule)
}

func progressBar(pct float64, width int) string {
	filled := int(pct * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("-", width-filled) + "]"
}

func printProgress(w io.Writer, u runner.StatsSnapshot) {
	pct := 0.0
	if u.Total > 0 {
		pct = u.Elapsed.Seconds() / u.Total.Seconds()
	}
	if pct > 1.0 {
		pct = 1.0
	}

	if u.Draining {
		fmt.Fprintf(w, "\r%s %3.0f%% | %s/%s | Draining: %d VUs...                        ",
			progressBar(1.0, 20), 100.0,
			u.Elapsed.Round(time.Second), u.Total,
			u.ActiveUsers)
		return
	}

	rps := 0.0
	if u.Elapsed.Seconds() > 0 {
		rps = float64(u.Requests) / u.Elapsed.Seconds()
	}
	fmt.Fprintf(w, "\r%s %3.0f%% | %s/%s | VUs: %3d/%3d | RPS: %.1f | OK: %d | Err: %d (%.2f%%) | avg: %.0fms p95: %.0fms",
		progressBar(pct, 20), pct*100,
		u.Elapsed.Round(time.Second), u.Total,
		u.ActiveUsers, u.TargetUsers,
		rps,
		u.Success,
		u.Fail, u.ErrorRate*100,
		u.AvgMs, u.P95Ms,
	)
	if u.CheckFailures > 0 {
		fmt.Fprintf(w, " | Chk fail: %d", u.CheckFailures)
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// formatValue renders a threshold's measured value in its own unit.
func formatValue(r threshold.Result) string {
	switch {
	case !r.Defined:
		return r.Reason
	case r.Spec.Kind.IsLatency():
		return fmt.Sprintf("%.2fms", r.Value)
	}
	return fmt.Sprintf("%.2f%%", r.Value*100)
}

func printSummary(w io.Writer, rep *runner.Report) {
	sum := rep.Summary
	rps := 0.0
	if rep.Elapsed > 0 {
		rps = float64(sum.Total) / rep.Elapsed.Seconds()
	}

	fmt.Fprintf(w, "\n\nLOAD TEST RESULTS\n")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Run ID         : %s\n", rep.RunID)
	fmt.Fprintf(w, "Total Duration : %s\n", rep.Elapsed.Round(time.Second))
	fmt.Fprintf(w, "Requests Sent  : %d\n", sum.Total)
	fmt.Fprintf(w, "Success        : %d\n", sum.Total-sum.Failures)
	fmt.Fprintf(w, "Failures       : %d\n", sum.Failures)
	if sum.ErrorRateDefined {
		fmt.Fprintf(w, "Error Rate     : %.2f%%\n", sum.ErrorRate*100)
	}
	if sum.Truncated > 0 {
		fmt.Fprintf(w, "Truncated      : %d\n", sum.Truncated)
	}
	fmt.Fprintf(w, "Actual RPS     : %.2f\n", rps)
	fmt.Fprintf(w, "Peak VUs       : %d\n", rep.PeakUsers)

	if sum.Total > 0 {
		fmt.Fprintf(w, "\nRESPONSE TIMES (ms) [all requests]\n")
		for _, pv := range sum.Percentiles {
			fmt.Fprintf(w, "   P%-3g: %.2f\n", pv.P, ms(pv.Value))
		}
		fmt.Fprintf(w, "   Avg : %.2f\n", ms(sum.AvgLatency))
		fmt.Fprintf(w, "   Min : %.2f\n", ms(sum.MinLatency))
		fmt.Fprintf(w, "   Max : %.2f\n", ms(sum.MaxLatency))
	}

	live := stats.NewStats()
	for _, o := range rep.Outcomes {
		live.Add(o)
	}
	if errCounts := live.GetErrorCounts(); len(errCounts) > 0 {
		fmt.Fprintf(w, "\nFAILURE SUMMARY\n")
		for _, c := range errCounts {
			fmt.Fprintf(w, "   %d x %s\n", c.Count, c.Key)
		}
	}

	if sum.CheckTotal > 0 {
		failed := 0
		names := make([]string, 0, len(sum.CheckFailures))
		for name, n := range sum.CheckFailures {
			failed += n
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(w, "\nCHECKS: %d evaluated, %d failed\n", sum.CheckTotal, failed)
		for _, name := range names {
			fmt.Fprintf(w, "   ✗ %s: %d\n", name, sum.CheckFailures[name])
		}
	}

	if len(rep.Verdict.Results) > 0 {
		fmt.Fprintf(w, "\nTHRESHOLDS\n")
		for _, r := range rep.Verdict.Results {
			mark := "✓"
			if !r.Pass {
				mark = "✗"
			}
			fmt.Fprintf(w, "   %s %s (%s)\n", mark, r.Name, formatValue(r))
		}
	}

	for _, warning := range rep.Verdict.Warnings {
		fmt.Fprintf(w, "\nWARNING: %s\n", warning)
	}

	fmt.Fprintf(w, "\nVERDICT: %s\n", strings.ToUpper(rep.Status()))
	fmt.Fprintln(w, rule)
}
