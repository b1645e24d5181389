package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"surgeq/internal/cli"
	"surgeq/internal/config"
	"surgeq/internal/runner"
	"surgeq/internal/storage"
	"surgeq/internal/transport"
)

// runFlags are the flags that don't map onto a single plan key.
type runFlags struct {
	headers    []string
	stages     []string
	thresholds []string

	tui         bool
	quiet       bool
	outPrefix   string
	history     bool
	historyFile string
	metricsAddr string
}

var runOpts runFlags

var runCmd = &cobra.Command{
	Use:   "run [plan.yaml]",
	Short: "Run a load test",
	Example: `  surgeq run plan.yaml
  surgeq run --url http://localhost:8080/fast --stage 30s:20 --stage 1m:20 --stage 10s:0 \
      --threshold "http_req_duration:p(95)<500" --threshold "http_req_failed:rate<0.01"`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			cfgFile = args[0]
			viper.SetConfigFile(cfgFile)
		}
		if err := readConfig(); err != nil {
			return err
		}
		return runPlan(cmd.Context(), viper.GetViper(), runOpts, cmd.Flags().Changed("stage"))
	},
}

func init() {
	f := runCmd.Flags()
	f.StringP("name", "n", "", "Run name, used in reports and metrics")
	f.StringP("url", "u", "", "Target URL")
	f.StringP("method", "X", runner.DefaultMethod, "HTTP method")
	f.StringP("body", "b", "", "Request body template")
	f.Bool("insecure", false, "Skip TLS certificate verification")
	f.Int("start-users", runner.DefaultStartUsers, "Virtual users at the start of the first stage")
	f.Duration("pacing", time.Second, "Pause between iterations of one virtual user")
	f.Duration("timeout", runner.DefaultRequestTimeout, "Per-request timeout")
	f.Duration("drain-timeout", runner.DefaultDrainTimeout, "Grace period for in-flight iterations at shutdown")

	for key, flag := range map[string]string{
		"name":            "name",
		"target.url":      "url",
		"target.method":   "method",
		"target.body":     "body",
		"target.insecure": "insecure",
		"start_users":     "start-users",
		"pacing":          "pacing",
		"request_timeout": "timeout",
		"drain_timeout":   "drain-timeout",
	} {
		viper.BindPFlag(key, f.Lookup(flag))
	}

	f.StringSliceVarP(&runOpts.headers, "header", "H", nil, "HTTP header (e.g. \"Key: Value\"), repeatable")
	f.StringArrayVarP(&runOpts.stages, "stage", "s", nil, "Stage as duration:target (e.g. 2m:40), repeatable; replaces plan stages")
	f.StringArrayVarP(&runOpts.thresholds, "threshold", "t", nil, "Threshold as metric:expression, repeatable")

	f.BoolVar(&runOpts.tui, "tui", false, "Show the interactive dashboard")
	f.BoolVarP(&runOpts.quiet, "quiet", "q", false, "Suppress the progress line")
	f.StringVarP(&runOpts.outPrefix, "out", "o", "", "Output filename prefix for auto-reporting")
	f.BoolVar(&runOpts.history, "history", false, "Save the run to the history store")
	f.StringVar(&runOpts.historyFile, "history-file", "", "History store path (default is $HOME/.surgeq/history.db)")
	f.StringVar(&runOpts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run")
}

// applyFlags layers the repeatable flags over the loaded plan.
func applyFlags(f *config.File, opts runFlags, replaceStages bool) error {
	var errs *multierror.Error

	for _, h := range opts.headers {
		k, v, err := config.ParseHeader(h)
		if err != nil {
			errs = multierror.Append(errs, &runner.ConfigError{Field: "header", Msg: err.Error()})
			continue
		}
		if f.Target.Headers == nil {
			f.Target.Headers = make(map[string]string)
		}
		f.Target.Headers[k] = v
	}

	if replaceStages {
		f.Stages = nil
		for _, s := range opts.stages {
			st, err := config.ParseStage(s)
			if err != nil {
				errs = multierror.Append(errs, &runner.ConfigError{Field: "stage", Msg: err.Error()})
				continue
			}
			f.Stages = append(f.Stages, st)
		}
	}

	for _, t := range opts.thresholds {
		metric, expr, ok := strings.Cut(t, ":")
		if !ok {
			errs = multierror.Append(errs, &runner.ConfigError{Field: "threshold", Msg: fmt.Sprintf("%q: want metric:expression", t)})
			continue
		}
		if f.Thresholds == nil {
			f.Thresholds = make(map[string][]config.Threshold)
		}
		metric = strings.TrimSpace(metric)
		f.Thresholds[metric] = append(f.Thresholds[metric], config.Threshold{Expr: strings.TrimSpace(expr)})
	}

	return errs.ErrorOrNil()
}

func historyPath(opts runFlags) (string, error) {
	if opts.historyFile != "" {
		return opts.historyFile, nil
	}
	if !opts.history {
		return "", nil
	}
	return storage.DefaultPath()
}

func runPlan(ctx context.Context, v *viper.Viper, opts runFlags, replaceStages bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f, err := config.Load(v)
	if err != nil {
		return err
	}
	if err := applyFlags(f, opts, replaceStages); err != nil {
		return err
	}
	cfg, err := f.RunnerConfig()
	if err != nil {
		return err
	}
	hist, err := historyPath(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr := transport.NewHTTP(transport.Options{Insecure: f.Target.Insecure})
	defer tr.CloseIdle()

	rep, err := cli.Start(ctx, cfg, tr, cli.Options{
		Out:         os.Stdout,
		Log:         logrus.NewEntry(logrus.StandardLogger()),
		OutPrefix:   opts.outPrefix,
		HistoryPath: hist,
		MetricsAddr: opts.metricsAddr,
		Quiet:       opts.quiet,
		TUI:         opts.tui,
	})
	if err != nil {
		return err
	}
	if code := rep.ExitCode(); code != runner.ExitOK {
		return &exitError{code: code}
	}
	return nil
}
