package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"surgeq/internal/banner"
	"surgeq/internal/config"
	"surgeq/internal/runner"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "surgeq",
	Short: "SurgeQ - staged load testing with pass/fail thresholds",
	Long: `
SurgeQ ramps virtual users through a series of stages against an HTTP
target and judges the run against declared thresholds.

It supports two display modes:
1. Headless (default): progress line and report, for CI/CD usage
2. TUI (--tui): interactive dashboard`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	var ee *exitError
	switch {
	case err == nil:
		return runner.ExitOK
	case errors.As(err, &ee):
		return ee.code
	case errors.Is(err, runner.ErrInvalidConfig):
		return runner.ExitInvalidConfig
	}
	return 1
}

func Execute() {
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		fmt.Println(banner.GetString())
		cmd.Usage()
	})

	err := rootCmd.Execute()
	code := exitCode(err)
	var ee *exitError
	if err != nil && (!errors.As(err, &ee) || ee.err != nil) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(code)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(runCmd, dummyCmd, historyCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "plan file (default is $HOME/.surgeq.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
}

func initConfig() {
	config.SetDefaults(viper.GetViper())
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigType("yaml")
			viper.SetConfigName(".surgeq")
		}
	}
}

// readConfig loads the plan file. A missing default file is not an error; a
// missing or broken explicit one is.
func readConfig() error {
	err := viper.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
		logrus.WithField("file", viper.ConfigFileUsed()).Debug("plan loaded")
		return nil
	case cfgFile == "" && errors.As(err, &notFound):
		return nil
	}
	return &runner.ConfigError{Field: "config", Msg: err.Error()}
}

func setupLogging() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return &runner.ConfigError{Field: "log-level", Msg: err.Error()}
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)

	switch strings.ToLower(logFormat) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return &runner.ConfigError{Field: "log-format", Msg: fmt.Sprintf("unknown format %q", logFormat)}
	}
	return nil
}
