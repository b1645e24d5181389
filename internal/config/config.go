// Package config loads a test plan from YAML, environment and flags.
package config

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"surgeq/internal/runner"
	"surgeq/internal/threshold"
)

// EnvPrefix is prepended to environment overrides, e.g. SURGEQ_TARGET_URL.
const EnvPrefix = "SURGEQ"

// File is the on-disk shape of a test plan.
type File struct {
	Name           string                 `mapstructure:"name"`
	Target         Target                 `mapstructure:"target"`
	StartUsers     int                    `mapstructure:"start_users"`
	Stages         []Stage                `mapstructure:"stages"`
	Pacing         time.Duration          `mapstructure:"pacing"`
	RequestTimeout time.Duration          `mapstructure:"request_timeout"`
	DrainTimeout   time.Duration          `mapstructure:"drain_timeout"`
	TickInterval   time.Duration          `mapstructure:"tick_interval"`
	Checks         []Check                `mapstructure:"checks"`
	Thresholds     map[string][]Threshold `mapstructure:"thresholds"`
}

type Target struct {
	URL      string            `mapstructure:"url"`
	Method   string            `mapstructure:"method"`
	Headers  map[string]string `mapstructure:"headers"`
	Body     string            `mapstructure:"body"`
	Insecure bool              `mapstructure:"insecure"`
}

type Stage struct {
	Duration time.Duration `mapstructure:"duration"`
	Target   int           `mapstructure:"target"`
}

// Check declares one predicate. Exactly one of the predicate fields is set.
type Check struct {
	Name          string        `mapstructure:"name"`
	Status        int           `mapstructure:"status"`
	StatusIn      []int         `mapstructure:"status_in"`
	BodyContains  string        `mapstructure:"body_contains"`
	HeaderPresent string        `mapstructure:"header_present"`
	MaxDuration   time.Duration `mapstructure:"max_duration"`
}

// Threshold is either a bare expression string or the long form.
type Threshold struct {
	Expr           string        `mapstructure:"threshold"`
	AbortOnFail    bool          `mapstructure:"abort_on_fail"`
	DelayAbortEval time.Duration `mapstructure:"delay_abort_eval"`
}

// SetDefaults registers every key so that environment overrides apply even
// when the plan file doesn't mention them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("name", "")
	v.SetDefault("target.url", "")
	v.SetDefault("target.method", runner.DefaultMethod)
	v.SetDefault("target.body", "")
	v.SetDefault("target.insecure", false)
	v.SetDefault("start_users", runner.DefaultStartUsers)
	v.SetDefault("pacing", time.Second)
	v.SetDefault("request_timeout", runner.DefaultRequestTimeout)
	v.SetDefault("drain_timeout", runner.DefaultDrainTimeout)
	v.SetDefault("tick_interval", runner.DefaultTickInterval)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

var thresholdType = reflect.TypeOf(Threshold{})

// thresholdHook lets a threshold be written as a plain string.
func thresholdHook(from, to reflect.Type, data any) (any, error) {
	if to == thresholdType && from.Kind() == reflect.String {
		return map[string]any{"threshold": data}, nil
	}
	return data, nil
}

// Load decodes the plan held by v.
func Load(v *viper.Viper) (*File, error) {
	var f File
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		thresholdHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&f, hook); err != nil {
		return nil, &runner.ConfigError{Msg: fmt.Sprintf("decode plan: %v", err)}
	}
	return &f, nil
}

// RunnerConfig converts the plan into a runner configuration, reporting
// every problem it finds.
func (f *File) RunnerConfig() (runner.Config, error) {
	var errs *multierror.Error

	cfg := runner.Config{
		Name: f.Name,
		Request: runner.Request{
			Method:  f.Target.Method,
			URL:     f.Target.URL,
			Headers: f.Target.Headers,
			Body:    f.Target.Body,
		},
		StartUsers:     f.StartUsers,
		Pacing:         f.Pacing,
		RequestTimeout: f.RequestTimeout,
		DrainTimeout:   f.DrainTimeout,
		TickInterval:   f.TickInterval,
	}
	for _, s := range f.Stages {
		cfg.Stages = append(cfg.Stages, runner.Stage{Duration: s.Duration, Target: s.Target})
	}

	for i, c := range f.Checks {
		check, err := c.build()
		if err != nil {
			errs = multierror.Append(errs, &runner.ConfigError{Field: fmt.Sprintf("checks[%d]", i), Msg: err.Error()})
			continue
		}
		cfg.Checks = append(cfg.Checks, check)
	}

	// Map order is random; sort metrics so results are listed predictably.
	metrics := make([]string, 0, len(f.Thresholds))
	for m := range f.Thresholds {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)
	for _, m := range metrics {
		for i, t := range f.Thresholds[m] {
			spec, err := threshold.Parse(m, t.Expr)
			if err != nil {
				errs = multierror.Append(errs, &runner.ConfigError{Field: fmt.Sprintf("thresholds.%s[%d]", m, i), Msg: err.Error()})
				continue
			}
			spec.AbortOnFail = t.AbortOnFail
			spec.DelayAbortEval = t.DelayAbortEval
			cfg.Thresholds = append(cfg.Thresholds, spec)
		}
	}

	if err := cfg.WithDefaults().Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return runner.Config{}, err
	}
	return cfg, nil
}

func (c Check) build() (runner.Check, error) {
	var found []runner.Check
	if c.Status != 0 {
		found = append(found, runner.StatusIs(c.Status))
	}
	if len(c.StatusIn) > 0 {
		found = append(found, runner.StatusIn(c.StatusIn...))
	}
	if c.BodyContains != "" {
		found = append(found, runner.BodyContains(c.BodyContains))
	}
	if c.HeaderPresent != "" {
		found = append(found, runner.HeaderPresent(c.HeaderPresent))
	}
	if c.MaxDuration > 0 {
		found = append(found, runner.MaxDuration(c.MaxDuration))
	}
	switch len(found) {
	case 0:
		return runner.Check{}, fmt.Errorf("check %q has no predicate", c.Name)
	case 1:
		return found[0].Named(c.Name), nil
	}
	return runner.Check{}, fmt.Errorf("check %q declares %d predicates, want one", c.Name, len(found))
}

// ParseStage parses the --stage flag form "2m:40".
func ParseStage(s string) (Stage, error) {
	dur, target, ok := strings.Cut(s, ":")
	if !ok {
		return Stage{}, fmt.Errorf("stage %q: want duration:target", s)
	}
	d, err := time.ParseDuration(strings.TrimSpace(dur))
	if err != nil {
		return Stage{}, fmt.Errorf("stage %q: %w", s, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(target))
	if err != nil {
		return Stage{}, fmt.Errorf("stage %q: target: %w", s, err)
	}
	return Stage{Duration: d, Target: n}, nil
}

// ParseHeader parses the --header flag form "Key: Value".
func ParseHeader(s string) (string, string, error) {
	k, v, ok := strings.Cut(s, ":")
	if !ok || strings.TrimSpace(k) == "" {
		return "", "", fmt.Errorf("header %q: want Key: Value", s)
	}
	return strings.TrimSpace(k), strings.TrimSpace(v), nil
}
