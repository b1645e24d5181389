package telemetry

import "surgeq/internal/stats"

type noopMetrics struct{}

var NoopMetrics Metricer = new(noopMetrics)

func (*noopMetrics) ObserveOutcome(stats.Outcome)    {}
func (*noopMetrics) ObserveUsers(active, target int) {}
func (*noopMetrics) RecordInfo(name, runID string)   {}
