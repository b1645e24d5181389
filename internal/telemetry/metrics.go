// Package telemetry exposes live run metrics to Prometheus.
package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"surgeq/internal/runner"
	"surgeq/internal/stats"
)

const Namespace = "surgeq"

// Metricer is what a run reports into.
type Metricer interface {
	stats.Observer
	runner.UsersObserver
	RecordInfo(name, runID string)
}

type Metrics struct {
	registry *prometheus.Registry

	info        *prometheus.GaugeVec
	requests    *prometheus.CounterVec
	truncated   prometheus.Counter
	checkFails  *prometheus.CounterVec
	duration    prometheus.Histogram
	bytes       prometheus.Counter
	activeUsers prometheus.Gauge
	targetUsers prometheus.Gauge
}

var _ Metricer = (*Metrics)(nil)

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		info: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "info",
			Help:      "Information about the current run",
		}, []string{"name", "run_id"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_reqs_total",
			Help:      "Completed iterations by result and status code",
		}, []string{"result", "status"}),
		truncated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "truncated_iterations_total",
			Help:      "Iterations abandoned by a forced shutdown",
		}),
		checkFails: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "check_failures_total",
			Help:      "Failed checks by name",
		}, []string{"check"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_req_duration_seconds",
			Help:      "Request latency",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		bytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "response_bytes_total",
			Help:      "Response bytes received",
		}),
		activeUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "vus",
			Help:      "Running virtual users",
		}),
		targetUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "vus_target",
			Help:      "Virtual users the ramp currently asks for",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordInfo(name, runID string) {
	m.info.Reset()
	m.info.WithLabelValues(name, runID).Set(1)
}

func (m *Metrics) ObserveOutcome(o stats.Outcome) {
	if o.Truncated {
		m.truncated.Inc()
		return
	}
	result := "success"
	if !o.Success {
		result = "failure"
	}
	status := "none"
	if o.HasStatus() {
		status = strconv.Itoa(o.StatusCode)
	}
	m.requests.WithLabelValues(result, status).Inc()
	m.duration.Observe(o.Latency.Seconds())
	if o.Bytes > 0 {
		m.bytes.Add(float64(o.Bytes))
	}
	for _, name := range o.FailedChecks {
		m.checkFails.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) ObserveUsers(active, target int) {
	m.activeUsers.Set(float64(active))
	m.targetUsers.Set(float64(target))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, log *logrus.Entry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.WithField("addr", ln.Addr().String()).Info("serving metrics")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
