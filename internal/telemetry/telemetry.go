// Package telemetry records run metrics in a private Prometheus registry
// and pushes them to a Pushgateway when a run ends.
package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/frigg/pkg/api"
)

const namespace = "frigg"

// Collector holds the run metrics. A zero PushGateway disables pushing.
type Collector struct {
	registry    *prometheus.Registry
	pushGateway string

	runs              *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	stepDuration      *prometheus.HistogramVec
	provisionDuration *prometheus.HistogramVec
	teardownFailures  *prometheus.CounterVec
	lastRun           prometheus.Gauge
}

func NewCollector(pushGateway string) *Collector {
	c := &Collector{
		registry:    prometheus.NewRegistry(),
		pushGateway: pushGateway,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Runs by provider, pipeline and final status.",
		}, []string{"provider", "pipeline", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a run from preflight to teardown.",
			Buckets:   prometheus.ExponentialBuckets(30, 2, 8), // 30s to ~1h
		}, []string{"provider", "pipeline"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of pipeline steps.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"step", "status"}),
		provisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provision_duration_seconds",
			Help:      "Time from create request until the node is reachable.",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 8),
		}, []string{"provider", "result"}),
		teardownFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardown_failures_total",
			Help:      "Nodes that could not be destroyed.",
		}, []string{"provider"}),
		// The profile is the push grouping key, so it is not a label here.
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 if the last run of the pushed profile succeeded.",
		}),
	}
	c.registry.MustRegister(c.runs, c.runDuration, c.stepDuration, c.provisionDuration, c.teardownFailures, c.lastRun)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) ObserveStep(step, status string, d time.Duration) {
	c.stepDuration.WithLabelValues(step, status).Observe(d.Seconds())
}

func (c *Collector) ObserveProvision(provider string, d time.Duration, ok bool) {
	result := "ready"
	if !ok {
		result = "failed"
	}
	c.provisionDuration.WithLabelValues(provider, result).Observe(d.Seconds())
}

// ObserveRun records the outcome of a finished run.
func (c *Collector) ObserveRun(r api.RunReport) {
	c.runs.WithLabelValues(r.Provider, r.Pipeline, string(r.Status)).Inc()
	c.runDuration.WithLabelValues(r.Provider, r.Pipeline).Observe(r.Duration().Seconds())
	if r.TeardownWarning != "" {
		c.teardownFailures.WithLabelValues(r.Provider).Inc()
	}
	success := 0.0
	if r.Status == api.RunSucceeded {
		success = 1
	}
	c.lastRun.Set(success)
}

// Push sends the registry to the Pushgateway, grouped by profile.
func (c *Collector) Push(ctx context.Context, profile string) error {
	if c.pushGateway == "" {
		return nil
	}
	err := push.New(c.pushGateway, namespace).
		Gatherer(c.registry).
		Grouping("profile", profile).
		PushContext(ctx)
	if err != nil {
		return err
	}
	log.Debug().Str("url", c.pushGateway).Msg("pushed run metrics")
	return nil
}
