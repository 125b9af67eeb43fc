// Package metrics exposes Prometheus counters for compiles, calls,
// violations and retries. A nil *Collector records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "runnable"

// Collector holds the engine's metric vectors.
type Collector struct {
	compilesTotal   *prometheus.CounterVec
	callsTotal      *prometheus.CounterVec
	callDuration    *prometheus.HistogramVec
	violationsTotal *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
}

// NewCollector registers the vectors with reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		compilesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compiles_total",
				Help:      "Template compilations by outcome",
			},
			[]string{"outcome"},
		),
		callsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_total",
				Help:      "Runnable calls by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		callDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "call_duration_seconds",
				Help:      "Runnable call duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"kind"},
		),
		violationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "violations_total",
				Help:      "Guard and capability violations by kind",
			},
			[]string{"kind"},
		),
		retriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Retries scheduled by operation",
			},
			[]string{"operation"},
		),
	}
}

// RecordCompile counts one compilation.
func (c *Collector) RecordCompile(outcome string) {
	if c == nil {
		return
	}
	c.compilesTotal.WithLabelValues(outcome).Inc()
}

// RecordCall counts one call and observes its duration.
func (c *Collector) RecordCall(kind, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.callsTotal.WithLabelValues(kind, outcome).Inc()
	c.callDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordViolation counts one guard trip.
func (c *Collector) RecordViolation(kind string) {
	if c == nil {
		return
	}
	c.violationsTotal.WithLabelValues(kind).Inc()
}

// RecordRetry counts one scheduled retry.
func (c *Collector) RecordRetry(operation string) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(operation).Inc()
}
