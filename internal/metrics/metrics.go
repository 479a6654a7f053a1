package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickchristie/pgguard/internal/safety"
)

const namespace = "pgguard"

// Outcome labels of a query decision. Held batches wait for a user's
// confirmation.
const (
	OutcomeExecuted = "executed"
	OutcomeRejected = "rejected"
	OutcomeInvalid  = "invalid"
	OutcomeFailed   = "failed"
	OutcomeHeld     = "held"
)

// Collector owns a private registry so several instances can coexist in one
// process.
type Collector struct {
	registry  *prometheus.Registry
	decisions *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	mode      *prometheus.GaugeVec
	changes   *prometheus.CounterVec
	recorded  prometheus.Counter
}

// New creates a Collector with all metrics registered. Go runtime and
// process collectors are included when withRuntime is true.
func New(withRuntime bool) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_decisions_total",
			Help:      "Queries handled, by outcome and highest statement risk.",
		}, []string{"outcome", "risk"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Time spent executing accepted queries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"wrapped"}),
		mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "safety_mode",
			Help:      "Current safety mode per service (0 restricted, 1 permissive).",
		}, []string{"service"}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_mode_changes_total",
			Help:      "Safety mode changes, by service and new mode.",
		}, []string{"service", "mode"}),
		recorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_recorded_total",
			Help:      "Schema-changing batches recorded as migrations.",
		}),
	}
	c.registry.MustRegister(c.decisions, c.duration, c.mode, c.changes, c.recorded)
	if withRuntime {
		c.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return c
}

// Registry returns the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveDecision counts one handled query.
func (c *Collector) ObserveDecision(outcome string, risk safety.RiskLevel) {
	c.decisions.WithLabelValues(outcome, risk.String()).Inc()
}

// ObserveExecution records the execution time of an accepted query.
func (c *Collector) ObserveExecution(d time.Duration, wrapped bool) {
	label := "false"
	if wrapped {
		label = "true"
	}
	c.duration.WithLabelValues(label).Observe(d.Seconds())
}

// ObserveMigration counts one recorded migration.
func (c *Collector) ObserveMigration() {
	c.recorded.Inc()
}

// ModeObserver keeps the mode gauge in step with a safety.ModeController.
// Pass it to safety.NewModeController.
func (c *Collector) ModeObserver() safety.ModeObserver {
	return func(service safety.Service, previous, current safety.Mode) {
		c.mode.WithLabelValues(service.String()).Set(float64(current))
		if previous != current {
			c.changes.WithLabelValues(service.String(), current.String()).Inc()
		}
	}
}
