// Package telemetry exposes Prometheus counters derived from the run event
// stream. Counters are process-wide operational metrics; per-run analytics
// live in the research metrics aggregator.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quillworks/deepresearch/internal/store"
)

// Collector holds the counter set on a private registry so multiple
// instances (one per test, one per process) never collide.
type Collector struct {
	registry *prometheus.Registry

	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	events       *prometheus.CounterVec
	toolCalls    *prometheus.CounterVec
	spills       prometheus.Counter
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Collector{
		registry: registry,
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "deepresearch_runs_started_total",
			Help: "Research runs started.",
		}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deepresearch_runs_finished_total",
			Help: "Research runs finished, by terminal status.",
		}, []string{"status"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deepresearch_run_events_total",
			Help: "Run events observed, by type.",
		}, []string{"type"}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deepresearch_tool_calls_total",
			Help: "Tool invocations, by tool and outcome.",
		}, []string{"tool", "outcome"}),
		spills: factory.NewCounter(prometheus.CounterOpts{
			Name: "deepresearch_context_spills_total",
			Help: "Oversized tool results spilled to disk.",
		}),
	}
}

// Observe folds one run event into the counters.
func (c *Collector) Observe(event store.RunEvent) {
	c.events.WithLabelValues(event.Type).Inc()
	switch event.Type {
	case "run.started":
		c.runsStarted.Inc()
	case "run.completed":
		c.runsFinished.WithLabelValues(store.StatusSucceeded).Inc()
	case "run.failed":
		c.runsFinished.WithLabelValues(store.StatusFailed).Inc()
	case "run.cancelled":
		c.runsFinished.WithLabelValues(store.StatusCancelled).Inc()
	case "tool.call.completed":
		c.toolCalls.WithLabelValues(toolLabel(event), "completed").Inc()
	case "tool.call.failed":
		c.toolCalls.WithLabelValues(toolLabel(event), "failed").Inc()
	case "context.spill":
		c.spills.Inc()
	}
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func toolLabel(event store.RunEvent) string {
	if event.Payload != nil {
		if tool, ok := event.Payload["tool"].(string); ok && tool != "" {
			return tool
		}
	}
	return "unknown"
}
