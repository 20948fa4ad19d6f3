// Package metrics exposes Prometheus instrumentation for tool calls and
// MCP server availability.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/toolhost/internal/buildinfo"
	"github.com/nugget/toolhost/internal/mcp"
)

const namespace = "toolhost"

// Collector records tool calls and server up/down transitions. It
// implements mcp.CallObserver and mcp.ServerObserver.
type Collector struct {
	registry *prometheus.Registry

	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	up       *prometheus.GaugeVec
}

// NewCollector creates a collector with its own registry, which also
// carries the Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by agent, server, tool and outcome.",
		}, []string{"agent", "server", "tool", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call latency, including time queued behind other calls on the same session.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"agent", "server"}),
		up: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_up",
			Help:      "Whether an MCP server currently has a registered session (1) or not (0).",
		}, []string{"agent", "server"}),
	}

	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "build_info",
		Help:        "Build metadata.",
		ConstLabels: prometheus.Labels{"version": buildinfo.Version, "commit": buildinfo.GitCommit},
	})
	info.Set(1)

	c.registry.MustRegister(
		c.calls,
		c.duration,
		c.up,
		info,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// ObserveCall implements mcp.CallObserver.
func (c *Collector) ObserveCall(r mcp.CallRecord) {
	outcome := "ok"
	if !r.Succeeded {
		outcome = string(r.ErrorKind)
	}
	c.calls.WithLabelValues(r.Agent, r.Server, r.Tool, outcome).Inc()
	c.duration.WithLabelValues(r.Agent, r.Server).Observe(r.Duration.Seconds())
}

// ObserveServer implements mcp.ServerObserver.
func (c *Collector) ObserveServer(agent, server string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	c.up.WithLabelValues(agent, server).Set(v)
}

// Handler serves the collector's registry in the Prometheus exposition
// format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
