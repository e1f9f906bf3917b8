// Package monitoring exposes executor metrics to Prometheus and turns
// stored instance statistics into alerts.
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/reasoning-cli/internal/model"
)

const namespace = "reasoning"

// Metrics records executor activity on its own registry. It satisfies
// pipeline.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	outputs      *prometheus.CounterVec
	cost         prometheus.Counter
	callDuration prometheus.Histogram
	inFlight     prometheus.Gauge
	flushFailed  *prometheus.CounterVec
	runs         *prometheus.CounterVec
	runDuration  prometheus.Histogram

	instances *prometheus.GaugeVec
	windowUSD prometheus.Gauge
}

// NewMetrics registers every collector on a fresh registry, along with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		outputs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outputs_total",
			Help:      "Outputs merged into instances, by result.",
		}, []string{"result"}),
		cost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_cost_usd_total",
			Help:      "Reported cost of generation calls in USD.",
		}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Latency of generation calls.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation_in_flight",
			Help:      "Generation calls currently in flight.",
		}),
		flushFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_failures_total",
			Help:      "Failed instance persists, by whether the flush was final.",
		}, []string{"final"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished instance executions, by final status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of instance executions.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "window_instances",
			Help:      "Instances created within the monitoring window, by status.",
		}, []string{"status"}),
		windowUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "window_cost_usd",
			Help:      "Actual cost of instances created within the monitoring window.",
		}),
	}
	m.registry.MustRegister(
		m.outputs, m.cost, m.callDuration, m.inFlight, m.flushFailed,
		m.runs, m.runDuration, m.instances, m.windowUSD,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// OutputMerged implements pipeline.Recorder.
func (m *Metrics) OutputMerged(success bool, costUSD float64, d time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	m.outputs.WithLabelValues(result).Inc()
	if costUSD > 0 {
		m.cost.Add(costUSD)
	}
	m.callDuration.Observe(d.Seconds())
}

// InFlight implements pipeline.Recorder.
func (m *Metrics) InFlight(delta int) { m.inFlight.Add(float64(delta)) }

// FlushFailed implements pipeline.Recorder.
func (m *Metrics) FlushFailed(final bool) {
	m.flushFailed.WithLabelValues(strconv.FormatBool(final)).Inc()
}

// RunFinished implements pipeline.Recorder.
func (m *Metrics) RunFinished(status model.InstanceStatus, d time.Duration) {
	m.runs.WithLabelValues(string(status)).Inc()
	m.runDuration.Observe(d.Seconds())
}

// Observe publishes a window snapshot as gauges.
func (m *Metrics) Observe(snap *MetricsSnapshot) {
	m.instances.WithLabelValues("pending").Set(float64(snap.InstancesPending))
	m.instances.WithLabelValues("running").Set(float64(snap.InstancesRunning))
	m.instances.WithLabelValues("completed").Set(float64(snap.InstancesCompleted))
	m.instances.WithLabelValues("failed").Set(float64(snap.InstancesFailed))
	m.windowUSD.Set(snap.CostUSD)
}
