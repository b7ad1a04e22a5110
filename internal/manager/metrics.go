package manager

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jiangfire/envcli-sub000/internal/plugin"
)

// Metrics exports manager activity. A nil *Metrics records nothing.
type Metrics struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	hookCalls  *prometheus.CounterVec
	loaded     prometheus.Gauge
	rollbacks  prometheus.Counter
}

// NewMetrics registers the manager metrics on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "envcli",
			Subsystem: "plugins",
			Name:      "operations_total",
			Help:      "Plugin manager operations, labeled by operation and result",
		}, []string{"operation", "result"}),
		durations: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "envcli",
			Subsystem: "plugins",
			Name:      "operation_duration_seconds",
			Help:      "Duration of plugin manager operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		hookCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "envcli",
			Subsystem: "plugins",
			Name:      "hook_executions_total",
			Help:      "Hook invocations, labeled by hook type and result",
		}, []string{"hook", "result"}),
		loaded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "envcli",
			Subsystem: "plugins",
			Name:      "loaded",
			Help:      "Plugin instances currently loaded",
		}),
		rollbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "envcli",
			Subsystem: "plugins",
			Name:      "reload_rollbacks_total",
			Help:      "Reloads that failed and were rolled back",
		}),
	}
}

// Registry returns the registry holding the metrics.
func (mt *Metrics) Registry() *prometheus.Registry {
	return mt.registry
}

// WriteTextfile writes the metrics in the node_exporter textfile format.
func (mt *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, mt.registry)
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func (mt *Metrics) operation(op string, d time.Duration, err error) {
	if mt == nil {
		return
	}
	mt.operations.WithLabelValues(op, result(err)).Inc()
	mt.durations.WithLabelValues(op).Observe(d.Seconds())
}

func (mt *Metrics) hookExecuted(hook plugin.HookType, err error) {
	if mt == nil {
		return
	}
	mt.hookCalls.WithLabelValues(string(hook), result(err)).Inc()
}

func (mt *Metrics) setLoaded(n int) {
	if mt == nil {
		return
	}
	mt.loaded.Set(float64(n))
}

func (mt *Metrics) rolledBack() {
	if mt == nil {
		return
	}
	mt.rollbacks.Inc()
}
