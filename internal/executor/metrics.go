package executor

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report executor activity.
type Metrics struct {
	ticks        prometheus.Counter
	dispatches   *prometheus.CounterVec
	inflight     prometheus.Gauge
	taskDuration *prometheus.HistogramVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when the executor is instantiated
// multiple times (e.g. in unit tests).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// The caller is responsible for supplying a fresh registry when unique metric
// names are required (for example in tests). Any registration error will
// panic, which mirrors the semantics of promauto helpers and surfaces
// configuration bugs early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	ticks := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "executor",
			Name:      "ticks_total",
			Help:      "Scheduler passes over executing projects.",
		},
	)
	dispatches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "executor",
			Name:      "tasks_dispatched_total",
			Help:      "Tasks handed to a runner, by model tier.",
		},
		[]string{"tier"},
	)
	inflight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "loom",
			Subsystem: "executor",
			Name:      "tasks_inflight",
			Help:      "Tasks currently holding a run slot.",
		},
	)
	taskDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "loom",
			Subsystem: "executor",
			Name:      "task_duration_seconds",
			Help:      "Wall time from dispatch to a settled task outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"tier"},
	)

	collectors := []prometheus.Collector{ticks, dispatches, inflight, taskDuration}
	for _, collector := range collectors {
		err := reg.Register(collector)
		if err == nil {
			continue
		}
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(err)
		}
		// Counter and Gauge are both interfaces a gauge satisfies, so route
		// by identity rather than by type.
		switch {
		case collector == ticks:
			ticks = already.ExistingCollector.(prometheus.Counter)
		case collector == dispatches:
			dispatches = already.ExistingCollector.(*prometheus.CounterVec)
		case collector == inflight:
			inflight = already.ExistingCollector.(prometheus.Gauge)
		case collector == taskDuration:
			taskDuration = already.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	return &Metrics{
		ticks:        ticks,
		dispatches:   dispatches,
		inflight:     inflight,
		taskDuration: taskDuration,
	}
}

// ObserveTick records one scheduler pass.
func (m *Metrics) ObserveTick() {
	if m == nil || m.ticks == nil {
		return
	}
	m.ticks.Inc()
}

// ObserveDispatch records a task handed to a runner.
func (m *Metrics) ObserveDispatch(tier string) {
	if m == nil || m.dispatches == nil {
		return
	}
	m.dispatches.WithLabelValues(tier).Inc()
}

// IncInflight marks a task as holding a run slot.
func (m *Metrics) IncInflight() {
	if m == nil || m.inflight == nil {
		return
	}
	m.inflight.Inc()
}

// DecInflight marks a task's run slot as returned.
func (m *Metrics) DecInflight() {
	if m == nil || m.inflight == nil {
		return
	}
	m.inflight.Dec()
}

// ObserveTaskDuration records how long a task held its run slot.
func (m *Metrics) ObserveTaskDuration(tier string, duration time.Duration) {
	if m == nil || m.taskDuration == nil {
		return
	}
	m.taskDuration.WithLabelValues(tier).Observe(duration.Seconds())
}
