// Package observability turns execution events into Prometheus metrics,
// alerts and NATS messages.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/c360studio/taskbatch/cache"
	"github.com/c360studio/taskbatch/pool"
	"github.com/c360studio/taskbatch/workflow"
)

const namespace = "taskbatch"

// Metrics records execution metrics. It implements machine.Observer.
type Metrics struct {
	executions        *prometheus.CounterVec
	executionDuration prometheus.Histogram
	stepDuration      *prometheus.HistogramVec
	actions           *prometheus.CounterVec
	actionDuration    prometheus.Histogram
	retries           prometheus.Counter
	batchSize         prometheus.Histogram
	batchesInFlight   prometheus.Gauge
	actionsInFlight   prometheus.Gauge
}

// NewMetrics registers the execution metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished executions by final status",
		}, []string{"status"}),
		executionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of finished executions",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of state machine steps",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"state", "outcome"}),
		actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Processed actions by status and error code",
		}, []string{"status", "code"}),
		actionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Time to generate and save the tasks of one action, retries included",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_retries_total",
			Help:      "Retries of generation calls",
		}),
		batchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Actions per batch",
			Buckets:   prometheus.LinearBuckets(1, 1, 8),
		}),
		batchesInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batches_in_flight",
			Help:      "Batches currently running",
		}),
		actionsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "actions_in_flight",
			Help:      "Actions currently running",
		}),
	}
}

func (m *Metrics) BatchStarted(b workflow.ActionBatch) {
	m.batchesInFlight.Inc()
	m.batchSize.Observe(float64(len(b.Actions)))
}

func (m *Metrics) BatchFinished(workflow.BatchResult, time.Duration) {
	m.batchesInFlight.Dec()
}

func (m *Metrics) ActionStarted(int, string) {
	m.actionsInFlight.Inc()
}

func (m *Metrics) ActionFinished(_ int, result workflow.ActionResult, elapsed time.Duration) {
	m.actionsInFlight.Dec()
	code := ""
	if result.Error != nil {
		code = result.Error.Code
	}
	m.actions.WithLabelValues(string(result.Status), code).Inc()
	m.actionDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) StepCompleted(_ workflow.WorkflowState, step workflow.StateName, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(workflow.ClassifyError(err))
	}
	m.stepDuration.WithLabelValues(string(step), outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) ActionRetried(string, string, int, time.Duration, error) {
	m.retries.Inc()
}

func (m *Metrics) ExecutionCompleted(state workflow.WorkflowState) {
	m.executions.WithLabelValues(string(state.Status)).Inc()
	if len(state.History) > 0 && !state.StartedAt.IsZero() {
		last := state.History[len(state.History)-1].FinishedAt
		m.executionDuration.Observe(last.Sub(state.StartedAt).Seconds())
	}
}

// RegisterCacheStats exposes the counters of the context caches.
func RegisterCacheStats(reg prometheus.Registerer, caches *cache.Contexts) {
	f := promauto.With(reg)
	for _, c := range []interface{ Stats() cache.Stats }{caches.Goals, caches.Actions} {
		name := c.Stats().Name
		labels := prometheus.Labels{"cache": name}
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Cache hits", ConstLabels: labels,
		}, func() float64 { return float64(c.Stats().Hits) })
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "Cache misses", ConstLabels: labels,
		}, func() float64 { return float64(c.Stats().Misses) })
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "Entries evicted at capacity", ConstLabels: labels,
		}, func() float64 { return float64(c.Stats().Evictions) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "size",
			Help: "Entries held, expired ones included", ConstLabels: labels,
		}, func() float64 { return float64(c.Stats().Size) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hit_rate",
			Help: "Hits over lookups since start", ConstLabels: labels,
		}, func() float64 { return c.Stats().HitRate })
	}
}

// RegisterPoolStats exposes the connection pool categories.
func RegisterPoolStats(reg prometheus.Registerer, manager *pool.Manager) {
	f := promauto.With(reg)
	for _, cat := range []pool.Category{pool.CategoryPersistence, pool.CategoryGeneration} {
		tracker := manager.Tracker(cat)
		labels := prometheus.Labels{"category": string(cat)}
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "in_use",
			Help: "Connections currently acquired", ConstLabels: labels,
		}, func() float64 { return float64(tracker.Stats().InUse) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "sockets",
			Help: "Open sockets", ConstLabels: labels,
		}, func() float64 { return float64(tracker.Stats().Sockets) })
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "acquisitions_total",
			Help: "Connection acquisitions", ConstLabels: labels,
		}, func() float64 { return float64(tracker.Stats().Acquisitions) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "healthy",
			Help: "1 when the category is healthy", ConstLabels: labels,
		}, func() float64 {
			if ok, _ := tracker.Healthy(); ok {
				return 1
			}
			return 0
		})
	}
}
