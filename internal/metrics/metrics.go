package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "promptrelay"

// Metrics holds every collector the service exports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	JobsStarted    prometheus.Counter
	JobsFinished   *prometheus.CounterVec // labels: status
	ActiveJobs     prometheus.Gauge
	UnitsProcessed *prometheus.CounterVec // labels: outcome
	UnitDuration   prometheus.Histogram
	SlotWait       prometheus.Histogram
	EventsDropped  prometheus.Counter
	RetentionPurge *prometheus.CounterVec // labels: result
}

// New creates the collectors on a fresh registry, so several instances can
// coexist in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		JobsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Total number of jobs submitted",
		}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs that reached a terminal status",
		}, []string{"status"}),
		ActiveJobs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Number of jobs currently running",
		}),
		UnitsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_processed_total",
			Help:      "Total number of prompts processed by outcome",
		}, []string{"outcome"}),
		UnitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_duration_seconds",
			Help:      "Time the executor spent on one prompt",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		SlotWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "executor_slot_wait_seconds",
			Help:      "Time a job waited for the executor slot",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events discarded because an observer queue was full",
		}),
		RetentionPurge: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_purges_total",
			Help:      "Output directory deletions by result",
		}, []string{"result"}),
	}
}

// RegisterGauges exposes values owned by other components.
func (m *Metrics) RegisterGauges(observers, slotWaiters func() float64) {
	if m == nil {
		return
	}
	f := promauto.With(m.registry)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "observers",
		Help:      "Number of attached live observers",
	}, observers)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "executor_slot_waiters",
		Help:      "Number of jobs queued for the executor slot",
	}, slotWaiters)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsStarted.Inc()
	m.ActiveJobs.Inc()
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(status).Inc()
	m.ActiveJobs.Dec()
}

func (m *Metrics) ObserveUnit(success bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.UnitsProcessed.WithLabelValues(outcome).Inc()
	m.UnitDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveSlotWait(d time.Duration) {
	if m == nil {
		return
	}
	m.SlotWait.Observe(d.Seconds())
}

// IncEventsDropped implements broadcast.DropCounter.
func (m *Metrics) IncEventsDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

func (m *Metrics) ObservePurge(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RetentionPurge.WithLabelValues(result).Inc()
}
