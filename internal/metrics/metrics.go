// Package metrics exposes Prometheus counters for summarization and session
// lifecycle outcomes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "couple_talk"

// Summary run outcomes.
const (
	SummaryWritten   = "written"
	SummaryNotNeeded = "not_needed"
	SummaryUpToDate  = "up_to_date"
	SummaryFailed    = "failed"
)

// Session end outcomes.
const (
	SessionDiscarded       = "discarded"
	SessionEnded           = "ended"
	SessionAnalyticsFailed = "analytics_failed"
)

// Metrics groups the service counters. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	summariesScheduled prometheus.Counter
	summaryRuns        *prometheus.CounterVec
	tasksRejected      prometheus.Counter
	sessionsEnded      *prometheus.CounterVec
}

// New registers the service counters on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := newMetrics(prometheus.NewRegistry())
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

func newMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		summariesScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summaries_scheduled_total",
			Help:      "Background summarizations submitted to the task pool.",
		}),
		summaryRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_runs_total",
			Help:      "Rolling summarization runs by outcome.",
		}, []string{"outcome"}),
		tasksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_rejected_total",
			Help:      "Background tasks the pool refused to schedule.",
		}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Sessions closed by the lifecycle gate by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.summariesScheduled, m.summaryRuns, m.tasksRejected, m.sessionsEnded)
	return m
}

func (m *Metrics) SummaryScheduled() {
	if m == nil {
		return
	}
	m.summariesScheduled.Inc()
}

func (m *Metrics) SummaryRun(outcome string) {
	if m == nil {
		return
	}
	m.summaryRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TaskRejected() {
	if m == nil {
		return
	}
	m.tasksRejected.Inc()
}

func (m *Metrics) SessionEnded(outcome string) {
	if m == nil {
		return
	}
	m.sessionsEnded.WithLabelValues(outcome).Inc()
}

// ObserveRunningTasks exposes running() as a gauge sampled at scrape time.
// Call it once per Metrics.
func (m *Metrics) ObserveRunningTasks(running func() int) {
	if m == nil || running == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "background_tasks_running",
		Help:      "Background tasks currently executing.",
	}, func() float64 { return float64(running()) }))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
