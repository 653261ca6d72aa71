package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "posey"

// MetricsCollector holds every Prometheus metric on a private registry.
// All Record* methods are safe on a nil receiver.
type MetricsCollector struct {
	Registry *prometheus.Registry

	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	ValidationOutcomes    *prometheus.CounterVec
	ValidationAttempts    *prometheus.HistogramVec
	ValidationTransitions *prometheus.CounterVec

	MinionRunsTotal   *prometheus.CounterVec
	MinionRunDuration *prometheus.HistogramVec

	AbilityExecutionsTotal   *prometheus.CounterVec
	AbilityExecutionDuration *prometheus.HistogramVec

	PipelineRunsTotal   *prometheus.CounterVec
	PipelineRunDuration prometheus.Histogram
	PipelinePlanSteps   prometheus.Histogram

	MemoryOperationsTotal *prometheus.CounterVec
	MaintenanceRunsTotal  *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector registers every metric on a fresh registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "llm", Name: "requests_total",
			Help: "Total LLM API requests.",
		}, []string{"provider", "status"}),
		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "llm", Name: "request_duration_seconds",
			Help:    "LLM API request duration in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),
		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "llm", Name: "tokens_used_total",
			Help: "Total LLM tokens consumed.",
		}, []string{"provider", "direction"}),

		ValidationOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "validation", Name: "outcomes_total",
			Help: "Structured completions by strategy and final state.",
		}, []string{"strategy", "outcome"}),
		ValidationAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "validation", Name: "attempts",
			Help:    "LLM calls made per structured completion.",
			Buckets: []float64{1, 2, 3, 4, 5, 7, 10},
		}, []string{"strategy"}),
		ValidationTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "validation", Name: "transitions_total",
			Help: "State machine transitions by target state.",
		}, []string{"state"}),

		MinionRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "minion", Name: "runs_total",
			Help: "Minion executions.",
		}, []string{"minion", "status"}),
		MinionRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "minion", Name: "run_duration_seconds",
			Help:    "Minion execution duration in seconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"minion"}),

		AbilityExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ability", Name: "executions_total",
			Help: "Ability executions.",
		}, []string{"ability", "status"}),
		AbilityExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "ability", Name: "execution_duration_seconds",
			Help:    "Ability execution duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"ability"}),

		PipelineRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "runs_total",
			Help: "Orchestrator pipeline runs.",
		}, []string{"status"}),
		PipelineRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "run_duration_seconds",
			Help:    "End-to-end pipeline duration in seconds.",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
		}),
		PipelinePlanSteps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "plan_steps",
			Help:    "Steps per delegation plan.",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		}),

		MemoryOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "memory", Name: "operations_total",
			Help: "Vector memory operations.",
		}, []string{"operation", "status"}),
		MaintenanceRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "maintenance", Name: "runs_total",
			Help: "Scheduled maintenance job runs.",
		}, []string{"job", "status"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_requests",
			Help: "Number of in-flight HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.LLMRequestsTotal, m.LLMRequestDuration, m.LLMTokensUsed,
		m.ValidationOutcomes, m.ValidationAttempts, m.ValidationTransitions,
		m.MinionRunsTotal, m.MinionRunDuration,
		m.AbilityExecutionsTotal, m.AbilityExecutionDuration,
		m.PipelineRunsTotal, m.PipelineRunDuration, m.PipelinePlanSteps,
		m.MemoryOperationsTotal, m.MaintenanceRunsTotal,
		m.HTTPRequestsTotal, m.HTTPRequestDuration, m.ActiveRequests,
	)
	return m
}

// RecordValidation records the end of a structured completion.
func (m *MetricsCollector) RecordValidation(strategy, outcome string, attempts int) {
	if m == nil {
		return
	}
	m.ValidationOutcomes.WithLabelValues(strategy, outcome).Inc()
	m.ValidationAttempts.WithLabelValues(strategy).Observe(float64(attempts))
}

// RecordTransition counts one state machine transition.
func (m *MetricsCollector) RecordTransition(state string) {
	if m == nil {
		return
	}
	m.ValidationTransitions.WithLabelValues(state).Inc()
}

// RecordMinion records one minion run.
func (m *MetricsCollector) RecordMinion(name string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.MinionRunsTotal.WithLabelValues(name, status(err)).Inc()
	m.MinionRunDuration.WithLabelValues(name).Observe(d.Seconds())
}

// RecordAbility records one ability execution.
func (m *MetricsCollector) RecordAbility(name string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.AbilityExecutionsTotal.WithLabelValues(name, status(err)).Inc()
	m.AbilityExecutionDuration.WithLabelValues(name).Observe(d.Seconds())
}

// RecordPipeline records one orchestrator run.
func (m *MetricsCollector) RecordPipeline(err error, steps int, d time.Duration) {
	if m == nil {
		return
	}
	m.PipelineRunsTotal.WithLabelValues(status(err)).Inc()
	m.PipelineRunDuration.Observe(d.Seconds())
	m.PipelinePlanSteps.Observe(float64(steps))
}

// RecordMemory records one vector memory operation.
func (m *MetricsCollector) RecordMemory(op string, err error) {
	if m == nil {
		return
	}
	m.MemoryOperationsTotal.WithLabelValues(op, status(err)).Inc()
}

// RecordMaintenance records one scheduled job run.
func (m *MetricsCollector) RecordMaintenance(job string, err error) {
	if m == nil {
		return
	}
	m.MaintenanceRunsTotal.WithLabelValues(job, status(err)).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func statusCode(code int) string {
	return strconv.Itoa(code)
}
