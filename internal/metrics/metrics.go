// Package metrics holds the Prometheus collectors exported by vdilabd.
//
// All Inc/Observe methods are safe to call on a nil *Metrics, so components
// can be constructed without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vdilab/vdilab/internal/models"
)

const namespace = "vdilab"

// Metrics collects Prometheus counters and histograms for vdilabd.
type Metrics struct {
	registry                *prometheus.Registry
	sessionTransitionsTotal *prometheus.CounterVec
	sessionReadySeconds     prometheus.Histogram
	sessionIdleStopsTotal   *prometheus.CounterVec
	taskOutcomesTotal       *prometheus.CounterVec
	taskDurationSeconds     *prometheus.HistogramVec
	joinTotal               *prometheus.CounterVec
	rotationTotal           *prometheus.CounterVec
	scheduleActionsTotal    *prometheus.CounterVec
}

// New constructs a registry and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	sessionTransitionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Total number of session state transitions.",
		},
		[]string{"from", "to"},
	)
	sessionReadySeconds := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "ready_duration_seconds",
			Help:      "Time from session creation to READY.",
			Buckets:   []float64{30, 60, 120, 180, 300, 600, 900, 1200, 1800, 3600},
		},
	)
	sessionIdleStopsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "idle_stops_total",
			Help:      "Idle monitor stop attempts by action and result.",
		},
		[]string{"action", "result"},
	)
	taskOutcomesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "outcomes_total",
			Help:      "Directory task deliveries by type and outcome.",
		},
		[]string{"type", "outcome"},
	)
	taskDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "handler_duration_seconds",
			Help:      "Time spent in directory task handlers.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"type"},
	)
	joinTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "joins_total",
			Help:      "Computer account provisioning results.",
		},
		[]string{"result"},
	)
	rotationTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "credential_rotations_total",
			Help:      "Service credential rotation results.",
		},
		[]string{"result"},
	)
	scheduleActionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "actions_total",
			Help:      "Schedule runner start/stop actions by result.",
		},
		[]string{"action", "result"},
	)

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		sessionTransitionsTotal,
		sessionReadySeconds,
		sessionIdleStopsTotal,
		taskOutcomesTotal,
		taskDurationSeconds,
		joinTotal,
		rotationTotal,
		scheduleActionsTotal,
	)

	return &Metrics{
		registry:                registry,
		sessionTransitionsTotal: sessionTransitionsTotal,
		sessionReadySeconds:     sessionReadySeconds,
		sessionIdleStopsTotal:   sessionIdleStopsTotal,
		taskOutcomesTotal:       taskOutcomesTotal,
		taskDurationSeconds:     taskDurationSeconds,
		joinTotal:               joinTotal,
		rotationTotal:           rotationTotal,
		scheduleActionsTotal:    scheduleActionsTotal,
	}
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncSessionTransition(from, to models.SessionState) {
	if m == nil {
		return
	}
	m.sessionTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) ObserveSessionReady(duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		return
	}
	m.sessionReadySeconds.Observe(seconds)
}

func (m *Metrics) IncIdleStop(action models.IdleAction, result string) {
	if m == nil {
		return
	}
	m.sessionIdleStopsTotal.WithLabelValues(string(action), orUnknown(result)).Inc()
}

func (m *Metrics) IncTaskOutcome(taskType models.TaskType, outcome string) {
	if m == nil {
		return
	}
	m.taskOutcomesTotal.WithLabelValues(string(taskType), orUnknown(outcome)).Inc()
}

func (m *Metrics) ObserveTaskDuration(taskType models.TaskType, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		return
	}
	m.taskDurationSeconds.WithLabelValues(string(taskType)).Observe(seconds)
}

func (m *Metrics) IncJoin(result string) {
	if m == nil {
		return
	}
	m.joinTotal.WithLabelValues(orUnknown(result)).Inc()
}

func (m *Metrics) IncRotation(result string) {
	if m == nil {
		return
	}
	m.rotationTotal.WithLabelValues(orUnknown(result)).Inc()
}

func (m *Metrics) IncScheduleAction(action, result string) {
	if m == nil {
		return
	}
	m.scheduleActionsTotal.WithLabelValues(orUnknown(action), orUnknown(result)).Inc()
}

func orUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
