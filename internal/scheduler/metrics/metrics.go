package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	operationAndScalingGroupLabels = []string{operationLabel, scalingGroupLabel}
	scalingGroupAndStrategyLabels  = []string{scalingGroupLabel, strategyLabel}
	scalingGroupAndErrorLabels     = []string{scalingGroupLabel, errorKindLabel, outcomeLabel}
)

// Metrics is the top level scheduler metrics.
type Metrics struct {
	cycleTime          *prometheus.HistogramVec
	scheduledSessions  *prometheus.CounterVec
	schedulingFailures *prometheus.CounterVec
	pendingSessions    *prometheus.GaugeVec
	coordinatorErrors  *prometheus.CounterVec
	lockWaitTime       *prometheus.HistogramVec
	lockTimeouts       *prometheus.CounterVec
	routeTransitions   *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		cycleTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    Prefix + "cycle_seconds",
				Help:    "Time taken by one coordinator run over a scaling group",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
			},
			operationAndScalingGroupLabels,
		),
		scheduledSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: Prefix + "scheduled_sessions",
				Help: "Number of sessions placed on an agent",
			},
			scalingGroupAndStrategyLabels,
		),
		schedulingFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: Prefix + "scheduling_failures",
				Help: "Number of sessions that could not be scheduled, by error kind",
			},
			scalingGroupAndErrorLabels,
		),
		pendingSessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: Prefix + "pending_sessions",
				Help: "Number of pending sessions seen in the last cycle",
			},
			[]string{scalingGroupLabel},
		),
		coordinatorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: Prefix + "coordinator_errors",
				Help: "Number of coordinator runs that failed",
			},
			operationAndScalingGroupLabels,
		),
		lockWaitTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    Prefix + "lock_wait_seconds",
				Help:    "Time spent waiting for a coordinator lock",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
			},
			[]string{operationLabel},
		),
		lockTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: Prefix + "lock_timeouts",
				Help: "Number of coordinator lock acquisitions that timed out",
			},
			[]string{operationLabel},
		),
		routeTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: Prefix + "route_transitions",
				Help: "Number of route status changes, by new status",
			},
			[]string{statusLabel},
		),
	}
}

func (m *Metrics) ObserveCycle(operation, scalingGroup string, duration time.Duration) {
	m.cycleTime.WithLabelValues(operation, scalingGroup).Observe(duration.Seconds())
}

func (m *Metrics) ReportScheduled(scalingGroup, strategy string) {
	m.scheduledSessions.WithLabelValues(scalingGroup, strategy).Inc()
}

func (m *Metrics) ReportSchedulingFailure(scalingGroup, errorKind, outcome string) {
	m.schedulingFailures.WithLabelValues(scalingGroup, errorKind, outcome).Inc()
}

func (m *Metrics) SetPendingSessions(scalingGroup string, count int) {
	m.pendingSessions.WithLabelValues(scalingGroup).Set(float64(count))
}

func (m *Metrics) ReportCoordinatorError(operation, scalingGroup string) {
	m.coordinatorErrors.WithLabelValues(operation, scalingGroup).Inc()
}

func (m *Metrics) ObserveLockWait(operation string, duration time.Duration) {
	m.lockWaitTime.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) ReportLockTimeout(operation string) {
	m.lockTimeouts.WithLabelValues(operation).Inc()
}

func (m *Metrics) ReportRouteTransition(status string) {
	m.routeTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.cycleTime,
		m.scheduledSessions,
		m.schedulingFailures,
		m.pendingSessions,
		m.coordinatorErrors,
		m.lockWaitTime,
		m.lockTimeouts,
		m.routeTransitions,
	}
}

// Describe is necessary to implement the prometheus.Collector interface
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect is necessary to implement the prometheus.Collector interface
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}
