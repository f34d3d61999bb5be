package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.ReportScheduled("default", "dispersed")
	m.ReportScheduled("default", "dispersed")
	m.ReportSchedulingFailure("default", "NoAvailableAgent", "retry")
	m.ReportCoordinatorError("schedule", "gpu")
	m.ReportLockTimeout("schedule")
	m.ReportRouteTransition("RUNNING")
	m.SetPendingSessions("default", 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.scheduledSessions.WithLabelValues("default", "dispersed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.schedulingFailures.WithLabelValues("default", "NoAvailableAgent", "retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.coordinatorErrors.WithLabelValues("schedule", "gpu")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockTimeouts.WithLabelValues("schedule")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.routeTransitions.WithLabelValues("RUNNING")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.pendingSessions.WithLabelValues("default")))
}

func TestMetrics_Register(t *testing.T) {
	m := New()
	m.ObserveCycle("schedule", "default", 20*time.Millisecond)
	m.ObserveLockWait("schedule", time.Millisecond)

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(m))
	families, err := registry.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "session_scheduler_cycle_seconds")
	assert.Contains(t, names, "session_scheduler_lock_wait_seconds")
}
