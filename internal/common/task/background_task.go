package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/armadaproject/sessionscheduler/internal/common/logcontext"
	"github.com/armadaproject/sessionscheduler/internal/common/logging"
)

// Task is a function run every Interval, the first time after InitialDelay.
type Task struct {
	Name         string
	Interval     time.Duration
	InitialDelay time.Duration
	Run          func(ctx *logcontext.Context) error
}

// BackgroundTaskManager runs a set of tasks until stopped. It can be started again after StopAll.
type BackgroundTaskManager struct {
	clock    clock.Clock
	latency  *prometheus.HistogramVec
	failures *prometheus.CounterVec

	mu     sync.Mutex
	cancel func()
	wg     sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string, clk clock.Clock) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		clock: clk,
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricsPrefix + "background_task_latency_seconds",
				Help:    "Background task latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
			}, []string{"task"}),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricsPrefix + "background_task_failures_total",
				Help: "Number of background task runs that returned an error",
			}, []string{"task"}),
	}
}

// Start launches every task. It is a no-op if the manager is already running.
func (m *BackgroundTaskManager) Start(ctx *logcontext.Context, tasks []Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := logcontext.WithCancel(ctx)
	m.cancel = cancel
	for _, t := range tasks {
		m.wg.Add(1)
		go m.run(ctx, t)
	}
}

func (m *BackgroundTaskManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// StopAll cancels every task and waits up to timeout for them to return. It reports whether the
// wait timed out.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) run(ctx *logcontext.Context, t Task) {
	defer m.wg.Done()
	ctx = logcontext.WithLogField(ctx, "task", t.Name)
	log := ctx.Log

	delay := t.InitialDelay
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(delay):
		}
		start := m.clock.Now()
		if err := t.Run(ctx); err != nil && ctx.Err() == nil {
			m.failures.WithLabelValues(t.Name).Inc()
			logging.WithStacktrace(log, err).Warn("background task failed")
		}
		m.latency.WithLabelValues(t.Name).Observe(m.clock.Since(start).Seconds())
		delay = t.Interval
	}
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		logrus.Warnf("background tasks did not stop within %s", timeout)
		return true // timed out
	}
}

func (m *BackgroundTaskManager) Describe(desc chan<- *prometheus.Desc) {
	m.latency.Describe(desc)
	m.failures.Describe(desc)
}

func (m *BackgroundTaskManager) Collect(metrics chan<- prometheus.Metric) {
	m.latency.Collect(metrics)
	m.failures.Collect(metrics)
}
