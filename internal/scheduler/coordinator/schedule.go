package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/armadaproject/sessionscheduler/internal/common/logcontext"
	"github.com/armadaproject/sessionscheduler/internal/common/logging"
	"github.com/armadaproject/sessionscheduler/internal/common/task"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/database"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/events"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/locking"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/metrics"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/recorder"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/schedulerobjects"
)

type ScheduleType string

const (
	// ScheduleTypeSchedule places pending sessions on agents.
	ScheduleTypeSchedule ScheduleType = "schedule"
	// ScheduleTypeSweep cancels sessions pending longer than their scaling group allows.
	ScheduleTypeSweep ScheduleType = "sweep"
)

// ScheduleMarker records that a schedule type should run at the next short-cycle tick.
type ScheduleMarker interface {
	Mark(ctx context.Context, scheduleType string) error
	LoadAndDelete(ctx context.Context, scheduleType string) (bool, error)
}

// HandlerResult summarises one handler run over a scaling group.
type HandlerResult struct {
	Scheduled int
	Failed    int
	Events    []events.Event
}

// ScheduleHandler runs one schedule type over one scaling group while the phase lock is held.
// It must check lost between entities and stop once it is closed.
type ScheduleHandler interface {
	Handle(ctx *logcontext.Context, lost <-chan struct{}, scalingGroup schedulerobjects.ScalingGroup) (HandlerResult, error)
}

// TaskSpec describes the periodic tasks of one lifecycle type. A zero ShortInterval means the type
// only runs on the long cycle.
type TaskSpec struct {
	ShortInterval time.Duration
	LongInterval  time.Duration
	InitialDelay  time.Duration
}

var DefaultScheduleTaskSpecs = map[ScheduleType]TaskSpec{
	ScheduleTypeSchedule: {ShortInterval: 2 * time.Second, LongInterval: 60 * time.Second, InitialDelay: 30 * time.Second},
	ScheduleTypeSweep:    {LongInterval: 60 * time.Second, InitialDelay: 30 * time.Second},
}

// ScheduleCoordinator runs schedule handlers for every schedulable scaling group in parallel,
// each under its own "<type>:<scaling group>" lock.
type ScheduleCoordinator struct {
	repository database.SchedulerRepository
	handlers   map[ScheduleType]ScheduleHandler
	taskSpecs  map[ScheduleType]TaskSpec
	marker     ScheduleMarker
	producer   events.EventProducer
	runner     *lockedRunner
	metrics    *metrics.Metrics
	clock      clock.PassiveClock
}

func NewScheduleCoordinator(
	repository database.SchedulerRepository,
	handlers map[ScheduleType]ScheduleHandler,
	taskSpecs map[ScheduleType]TaskSpec,
	marker ScheduleMarker,
	producer events.EventProducer,
	lockFactory locking.LockFactory,
	lockLifetime time.Duration,
	m *metrics.Metrics,
	clk clock.PassiveClock,
) *ScheduleCoordinator {
	if taskSpecs == nil {
		taskSpecs = DefaultScheduleTaskSpecs
	}
	return &ScheduleCoordinator{
		repository: repository,
		handlers:   handlers,
		taskSpecs:  taskSpecs,
		marker:     marker,
		producer:   producer,
		runner:     newLockedRunner(lockFactory, lockLifetime, m, clk),
		metrics:    m,
		clock:      clk,
	}
}

// ProcessSchedule runs scheduleType over every schedulable scaling group. Failures of one scaling
// group do not affect the others; they are returned together.
func (c *ScheduleCoordinator) ProcessSchedule(ctx *logcontext.Context, scheduleType ScheduleType) error {
	handler, ok := c.handlers[scheduleType]
	if !ok {
		return errors.Errorf("no handler for schedule type %s", scheduleType)
	}
	groups, err := c.repository.GetSchedulableScalingGroups(ctx)
	if err != nil {
		return errors.WithMessage(err, "error loading scaling groups")
	}
	var g multierror.Group
	for _, sg := range groups {
		sg := sg
		g.Go(func() error {
			sgCtx := logcontext.WithLogFields(ctx, logrus.Fields{
				"scheduleType": scheduleType,
				"scalingGroup": sg.Name,
			})
			if err := c.processScalingGroup(sgCtx, scheduleType, handler, sg); err != nil {
				c.metrics.ReportCoordinatorError(string(scheduleType), sg.Name)
				logging.WithStacktrace(sgCtx.Log, err).Error("error processing scaling group")
				return errors.WithMessagef(err, "scaling group %s", sg.Name)
			}
			return nil
		})
	}
	return g.Wait().ErrorOrNil()
}

func (c *ScheduleCoordinator) processScalingGroup(
	ctx *logcontext.Context,
	scheduleType ScheduleType,
	handler ScheduleHandler,
	sg schedulerobjects.ScalingGroup,
) error {
	key := stateKey{phase: string(scheduleType), scope: sg.Name}
	lockID := locking.NewLockID(string(scheduleType), sg.Name)
	return c.runner.run(ctx, key, lockID, func(ctx *logcontext.Context, lost <-chan struct{}) error {
		scopeCtx, pool := recorder.Scope(ctx, fmt.Sprintf("%s:%s", scheduleType, sg.Name), recorder.WithClock(c.clock))
		ctx = logcontext.WithLogField(logcontext.New(scopeCtx, ctx.Log), "cycle", pool.CycleID())
		defer pool.Close(ctx.Log)

		start := c.clock.Now()
		result, err := handler.Handle(ctx, lost, sg)
		duration := c.clock.Since(start)
		c.metrics.ObserveCycle(string(scheduleType), sg.Name, duration)
		if result.Scheduled > 0 || result.Failed > 0 {
			ctx.Log.Infof("scheduled %d sessions, %d failed in %s", result.Scheduled, result.Failed, duration)
		}

		published := append(result.Events, events.CycleCompleted{
			Operation:    string(scheduleType),
			ScalingGroup: sg.Name,
			CycleID:      pool.CycleID(),
			Scheduled:    result.Scheduled,
			Failed:       result.Failed,
			Duration:     duration,
			OccurredAt:   c.clock.Now(),
		})
		if pubErr := c.producer.Publish(ctx, published...); pubErr != nil {
			// State is already persisted; a lost notification must not fail the cycle.
			logging.WithStacktrace(ctx.Log, pubErr).Warn("error publishing scheduling events")
		}
		// A partial result is published before the handler error is reported.
		return err
	})
}

// State reports what the coordinator is doing for scheduleType on scalingGroup.
func (c *ScheduleCoordinator) State(scheduleType ScheduleType, scalingGroup string) State {
	return c.runner.states.get(stateKey{phase: string(scheduleType), scope: scalingGroup})
}

// RequestScheduling asks for scheduleType to run at the next short-cycle tick.
func (c *ScheduleCoordinator) RequestScheduling(ctx *logcontext.Context, scheduleType ScheduleType) error {
	return errors.WithStack(c.marker.Mark(ctx, string(scheduleType)))
}

// ProcessIfNeeded runs scheduleType only if it was requested since the last run. It reports
// whether a run happened.
func (c *ScheduleCoordinator) ProcessIfNeeded(ctx *logcontext.Context, scheduleType ScheduleType) (bool, error) {
	marked, err := c.marker.LoadAndDelete(ctx, string(scheduleType))
	if err != nil {
		return false, errors.WithStack(err)
	}
	if !marked {
		return false, nil
	}
	return true, c.ProcessSchedule(ctx, scheduleType)
}

// Tasks returns the periodic tasks the leader runs for every registered schedule type.
func (c *ScheduleCoordinator) Tasks() []task.Task {
	var tasks []task.Task
	for _, scheduleType := range sortedKeys(c.handlers) {
		scheduleType := scheduleType
		spec, ok := c.taskSpecs[scheduleType]
		if !ok {
			continue
		}
		if spec.ShortInterval > 0 {
			tasks = append(tasks, task.Task{
				Name:     fmt.Sprintf("process_if_needed_%s", scheduleType),
				Interval: spec.ShortInterval,
				Run: func(ctx *logcontext.Context) error {
					_, err := c.ProcessIfNeeded(ctx, scheduleType)
					return err
				},
			})
		}
		tasks = append(tasks, task.Task{
			Name:         fmt.Sprintf("process_schedule_%s", scheduleType),
			Interval:     spec.LongInterval,
			InitialDelay: spec.InitialDelay,
			Run: func(ctx *logcontext.Context) error {
				return c.ProcessSchedule(ctx, scheduleType)
			},
		})
	}
	return tasks
}

// ParseScheduleType is case-insensitive.
func ParseScheduleType(s string) (ScheduleType, error) {
	switch t := ScheduleType(strings.ToLower(s)); t {
	case ScheduleTypeSchedule, ScheduleTypeSweep:
		return t, nil
	default:
		return "", errors.Errorf("unknown schedule type %q", s)
	}
}
