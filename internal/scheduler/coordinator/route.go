package coordinator

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
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

type RouteLifecycleType string

const (
	RouteLifecycleProvisioning RouteLifecycleType = "provisioning"
	RouteLifecycleTerminating  RouteLifecycleType = "terminating"
)

const (
	DefaultMaxProvisionAttempts = 5

	routeLockPhase  = "route"
	routeMarkPrefix = "route."
)

var DefaultRouteTaskSpecs = map[RouteLifecycleType]TaskSpec{
	RouteLifecycleProvisioning: {ShortInterval: 5 * time.Second, LongInterval: 60 * time.Second, InitialDelay: 10 * time.Second},
	RouteLifecycleTerminating:  {LongInterval: 30 * time.Second, InitialDelay: 15 * time.Second},
}

// RouteHandler computes the transitions for routes in its target statuses. It must check lost
// between routes and return what it has so far once it is closed.
type RouteHandler interface {
	TargetStatuses() []schedulerobjects.RouteStatus
	Handle(ctx *logcontext.Context, lost <-chan struct{}, routes []schedulerobjects.Route) ([]database.RouteStatusUpdate, error)
}

// RouteCoordinator drives endpoint routes through their lifecycle, one "route:<type>" lock per
// lifecycle type.
type RouteCoordinator struct {
	repository database.RouteRepository
	handlers   map[RouteLifecycleType]RouteHandler
	taskSpecs  map[RouteLifecycleType]TaskSpec
	marker     ScheduleMarker
	producer   events.EventProducer
	runner     *lockedRunner
	metrics    *metrics.Metrics
	clock      clock.PassiveClock
}

func NewRouteCoordinator(
	repository database.RouteRepository,
	handlers map[RouteLifecycleType]RouteHandler,
	taskSpecs map[RouteLifecycleType]TaskSpec,
	marker ScheduleMarker,
	producer events.EventProducer,
	lockFactory locking.LockFactory,
	lockLifetime time.Duration,
	m *metrics.Metrics,
	clk clock.PassiveClock,
) *RouteCoordinator {
	if taskSpecs == nil {
		taskSpecs = DefaultRouteTaskSpecs
	}
	return &RouteCoordinator{
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

// ProcessRouteLifecycle applies the handler for lifecycleType to every route in its target
// statuses and persists the resulting transitions.
func (c *RouteCoordinator) ProcessRouteLifecycle(ctx *logcontext.Context, lifecycleType RouteLifecycleType) error {
	handler, ok := c.handlers[lifecycleType]
	if !ok {
		return errors.Errorf("no handler for route lifecycle %s", lifecycleType)
	}
	ctx = logcontext.WithLogField(ctx, "routeLifecycle", lifecycleType)
	key := stateKey{phase: routeLockPhase, scope: string(lifecycleType)}
	err := c.runner.run(ctx, key, locking.NewLockID(routeLockPhase, string(lifecycleType)), func(ctx *logcontext.Context, lost <-chan struct{}) error {
		scopeCtx, pool := recorder.Scope(ctx, fmt.Sprintf("%s:%s", routeLockPhase, lifecycleType), recorder.WithClock(c.clock))
		ctx = logcontext.WithLogField(logcontext.New(scopeCtx, ctx.Log), "cycle", pool.CycleID())
		defer pool.Close(ctx.Log)

		start := c.clock.Now()
		defer func() {
			c.metrics.ObserveCycle(fmt.Sprintf("%s_%s", routeLockPhase, lifecycleType), "", c.clock.Since(start))
		}()

		routes, err := c.repository.GetRoutesByStatuses(ctx, handler.TargetStatuses()...)
		if err != nil {
			return errors.WithMessage(err, "error loading routes")
		}
		if len(routes) == 0 {
			return nil
		}
		updates, handleErr := handler.Handle(ctx, lost, routes)

		// Transitions computed before a handler error are still applied.
		var published []events.Event
		for _, update := range updates {
			if err := c.repository.UpdateRouteStatus(ctx, update); err != nil {
				return errors.WithMessagef(err, "error updating route %s", update.RouteID)
			}
			c.metrics.ReportRouteTransition(string(update.Status))
			published = append(published, events.RouteUpdated{
				RouteID:    update.RouteID,
				EndpointID: endpointOf(routes, update.RouteID),
				Status:     update.Status,
				Reason:     update.Reason,
				OccurredAt: c.clock.Now(),
			})
		}
		if len(published) > 0 {
			if err := c.producer.Publish(ctx, published...); err != nil {
				logging.WithStacktrace(ctx.Log, err).Warn("error publishing route events")
			}
		}
		return handleErr
	})
	if err != nil {
		c.metrics.ReportCoordinatorError(fmt.Sprintf("%s_%s", routeLockPhase, lifecycleType), "")
	}
	return err
}

// State reports what the coordinator is doing for lifecycleType.
func (c *RouteCoordinator) State(lifecycleType RouteLifecycleType) State {
	return c.runner.states.get(stateKey{phase: routeLockPhase, scope: string(lifecycleType)})
}

// RequestLifecycle asks for lifecycleType to run at the next short-cycle tick.
func (c *RouteCoordinator) RequestLifecycle(ctx *logcontext.Context, lifecycleType RouteLifecycleType) error {
	return errors.WithStack(c.marker.Mark(ctx, routeMarkPrefix+string(lifecycleType)))
}

// ProcessIfNeeded runs lifecycleType only if it was requested since the last run.
func (c *RouteCoordinator) ProcessIfNeeded(ctx *logcontext.Context, lifecycleType RouteLifecycleType) (bool, error) {
	marked, err := c.marker.LoadAndDelete(ctx, routeMarkPrefix+string(lifecycleType))
	if err != nil {
		return false, errors.WithStack(err)
	}
	if !marked {
		return false, nil
	}
	return true, c.ProcessRouteLifecycle(ctx, lifecycleType)
}

func (c *RouteCoordinator) Tasks() []task.Task {
	var tasks []task.Task
	for _, lifecycleType := range sortedKeys(c.handlers) {
		lifecycleType := lifecycleType
		spec, ok := c.taskSpecs[lifecycleType]
		if !ok {
			continue
		}
		if spec.ShortInterval > 0 {
			tasks = append(tasks, task.Task{
				Name:     fmt.Sprintf("process_if_needed_route_%s", lifecycleType),
				Interval: spec.ShortInterval,
				Run: func(ctx *logcontext.Context) error {
					_, err := c.ProcessIfNeeded(ctx, lifecycleType)
					return err
				},
			})
		}
		tasks = append(tasks, task.Task{
			Name:         fmt.Sprintf("process_route_lifecycle_%s", lifecycleType),
			Interval:     spec.LongInterval,
			InitialDelay: spec.InitialDelay,
			Run: func(ctx *logcontext.Context) error {
				return c.ProcessRouteLifecycle(ctx, lifecycleType)
			},
		})
	}
	return tasks
}

// ParseRouteLifecycleType is case-insensitive.
func ParseRouteLifecycleType(s string) (RouteLifecycleType, error) {
	switch t := RouteLifecycleType(strings.ToLower(s)); t {
	case RouteLifecycleProvisioning, RouteLifecycleTerminating:
		return t, nil
	default:
		return "", errors.Errorf("unknown route lifecycle %q", s)
	}
}

func endpointOf(routes []schedulerobjects.Route, id schedulerobjects.RouteID) string {
	for _, route := range routes {
		if route.ID == id {
			return route.EndpointID
		}
	}
	return ""
}

// ProvisioningRouteHandler places the sessions backing provisioning routes. Routes whose session
// cannot be placed stay PROVISIONING until maxAttempts, then fail to start.
type ProvisioningRouteHandler struct {
	repository  database.SchedulerRepository
	routes      database.RouteRepository
	provisioner BatchProvisioner
	agents      AgentClientProvider
	maxAttempts int
}

func NewProvisioningRouteHandler(
	repository database.SchedulerRepository,
	routes database.RouteRepository,
	provisioner BatchProvisioner,
	agents AgentClientProvider,
	maxAttempts int,
) *ProvisioningRouteHandler {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxProvisionAttempts
	}
	return &ProvisioningRouteHandler{
		repository:  repository,
		routes:      routes,
		provisioner: provisioner,
		agents:      agents,
		maxAttempts: maxAttempts,
	}
}

func (h *ProvisioningRouteHandler) TargetStatuses() []schedulerobjects.RouteStatus {
	return []schedulerobjects.RouteStatus{schedulerobjects.RouteStatusProvisioning}
}

func (h *ProvisioningRouteHandler) Handle(
	ctx *logcontext.Context,
	lost <-chan struct{},
	routes []schedulerobjects.Route,
) ([]database.RouteStatusUpdate, error) {
	byScalingGroup := map[string][]schedulerobjects.Route{}
	for _, route := range routes {
		byScalingGroup[route.ScalingGroup] = append(byScalingGroup[route.ScalingGroup], route)
	}

	var updates []database.RouteStatusUpdate
	for _, sg := range sortedKeys(byScalingGroup) {
		if isLost(lost) {
			break
		}
		sgUpdates, err := h.handleScalingGroup(logcontext.WithLogField(ctx, "scalingGroup", sg), lost, sg, byScalingGroup[sg])
		updates = append(updates, sgUpdates...)
		if err != nil {
			return updates, errors.WithMessagef(err, "scaling group %s", sg)
		}
	}
	return updates, nil
}

func (h *ProvisioningRouteHandler) handleScalingGroup(
	ctx *logcontext.Context,
	lost <-chan struct{},
	sg string,
	routes []schedulerobjects.Route,
) ([]database.RouteStatusUpdate, error) {
	snapshot, err := h.repository.LoadSnapshot(ctx, sg)
	if err != nil {
		return nil, errors.WithMessage(err, "error loading snapshot")
	}
	routeBySession := make(map[schedulerobjects.SessionID]schedulerobjects.Route, len(routes))
	workloads := make([]schedulerobjects.SessionWorkload, 0, len(routes))
	for _, route := range routes {
		workload, err := h.routes.GetRouteWorkload(ctx, route.ID)
		if err != nil {
			return nil, errors.WithMessagef(err, "error loading workload of route %s", route.ID)
		}
		routeBySession[workload.SessionID] = route
		workloads = append(workloads, workload)
	}

	provisionCtx, cancel := untilLost(ctx, lost)
	batch, err := h.provisioner.ProvisionBatch(provisionCtx, snapshot, sg, workloads)
	cancel()
	if err != nil {
		return nil, errors.WithMessage(err, "error provisioning routes")
	}

	var updates []database.RouteStatusUpdate
	for _, decision := range batch.Decisions {
		if isLost(lost) {
			return updates, nil
		}
		route := routeBySession[decision.SessionID]
		if err := h.agents.GetAgentClient(decision.AgentID).CheckAlive(ctx); err != nil {
			updates = append(updates, h.failed(route, fmt.Sprintf("%s: agent %s: %s", ErrorKindAgentUnreachable, decision.AgentID, err)))
			continue
		}
		err := h.repository.PersistDecision(ctx, decision)
		if err != nil && !errors.Is(err, database.ErrSessionNotPending) {
			return updates, errors.WithMessagef(err, "error persisting decision for route %s", route.ID)
		}
		updates = append(updates, database.RouteStatusUpdate{
			RouteID:           route.ID,
			Status:            schedulerobjects.RouteStatusRunning,
			ProvisionAttempts: route.ProvisionAttempts + 1,
		})
	}
	for _, failure := range batch.Failures {
		updates = append(updates, h.failed(routeBySession[failure.SessionID], fmt.Sprintf("%s: %s", failure.ErrorKind, failure.Message)))
	}
	return updates, nil
}

func (h *ProvisioningRouteHandler) failed(route schedulerobjects.Route, reason string) database.RouteStatusUpdate {
	attempts := route.ProvisionAttempts + 1
	status := schedulerobjects.RouteStatusProvisioning
	if attempts >= h.maxAttempts {
		status = schedulerobjects.RouteStatusFailedToStart
	}
	return database.RouteStatusUpdate{
		RouteID:           route.ID,
		Status:            status,
		Reason:            reason,
		ProvisionAttempts: attempts,
	}
}

// TerminatingRouteHandler marks terminating routes as terminated.
type TerminatingRouteHandler struct{}

func (TerminatingRouteHandler) TargetStatuses() []schedulerobjects.RouteStatus {
	return []schedulerobjects.RouteStatus{schedulerobjects.RouteStatusTerminating}
}

func (TerminatingRouteHandler) Handle(
	_ *logcontext.Context,
	lost <-chan struct{},
	routes []schedulerobjects.Route,
) ([]database.RouteStatusUpdate, error) {
	updates := make([]database.RouteStatusUpdate, 0, len(routes))
	for _, route := range routes {
		if isLost(lost) {
			break
		}
		updates = append(updates, database.RouteStatusUpdate{
			RouteID:           route.ID,
			Status:            schedulerobjects.RouteStatusTerminated,
			ProvisionAttempts: route.ProvisionAttempts,
		})
	}
	return updates, nil
}
