package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/sessionscheduler/internal/common/logcontext"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/events"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/metrics"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/schedulerobjects"
)

func (e *testEnv) routeCoordinator(agents AgentClientProvider) *RouteCoordinator {
	return NewRouteCoordinator(
		e.repo,
		map[RouteLifecycleType]RouteHandler{
			RouteLifecycleProvisioning: NewProvisioningRouteHandler(e.repo, e.repo, e.provisioner, agents, 3),
			RouteLifecycleTerminating:  TerminatingRouteHandler{},
		},
		nil,
		e.marks,
		e.producer,
		e.lockFactory,
		10*time.Second,
		metrics.New(),
		e.clock,
	)
}

func routeByID(t *testing.T, env *testEnv, id schedulerobjects.RouteID) schedulerobjects.Route {
	routes, err := env.repo.GetRoutesByStatuses(logcontext.Background(),
		schedulerobjects.RouteStatusProvisioning,
		schedulerobjects.RouteStatusRunning,
		schedulerobjects.RouteStatusTerminating,
		schedulerobjects.RouteStatusTerminated,
		schedulerobjects.RouteStatusFailedToStart,
	)
	require.NoError(t, err)
	for _, route := range routes {
		if route.ID == id {
			return route
		}
	}
	t.Fatalf("route %s not found", id)
	return schedulerobjects.Route{}
}

func TestRouteCoordinator_Provisioning(t *testing.T) {
	env := newTestEnv(t)
	ctx := logcontext.Background()
	require.NoError(t, env.repo.UpsertScalingGroups(ctx, schedulerobjects.ScalingGroup{Name: "default", IsActive: true}))
	require.NoError(t, env.repo.UpsertAgents(ctx, aliveAgent("agent-1", "default", cpu("8"))))

	placeable := pendingSession("placeable", "default", cpu("1"), baseTime)
	placeable.Workload.EndpointID = "endpoint-1"
	retried := pendingSession("retried", "default", cpu("100"), baseTime)
	retried.Workload.EndpointID = "endpoint-1"
	exhausted := pendingSession("exhausted", "default", cpu("100"), baseTime)
	exhausted.Workload.EndpointID = "endpoint-1"
	require.NoError(t, env.repo.UpsertSessions(ctx, placeable, retried, exhausted))
	require.NoError(t, env.repo.UpsertRoutes(ctx,
		schedulerobjects.Route{ID: "r-placeable", EndpointID: "endpoint-1", SessionID: "placeable", ScalingGroup: "default", Status: schedulerobjects.RouteStatusProvisioning},
		schedulerobjects.Route{ID: "r-retried", EndpointID: "endpoint-1", SessionID: "retried", ScalingGroup: "default", Status: schedulerobjects.RouteStatusProvisioning},
		schedulerobjects.Route{ID: "r-exhausted", EndpointID: "endpoint-1", SessionID: "exhausted", ScalingGroup: "default", Status: schedulerobjects.RouteStatusProvisioning, ProvisionAttempts: 2},
		schedulerobjects.Route{ID: "r-terminating", EndpointID: "endpoint-1", ScalingGroup: "default", Status: schedulerobjects.RouteStatusTerminating},
	))

	c := env.routeCoordinator(fakeAgents{})
	require.NoError(t, c.ProcessRouteLifecycle(ctx, RouteLifecycleProvisioning))

	running := routeByID(t, env, "r-placeable")
	assert.Equal(t, schedulerobjects.RouteStatusRunning, running.Status)
	session, err := env.repo.GetSession(ctx, "placeable")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.SessionStatusScheduled, session.Status)

	retriedRoute := routeByID(t, env, "r-retried")
	assert.Equal(t, schedulerobjects.RouteStatusProvisioning, retriedRoute.Status)
	assert.Equal(t, 1, retriedRoute.ProvisionAttempts)
	assert.Contains(t, retriedRoute.StatusReason, "NoAvailableAgent")

	exhaustedRoute := routeByID(t, env, "r-exhausted")
	assert.Equal(t, schedulerobjects.RouteStatusFailedToStart, exhaustedRoute.Status)
	assert.Equal(t, 3, exhaustedRoute.ProvisionAttempts)

	assert.Equal(t, schedulerobjects.RouteStatusTerminating, routeByID(t, env, "r-terminating").Status)
	assert.Equal(t, 3, env.producer.kinds()[events.KindRouteUpdated])
	assert.Equal(t, StateIdle, c.State(RouteLifecycleProvisioning))
}

func TestRouteCoordinator_Terminating(t *testing.T) {
	env := newTestEnv(t)
	ctx := logcontext.Background()
	require.NoError(t, env.repo.UpsertRoutes(ctx,
		schedulerobjects.Route{ID: "r1", EndpointID: "endpoint-1", ScalingGroup: "default", Status: schedulerobjects.RouteStatusTerminating},
		schedulerobjects.Route{ID: "r2", EndpointID: "endpoint-1", ScalingGroup: "default", Status: schedulerobjects.RouteStatusRunning},
	))

	c := env.routeCoordinator(fakeAgents{})
	require.NoError(t, c.ProcessRouteLifecycle(ctx, RouteLifecycleTerminating))

	assert.Equal(t, schedulerobjects.RouteStatusTerminated, routeByID(t, env, "r1").Status)
	assert.Equal(t, schedulerobjects.RouteStatusRunning, routeByID(t, env, "r2").Status)
}

func TestRouteCoordinator_ProcessIfNeeded(t *testing.T) {
	env := newTestEnv(t)
	ctx := logcontext.Background()
	require.NoError(t, env.repo.UpsertRoutes(ctx,
		schedulerobjects.Route{ID: "r1", EndpointID: "endpoint-1", ScalingGroup: "default", Status: schedulerobjects.RouteStatusTerminating},
	))
	c := env.routeCoordinator(fakeAgents{})

	// Route marks do not collide with schedule marks of the same name.
	require.NoError(t, env.marks.Mark(ctx, string(RouteLifecycleTerminating)))
	ran, err := c.ProcessIfNeeded(ctx, RouteLifecycleTerminating)
	require.NoError(t, err)
	assert.False(t, ran)

	require.NoError(t, c.RequestLifecycle(ctx, RouteLifecycleTerminating))
	ran, err = c.ProcessIfNeeded(ctx, RouteLifecycleTerminating)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, schedulerobjects.RouteStatusTerminated, routeByID(t, env, "r1").Status)
}

func TestRouteCoordinator_Tasks(t *testing.T) {
	env := newTestEnv(t)
	tasks := env.routeCoordinator(fakeAgents{}).Tasks()
	names := make([]string, len(tasks))
	for i, task := range tasks {
		names[i] = task.Name
	}
	assert.Equal(t, []string{
		"process_if_needed_route_provisioning",
		"process_route_lifecycle_provisioning",
		"process_route_lifecycle_terminating",
	}, names)
	assert.Equal(t, 5*time.Second, tasks[0].Interval)
	assert.Equal(t, 10*time.Second, tasks[1].InitialDelay)
	assert.Equal(t, 30*time.Second, tasks[2].Interval)
}

func TestTerminatingRouteHandler_StopsWhenLost(t *testing.T) {
	lost := make(chan struct{})
	close(lost)
	updates, err := TerminatingRouteHandler{}.Handle(logcontext.Background(), lost, []schedulerobjects.Route{{ID: "r1"}})
	require.NoError(t, err)
	assert.Empty(t, updates)
}
