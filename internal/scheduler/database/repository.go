package database

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/armadaproject/sessionscheduler/internal/scheduler/resources"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/schedulerobjects"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrSessionNotPending = errors.New("session is no longer pending")
)

// PendingTimeoutReason is stored as the status reason of sessions cancelled by the sweeper.
const PendingTimeoutReason = "pending-timeout"

// SchedulerRepository is the persistent state read and written by the schedule coordinator.
type SchedulerRepository interface {
	// GetSchedulableScalingGroups returns the active scaling groups ordered by name.
	GetSchedulableScalingGroups(ctx context.Context) ([]schedulerobjects.ScalingGroup, error)
	// LoadSnapshot builds a point-in-time view for one scaling group. Quota occupancy and
	// pending counts span every scaling group; agents and capacity are restricted to this one.
	LoadSnapshot(ctx context.Context, scalingGroup string) (*schedulerobjects.SystemSnapshot, error)
	// GetPendingWorkloads returns the pending sessions of a scaling group ordered by creation time.
	GetPendingWorkloads(ctx context.Context, scalingGroup string) ([]schedulerobjects.SessionWorkload, error)
	// PersistDecision moves a pending session to SCHEDULED on the chosen agent. It fails with
	// ErrSessionNotPending if the session changed state since it was loaded.
	PersistDecision(ctx context.Context, decision schedulerobjects.PlacementDecision) error
	// RecordSchedulingFailures stores the latest failure reason on sessions that are still pending.
	RecordSchedulingFailures(ctx context.Context, failures []schedulerobjects.SchedulingFailure) error
	// CancelStalePendingSessions cancels pending sessions created before olderThan and returns their ids.
	CancelStalePendingSessions(ctx context.Context, scalingGroup string, olderThan time.Time) ([]schedulerobjects.SessionID, error)
}

// RouteStatusUpdate is one route transition.
type RouteStatusUpdate struct {
	RouteID           schedulerobjects.RouteID
	Status            schedulerobjects.RouteStatus
	Reason            string
	ProvisionAttempts int
}

// RouteRepository is the persistent state read and written by the route coordinator.
type RouteRepository interface {
	GetRoutesByStatuses(ctx context.Context, statuses ...schedulerobjects.RouteStatus) ([]schedulerobjects.Route, error)
	// GetRouteWorkload returns the workload of the session backing a route.
	GetRouteWorkload(ctx context.Context, routeID schedulerobjects.RouteID) (schedulerobjects.SessionWorkload, error)
	UpdateRouteStatus(ctx context.Context, update RouteStatusUpdate) error
}

// StateWriter registers the inputs of scheduling: scaling groups, agents, policies, sessions and routes.
// Both repositories implement it so that tests and standalone mode can seed state.
type StateWriter interface {
	UpsertScalingGroups(ctx context.Context, groups ...schedulerobjects.ScalingGroup) error
	UpsertAgents(ctx context.Context, agents ...schedulerobjects.AgentInfo) error
	UpsertPolicies(ctx context.Context, policies PolicySet) error
	UpsertSessions(ctx context.Context, sessions ...SessionRecord) error
	UpsertRoutes(ctx context.Context, routes ...schedulerobjects.Route) error
	GetSession(ctx context.Context, id schedulerobjects.SessionID) (SessionRecord, error)
}

// SessionRecord is the stored form of a session.
type SessionRecord struct {
	Workload schedulerobjects.SessionWorkload
	Status   schedulerobjects.SessionStatus
	Result   schedulerobjects.SessionResult
	AgentID  schedulerobjects.AgentID
	// AllocatedSlots is set once scheduled; nil means the requested slots are charged.
	AllocatedSlots  resources.ResourceSlot
	DependsOn       []schedulerobjects.SessionID
	StatusReason    string
	LastFailure     *schedulerobjects.SchedulingFailure
	StatusChangedAt time.Time
}

// IsActive reports whether the session holds resources on an agent.
func (r SessionRecord) IsActive() bool {
	return r.Status == schedulerobjects.SessionStatusScheduled || r.Status == schedulerobjects.SessionStatusRunning
}

// ChargedSlots are the slots counted against quotas and agent occupancy.
func (r SessionRecord) ChargedSlots() resources.ResourceSlot {
	if r.AllocatedSlots != nil {
		return r.AllocatedSlots
	}
	return r.Workload.RequestedSlots
}

// PolicySet holds every resource policy together with the registered slot types.
type PolicySet struct {
	Policies  schedulerobjects.ResourcePolicies
	SlotTypes map[string]schedulerobjects.SlotType
}
