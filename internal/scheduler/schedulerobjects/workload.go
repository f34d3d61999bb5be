package schedulerobjects

import (
	"time"

	"github.com/armadaproject/sessionscheduler/internal/scheduler/resources"
)

// SessionWorkload is one pending session awaiting placement. It is passed by value and must not be
// modified once created; RequestedSlots is shared and therefore read-only.
type SessionWorkload struct {
	SessionID    SessionID
	AccessKey    string
	UserID       string
	GroupID      string
	Domain       string
	ScalingGroup string
	SessionType  SessionType
	// ShellSession marks private interactive shell sessions, which have their own concurrency limit.
	ShellSession   bool
	RequestedSlots resources.ResourceSlot
	Architecture   string
	// DesignatedAgentIDs restricts placement to these agents when non-empty.
	DesignatedAgentIDs []AgentID
	// EndpointID is set for inference replicas.
	EndpointID string
	Priority   int
	CreatedAt  time.Time
	// StartsAt delays batch sessions until the given time.
	StartsAt *time.Time
}

// PlacementDecision binds a workload to an agent.
type PlacementDecision struct {
	SessionID      SessionID
	AgentID        AgentID
	AgentAddress   string
	ScalingGroup   string
	AllocatedSlots resources.ResourceSlot
	Strategy       AgentSelectionStrategy
}

// Predicate is a named pass/fail check derived from the execution trace of one workload.
type Predicate struct {
	Name    string
	Message string
}

// SchedulingFailure is the user-visible outcome of a workload that could not be placed this cycle.
type SchedulingFailure struct {
	SessionID  SessionID
	ErrorKind  string
	Message    string
	Passed     []Predicate
	Failed     []Predicate
	OccurredAt time.Time
}
