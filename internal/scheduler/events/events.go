package events

import (
	"time"

	"github.com/armadaproject/sessionscheduler/internal/common/logcontext"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/schedulerobjects"
)

type Kind string

const (
	KindCycleCompleted   Kind = "CycleCompleted"
	KindSchedulingFailed Kind = "SchedulingFailed"
	KindSessionScheduled Kind = "SessionScheduled"
	KindRouteUpdated     Kind = "RouteUpdated"
)

// Event is a notification emitted at the coordinator boundary.
type Event interface {
	Kind() Kind
	// Key groups related events, e.g. all events of one session, onto the same partition.
	Key() string
}

// CycleCompleted summarises one coordinator run over a scaling group.
type CycleCompleted struct {
	Operation    string
	ScalingGroup string
	CycleID      string
	Scheduled    int
	Failed       int
	Duration     time.Duration
	OccurredAt   time.Time
}

func (e CycleCompleted) Kind() Kind  { return KindCycleCompleted }
func (e CycleCompleted) Key() string { return e.ScalingGroup }

// Outcome of a failed scheduling attempt as seen by the session.
type Outcome string

const (
	// The session stays pending and is retried next cycle.
	OutcomeRetry Outcome = "retry"
	// The session was cancelled, e.g. after waiting longer than the pending timeout.
	OutcomeCancelled Outcome = "cancelled"
)

type SchedulingFailed struct {
	SessionID    schedulerobjects.SessionID
	ScalingGroup string
	Outcome      Outcome
	ErrorKind    string
	Message      string
	Failed       []schedulerobjects.Predicate
	OccurredAt   time.Time
}

func (e SchedulingFailed) Kind() Kind  { return KindSchedulingFailed }
func (e SchedulingFailed) Key() string { return string(e.SessionID) }

type SessionScheduled struct {
	SessionID    schedulerobjects.SessionID
	AgentID      schedulerobjects.AgentID
	ScalingGroup string
	Strategy     schedulerobjects.AgentSelectionStrategy
	OccurredAt   time.Time
}

func (e SessionScheduled) Kind() Kind  { return KindSessionScheduled }
func (e SessionScheduled) Key() string { return string(e.SessionID) }

// RouteUpdated is emitted when a route changes status.
type RouteUpdated struct {
	RouteID    schedulerobjects.RouteID
	EndpointID string
	Status     schedulerobjects.RouteStatus
	Reason     string
	OccurredAt time.Time
}

func (e RouteUpdated) Kind() Kind  { return KindRouteUpdated }
func (e RouteUpdated) Key() string { return e.EndpointID }

// EventProducer publishes events. Implementations must be safe for concurrent use.
type EventProducer interface {
	Publish(ctx *logcontext.Context, events ...Event) error
	Close()
}
