package schedulerobjects

import (
	"time"

	"github.com/armadaproject/sessionscheduler/internal/scheduler/resources"
)

// AgentInfo is a candidate agent as seen by one scheduling pass.
type AgentInfo struct {
	ID             AgentID
	Address        string
	Architecture   string
	ScalingGroup   string
	Status         AgentStatus
	Schedulable    bool
	CapacitySlots  resources.ResourceSlot
	OccupiedSlots  resources.ResourceSlot
	ContainerCount int
	Region         string
	Zone           string
}

// Available returns capacity minus occupied.
func (a AgentInfo) Available() resources.ResourceSlot {
	return a.CapacitySlots.Sub(a.OccupiedSlots)
}

func (a AgentInfo) DeepCopy() AgentInfo {
	a.CapacitySlots = a.CapacitySlots.DeepCopy()
	a.OccupiedSlots = a.OccupiedSlots.DeepCopy()
	return a
}

type SequencerName string

const (
	SequencerFIFO SequencerName = "fifo"
	SequencerLIFO SequencerName = "lifo"
	SequencerDRF  SequencerName = "drf"
)

// ScalingGroup is a named partition of the agent fleet carrying its own scheduler options.
type ScalingGroup struct {
	Name                   string
	IsActive               bool
	AgentSelectionStrategy AgentSelectionStrategy
	Sequencer              SequencerName
	// MaxContainerCount caps containers per agent; nil means no cap.
	MaxContainerCount               *int
	EnforceSpreadingEndpointReplica bool
	// PendingTimeout cancels sessions left pending for longer; zero disables it.
	PendingTimeout time.Duration
}

// SelectionStrategy returns the configured strategy, falling back to the default.
func (sg ScalingGroup) SelectionStrategy() AgentSelectionStrategy {
	if sg.AgentSelectionStrategy == "" {
		return DefaultAgentSelectionStrategy
	}
	return sg.AgentSelectionStrategy
}

type RouteStatus string

const (
	RouteStatusProvisioning  RouteStatus = "PROVISIONING"
	RouteStatusRunning       RouteStatus = "RUNNING"
	RouteStatusTerminating   RouteStatus = "TERMINATING"
	RouteStatusTerminated    RouteStatus = "TERMINATED"
	RouteStatusFailedToStart RouteStatus = "FAILED_TO_START"
)

// Route is one replica of a model-serving endpoint backed by a session.
type Route struct {
	ID                RouteID
	EndpointID        string
	SessionID         SessionID
	ScalingGroup      string
	Status            RouteStatus
	ProvisionAttempts int
	StatusReason      string
}
