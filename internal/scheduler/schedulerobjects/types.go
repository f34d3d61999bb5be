package schedulerobjects

import (
	"strings"

	"github.com/pkg/errors"
)

type (
	SessionID string
	AgentID   string
	RouteID   string
)

// AgentSelectionStrategy names the placement algorithm configured on a scaling group.
type AgentSelectionStrategy string

const (
	AgentSelectionDispersed    AgentSelectionStrategy = "dispersed"
	AgentSelectionConcentrated AgentSelectionStrategy = "concentrated"
	AgentSelectionRoundRobin   AgentSelectionStrategy = "roundrobin"
	AgentSelectionLegacy       AgentSelectionStrategy = "legacy"

	DefaultAgentSelectionStrategy = AgentSelectionDispersed
)

var AllAgentSelectionStrategies = []AgentSelectionStrategy{
	AgentSelectionDispersed,
	AgentSelectionConcentrated,
	AgentSelectionRoundRobin,
	AgentSelectionLegacy,
}

// ParseAgentSelectionStrategy is case-insensitive. The empty string maps to the default strategy.
func ParseAgentSelectionStrategy(s string) (AgentSelectionStrategy, error) {
	if s == "" {
		return DefaultAgentSelectionStrategy, nil
	}
	candidate := AgentSelectionStrategy(strings.ToLower(s))
	for _, strategy := range AllAgentSelectionStrategies {
		if candidate == strategy {
			return strategy, nil
		}
	}
	return "", errors.Errorf("unknown agent selection strategy %q", s)
}

type SessionType string

const (
	SessionTypeInteractive SessionType = "interactive"
	SessionTypeBatch       SessionType = "batch"
	SessionTypeInference   SessionType = "inference"
	SessionTypeSystem      SessionType = "system"
)

type SessionStatus string

const (
	SessionStatusPending    SessionStatus = "PENDING"
	SessionStatusScheduled  SessionStatus = "SCHEDULED"
	SessionStatusRunning    SessionStatus = "RUNNING"
	SessionStatusTerminated SessionStatus = "TERMINATED"
	SessionStatusCancelled  SessionStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions can happen.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusTerminated || s == SessionStatusCancelled
}

type SessionResult string

const (
	SessionResultUndefined SessionResult = "UNDEFINED"
	SessionResultSuccess   SessionResult = "SUCCESS"
	SessionResultFailure   SessionResult = "FAILURE"
)

type AgentStatus string

const (
	AgentStatusAlive      AgentStatus = "ALIVE"
	AgentStatusLost       AgentStatus = "LOST"
	AgentStatusTerminated AgentStatus = "TERMINATED"
)

// SlotType describes how a resource slot is measured.
type SlotType string

const (
	SlotTypeCount  SlotType = "count"
	SlotTypeBytes  SlotType = "bytes"
	SlotTypeUnique SlotType = "unique"
)

// DefaultResourcePriority orders slot dimensions for selectors that compare remaining capacity.
var DefaultResourcePriority = []string{"cuda", "rocm", "tpu", "cpu", "mem"}
