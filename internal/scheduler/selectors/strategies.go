package selectors

import (
	"sort"

	"github.com/armadaproject/sessionscheduler/internal/scheduler/schedulerobjects"
)

// DispersedAgentSelector spreads load: it picks the agent with the most capacity left after
// placement, comparing dimensions in priority order. Ties go to the lowest agent id.
type DispersedAgentSelector struct{}

func NewDispersedAgentSelector() *DispersedAgentSelector {
	return &DispersedAgentSelector{}
}

func (s *DispersedAgentSelector) Strategy() schedulerobjects.AgentSelectionStrategy {
	return schedulerobjects.AgentSelectionDispersed
}

func (s *DispersedAgentSelector) Select(
	workload schedulerobjects.SessionWorkload,
	candidates []schedulerobjects.AgentInfo,
	config SelectionConfig,
) (schedulerobjects.AgentID, error) {
	feasible, err := filterCandidates(workload, candidates, config)
	if err != nil {
		return "", err
	}
	dims := prioritizedSlots(workload.RequestedSlots, config.ResourcePriority)
	best := feasible[0]
	for _, agent := range feasible[1:] {
		c := compareRemaining(agent, best, workload.RequestedSlots, dims)
		if c > 0 || (c == 0 && agent.ID < best.ID) {
			best = agent
		}
	}
	return best.ID, nil
}

// ConcentratedAgentSelector packs load: it picks the agent with the least capacity left after
// placement. Ties go to the lowest agent id.
type ConcentratedAgentSelector struct{}

func NewConcentratedAgentSelector() *ConcentratedAgentSelector {
	return &ConcentratedAgentSelector{}
}

func (s *ConcentratedAgentSelector) Strategy() schedulerobjects.AgentSelectionStrategy {
	return schedulerobjects.AgentSelectionConcentrated
}

func (s *ConcentratedAgentSelector) Select(
	workload schedulerobjects.SessionWorkload,
	candidates []schedulerobjects.AgentInfo,
	config SelectionConfig,
) (schedulerobjects.AgentID, error) {
	feasible, err := filterCandidates(workload, candidates, config)
	if err != nil {
		return "", err
	}
	spread := config.EnforceSpreadingEndpointReplica && workload.EndpointID != ""
	dims := prioritizedSlots(workload.RequestedSlots, config.ResourcePriority)
	best := feasible[0]
	for _, agent := range feasible[1:] {
		if spread {
			replicas, bestReplicas := config.KernelCountsAtEndpoint[agent.ID], config.KernelCountsAtEndpoint[best.ID]
			if replicas != bestReplicas {
				if replicas < bestReplicas {
					best = agent
				}
				continue
			}
		}
		c := compareRemaining(agent, best, workload.RequestedSlots, dims)
		if c < 0 || (c == 0 && agent.ID < best.ID) {
			best = agent
		}
	}
	return best.ID, nil
}

// RoundRobinAgentSelector rotates through the feasible agents of a scaling group in id order. The
// position is kept per scaling group in a CursorTable and advanced once per successful selection.
type RoundRobinAgentSelector struct {
	cursors *CursorTable
}

func NewRoundRobinAgentSelector(cursors *CursorTable) *RoundRobinAgentSelector {
	return &RoundRobinAgentSelector{cursors: cursors}
}

func (s *RoundRobinAgentSelector) Strategy() schedulerobjects.AgentSelectionStrategy {
	return schedulerobjects.AgentSelectionRoundRobin
}

func (s *RoundRobinAgentSelector) Cursors() *CursorTable {
	return s.cursors
}

func (s *RoundRobinAgentSelector) Select(
	workload schedulerobjects.SessionWorkload,
	candidates []schedulerobjects.AgentInfo,
	config SelectionConfig,
) (schedulerobjects.AgentID, error) {
	feasible, err := filterCandidates(workload, candidates, config)
	if err != nil {
		return "", err
	}
	sort.Slice(feasible, func(i, j int) bool { return feasible[i].ID < feasible[j].ID })
	var selected schedulerobjects.AgentID
	s.cursors.Update(workload.ScalingGroup, func(position int) int {
		index := position % len(feasible)
		selected = feasible[index].ID
		return index + 1
	})
	return selected, nil
}

// LegacyAgentSelector returns the first feasible agent in the order given.
type LegacyAgentSelector struct{}

func NewLegacyAgentSelector() *LegacyAgentSelector {
	return &LegacyAgentSelector{}
}

func (s *LegacyAgentSelector) Strategy() schedulerobjects.AgentSelectionStrategy {
	return schedulerobjects.AgentSelectionLegacy
}

func (s *LegacyAgentSelector) Select(
	workload schedulerobjects.SessionWorkload,
	candidates []schedulerobjects.AgentInfo,
	config SelectionConfig,
) (schedulerobjects.AgentID, error) {
	feasible, err := filterCandidates(workload, candidates, config)
	if err != nil {
		return "", err
	}
	return feasible[0].ID, nil
}
