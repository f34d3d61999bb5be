package selectors

import (
	"github.com/armadaproject/sessionscheduler/internal/scheduler/schedulerobjects"
)

// Pool holds one selector per strategy, built once at startup.
type Pool struct {
	selectors  map[schedulerobjects.AgentSelectionStrategy]AgentSelector
	roundRobin *RoundRobinAgentSelector
}

func NewPool(cursors *CursorTable) *Pool {
	roundRobin := NewRoundRobinAgentSelector(cursors)
	return &Pool{
		selectors: map[schedulerobjects.AgentSelectionStrategy]AgentSelector{
			schedulerobjects.AgentSelectionDispersed:    NewDispersedAgentSelector(),
			schedulerobjects.AgentSelectionConcentrated: NewConcentratedAgentSelector(),
			schedulerobjects.AgentSelectionRoundRobin:   roundRobin,
			schedulerobjects.AgentSelectionLegacy:       NewLegacyAgentSelector(),
		},
		roundRobin: roundRobin,
	}
}

// Resolve returns the selector for strategy. Unset or unknown strategies resolve to the default.
func (p *Pool) Resolve(strategy schedulerobjects.AgentSelectionStrategy) AgentSelector {
	if selector, ok := p.selectors[strategy]; ok {
		return selector
	}
	return p.selectors[schedulerobjects.DefaultAgentSelectionStrategy]
}

// Cursors exposes the round-robin positions for persistence at the cycle boundary.
func (p *Pool) Cursors() *CursorTable {
	return p.roundRobin.Cursors()
}
