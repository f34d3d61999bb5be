package selectors

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/sessionscheduler/internal/scheduler/resources"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/schedulerobjects"
)

// SelectionConfig carries the per-scaling-group options that shape selection.
type SelectionConfig struct {
	// ResourcePriority orders slot dimensions when comparing remaining capacity.
	ResourcePriority []string
	// MaxContainerCount rejects agents already running this many containers; nil disables the check.
	MaxContainerCount *int
	// EnforceSpreadingEndpointReplica makes the concentrated selector prefer agents hosting fewer
	// replicas of the same endpoint.
	EnforceSpreadingEndpointReplica bool
	KernelCountsAtEndpoint          map[schedulerobjects.AgentID]int
}

// AgentSelector picks the agent a workload is placed on. Implementations are synchronous and
// only depend on their arguments, except RoundRobinAgentSelector which advances its cursor.
type AgentSelector interface {
	Strategy() schedulerobjects.AgentSelectionStrategy
	Select(workload schedulerobjects.SessionWorkload, candidates []schedulerobjects.AgentInfo, config SelectionConfig) (schedulerobjects.AgentID, error)
}

// filterCandidates returns the candidates able to host workload, preserving input order.
func filterCandidates(
	workload schedulerobjects.SessionWorkload,
	candidates []schedulerobjects.AgentInfo,
	config SelectionConfig,
) ([]schedulerobjects.AgentInfo, error) {
	if len(candidates) == 0 {
		return nil, &NoAvailableAgentError{ScalingGroup: workload.ScalingGroup}
	}

	compatible := candidates
	if workload.Architecture != "" {
		compatible = make([]schedulerobjects.AgentInfo, 0, len(candidates))
		architectures := map[string]bool{}
		for _, agent := range candidates {
			architectures[agent.Architecture] = true
			if agent.Architecture == workload.Architecture {
				compatible = append(compatible, agent)
			}
		}
		if len(compatible) == 0 {
			available := maps.Keys(architectures)
			sort.Strings(available)
			return nil, &NoCompatibleAgentError{Architecture: workload.Architecture, Architectures: available}
		}
	}

	reasons := map[string]int{}
	rejected := map[schedulerobjects.AgentID]string{}
	feasible := make([]schedulerobjects.AgentInfo, 0, len(compatible))
	for _, agent := range compatible {
		if reason := rejectReason(workload, agent, config); reason != "" {
			reasons[reason]++
			rejected[agent.ID] = reason
			continue
		}
		feasible = append(feasible, agent)
	}
	if len(feasible) == 0 {
		return nil, &NoAvailableAgentError{ScalingGroup: workload.ScalingGroup, Reasons: reasons}
	}

	if len(workload.DesignatedAgentIDs) > 0 {
		designated := make([]schedulerobjects.AgentInfo, 0, len(workload.DesignatedAgentIDs))
		for _, agent := range feasible {
			if slices.Contains(workload.DesignatedAgentIDs, agent.ID) {
				designated = append(designated, agent)
			}
		}
		if len(designated) == 0 {
			designatedReasons := map[string]int{}
			for _, id := range workload.DesignatedAgentIDs {
				reason, ok := rejected[id]
				if !ok {
					reason = "designated agent not found"
				}
				designatedReasons[fmt.Sprintf("%s: %s", id, reason)]++
			}
			return nil, &NoAvailableAgentError{ScalingGroup: workload.ScalingGroup, Reasons: designatedReasons}
		}
		feasible = designated
	}
	return feasible, nil
}

func rejectReason(workload schedulerobjects.SessionWorkload, agent schedulerobjects.AgentInfo, config SelectionConfig) string {
	available := agent.Available()
	if !workload.RequestedSlots.FitsWithin(available) {
		var insufficient []string
		for _, name := range workload.RequestedSlots.Names() {
			requested := workload.RequestedSlots[name]
			if requested.Cmp(available.Get(name)) > 0 {
				insufficient = append(insufficient, name)
			}
		}
		return "insufficient " + strings.Join(insufficient, ",")
	}
	if config.MaxContainerCount != nil && agent.ContainerCount >= *config.MaxContainerCount {
		return "container limit reached"
	}
	return ""
}

// prioritizedSlots orders the requested slot names by priority. A priority entry such as "cuda"
// also matches device-qualified names like "cuda.shares". Unlisted names follow alphabetically.
func prioritizedSlots(requested resources.ResourceSlot, priority []string) []string {
	names := requested.Names()
	if len(names) == 0 {
		return append([]string(nil), priority...)
	}
	ordered := make([]string, 0, len(names))
	used := make(map[string]bool, len(names))
	for _, p := range priority {
		for _, name := range names {
			if used[name] {
				continue
			}
			if name == p || strings.HasPrefix(name, p+".") {
				ordered = append(ordered, name)
				used[name] = true
			}
		}
	}
	for _, name := range names {
		if !used[name] {
			ordered = append(ordered, name)
		}
	}
	return ordered
}

// compareRemaining compares the capacity left on two agents after placing requested, dimension by
// dimension in priority order. It returns -1, 0 or 1.
func compareRemaining(a, b schedulerobjects.AgentInfo, requested resources.ResourceSlot, dims []string) int {
	remainingA := a.Available().Sub(requested)
	remainingB := b.Available().Sub(requested)
	for _, dim := range dims {
		qa, qb := remainingA.Get(dim), remainingB.Get(dim)
		if c := qa.Cmp(qb); c != 0 {
			return c
		}
	}
	return 0
}
