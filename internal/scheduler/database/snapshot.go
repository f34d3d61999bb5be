package database

import (
	"time"

	"github.com/armadaproject/sessionscheduler/internal/scheduler/resources"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/schedulerobjects"
)

// clusterState is the raw material of a snapshot as loaded by a repository.
type clusterState struct {
	scalingGroups []schedulerobjects.ScalingGroup
	// agents of the scaling group being snapshotted.
	agents []schedulerobjects.AgentInfo
	// sessions that are pending, scheduled or running in any scaling group.
	sessions     []SessionRecord
	dependencies map[schedulerobjects.SessionID][]schedulerobjects.DependencyInfo
	policies     PolicySet
}

func buildSnapshot(state clusterState, now time.Time) *schedulerobjects.SystemSnapshot {
	occupancy := schedulerobjects.ResourceOccupancy{
		ByKeypair: map[string]resources.ResourceSlot{},
		ByUser:    map[string]resources.ResourceSlot{},
		ByGroup:   map[string]resources.ResourceSlot{},
		ByDomain:  map[string]resources.ResourceSlot{},
		ByAgent:   map[schedulerobjects.AgentID]resources.ResourceSlot{},
	}
	concurrency := schedulerobjects.ConcurrencyStats{
		SessionsByKeypair:      map[string]int{},
		ShellSessionsByKeypair: map[string]int{},
	}
	containers := map[schedulerobjects.AgentID]int{}
	endpointReplicas := map[string]map[schedulerobjects.AgentID]int{}
	var pending []schedulerobjects.SessionWorkload

	for _, s := range state.sessions {
		w := s.Workload
		if s.Status == schedulerobjects.SessionStatusPending {
			pending = append(pending, w)
			continue
		}
		if !s.IsActive() {
			continue
		}
		charged := s.ChargedSlots()
		occupancy.ByKeypair[w.AccessKey] = occupancy.ByKeypair[w.AccessKey].Add(charged)
		occupancy.ByUser[w.UserID] = occupancy.ByUser[w.UserID].Add(charged)
		occupancy.ByGroup[w.GroupID] = occupancy.ByGroup[w.GroupID].Add(charged)
		occupancy.ByDomain[w.Domain] = occupancy.ByDomain[w.Domain].Add(charged)
		if s.AgentID != "" {
			occupancy.ByAgent[s.AgentID] = occupancy.ByAgent[s.AgentID].Add(charged)
			containers[s.AgentID]++
		}
		concurrency.SessionsByKeypair[w.AccessKey]++
		if w.ShellSession {
			concurrency.ShellSessionsByKeypair[w.AccessKey]++
		}
		if w.EndpointID != "" && s.AgentID != "" {
			if endpointReplicas[w.EndpointID] == nil {
				endpointReplicas[w.EndpointID] = map[schedulerobjects.AgentID]int{}
			}
			endpointReplicas[w.EndpointID][s.AgentID]++
		}
	}

	totalCapacity := resources.ResourceSlot{}
	agents := make([]schedulerobjects.AgentInfo, 0, len(state.agents))
	for _, a := range state.agents {
		a.OccupiedSlots = occupancy.ByAgent[a.ID].DeepCopy()
		a.ContainerCount = containers[a.ID]
		if a.Status == schedulerobjects.AgentStatusAlive && a.Schedulable {
			totalCapacity = totalCapacity.Add(a.CapacitySlots)
		}
		agents = append(agents, a)
	}

	return schedulerobjects.NewSystemSnapshot(schedulerobjects.SnapshotParams{
		TotalCapacity:       totalCapacity,
		Occupancy:           occupancy,
		Policies:            state.policies.Policies,
		Concurrency:         concurrency,
		PendingSessions:     pending,
		SessionDependencies: state.dependencies,
		KnownSlotTypes:      state.policies.SlotTypes,
		Agents:              agents,
		ScalingGroups:       state.scalingGroups,
		EndpointReplicas:    endpointReplicas,
		CreatedAt:           now,
	})
}
