package schedulerobjects

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/sessionscheduler/internal/scheduler/resources"
)

func cpu(v string) resources.ResourceSlot {
	return resources.MustResourceSlot(map[string]string{"cpu": v})
}

func TestSystemSnapshot_IsIsolatedFromInputs(t *testing.T) {
	occupancy := map[string]resources.ResourceSlot{"d1": cpu("8")}
	agents := []AgentInfo{{ID: "b", CapacitySlots: cpu("4")}, {ID: "a", CapacitySlots: cpu("2")}}
	s := NewSystemSnapshot(SnapshotParams{
		Occupancy: ResourceOccupancy{ByDomain: occupancy},
		Agents:    agents,
	})

	occupancy["d1"] = cpu("1")
	agents[0].CapacitySlots["cpu"] = cpu("100")["cpu"]

	assert.True(t, s.DomainOccupancy("d1").Equal(cpu("8")))
	got := s.Agents()
	require.Len(t, got, 2)
	assert.Equal(t, AgentID("a"), got[0].ID)
	assert.True(t, got[1].CapacitySlots.Equal(cpu("4")))

	// mutating what an accessor returned does not leak back either
	got[1].CapacitySlots["cpu"] = cpu("7")["cpu"]
	assert.True(t, s.Agents()[1].CapacitySlots.Equal(cpu("4")))
}

func TestSystemSnapshot_MissingEntries(t *testing.T) {
	s := NewSystemSnapshot(SnapshotParams{})

	assert.True(t, s.KeypairOccupancy("ak").IsZero())
	_, ok := s.DomainLimit("d")
	assert.False(t, ok)
	_, ok = s.KeypairPolicy("ak")
	assert.False(t, ok)
	assert.Equal(t, 0, s.ActiveSessions("ak"))
	assert.Empty(t, s.PendingSessions("ak"))
	assert.True(t, s.IsKnownSlot("anything"))
}

func TestSystemSnapshot_KeypairPolicyKeepsNilLimits(t *testing.T) {
	limit := 3
	s := NewSystemSnapshot(SnapshotParams{
		Policies: ResourcePolicies{KeypairPolicies: map[string]KeypairResourcePolicy{
			"ak": {MaxConcurrentSessions: &limit},
		}},
	})
	p, ok := s.KeypairPolicy("ak")
	require.True(t, ok)
	assert.Nil(t, p.TotalResourceSlots)
	assert.Equal(t, 3, *p.MaxConcurrentSessions)
}

func TestSystemSnapshot_PendingByKeypair(t *testing.T) {
	s := NewSystemSnapshot(SnapshotParams{
		PendingSessions: []SessionWorkload{
			{SessionID: "s1", AccessKey: "ak1"},
			{SessionID: "s2", AccessKey: "ak2"},
			{SessionID: "s3", AccessKey: "ak1"},
		},
		KnownSlotTypes: map[string]SlotType{"cpu": SlotTypeCount},
	})
	pending := s.PendingSessions("ak1")
	require.Len(t, pending, 2)
	assert.Equal(t, SessionID("s1"), pending[0].SessionID)
	assert.Equal(t, SessionID("s3"), pending[1].SessionID)
	assert.True(t, s.IsKnownSlot("cpu"))
	assert.False(t, s.IsKnownSlot("tpu"))
}

func TestParseAgentSelectionStrategy(t *testing.T) {
	tests := map[string]struct {
		input    string
		expected AgentSelectionStrategy
		wantErr  bool
	}{
		"empty defaults":   {input: "", expected: AgentSelectionDispersed},
		"upper case":       {input: "CONCENTRATED", expected: AgentSelectionConcentrated},
		"round robin":      {input: "roundrobin", expected: AgentSelectionRoundRobin},
		"unknown rejected": {input: "random", wantErr: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := ParseAgentSelectionStrategy(tc.input)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}
