package validation

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/armadaproject/sessionscheduler/internal/scheduler/resources"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/schedulerobjects"
)

func cpu(v string) resources.ResourceSlot {
	return resources.MustResourceSlot(map[string]string{"cpu": v})
}

func intPtr(v int) *int {
	return &v
}

func testWorkload(requested resources.ResourceSlot) schedulerobjects.SessionWorkload {
	return schedulerobjects.SessionWorkload{
		SessionID:      "s1",
		AccessKey:      "ak",
		UserID:         "u",
		GroupID:        "g",
		Domain:         "d",
		ScalingGroup:   "default",
		SessionType:    schedulerobjects.SessionTypeInteractive,
		RequestedSlots: requested,
	}
}

func TestDomainResourceLimitValidator(t *testing.T) {
	snapshot := schedulerobjects.NewSystemSnapshot(schedulerobjects.SnapshotParams{
		Occupancy: schedulerobjects.ResourceOccupancy{ByDomain: map[string]resources.ResourceSlot{"d": cpu("8")}},
		Policies:  schedulerobjects.ResourcePolicies{DomainLimits: map[string]resources.ResourceSlot{"d": cpu("10")}},
	})
	v := DomainResourceLimitValidator{}

	err := v.Validate(snapshot, testWorkload(cpu("3")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDomainResourceQuotaExceeded))
	var quotaErr *QuotaExceededError
	require.True(t, errors.As(err, &quotaErr))
	assert.Equal(t, ScopeDomain, quotaErr.Scope)
	assert.Equal(t, "d", quotaErr.ScopeID)
	assert.Equal(t, []string{"cpu"}, quotaErr.Exceeded)
	assert.Equal(t, "DomainResourceQuotaExceeded", quotaErr.Kind())

	assert.NoError(t, v.Validate(snapshot, testWorkload(cpu("2"))))
}

func TestResourceLimitValidators(t *testing.T) {
	occupancy := schedulerobjects.ResourceOccupancy{
		ByKeypair: map[string]resources.ResourceSlot{"ak": cpu("4")},
		ByUser:    map[string]resources.ResourceSlot{"u": cpu("4")},
		ByGroup:   map[string]resources.ResourceSlot{"g": cpu("4")},
		ByDomain:  map[string]resources.ResourceSlot{"d": cpu("4")},
	}
	policies := schedulerobjects.ResourcePolicies{
		KeypairPolicies: map[string]schedulerobjects.KeypairResourcePolicy{"ak": {TotalResourceSlots: cpu("6")}},
		UserPolicies:    map[string]schedulerobjects.UserResourcePolicy{"u": {TotalResourceSlots: cpu("6")}},
		GroupLimits:     map[string]resources.ResourceSlot{"g": cpu("6")},
		DomainLimits:    map[string]resources.ResourceSlot{"d": cpu("6")},
	}
	tests := map[string]struct {
		validator Validator
		sentinel  error
	}{
		"domain":  {DomainResourceLimitValidator{}, ErrDomainResourceQuotaExceeded},
		"group":   {GroupResourceLimitValidator{}, ErrGroupResourceQuotaExceeded},
		"user":    {UserResourceLimitValidator{}, ErrUserResourceQuotaExceeded},
		"keypair": {KeypairResourceLimitValidator{}, ErrKeypairResourceQuotaExceeded},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			withPolicy := schedulerobjects.NewSystemSnapshot(schedulerobjects.SnapshotParams{Occupancy: occupancy, Policies: policies})
			withoutPolicy := schedulerobjects.NewSystemSnapshot(schedulerobjects.SnapshotParams{Occupancy: occupancy})
			withoutOccupancy := schedulerobjects.NewSystemSnapshot(schedulerobjects.SnapshotParams{Policies: policies})

			// exactly at the limit passes
			assert.NoError(t, tc.validator.Validate(withPolicy, testWorkload(cpu("2"))))
			// one over fails with the scope error
			err := tc.validator.Validate(withPolicy, testWorkload(cpu("2.5")))
			assert.True(t, errors.Is(err, tc.sentinel), "unexpected error %v", err)
			// no policy means no limit
			assert.NoError(t, tc.validator.Validate(withoutPolicy, testWorkload(cpu("1000"))))
			// missing occupancy counts as zero
			assert.NoError(t, tc.validator.Validate(withoutOccupancy, testWorkload(cpu("6"))))
			assert.Error(t, tc.validator.Validate(withoutOccupancy, testWorkload(cpu("7"))))
		})
	}
}

func TestResourceLimit_UnlimitedAndUnknownSlots(t *testing.T) {
	limit := resources.MustResourceSlot(map[string]string{"cpu": "4", "legacy.slot": "0"})
	snapshot := schedulerobjects.NewSystemSnapshot(schedulerobjects.SnapshotParams{
		Policies:       schedulerobjects.ResourcePolicies{DomainLimits: map[string]resources.ResourceSlot{"d": limit}},
		KnownSlotTypes: map[string]schedulerobjects.SlotType{"cpu": schedulerobjects.SlotTypeCount, "mem": schedulerobjects.SlotTypeBytes},
	})
	request := resources.MustResourceSlot(map[string]string{"cpu": "4", "mem": "64Gi", "legacy.slot": "1"})
	// mem is not limited and legacy.slot is not a known slot
	assert.NoError(t, DomainResourceLimitValidator{}.Validate(snapshot, testWorkload(request)))
}

func TestConcurrencyValidator(t *testing.T) {
	snapshot := schedulerobjects.NewSystemSnapshot(schedulerobjects.SnapshotParams{
		Policies: schedulerobjects.ResourcePolicies{KeypairPolicies: map[string]schedulerobjects.KeypairResourcePolicy{
			"ak": {MaxConcurrentSessions: intPtr(3), MaxConcurrentShellSessions: intPtr(1)},
		}},
		Concurrency: schedulerobjects.ConcurrencyStats{
			SessionsByKeypair:      map[string]int{"ak": 2},
			ShellSessionsByKeypair: map[string]int{"ak": 1},
		},
	})
	v := ConcurrencyValidator{}

	assert.NoError(t, v.Validate(snapshot, testWorkload(cpu("1"))))

	shell := testWorkload(cpu("1"))
	shell.ShellSession = true
	err := v.Validate(snapshot, shell)
	assert.True(t, errors.Is(err, ErrConcurrencyLimitExceeded))
	var concurrencyErr *ConcurrencyLimitError
	require.True(t, errors.As(err, &concurrencyErr))
	assert.Equal(t, 1, concurrencyErr.Limit)

	other := testWorkload(cpu("1"))
	other.AccessKey = "no-policy"
	assert.NoError(t, v.Validate(snapshot, other))
}

func TestConcurrencyValidator_AtLimit(t *testing.T) {
	snapshot := schedulerobjects.NewSystemSnapshot(schedulerobjects.SnapshotParams{
		Policies: schedulerobjects.ResourcePolicies{KeypairPolicies: map[string]schedulerobjects.KeypairResourcePolicy{
			"ak": {MaxConcurrentSessions: intPtr(3)},
		}},
		Concurrency: schedulerobjects.ConcurrencyStats{SessionsByKeypair: map[string]int{"ak": 3}},
	})
	assert.True(t, errors.Is(ConcurrencyValidator{}.Validate(snapshot, testWorkload(cpu("1"))), ErrConcurrencyLimitExceeded))
}

func TestDependenciesValidator(t *testing.T) {
	snapshot := schedulerobjects.NewSystemSnapshot(schedulerobjects.SnapshotParams{
		SessionDependencies: map[schedulerobjects.SessionID][]schedulerobjects.DependencyInfo{
			"s1": {
				{DependsOn: "done", Status: schedulerobjects.SessionStatusTerminated, Result: schedulerobjects.SessionResultSuccess},
				{DependsOn: "failed", Status: schedulerobjects.SessionStatusTerminated, Result: schedulerobjects.SessionResultFailure},
				{DependsOn: "running", Status: schedulerobjects.SessionStatusRunning},
			},
		},
	})
	err := DependenciesValidator{}.Validate(snapshot, testWorkload(cpu("1")))
	var depErr *DependencyError
	require.True(t, errors.As(err, &depErr))
	assert.Equal(t, []schedulerobjects.SessionID{"failed", "running"}, depErr.Unsatisfied)

	independent := testWorkload(cpu("1"))
	independent.SessionID = "s2"
	assert.NoError(t, DependenciesValidator{}.Validate(snapshot, independent))
}

func TestPendingSessionValidators(t *testing.T) {
	pending := []schedulerobjects.SessionWorkload{
		testWorkload(cpu("2")),
		{SessionID: "s2", AccessKey: "ak", RequestedSlots: cpu("2")},
		{SessionID: "s3", AccessKey: "ak", RequestedSlots: cpu("2")},
	}
	snapshot := schedulerobjects.NewSystemSnapshot(schedulerobjects.SnapshotParams{
		PendingSessions: pending,
		Policies: schedulerobjects.ResourcePolicies{KeypairPolicies: map[string]schedulerobjects.KeypairResourcePolicy{
			"ak": {MaxPendingSessionCount: intPtr(3), MaxPendingSessionResourceSlots: cpu("5")},
		}},
	})

	assert.NoError(t, PendingSessionCountLimitValidator{}.Validate(snapshot, testWorkload(cpu("2"))))
	err := PendingSessionResourceLimitValidator{}.Validate(snapshot, testWorkload(cpu("2")))
	assert.True(t, errors.Is(err, ErrPendingSessionLimitExceeded))

	tight := schedulerobjects.NewSystemSnapshot(schedulerobjects.SnapshotParams{
		PendingSessions: pending,
		Policies: schedulerobjects.ResourcePolicies{KeypairPolicies: map[string]schedulerobjects.KeypairResourcePolicy{
			"ak": {MaxPendingSessionCount: intPtr(2)},
		}},
	})
	assert.True(t, errors.Is(PendingSessionCountLimitValidator{}.Validate(tight, testWorkload(cpu("2"))), ErrPendingSessionLimitExceeded))
}

func TestReservedBatchSessionValidator(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	v := NewReservedBatchSessionValidator(clock.NewFakePassiveClock(now))
	snapshot := schedulerobjects.NewSystemSnapshot(schedulerobjects.SnapshotParams{})

	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)
	batch := testWorkload(cpu("1"))
	batch.SessionType = schedulerobjects.SessionTypeBatch

	batch.StartsAt = &future
	assert.True(t, errors.Is(v.Validate(snapshot, batch), ErrReservedTimeNotReached))
	batch.StartsAt = &past
	assert.NoError(t, v.Validate(snapshot, batch))

	interactive := testWorkload(cpu("1"))
	interactive.StartsAt = &future
	assert.NoError(t, v.Validate(snapshot, interactive))
}

func TestPipeline_FailsFastInOrder(t *testing.T) {
	snapshot := schedulerobjects.NewSystemSnapshot(schedulerobjects.SnapshotParams{
		Policies: schedulerobjects.ResourcePolicies{
			DomainLimits: map[string]resources.ResourceSlot{"d": cpu("1")},
			GroupLimits:  map[string]resources.ResourceSlot{"g": cpu("1")},
		},
	})
	domainFirst, err := NewPipelineFromNames([]string{DomainResourceLimit, GroupResourceLimit}, clock.NewFakePassiveClock(time.Now()))
	require.NoError(t, err)
	assert.True(t, errors.Is(domainFirst.Validate(snapshot, testWorkload(cpu("2"))), ErrDomainResourceQuotaExceeded))

	groupFirst, err := NewPipelineFromNames([]string{GroupResourceLimit, DomainResourceLimit}, clock.NewFakePassiveClock(time.Now()))
	require.NoError(t, err)
	assert.True(t, errors.Is(groupFirst.Validate(snapshot, testWorkload(cpu("2"))), ErrGroupResourceQuotaExceeded))

	assert.NoError(t, domainFirst.Validate(snapshot, testWorkload(cpu("1"))))
}

func TestNewPipelineFromNames(t *testing.T) {
	p, err := NewPipelineFromNames(DefaultOrder, clock.NewFakePassiveClock(time.Now()))
	require.NoError(t, err)
	assert.Len(t, p.Validators(), len(DefaultOrder))

	_, err = NewPipelineFromNames([]string{"nope"}, clock.NewFakePassiveClock(time.Now()))
	assert.Error(t, err)
	_, err = NewPipelineFromNames([]string{Concurrency, Concurrency}, clock.NewFakePassiveClock(time.Now()))
	assert.Error(t, err)
}
