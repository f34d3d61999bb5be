package recorder

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/armadaproject/sessionscheduler/internal/scheduler/schedulerobjects"
)

func statuses(records []StepRecord) []StepStatus {
	result := make([]StepStatus, len(records))
	for i, r := range records {
		result[i] = r.Status
	}
	return result
}

func TestCurrent_OutsideScope(t *testing.T) {
	_, err := Current(context.Background())
	assert.True(t, errors.Is(err, ErrNoActiveScope))
}

func TestCurrent_InsideAndAfterScope(t *testing.T) {
	ctx, pool := Scope(context.Background(), "schedule")
	current, err := Current(ctx)
	require.NoError(t, err)
	assert.Same(t, pool, current)
	assert.Equal(t, "schedule", current.Operation())
	assert.NotEmpty(t, current.CycleID())

	pool.Close(nil)
	_, err = Current(ctx)
	assert.True(t, errors.Is(err, ErrNoActiveScope))
}

func TestStep_Success(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, pool := Scope(context.Background(), "schedule", WithClock(clock.NewFakePassiveClock(now)))

	err := pool.Entity("s1").Step("check", "all good", func() error { return nil })
	require.NoError(t, err)

	records := pool.Records("s1")
	require.Len(t, records, 2)
	assert.Equal(t, []StepStatus{StepStarted, StepSuccess}, statuses(records))
	assert.Equal(t, "all good", records[1].Detail)
	assert.Equal(t, now, records[1].Timestamp)
}

func TestStep_FailurePropagatesUnchanged(t *testing.T) {
	_, pool := Scope(context.Background(), "schedule")
	boom := errors.New("quota exceeded")

	err := pool.Entity("s1").Step("check", "unused", func() error { return boom })
	assert.Same(t, boom, err)

	records := pool.Records("s1")
	require.Len(t, records, 2)
	assert.Equal(t, []StepStatus{StepStarted, StepFailed}, statuses(records))
	assert.Equal(t, "quota exceeded", records[1].Detail)
}

func TestStep_PanicIsRecordedAndRepanics(t *testing.T) {
	_, pool := Scope(context.Background(), "schedule")
	r := pool.Entity("s1")

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = r.Phase("provisioner", func() error {
			return r.Step("explode", "", func() error { panic("kaboom") })
		})
	})
	records := pool.Records("s1")
	assert.Equal(t, []StepStatus{StepStarted, StepFailed}, statuses(records))
	assert.Equal(t, "kaboom", records[1].Detail)

	// the phase path was unwound by the panic
	require.NoError(t, r.Step("after", "", func() error { return nil }))
	assert.Empty(t, pool.Records("s1")[2].Phase)
}

func TestPhase_NestedPathsConcatenate(t *testing.T) {
	_, pool := Scope(context.Background(), "schedule")
	r := pool.Entity("s1")

	err := r.Phase("provisioner", func() error {
		if err := r.Phase("validator", func() error {
			return r.Step("DomainResourceLimitValidator", "ok", func() error { return nil })
		}); err != nil {
			return err
		}
		return r.Step("select", "agent-1", func() error { return nil })
	})
	require.NoError(t, err)

	records := pool.Records("s1")
	require.Len(t, records, 4)
	assert.Equal(t, []string{"provisioner", "validator"}, records[0].Phase)
	assert.Equal(t, "provisioner/validator/DomainResourceLimitValidator", records[1].Path())
	assert.Equal(t, []string{"provisioner"}, records[3].Phase)
}

func TestPool_SharedStepsAndAllRecords(t *testing.T) {
	_, pool := Scope(context.Background(), "schedule")
	pool.Entity("s1")
	require.NoError(t, pool.SharedStep("sequencing", "fifo", "ordered 2 workloads", func() error { return nil }))
	require.NoError(t, pool.Entity("s2").Step("check", "", func() error { return nil }))

	all := pool.AllRecords()
	require.Len(t, all, 2)
	assert.Len(t, all["s1"], 2)
	assert.Len(t, all["s2"], 4)
	assert.Equal(t, "sequencing/fifo", all["s2"][1].Path())
}

func TestPool_CloseFlushesAndSeals(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	_, pool := Scope(context.Background(), "schedule")
	r := pool.Entity("s1")
	require.NoError(t, r.Step("check", "fine", func() error { return nil }))

	flushed := pool.Close(logrus.NewEntry(logger))
	assert.Len(t, flushed["s1"], 2)
	assert.Len(t, hook.AllEntries(), 2)

	require.NoError(t, r.Step("late", "", func() error { return nil }))
	assert.Len(t, pool.Records("s1"), 2)
}

func TestPredicates(t *testing.T) {
	_, pool := Scope(context.Background(), "schedule")
	r := pool.Entity("s1")
	_ = r.Phase("validator", func() error {
		_ = r.Step("Domain", "passed", func() error { return nil })
		return r.Step("Keypair", "", func() error { return errors.New("too much") })
	})

	passed, failed := Predicates(pool.Records("s1"))
	assert.Equal(t, []schedulerobjects.Predicate{{Name: "validator/Domain", Message: "passed"}}, passed)
	assert.Equal(t, []schedulerobjects.Predicate{{Name: "validator/Keypair", Message: "too much"}}, failed)
}
