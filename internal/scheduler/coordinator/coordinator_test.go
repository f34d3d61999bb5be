package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/armadaproject/sessionscheduler/internal/common/logcontext"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/agentclient"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/database"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/events"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/locking"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/marks"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/metrics"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/provisioner"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/resources"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/schedulerobjects"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/selectors"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/validation"
)

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func cpu(v string) resources.ResourceSlot {
	return resources.MustResourceSlot(map[string]string{"cpu": v})
}

func pendingSession(id, scalingGroup string, requested resources.ResourceSlot, createdAt time.Time) database.SessionRecord {
	return database.SessionRecord{
		Workload: schedulerobjects.SessionWorkload{
			SessionID:      schedulerobjects.SessionID(id),
			AccessKey:      "ak-1",
			UserID:         "user-1",
			GroupID:        "group-1",
			Domain:         "default",
			ScalingGroup:   scalingGroup,
			SessionType:    schedulerobjects.SessionTypeInteractive,
			RequestedSlots: requested,
			CreatedAt:      createdAt,
		},
		Status: schedulerobjects.SessionStatusPending,
		Result: schedulerobjects.SessionResultUndefined,
	}
}

func aliveAgent(id, scalingGroup string, capacity resources.ResourceSlot) schedulerobjects.AgentInfo {
	return schedulerobjects.AgentInfo{
		ID:            schedulerobjects.AgentID(id),
		Address:       "tcp://" + id + ":6001",
		ScalingGroup:  scalingGroup,
		Status:        schedulerobjects.AgentStatusAlive,
		Schedulable:   true,
		CapacitySlots: capacity,
	}
}

type fakeAgentClient struct {
	id  schedulerobjects.AgentID
	err error
}

func (c fakeAgentClient) ID() schedulerobjects.AgentID { return c.id }

func (c fakeAgentClient) CheckAlive(context.Context) error { return c.err }

// fakeAgents reports every agent alive except those listed as unreachable.
type fakeAgents struct {
	unreachable map[schedulerobjects.AgentID]bool
}

func (f fakeAgents) GetAgentClient(id schedulerobjects.AgentID) agentclient.AgentClient {
	if f.unreachable[id] {
		return fakeAgentClient{id: id, err: agentclient.ErrAgentUnreachable}
	}
	return fakeAgentClient{id: id}
}

type recordingProducer struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingProducer) Publish(_ *logcontext.Context, published ...events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published...)
	return nil
}

func (p *recordingProducer) Close() {}

func (p *recordingProducer) kinds() map[events.Kind]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := map[events.Kind]int{}
	for _, e := range p.events {
		kinds[e.Kind()]++
	}
	return kinds
}

type testEnv struct {
	repo         *database.MemoryRepository
	redis        redis.UniversalClient
	marks        *marks.ScheduleMarks
	pendingQueue *marks.PendingQueue
	producer     *recordingProducer
	provisioner  *provisioner.SessionProvisioner
	cursors      *selectors.CursorTable
	lockFactory  locking.LockFactory
	clock        *clocktesting.FakePassiveClock
}

func newTestEnv(t *testing.T) *testEnv {
	clk := clocktesting.NewFakePassiveClock(baseTime)
	repo, err := database.NewMemoryRepository(clk)
	require.NoError(t, err)
	mr := miniredis.RunT(t)
	db := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = db.Close() })

	pipeline, err := validation.NewPipelineFromNames(validation.DefaultOrder, clk)
	require.NoError(t, err)
	cursors := selectors.NewCursorTable()
	return &testEnv{
		repo:         repo,
		redis:        db,
		marks:        marks.NewScheduleMarks(db),
		pendingQueue: marks.NewPendingQueue(db),
		producer:     &recordingProducer{},
		provisioner:  provisioner.NewSessionProvisioner(pipeline, selectors.NewPool(cursors), nil, clk),
		cursors:      cursors,
		lockFactory:  locking.NewLocalLockFactory(clock.RealClock{}),
		clock:        clk,
	}
}

func (e *testEnv) scheduleCoordinator(agents AgentClientProvider) *ScheduleCoordinator {
	m := metrics.New()
	return NewScheduleCoordinator(
		e.repo,
		map[ScheduleType]ScheduleHandler{
			ScheduleTypeSchedule: NewScheduleSessionsHandler(
				e.repo, e.provisioner, e.cursors, selectors.NewRedisCursorStore(e.redis), agents, e.pendingQueue, m, e.clock,
			),
			ScheduleTypeSweep: NewSweepSessionsHandler(e.repo, m, e.clock),
		},
		nil,
		e.marks,
		e.producer,
		e.lockFactory,
		10*time.Second,
		m,
		e.clock,
	)
}

func TestScheduleCoordinator_ProcessSchedule(t *testing.T) {
	env := newTestEnv(t)
	ctx := logcontext.Background()
	require.NoError(t, env.repo.UpsertScalingGroups(ctx,
		schedulerobjects.ScalingGroup{Name: "default", IsActive: true},
		schedulerobjects.ScalingGroup{Name: "inactive", IsActive: false},
	))
	require.NoError(t, env.repo.UpsertAgents(ctx, aliveAgent("agent-1", "default", cpu("8"))))
	require.NoError(t, env.repo.UpsertSessions(ctx,
		pendingSession("fits", "default", cpu("2"), baseTime),
		pendingSession("too-big", "default", cpu("100"), baseTime.Add(time.Second)),
		pendingSession("elsewhere", "inactive", cpu("1"), baseTime),
	))

	c := env.scheduleCoordinator(fakeAgents{})
	require.NoError(t, c.ProcessSchedule(ctx, ScheduleTypeSchedule))

	fits, err := env.repo.GetSession(ctx, "fits")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.SessionStatusScheduled, fits.Status)
	assert.Equal(t, schedulerobjects.AgentID("agent-1"), fits.AgentID)

	tooBig, err := env.repo.GetSession(ctx, "too-big")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.SessionStatusPending, tooBig.Status)
	require.NotNil(t, tooBig.LastFailure)
	assert.Equal(t, "NoAvailableAgent", tooBig.LastFailure.ErrorKind)
	assert.NotEmpty(t, tooBig.LastFailure.Passed)

	elsewhere, err := env.repo.GetSession(ctx, "elsewhere")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.SessionStatusPending, elsewhere.Status)

	queue, err := env.pendingQueue.GetPendingQueue(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, []schedulerobjects.SessionID{"too-big"}, queue)

	assert.Equal(t, map[events.Kind]int{
		events.KindSessionScheduled: 1,
		events.KindSchedulingFailed: 1,
		events.KindCycleCompleted:   1,
	}, env.producer.kinds())
	assert.Equal(t, StateIdle, c.State(ScheduleTypeSchedule, "default"))
}

func TestScheduleCoordinator_UnreachableAgentKeepsSessionPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := logcontext.Background()
	require.NoError(t, env.repo.UpsertScalingGroups(ctx, schedulerobjects.ScalingGroup{Name: "default", IsActive: true}))
	require.NoError(t, env.repo.UpsertAgents(ctx, aliveAgent("agent-1", "default", cpu("8"))))
	require.NoError(t, env.repo.UpsertSessions(ctx, pendingSession("s1", "default", cpu("1"), baseTime)))

	c := env.scheduleCoordinator(fakeAgents{unreachable: map[schedulerobjects.AgentID]bool{"agent-1": true}})
	require.NoError(t, c.ProcessSchedule(ctx, ScheduleTypeSchedule))

	s1, err := env.repo.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.SessionStatusPending, s1.Status)
	require.NotNil(t, s1.LastFailure)
	assert.Equal(t, ErrorKindAgentUnreachable, s1.LastFailure.ErrorKind)
	require.Len(t, s1.LastFailure.Failed, 1)
	assert.Equal(t, agentLivenessPredicate, s1.LastFailure.Failed[0].Name)
}

func TestScheduleCoordinator_SweepCancelsStaleSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := logcontext.Background()
	require.NoError(t, env.repo.UpsertScalingGroups(ctx,
		schedulerobjects.ScalingGroup{Name: "timed", IsActive: true, PendingTimeout: time.Minute},
		schedulerobjects.ScalingGroup{Name: "untimed", IsActive: true},
	))
	require.NoError(t, env.repo.UpsertSessions(ctx,
		pendingSession("stale", "timed", cpu("1"), baseTime.Add(-2*time.Minute)),
		pendingSession("fresh", "timed", cpu("1"), baseTime.Add(-10*time.Second)),
		pendingSession("old-untimed", "untimed", cpu("1"), baseTime.Add(-time.Hour)),
	))

	c := env.scheduleCoordinator(fakeAgents{})
	require.NoError(t, c.ProcessSchedule(ctx, ScheduleTypeSweep))

	expected := map[schedulerobjects.SessionID]schedulerobjects.SessionStatus{
		"stale":       schedulerobjects.SessionStatusCancelled,
		"fresh":       schedulerobjects.SessionStatusPending,
		"old-untimed": schedulerobjects.SessionStatusPending,
	}
	for id, status := range expected {
		record, err := env.repo.GetSession(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, status, record.Status, id)
	}
	stale, err := env.repo.GetSession(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, database.PendingTimeoutReason, stale.StatusReason)
	assert.Equal(t, 1, env.producer.kinds()[events.KindSchedulingFailed])
}

func TestScheduleCoordinator_ProcessIfNeeded(t *testing.T) {
	env := newTestEnv(t)
	ctx := logcontext.Background()
	require.NoError(t, env.repo.UpsertScalingGroups(ctx, schedulerobjects.ScalingGroup{Name: "default", IsActive: true}))
	require.NoError(t, env.repo.UpsertAgents(ctx, aliveAgent("agent-1", "default", cpu("8"))))
	require.NoError(t, env.repo.UpsertSessions(ctx, pendingSession("s1", "default", cpu("1"), baseTime)))
	c := env.scheduleCoordinator(fakeAgents{})

	ran, err := c.ProcessIfNeeded(ctx, ScheduleTypeSchedule)
	require.NoError(t, err)
	assert.False(t, ran)

	require.NoError(t, c.RequestScheduling(ctx, ScheduleTypeSchedule))
	ran, err = c.ProcessIfNeeded(ctx, ScheduleTypeSchedule)
	require.NoError(t, err)
	assert.True(t, ran)
	s1, err := env.repo.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.SessionStatusScheduled, s1.Status)

	ran, err = c.ProcessIfNeeded(ctx, ScheduleTypeSchedule)
	require.NoError(t, err)
	assert.False(t, ran, "mark is consumed by the first run")
}

// failingPersistRepository fails PersistDecision for the listed sessions.
type failingPersistRepository struct {
	*database.MemoryRepository
	failFor map[schedulerobjects.SessionID]bool
}

func (r failingPersistRepository) PersistDecision(ctx context.Context, decision schedulerobjects.PlacementDecision) error {
	if r.failFor[decision.SessionID] {
		return errors.New("db connection reset")
	}
	return r.MemoryRepository.PersistDecision(ctx, decision)
}

func TestScheduleCoordinator_PersistErrorKeepsRestOfBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := logcontext.Background()
	require.NoError(t, env.repo.UpsertScalingGroups(ctx, schedulerobjects.ScalingGroup{Name: "default", IsActive: true}))
	require.NoError(t, env.repo.UpsertAgents(ctx, aliveAgent("agent-1", "default", cpu("8"))))
	require.NoError(t, env.repo.UpsertSessions(ctx,
		pendingSession("a-ok", "default", cpu("1"), baseTime),
		pendingSession("b-fail", "default", cpu("1"), baseTime.Add(time.Second)),
		pendingSession("c-too-big", "default", cpu("100"), baseTime.Add(2*time.Second)),
	))

	repo := failingPersistRepository{
		MemoryRepository: env.repo,
		failFor:          map[schedulerobjects.SessionID]bool{"b-fail": true},
	}
	m := metrics.New()
	c := NewScheduleCoordinator(
		repo,
		map[ScheduleType]ScheduleHandler{
			ScheduleTypeSchedule: NewScheduleSessionsHandler(
				repo, env.provisioner, env.cursors, selectors.NewRedisCursorStore(env.redis), fakeAgents{}, env.pendingQueue, m, env.clock,
			),
		},
		nil, env.marks, env.producer, env.lockFactory, 10*time.Second, m, env.clock,
	)

	err := c.ProcessSchedule(ctx, ScheduleTypeSchedule)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b-fail")

	ok, err := env.repo.GetSession(ctx, "a-ok")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.SessionStatusScheduled, ok.Status)

	failed, err := env.repo.GetSession(ctx, "b-fail")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.SessionStatusPending, failed.Status)

	tooBig, err := env.repo.GetSession(ctx, "c-too-big")
	require.NoError(t, err)
	require.NotNil(t, tooBig.LastFailure)
	assert.Equal(t, "NoAvailableAgent", tooBig.LastFailure.ErrorKind)

	queue, err := env.pendingQueue.GetPendingQueue(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, []schedulerobjects.SessionID{"b-fail", "c-too-big"}, queue)

	assert.Equal(t, map[events.Kind]int{
		events.KindSessionScheduled: 1,
		events.KindSchedulingFailed: 1,
		events.KindCycleCompleted:   1,
	}, env.producer.kinds())
	assert.Equal(t, StateIdle, c.State(ScheduleTypeSchedule, "default"))
}

type handlerFunc func(ctx *logcontext.Context, lost <-chan struct{}, sg schedulerobjects.ScalingGroup) (HandlerResult, error)

func (f handlerFunc) Handle(ctx *logcontext.Context, lost <-chan struct{}, sg schedulerobjects.ScalingGroup) (HandlerResult, error) {
	return f(ctx, lost, sg)
}

func TestScheduleCoordinator_IsolatesScalingGroupErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := logcontext.Background()
	require.NoError(t, env.repo.UpsertScalingGroups(ctx,
		schedulerobjects.ScalingGroup{Name: "good", IsActive: true},
		schedulerobjects.ScalingGroup{Name: "bad", IsActive: true},
	))

	var mu sync.Mutex
	handled := map[string]bool{}
	handler := handlerFunc(func(_ *logcontext.Context, _ <-chan struct{}, sg schedulerobjects.ScalingGroup) (HandlerResult, error) {
		mu.Lock()
		handled[sg.Name] = true
		mu.Unlock()
		if sg.Name == "bad" {
			return HandlerResult{}, errors.New("boom")
		}
		return HandlerResult{Scheduled: 1}, nil
	})
	m := metrics.New()
	c := NewScheduleCoordinator(
		env.repo, map[ScheduleType]ScheduleHandler{ScheduleTypeSchedule: handler}, nil,
		env.marks, env.producer, env.lockFactory, 10*time.Second, m, env.clock,
	)

	err := c.ProcessSchedule(ctx, ScheduleTypeSchedule)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scaling group bad")
	assert.NotContains(t, err.Error(), "scaling group good")
	assert.Equal(t, map[string]bool{"good": true, "bad": true}, handled)
	assert.Equal(t, 2, env.producer.kinds()[events.KindCycleCompleted])
}

func TestScheduleCoordinator_UnknownType(t *testing.T) {
	env := newTestEnv(t)
	c := NewScheduleCoordinator(env.repo, nil, nil, env.marks, env.producer, env.lockFactory, time.Second, metrics.New(), env.clock)
	assert.Error(t, c.ProcessSchedule(logcontext.Background(), ScheduleTypeSchedule))
}

func TestScheduleCoordinator_Tasks(t *testing.T) {
	env := newTestEnv(t)
	c := env.scheduleCoordinator(fakeAgents{})

	tasks := c.Tasks()
	names := make([]string, len(tasks))
	for i, task := range tasks {
		names[i] = task.Name
	}
	assert.Equal(t, []string{"process_if_needed_schedule", "process_schedule_schedule", "process_schedule_sweep"}, names)
	assert.Equal(t, 2*time.Second, tasks[0].Interval)
	assert.Equal(t, time.Duration(0), tasks[0].InitialDelay)
	assert.Equal(t, 60*time.Second, tasks[1].Interval)
	assert.Equal(t, 30*time.Second, tasks[1].InitialDelay)
}

func TestParseScheduleType(t *testing.T) {
	tests := map[string]struct {
		input    string
		expected ScheduleType
		err      bool
	}{
		"schedule":   {input: "schedule", expected: ScheduleTypeSchedule},
		"upper case": {input: "SWEEP", expected: ScheduleTypeSweep},
		"unknown":    {input: "reschedule", err: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			actual, err := ParseScheduleType(tc.input)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, actual)
		})
	}
}
