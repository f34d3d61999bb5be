package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/armadaproject/sessionscheduler/internal/common/logcontext"
	"github.com/armadaproject/sessionscheduler/internal/common/logging"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/agentclient"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/database"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/events"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/metrics"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/provisioner"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/schedulerobjects"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/selectors"
)

const (
	ErrorKindAgentUnreachable = "AgentUnreachable"
	ErrorKindPendingTimeout   = "PendingTimeout"

	agentLivenessPredicate = "coordinator/agent-liveness"
)

// BatchProvisioner places a batch of workloads against one snapshot.
type BatchProvisioner interface {
	ProvisionBatch(
		ctx context.Context,
		snapshot *schedulerobjects.SystemSnapshot,
		scalingGroup string,
		workloads []schedulerobjects.SessionWorkload,
	) (provisioner.BatchResult, error)
}

// AgentClientProvider hands out a client for an agent id.
type AgentClientProvider interface {
	GetAgentClient(id schedulerobjects.AgentID) agentclient.AgentClient
}

// PendingQueueWriter publishes the order in which pending sessions will be considered.
type PendingQueueWriter interface {
	SetPendingQueue(ctx context.Context, scalingGroup string, sessionIDs []schedulerobjects.SessionID) error
}

// ScheduleSessionsHandler places the pending sessions of a scaling group.
type ScheduleSessionsHandler struct {
	repository   database.SchedulerRepository
	provisioner  BatchProvisioner
	cursors      *selectors.CursorTable
	cursorStore  selectors.CursorStore
	agents       AgentClientProvider
	pendingQueue PendingQueueWriter
	metrics      *metrics.Metrics
	clock        clock.PassiveClock
}

func NewScheduleSessionsHandler(
	repository database.SchedulerRepository,
	provisioner BatchProvisioner,
	cursors *selectors.CursorTable,
	cursorStore selectors.CursorStore,
	agents AgentClientProvider,
	pendingQueue PendingQueueWriter,
	m *metrics.Metrics,
	clk clock.PassiveClock,
) *ScheduleSessionsHandler {
	return &ScheduleSessionsHandler{
		repository:   repository,
		provisioner:  provisioner,
		cursors:      cursors,
		cursorStore:  cursorStore,
		agents:       agents,
		pendingQueue: pendingQueue,
		metrics:      m,
		clock:        clk,
	}
}

func (h *ScheduleSessionsHandler) Handle(
	ctx *logcontext.Context,
	lost <-chan struct{},
	sg schedulerobjects.ScalingGroup,
) (HandlerResult, error) {
	pending, err := h.repository.GetPendingWorkloads(ctx, sg.Name)
	if err != nil {
		return HandlerResult{}, errors.WithMessage(err, "error loading pending sessions")
	}
	h.metrics.SetPendingSessions(sg.Name, len(pending))
	if len(pending) == 0 {
		return HandlerResult{}, h.publishPendingQueue(ctx, sg.Name, nil)
	}

	snapshot, err := h.repository.LoadSnapshot(ctx, sg.Name)
	if err != nil {
		return HandlerResult{}, errors.WithMessage(err, "error loading snapshot")
	}

	// Cursors are shared across replicas; the previous leader may have advanced them.
	position, err := h.cursorStore.Load(ctx, sg.Name)
	if err != nil {
		return HandlerResult{}, errors.WithMessage(err, "error loading round-robin cursor")
	}
	h.cursors.Set(sg.Name, position)

	provisionCtx, cancel := untilLost(ctx, lost)
	batch, err := h.provisioner.ProvisionBatch(provisionCtx, snapshot, sg.Name, pending)
	cancel()
	if err != nil {
		return HandlerResult{}, errors.WithMessage(err, "error provisioning sessions")
	}
	if err := h.cursorStore.Save(ctx, sg.Name, h.cursors.Get(sg.Name)); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warn("error saving round-robin cursor")
	}

	var errs *multierror.Error
	result := HandlerResult{}
	scheduled := map[schedulerobjects.SessionID]bool{}
	failures := batch.Failures
	for _, decision := range batch.Decisions {
		if isLost(lost) {
			ctx.Log.Warnf("lock lost, leaving %d decisions unpersisted", len(batch.Decisions)-len(scheduled))
			break
		}
		if err := h.agents.GetAgentClient(decision.AgentID).CheckAlive(ctx); err != nil {
			failures = append(failures, schedulerobjects.SchedulingFailure{
				SessionID: decision.SessionID,
				ErrorKind: ErrorKindAgentUnreachable,
				Message:   err.Error(),
				Failed: []schedulerobjects.Predicate{{
					Name:    agentLivenessPredicate,
					Message: fmt.Sprintf("agent %s: %s", decision.AgentID, err),
				}},
				OccurredAt: h.clock.Now(),
			})
			continue
		}
		err := h.repository.PersistDecision(ctx, decision)
		if errors.Is(err, database.ErrSessionNotPending) {
			ctx.Log.Infof("session %s is no longer pending, dropping decision", decision.SessionID)
			scheduled[decision.SessionID] = true
			continue
		}
		if err != nil {
			// The session stays pending and is retried next cycle; the rest of the batch still counts.
			errs = multierror.Append(errs, errors.WithMessagef(err, "error persisting decision for session %s", decision.SessionID))
			continue
		}
		scheduled[decision.SessionID] = true
		result.Scheduled++
		h.metrics.ReportScheduled(sg.Name, string(decision.Strategy))
		result.Events = append(result.Events, events.SessionScheduled{
			SessionID:    decision.SessionID,
			AgentID:      decision.AgentID,
			ScalingGroup: sg.Name,
			Strategy:     decision.Strategy,
			OccurredAt:   h.clock.Now(),
		})
	}

	if len(failures) > 0 {
		if err := h.repository.RecordSchedulingFailures(ctx, failures); err != nil {
			errs = multierror.Append(errs, errors.WithMessage(err, "error recording scheduling failures"))
		}
		for _, failure := range failures {
			result.Failed++
			h.metrics.ReportSchedulingFailure(sg.Name, failure.ErrorKind, string(events.OutcomeRetry))
			result.Events = append(result.Events, events.SchedulingFailed{
				SessionID:    failure.SessionID,
				ScalingGroup: sg.Name,
				Outcome:      events.OutcomeRetry,
				ErrorKind:    failure.ErrorKind,
				Message:      failure.Message,
				Failed:       failure.Failed,
				OccurredAt:   failure.OccurredAt,
			})
		}
	}

	remaining := make([]schedulerobjects.SessionID, 0, len(pending)-len(scheduled))
	for _, workload := range pending {
		if !scheduled[workload.SessionID] {
			remaining = append(remaining, workload.SessionID)
		}
	}
	if err := h.publishPendingQueue(ctx, sg.Name, remaining); err != nil {
		errs = multierror.Append(errs, err)
	}
	return result, errs.ErrorOrNil()
}

func (h *ScheduleSessionsHandler) publishPendingQueue(ctx *logcontext.Context, scalingGroup string, ids []schedulerobjects.SessionID) error {
	if h.pendingQueue == nil {
		return nil
	}
	return errors.WithMessage(h.pendingQueue.SetPendingQueue(ctx, scalingGroup, ids), "error publishing pending queue")
}

// SweepSessionsHandler cancels sessions that have been pending longer than their scaling
// group's pending timeout. Scaling groups without a timeout are left alone.
type SweepSessionsHandler struct {
	repository database.SchedulerRepository
	metrics    *metrics.Metrics
	clock      clock.PassiveClock
}

func NewSweepSessionsHandler(repository database.SchedulerRepository, m *metrics.Metrics, clk clock.PassiveClock) *SweepSessionsHandler {
	return &SweepSessionsHandler{repository: repository, metrics: m, clock: clk}
}

func (h *SweepSessionsHandler) Handle(
	ctx *logcontext.Context,
	_ <-chan struct{},
	sg schedulerobjects.ScalingGroup,
) (HandlerResult, error) {
	if sg.PendingTimeout <= 0 {
		return HandlerResult{}, nil
	}
	now := h.clock.Now()
	cancelled, err := h.repository.CancelStalePendingSessions(ctx, sg.Name, now.Add(-sg.PendingTimeout))
	if err != nil {
		return HandlerResult{}, errors.WithMessage(err, "error cancelling stale sessions")
	}
	result := HandlerResult{Failed: len(cancelled)}
	for _, id := range cancelled {
		h.metrics.ReportSchedulingFailure(sg.Name, ErrorKindPendingTimeout, string(events.OutcomeCancelled))
		result.Events = append(result.Events, events.SchedulingFailed{
			SessionID:    id,
			ScalingGroup: sg.Name,
			Outcome:      events.OutcomeCancelled,
			ErrorKind:    ErrorKindPendingTimeout,
			Message:      fmt.Sprintf("pending for longer than %s", sg.PendingTimeout.Truncate(time.Second)),
			OccurredAt:   now,
		})
	}
	if len(cancelled) > 0 {
		ctx.Log.Infof("cancelled %d sessions pending for longer than %s", len(cancelled), sg.PendingTimeout)
	}
	return result, nil
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}
