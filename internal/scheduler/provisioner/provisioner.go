package provisioner

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/sessionscheduler/internal/scheduler/recorder"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/schedulerobjects"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/selectors"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/sequencers"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/validation"
)

const (
	phaseProvisioner = "provisioner"
	phaseValidator   = "validator"
	phaseSelector    = "selector"
	phaseSequencing  = "sequencing"
)

// BatchResult is the outcome of provisioning one batch against a single snapshot.
type BatchResult struct {
	Decisions []schedulerobjects.PlacementDecision
	Failures  []schedulerobjects.SchedulingFailure
	// Unprocessed holds workloads left untouched because ctx was cancelled mid-batch.
	Unprocessed []schedulerobjects.SessionWorkload
}

// SessionProvisioner turns pending workloads into placement decisions: it validates each workload
// against the snapshot and then asks the selector configured on the workload's scaling group.
// It performs no I/O.
type SessionProvisioner struct {
	validators       *validation.Pipeline
	selectors        *selectors.Pool
	resourcePriority []string
	clock            clock.PassiveClock
}

func NewSessionProvisioner(
	validators *validation.Pipeline,
	selectorPool *selectors.Pool,
	resourcePriority []string,
	clock clock.PassiveClock,
) *SessionProvisioner {
	if len(resourcePriority) == 0 {
		resourcePriority = schedulerobjects.DefaultResourcePriority
	}
	return &SessionProvisioner{
		validators:       validators,
		selectors:        selectorPool,
		resourcePriority: resourcePriority,
		clock:            clock,
	}
}

// Provision validates workload and selects an agent for it.
func (p *SessionProvisioner) Provision(
	snapshot *schedulerobjects.SystemSnapshot,
	workload schedulerobjects.SessionWorkload,
) (*schedulerobjects.PlacementDecision, error) {
	_, pool := recorder.Scope(context.Background(), "provision")
	defer pool.Close(nil)
	return p.provision(snapshot, workload, pool.Entity(string(workload.SessionID)))
}

// ProvisionBatch orders workloads with the scaling group's sequencer and provisions each of them
// against the same snapshot; a decision made for one workload is not visible to the next. A failure
// only affects its own workload. It must run inside a recorder scope.
func (p *SessionProvisioner) ProvisionBatch(
	ctx context.Context,
	snapshot *schedulerobjects.SystemSnapshot,
	scalingGroup string,
	workloads []schedulerobjects.SessionWorkload,
) (BatchResult, error) {
	pool, err := recorder.Current(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	sg, _ := snapshot.ScalingGroup(scalingGroup)
	sequencer := sequencers.ForName(sg.Sequencer)

	var ordered []schedulerobjects.SessionWorkload
	err = pool.SharedStep(phaseSequencing, string(sequencer.Name()), fmt.Sprintf("ordered %d workloads", len(workloads)), func() error {
		ordered = sequencer.Sequence(snapshot, workloads)
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}

	result := BatchResult{}
	for i, workload := range ordered {
		if ctx.Err() != nil {
			result.Unprocessed = append(result.Unprocessed, ordered[i:]...)
			break
		}
		entity := pool.Entity(string(workload.SessionID))
		decision, err := p.provision(snapshot, workload, entity)
		if err != nil {
			passed, failed := recorder.Predicates(pool.Records(entity.EntityID()))
			result.Failures = append(result.Failures, schedulerobjects.SchedulingFailure{
				SessionID:  workload.SessionID,
				ErrorKind:  ErrorKind(err),
				Message:    err.Error(),
				Passed:     passed,
				Failed:     failed,
				OccurredAt: p.clock.Now(),
			})
			continue
		}
		result.Decisions = append(result.Decisions, *decision)
	}
	return result, nil
}

func (p *SessionProvisioner) provision(
	snapshot *schedulerobjects.SystemSnapshot,
	workload schedulerobjects.SessionWorkload,
	rec *recorder.TransitionRecorder,
) (*schedulerobjects.PlacementDecision, error) {
	var decision *schedulerobjects.PlacementDecision
	err := rec.Phase(phaseProvisioner, func() error {
		err := rec.Phase(phaseValidator, func() error {
			for _, v := range p.validators.Validators() {
				v := v
				if err := rec.Step(v.Name(), "passed", func() error {
					return v.Validate(snapshot, workload)
				}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		sg, ok := snapshot.ScalingGroup(workload.ScalingGroup)
		if !ok {
			sg = schedulerobjects.ScalingGroup{Name: workload.ScalingGroup}
		}
		selector := p.selectors.Resolve(sg.SelectionStrategy())
		config := selectors.SelectionConfig{
			ResourcePriority:                p.resourcePriority,
			MaxContainerCount:               sg.MaxContainerCount,
			EnforceSpreadingEndpointReplica: sg.EnforceSpreadingEndpointReplica,
		}
		if workload.EndpointID != "" {
			config.KernelCountsAtEndpoint = snapshot.EndpointReplicas(workload.EndpointID)
		}
		candidates := eligibleCandidates(snapshot, workload.ScalingGroup)

		var agent schedulerobjects.AgentInfo
		return rec.Phase(phaseSelector, func() error {
			return rec.Step(string(selector.Strategy()), "", func() error {
				agentID, err := selector.Select(workload, candidates, config)
				if err != nil {
					return err
				}
				for _, c := range candidates {
					if c.ID == agentID {
						agent = c
					}
				}
				decision = &schedulerobjects.PlacementDecision{
					SessionID:      workload.SessionID,
					AgentID:        agentID,
					AgentAddress:   agent.Address,
					ScalingGroup:   workload.ScalingGroup,
					AllocatedSlots: workload.RequestedSlots.DeepCopy(),
					Strategy:       selector.Strategy(),
				}
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return decision, nil
}

// eligibleCandidates returns the schedulable, alive agents of scalingGroup. Capacity is checked by
// the selectors so that rejections carry a reason.
func eligibleCandidates(snapshot *schedulerobjects.SystemSnapshot, scalingGroup string) []schedulerobjects.AgentInfo {
	var candidates []schedulerobjects.AgentInfo
	for _, agent := range snapshot.Agents() {
		if agent.ScalingGroup != scalingGroup || !agent.Schedulable || agent.Status != schedulerobjects.AgentStatusAlive {
			continue
		}
		candidates = append(candidates, agent)
	}
	return candidates
}

type kinded interface {
	Kind() string
}

// ErrorKind returns a stable name for a scheduling error, e.g. "DomainResourceQuotaExceeded".
func ErrorKind(err error) string {
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return "InternalError"
}
