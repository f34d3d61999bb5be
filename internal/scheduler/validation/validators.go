package validation

import (
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/armadaproject/sessionscheduler/internal/scheduler/resources"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/schedulerobjects"
)

// Validator is a stateless admission rule evaluated against a frozen snapshot.
type Validator interface {
	Name() string
	Validate(snapshot *schedulerobjects.SystemSnapshot, workload schedulerobjects.SessionWorkload) error
}

// checkLimit fails when occupied+requested exceeds limit on any dimension present in limit.
// Dimensions outside the snapshot's slot registry are not enforced.
func checkLimit(
	snapshot *schedulerobjects.SystemSnapshot,
	sentinel error,
	scope Scope,
	scopeID string,
	limit resources.ResourceSlot,
	occupied resources.ResourceSlot,
	requested resources.ResourceSlot,
) error {
	enforced := make(resources.ResourceSlot, len(limit))
	for name, q := range limit {
		if snapshot.IsKnownSlot(name) {
			enforced[name] = q
		}
	}
	exceeded := occupied.Add(requested).Exceeding(enforced)
	if len(exceeded) == 0 {
		return nil
	}
	return &QuotaExceededError{
		Scope:     scope,
		ScopeID:   scopeID,
		Exceeded:  exceeded,
		Limit:     enforced,
		Occupied:  occupied,
		Requested: requested.DeepCopy(),
		sentinel:  sentinel,
	}
}

// DomainResourceLimitValidator checks the request against the domain's resource limit.
type DomainResourceLimitValidator struct{}

func (DomainResourceLimitValidator) Name() string { return "DomainResourceLimitValidator" }

func (DomainResourceLimitValidator) Validate(snapshot *schedulerobjects.SystemSnapshot, workload schedulerobjects.SessionWorkload) error {
	limit, ok := snapshot.DomainLimit(workload.Domain)
	if !ok {
		return nil
	}
	return checkLimit(snapshot, ErrDomainResourceQuotaExceeded, ScopeDomain, workload.Domain,
		limit, snapshot.DomainOccupancy(workload.Domain), workload.RequestedSlots)
}

// GroupResourceLimitValidator checks the request against the user group's resource limit.
type GroupResourceLimitValidator struct{}

func (GroupResourceLimitValidator) Name() string { return "GroupResourceLimitValidator" }

func (GroupResourceLimitValidator) Validate(snapshot *schedulerobjects.SystemSnapshot, workload schedulerobjects.SessionWorkload) error {
	limit, ok := snapshot.GroupLimit(workload.GroupID)
	if !ok {
		return nil
	}
	return checkLimit(snapshot, ErrGroupResourceQuotaExceeded, ScopeGroup, workload.GroupID,
		limit, snapshot.GroupOccupancy(workload.GroupID), workload.RequestedSlots)
}

// UserResourceLimitValidator checks the request against the user's resource policy.
type UserResourceLimitValidator struct{}

func (UserResourceLimitValidator) Name() string { return "UserResourceLimitValidator" }

func (UserResourceLimitValidator) Validate(snapshot *schedulerobjects.SystemSnapshot, workload schedulerobjects.SessionWorkload) error {
	policy, ok := snapshot.UserPolicy(workload.UserID)
	if !ok || policy.TotalResourceSlots == nil {
		return nil
	}
	return checkLimit(snapshot, ErrUserResourceQuotaExceeded, ScopeUser, workload.UserID,
		policy.TotalResourceSlots, snapshot.UserOccupancy(workload.UserID), workload.RequestedSlots)
}

// KeypairResourceLimitValidator checks the request against the keypair's resource policy.
type KeypairResourceLimitValidator struct{}

func (KeypairResourceLimitValidator) Name() string { return "KeypairResourceLimitValidator" }

func (KeypairResourceLimitValidator) Validate(snapshot *schedulerobjects.SystemSnapshot, workload schedulerobjects.SessionWorkload) error {
	policy, ok := snapshot.KeypairPolicy(workload.AccessKey)
	if !ok || policy.TotalResourceSlots == nil {
		return nil
	}
	return checkLimit(snapshot, ErrKeypairResourceQuotaExceeded, ScopeKeypair, workload.AccessKey,
		policy.TotalResourceSlots, snapshot.KeypairOccupancy(workload.AccessKey), workload.RequestedSlots)
}

// ConcurrencyValidator checks active session counts. Shell sessions are counted separately from
// all other sessions.
type ConcurrencyValidator struct{}

func (ConcurrencyValidator) Name() string { return "ConcurrencyValidator" }

func (ConcurrencyValidator) Validate(snapshot *schedulerobjects.SystemSnapshot, workload schedulerobjects.SessionWorkload) error {
	policy, ok := snapshot.KeypairPolicy(workload.AccessKey)
	if !ok {
		return nil
	}
	limit, active := policy.MaxConcurrentSessions, snapshot.ActiveSessions(workload.AccessKey)
	if workload.ShellSession {
		limit, active = policy.MaxConcurrentShellSessions, snapshot.ActiveShellSessions(workload.AccessKey)
	}
	if limit == nil || active+1 <= *limit {
		return nil
	}
	return &ConcurrencyLimitError{
		AccessKey:    workload.AccessKey,
		ShellSession: workload.ShellSession,
		Active:       active,
		Limit:        *limit,
	}
}

// DependenciesValidator requires every dependency to have terminated successfully.
type DependenciesValidator struct{}

func (DependenciesValidator) Name() string { return "DependenciesValidator" }

func (DependenciesValidator) Validate(snapshot *schedulerobjects.SystemSnapshot, workload schedulerobjects.SessionWorkload) error {
	var unsatisfied []schedulerobjects.SessionID
	for _, dep := range snapshot.Dependencies(workload.SessionID) {
		if !dep.IsSatisfied() {
			unsatisfied = append(unsatisfied, dep.DependsOn)
		}
	}
	if len(unsatisfied) == 0 {
		return nil
	}
	return &DependencyError{SessionID: workload.SessionID, Unsatisfied: unsatisfied}
}

// otherPending returns the keypair's pending workloads except workload itself.
func otherPending(snapshot *schedulerobjects.SystemSnapshot, workload schedulerobjects.SessionWorkload) []schedulerobjects.SessionWorkload {
	pending := snapshot.PendingSessions(workload.AccessKey)
	others := pending[:0]
	for _, p := range pending {
		if p.SessionID != workload.SessionID {
			others = append(others, p)
		}
	}
	return others
}

// PendingSessionCountLimitValidator caps the number of other pending sessions of the keypair.
type PendingSessionCountLimitValidator struct{}

func (PendingSessionCountLimitValidator) Name() string { return "PendingSessionCountLimitValidator" }

func (PendingSessionCountLimitValidator) Validate(snapshot *schedulerobjects.SystemSnapshot, workload schedulerobjects.SessionWorkload) error {
	policy, ok := snapshot.KeypairPolicy(workload.AccessKey)
	if !ok || policy.MaxPendingSessionCount == nil {
		return nil
	}
	count := len(otherPending(snapshot, workload)) + 1
	if count <= *policy.MaxPendingSessionCount {
		return nil
	}
	return &PendingLimitError{
		AccessKey: workload.AccessKey,
		Detail:    fmt.Sprintf("would have %d pending sessions, limit %d", count, *policy.MaxPendingSessionCount),
	}
}

// PendingSessionResourceLimitValidator caps the resources held by the keypair's other pending sessions.
type PendingSessionResourceLimitValidator struct{}

func (PendingSessionResourceLimitValidator) Name() string {
	return "PendingSessionResourceLimitValidator"
}

func (PendingSessionResourceLimitValidator) Validate(snapshot *schedulerobjects.SystemSnapshot, workload schedulerobjects.SessionWorkload) error {
	policy, ok := snapshot.KeypairPolicy(workload.AccessKey)
	if !ok || policy.MaxPendingSessionResourceSlots == nil {
		return nil
	}
	queued := resources.ResourceSlot{}
	for _, p := range otherPending(snapshot, workload) {
		queued = queued.Add(p.RequestedSlots)
	}
	total := queued.Add(workload.RequestedSlots)
	if exceeded := total.Exceeding(policy.MaxPendingSessionResourceSlots); len(exceeded) > 0 {
		return &PendingLimitError{
			AccessKey: workload.AccessKey,
			Detail:    "pending resources " + total.String() + " exceed " + policy.MaxPendingSessionResourceSlots.String(),
		}
	}
	return nil
}

// ReservedBatchSessionValidator holds back batch sessions until their reserved start time.
type ReservedBatchSessionValidator struct {
	clock clock.PassiveClock
}

func NewReservedBatchSessionValidator(clock clock.PassiveClock) *ReservedBatchSessionValidator {
	return &ReservedBatchSessionValidator{clock: clock}
}

func (v *ReservedBatchSessionValidator) Name() string { return "ReservedBatchSessionValidator" }

func (v *ReservedBatchSessionValidator) Validate(_ *schedulerobjects.SystemSnapshot, workload schedulerobjects.SessionWorkload) error {
	if workload.SessionType != schedulerobjects.SessionTypeBatch || workload.StartsAt == nil {
		return nil
	}
	if v.clock.Now().Before(*workload.StartsAt) {
		return &ReservedTimeError{SessionID: workload.SessionID, StartsAt: workload.StartsAt.UTC().Format(time.RFC3339)}
	}
	return nil
}
