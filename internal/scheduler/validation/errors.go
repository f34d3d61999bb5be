package validation

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/armadaproject/sessionscheduler/internal/scheduler/resources"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/schedulerobjects"
)

var (
	ErrDomainResourceQuotaExceeded  = errors.New("domain resource quota exceeded")
	ErrGroupResourceQuotaExceeded   = errors.New("group resource quota exceeded")
	ErrUserResourceQuotaExceeded    = errors.New("user resource quota exceeded")
	ErrKeypairResourceQuotaExceeded = errors.New("keypair resource quota exceeded")
	ErrConcurrencyLimitExceeded     = errors.New("concurrency limit exceeded")
	ErrPendingSessionLimitExceeded  = errors.New("pending session limit exceeded")
	ErrDependencyNotMet             = errors.New("session dependency not met")
	ErrReservedTimeNotReached       = errors.New("reserved start time not reached")
)

// Scope identifies the owner of a quota.
type Scope string

const (
	ScopeDomain  Scope = "domain"
	ScopeGroup   Scope = "group"
	ScopeUser    Scope = "user"
	ScopeKeypair Scope = "keypair"
)

var kindsBySentinel = map[error]string{
	ErrDomainResourceQuotaExceeded:  "DomainResourceQuotaExceeded",
	ErrGroupResourceQuotaExceeded:   "GroupResourceQuotaExceeded",
	ErrUserResourceQuotaExceeded:    "UserResourceQuotaExceeded",
	ErrKeypairResourceQuotaExceeded: "KeypairResourceQuotaExceeded",
	ErrConcurrencyLimitExceeded:     "ConcurrencyLimitExceeded",
	ErrPendingSessionLimitExceeded:  "PendingSessionLimitExceeded",
	ErrDependencyNotMet:             "DependencyNotMet",
	ErrReservedTimeNotReached:       "ReservedTimeNotReached",
}

// QuotaExceededError is returned when current occupancy plus the request would exceed a limit.
// It unwraps to the sentinel of its scope, e.g. ErrDomainResourceQuotaExceeded.
type QuotaExceededError struct {
	Scope     Scope
	ScopeID   string
	Exceeded  []string
	Limit     resources.ResourceSlot
	Occupied  resources.ResourceSlot
	Requested resources.ResourceSlot
	sentinel  error
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf(
		"%s: %s %q would use %s (occupied %s + requested %s) against limit %s; exceeded slots: %s",
		e.sentinel, e.Scope, e.ScopeID,
		e.Occupied.Add(e.Requested), e.Occupied, e.Requested, e.Limit,
		strings.Join(e.Exceeded, ","),
	)
}

func (e *QuotaExceededError) Unwrap() error {
	return e.sentinel
}

func (e *QuotaExceededError) Kind() string {
	return kindsBySentinel[e.sentinel]
}

// ConcurrencyLimitError is returned when starting one more session would exceed a keypair's
// concurrent session limit.
type ConcurrencyLimitError struct {
	AccessKey    string
	ShellSession bool
	Active       int
	Limit        int
}

func (e *ConcurrencyLimitError) Error() string {
	kind := "sessions"
	if e.ShellSession {
		kind = "shell sessions"
	}
	return fmt.Sprintf("%s: keypair %q has %d active %s, limit %d", ErrConcurrencyLimitExceeded, e.AccessKey, e.Active, kind, e.Limit)
}

func (e *ConcurrencyLimitError) Unwrap() error {
	return ErrConcurrencyLimitExceeded
}

func (e *ConcurrencyLimitError) Kind() string {
	return kindsBySentinel[ErrConcurrencyLimitExceeded]
}

// PendingLimitError is returned when a keypair queues more pending work than its policy allows.
type PendingLimitError struct {
	AccessKey string
	Detail    string
}

func (e *PendingLimitError) Error() string {
	return fmt.Sprintf("%s: keypair %q %s", ErrPendingSessionLimitExceeded, e.AccessKey, e.Detail)
}

func (e *PendingLimitError) Unwrap() error {
	return ErrPendingSessionLimitExceeded
}

func (e *PendingLimitError) Kind() string {
	return kindsBySentinel[ErrPendingSessionLimitExceeded]
}

// DependencyError lists the dependencies that have not finished successfully.
type DependencyError struct {
	SessionID   schedulerobjects.SessionID
	Unsatisfied []schedulerobjects.SessionID
}

func (e *DependencyError) Error() string {
	ids := make([]string, len(e.Unsatisfied))
	for i, id := range e.Unsatisfied {
		ids[i] = string(id)
	}
	return fmt.Sprintf("%s: session %s waits on %s", ErrDependencyNotMet, e.SessionID, strings.Join(ids, ","))
}

func (e *DependencyError) Unwrap() error {
	return ErrDependencyNotMet
}

func (e *DependencyError) Kind() string {
	return kindsBySentinel[ErrDependencyNotMet]
}

// ReservedTimeError is returned for batch sessions whose reserved start lies in the future.
type ReservedTimeError struct {
	SessionID schedulerobjects.SessionID
	StartsAt  string
}

func (e *ReservedTimeError) Error() string {
	return fmt.Sprintf("%s: session %s starts at %s", ErrReservedTimeNotReached, e.SessionID, e.StartsAt)
}

func (e *ReservedTimeError) Unwrap() error {
	return ErrReservedTimeNotReached
}

func (e *ReservedTimeError) Kind() string {
	return kindsBySentinel[ErrReservedTimeNotReached]
}
