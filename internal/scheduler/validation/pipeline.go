package validation

import (
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/sessionscheduler/internal/scheduler/schedulerobjects"
)

const (
	DomainResourceLimit         = "domain_resource_limit"
	GroupResourceLimit          = "group_resource_limit"
	UserResourceLimit           = "user_resource_limit"
	KeypairResourceLimit        = "keypair_resource_limit"
	Concurrency                 = "concurrency"
	Dependencies                = "dependencies"
	PendingSessionCountLimit    = "pending_session_count_limit"
	PendingSessionResourceLimit = "pending_session_resource_limit"
	ReservedBatchSession        = "reserved_batch_session"
)

// DefaultOrder runs the broadest quota first.
var DefaultOrder = []string{
	DomainResourceLimit,
	GroupResourceLimit,
	UserResourceLimit,
	KeypairResourceLimit,
	Concurrency,
	Dependencies,
	PendingSessionCountLimit,
	PendingSessionResourceLimit,
	ReservedBatchSession,
}

// Pipeline runs validators in a fixed order and stops at the first failure.
type Pipeline struct {
	validators []Validator
}

func NewPipeline(validators ...Validator) *Pipeline {
	return &Pipeline{validators: validators}
}

// NewPipelineFromNames builds a pipeline from configured validator names.
func NewPipelineFromNames(names []string, clock clock.PassiveClock) (*Pipeline, error) {
	validators := make([]Validator, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			return nil, errors.Errorf("validator %s configured more than once", name)
		}
		seen[name] = true
		v, err := newValidator(name, clock)
		if err != nil {
			return nil, err
		}
		validators = append(validators, v)
	}
	return NewPipeline(validators...), nil
}

func newValidator(name string, clock clock.PassiveClock) (Validator, error) {
	switch name {
	case DomainResourceLimit:
		return DomainResourceLimitValidator{}, nil
	case GroupResourceLimit:
		return GroupResourceLimitValidator{}, nil
	case UserResourceLimit:
		return UserResourceLimitValidator{}, nil
	case KeypairResourceLimit:
		return KeypairResourceLimitValidator{}, nil
	case Concurrency:
		return ConcurrencyValidator{}, nil
	case Dependencies:
		return DependenciesValidator{}, nil
	case PendingSessionCountLimit:
		return PendingSessionCountLimitValidator{}, nil
	case PendingSessionResourceLimit:
		return PendingSessionResourceLimitValidator{}, nil
	case ReservedBatchSession:
		return NewReservedBatchSessionValidator(clock), nil
	default:
		return nil, errors.Errorf("unknown validator %q", name)
	}
}

func (p *Pipeline) Validators() []Validator {
	return append([]Validator(nil), p.validators...)
}

// Validate returns the error of the first failing validator.
func (p *Pipeline) Validate(snapshot *schedulerobjects.SystemSnapshot, workload schedulerobjects.SessionWorkload) error {
	for _, v := range p.validators {
		if err := v.Validate(snapshot, workload); err != nil {
			return err
		}
	}
	return nil
}
