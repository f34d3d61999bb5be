package selectors

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrNoAvailableAgent  = errors.New("no available agent")
	ErrNoCompatibleAgent = errors.New("no compatible agent")
)

// NoAvailableAgentError is returned when no candidate can host the workload. Reasons counts why
// candidates were rejected.
type NoAvailableAgentError struct {
	ScalingGroup string
	Reasons      map[string]int
}

func (e *NoAvailableAgentError) Error() string {
	if len(e.Reasons) == 0 {
		return fmt.Sprintf("%s in scaling group %q", ErrNoAvailableAgent, e.ScalingGroup)
	}
	reasons := make([]string, 0, len(e.Reasons))
	for reason, count := range e.Reasons {
		reasons = append(reasons, fmt.Sprintf("%dx %s", count, reason))
	}
	sort.Strings(reasons)
	return fmt.Sprintf("%s in scaling group %q: %s", ErrNoAvailableAgent, e.ScalingGroup, strings.Join(reasons, "; "))
}

func (e *NoAvailableAgentError) Unwrap() error {
	return ErrNoAvailableAgent
}

func (e *NoAvailableAgentError) Kind() string {
	return "NoAvailableAgent"
}

// NoCompatibleAgentError is returned when no candidate runs the requested architecture.
type NoCompatibleAgentError struct {
	Architecture  string
	Architectures []string
}

func (e *NoCompatibleAgentError) Error() string {
	return fmt.Sprintf("%s: no agent with architecture %q (available: %s)",
		ErrNoCompatibleAgent, e.Architecture, strings.Join(e.Architectures, ", "))
}

func (e *NoCompatibleAgentError) Unwrap() error {
	return ErrNoCompatibleAgent
}

func (e *NoCompatibleAgentError) Kind() string {
	return "NoCompatibleAgent"
}
