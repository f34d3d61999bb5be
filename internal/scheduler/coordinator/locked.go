package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/sessionscheduler/internal/common/logcontext"
	"github.com/armadaproject/sessionscheduler/internal/common/logging"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/locking"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/metrics"
)

// State of one (phase, scope) pair.
type State string

const (
	StateIdle        State = "IDLE"
	StateLockPending State = "LOCK_PENDING"
	StateExecuting   State = "EXECUTING"
)

const releaseTimeout = 5 * time.Second

type stateKey struct {
	phase string
	scope string
}

// stateTable counts callers per state so that a second request blocked on the lock does not
// hide the first one that is executing.
type stateTable struct {
	mu      sync.Mutex
	pending map[stateKey]int
	running map[stateKey]int
}

func newStateTable() *stateTable {
	return &stateTable{pending: map[stateKey]int{}, running: map[stateKey]int{}}
}

func (t *stateTable) get(key stateKey) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.running[key] > 0:
		return StateExecuting
	case t.pending[key] > 0:
		return StateLockPending
	default:
		return StateIdle
	}
}

func (t *stateTable) adjust(counts map[stateKey]int, key stateKey, delta int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts[key] += delta
	if counts[key] <= 0 {
		delete(counts, key)
	}
}

// lockedRunner executes phase bodies under a cluster-wide lock and tracks their state.
type lockedRunner struct {
	factory  locking.LockFactory
	lifetime time.Duration
	states   *stateTable
	metrics  *metrics.Metrics
	clock    clock.PassiveClock
}

func newLockedRunner(factory locking.LockFactory, lifetime time.Duration, m *metrics.Metrics, clk clock.PassiveClock) *lockedRunner {
	return &lockedRunner{
		factory:  factory,
		lifetime: lifetime,
		states:   newStateTable(),
		metrics:  m,
		clock:    clk,
	}
}

// run blocks until lockID is acquired, then calls fn. The lock is released on every exit path.
// lost is closed once the lease lapses; fn must then finish its current entity and stop.
func (r *lockedRunner) run(
	ctx *logcontext.Context,
	key stateKey,
	lockID locking.LockID,
	fn func(ctx *logcontext.Context, lost <-chan struct{}) error,
) error {
	r.states.adjust(r.states.pending, key, 1)
	start := r.clock.Now()
	lock, err := r.factory.Acquire(ctx, lockID, r.lifetime)
	r.states.adjust(r.states.pending, key, -1)
	r.metrics.ObserveLockWait(key.phase, r.clock.Since(start))
	if err != nil {
		if errors.Is(err, locking.ErrLockTimeout) {
			r.metrics.ReportLockTimeout(key.phase)
		}
		return errors.WithMessagef(err, "error acquiring lock %s", lockID)
	}

	r.states.adjust(r.states.running, key, 1)
	defer r.states.adjust(r.states.running, key, -1)
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warnf("error releasing lock %s", lockID)
		}
	}()

	return fn(logcontext.WithLogField(ctx, "lock", string(lockID)), lock.Lost())
}

// untilLost derives a context that is cancelled when the lease behind lost lapses.
func untilLost(ctx *logcontext.Context, lost <-chan struct{}) (*logcontext.Context, context.CancelFunc) {
	lostCtx, cancel := logcontext.WithCancel(ctx)
	go func() {
		select {
		case <-lost:
			cancel()
		case <-lostCtx.Done():
		}
	}()
	return lostCtx, cancel
}

// isLost reports whether the lease behind lost has lapsed.
func isLost(lost <-chan struct{}) bool {
	select {
	case <-lost:
		return true
	default:
		return false
	}
}
