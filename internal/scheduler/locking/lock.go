package locking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// ErrLockTimeout is returned when a lock could not be acquired within its lifetime.
var ErrLockTimeout = errors.New("timed out waiting for lock")

// LockID names a coordinated phase and its scope, e.g. "schedule:default".
type LockID string

func NewLockID(phase, scope string) LockID {
	return LockID(fmt.Sprintf("%s:%s", phase, scope))
}

// ScopedLock is a held lease. Release must be called on every exit path; calling it more than
// once is harmless.
type ScopedLock interface {
	ID() LockID
	Release(ctx context.Context) error
	// Lost is closed once the lease has expired or the lock was released.
	Lost() <-chan struct{}
}

// LockFactory hands out cluster-wide mutual exclusion keyed by LockID. Acquire blocks until the
// lock is free, ctx is done or lifetime has elapsed. The returned lease lasts for lifetime.
type LockFactory interface {
	Acquire(ctx context.Context, id LockID, lifetime time.Duration) (ScopedLock, error)
}

// lease tracks the local view of a held lock's expiry.
type lease struct {
	id      LockID
	lost    chan struct{}
	once    sync.Once
	timer   clock.Timer
	release func(ctx context.Context) error
}

func newLease(clk clock.WithDelayedExecution, id LockID, lifetime time.Duration, release func(ctx context.Context) error) *lease {
	l := &lease{id: id, lost: make(chan struct{}), release: release}
	l.timer = clk.AfterFunc(lifetime, l.expire)
	return l
}

func (l *lease) ID() LockID {
	return l.id
}

func (l *lease) Lost() <-chan struct{} {
	return l.lost
}

func (l *lease) expire() {
	l.once.Do(func() { close(l.lost) })
}

// Release gives the lock back. The store-side release only removes a lock still held with this
// lease's token, so repeated calls are no-ops.
func (l *lease) Release(ctx context.Context) error {
	l.timer.Stop()
	l.expire()
	return l.release(ctx)
}

func timeoutError(id LockID, lifetime time.Duration, cause error) error {
	if cause != nil {
		return errors.Wrapf(ErrLockTimeout, "lock %s not acquired within %s (last error: %s)", id, lifetime, cause)
	}
	return errors.Wrapf(ErrLockTimeout, "lock %s not acquired within %s", id, lifetime)
}
