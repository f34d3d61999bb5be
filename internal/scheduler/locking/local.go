package locking

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// LocalLockFactory implements LockFactory within a single process. It backs standalone mode.
type LocalLockFactory struct {
	clock clock.WithDelayedExecution

	mu      sync.Mutex
	holders map[LockID]uint64
	next    uint64
	// freed is closed and replaced whenever any lock is released.
	freed chan struct{}
}

func NewLocalLockFactory(clk clock.WithDelayedExecution) *LocalLockFactory {
	return &LocalLockFactory{
		clock:   clk,
		holders: map[LockID]uint64{},
		freed:   make(chan struct{}),
	}
}

func (f *LocalLockFactory) Acquire(ctx context.Context, id LockID, lifetime time.Duration) (ScopedLock, error) {
	deadline := f.clock.NewTimer(lifetime)
	defer deadline.Stop()
	for {
		token, freed, ok := f.tryAcquire(id)
		if ok {
			l := newLease(f.clock, id, lifetime, func(context.Context) error {
				f.release(id, token)
				return nil
			})
			// An expired lease frees the lock for the next waiter.
			go func() {
				<-l.Lost()
				f.release(id, token)
			}()
			return l, nil
		}
		select {
		case <-freed:
		case <-deadline.C():
			return nil, timeoutError(id, lifetime, nil)
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		}
	}
}

func (f *LocalLockFactory) tryAcquire(id LockID) (uint64, <-chan struct{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.holders[id]; held {
		return 0, f.freed, false
	}
	f.next++
	f.holders[id] = f.next
	return f.next, nil, true
}

func (f *LocalLockFactory) release(id LockID, token uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holders[id] != token {
		return
	}
	delete(f.holders, id)
	close(f.freed)
	f.freed = make(chan struct{})
}
