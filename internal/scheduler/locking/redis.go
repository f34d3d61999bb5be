package locking

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/armadaproject/sessionscheduler/internal/common/logcontext"
)

const (
	lockKeyPrefix       = "lock."
	DefaultPollInterval = 100 * time.Millisecond
)

// Deletes the key only if it still holds our token, so an expired holder cannot free a lock that
// has since been taken by someone else.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

var errLockHeld = errors.New("lock held by another owner")

// RedisLockFactory implements LockFactory with SET NX PX leases in Redis.
type RedisLockFactory struct {
	db           redis.UniversalClient
	pollInterval time.Duration
	clock        clock.WithDelayedExecution
}

func NewRedisLockFactory(db redis.UniversalClient, pollInterval time.Duration, clk clock.WithDelayedExecution) *RedisLockFactory {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &RedisLockFactory{db: db, pollInterval: pollInterval, clock: clk}
}

func (f *RedisLockFactory) Acquire(ctx context.Context, id LockID, lifetime time.Duration) (ScopedLock, error) {
	key := lockKeyPrefix + string(id)
	token := uuid.NewString()

	acquireCtx, cancel := context.WithTimeout(ctx, lifetime)
	defer cancel()

	var lastErr error
	err := retry.Do(
		func() error {
			ok, err := f.db.SetNX(acquireCtx, key, token, lifetime).Result()
			if err != nil {
				lastErr = err
				return err
			}
			if !ok {
				return errLockHeld
			}
			return nil
		},
		retry.Context(acquireCtx),
		retry.Attempts(0),
		retry.Delay(f.pollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.WithStack(ctx.Err())
		}
		return nil, timeoutError(id, lifetime, lastErr)
	}

	logcontext.FromContext(ctx).Log.WithField("lock", id).Debug("acquired lock")
	return newLease(f.clock, id, lifetime, func(ctx context.Context) error {
		if err := f.db.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
			return errors.Wrapf(err, "error releasing lock %s", id)
		}
		return nil
	}), nil
}
