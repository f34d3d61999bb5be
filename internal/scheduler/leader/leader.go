package leader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/armadaproject/sessionscheduler/internal/common/logcontext"
	"github.com/armadaproject/sessionscheduler/internal/common/logging"
)

const releaseTimeout = 5 * time.Second

// LeaderStore is the shared store holding the leader lease.
type LeaderStore interface {
	// AcquireOrRenew takes the lease for serverID if it is free or already held by serverID, and
	// extends it by lease. It reports whether serverID holds the lease afterwards.
	AcquireOrRenew(ctx context.Context, serverID, key string, lease time.Duration) (bool, error)
	// Release gives the lease up if serverID holds it and reports whether it did.
	Release(ctx context.Context, serverID, key string) (bool, error)
}

// LeaseListener allows clients to listen for lease events.
type LeaseListener interface {
	// Called when this replica has started leading.
	OnStartedLeading(ctx context.Context)
	// Called when this replica has stopped leading.
	OnStoppedLeading()
}

type Config struct {
	ServerID        string        `validate:"required"`
	LeaderKey       string        `validate:"required"`
	LeaseDuration   time.Duration `validate:"required"`
	RenewalInterval time.Duration `validate:"required,ltfield=LeaseDuration"`
	// Consecutive failed renewals after which a leader steps down.
	FailureThreshold int `validate:"min=1"`
}

func (c Config) Validate() error {
	if c.ServerID == "" || c.LeaderKey == "" {
		return errors.New("leader election needs a server id and a leader key")
	}
	if c.LeaseDuration <= 0 || c.RenewalInterval <= 0 {
		return errors.Errorf("lease duration %s and renewal interval %s must be positive", c.LeaseDuration, c.RenewalInterval)
	}
	if c.RenewalInterval >= c.LeaseDuration {
		return errors.Errorf("renewal interval %s must be shorter than lease duration %s", c.RenewalInterval, c.LeaseDuration)
	}
	if c.FailureThreshold < 1 {
		return errors.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	return nil
}

// LeaderElection decides which replica runs the periodic scheduling tasks. A follower becomes
// leader on its first successful acquisition. A leader steps down after FailureThreshold
// consecutive renewals that either errored or found the lease held by someone else.
type LeaderElection struct {
	config    Config
	store     LeaderStore
	clock     clock.WithTicker
	listeners []LeaseListener

	isLeader atomic.Bool
	// Guards failures and listener notification.
	mu       sync.Mutex
	failures int
}

func NewLeaderElection(config Config, store LeaderStore, clk clock.WithTicker) (*LeaderElection, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &LeaderElection{
		config: config,
		store:  store,
		clock:  clk,
	}, nil
}

func (le *LeaderElection) RegisterListener(listener LeaseListener) {
	le.listeners = append(le.listeners, listener)
}

func (le *LeaderElection) IsLeader() bool {
	return le.isLeader.Load()
}

// Run renews or acquires the lease every RenewalInterval.
// This is a blocking call that returns when the provided context is cancelled; the lease is released on the way out.
func (le *LeaderElection) Run(ctx *logcontext.Context) error {
	ctx = logcontext.WithLogFields(ctx, logrus.Fields{"service": "LeaderElection", "serverId": le.config.ServerID})
	ctx.Log.Infof("attempting to become leader")
	ticker := le.clock.NewTicker(le.config.RenewalInterval)
	defer ticker.Stop()

	le.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := le.Stop(releaseCtx); err != nil {
				logging.WithStacktrace(ctx.Log, err).Warn("failed to release leadership")
			}
			return ctx.Err()
		case <-ticker.C():
			le.tick(ctx)
		}
	}
}

func (le *LeaderElection) tick(ctx *logcontext.Context) {
	le.mu.Lock()
	defer le.mu.Unlock()

	held, err := le.store.AcquireOrRenew(ctx, le.config.ServerID, le.config.LeaderKey, le.config.LeaseDuration)
	if err != nil {
		logging.WithStacktrace(ctx.Log, err).Warn("leader lease renewal failed")
	}

	if !le.isLeader.Load() {
		if err == nil && held {
			le.failures = 0
			le.becomeLeader(ctx)
		}
		return
	}

	if err == nil && held {
		le.failures = 0
		return
	}
	le.failures++
	ctx.Log.Warnf("leader lease not renewed (%d/%d)", le.failures, le.config.FailureThreshold)
	if le.failures >= le.config.FailureThreshold {
		le.becomeFollower(ctx)
	}
}

// Stop releases the lease if this replica holds it and notifies listeners.
func (le *LeaderElection) Stop(ctx context.Context) error {
	le.mu.Lock()
	defer le.mu.Unlock()
	if !le.isLeader.Load() {
		return nil
	}
	le.becomeFollower(logcontext.FromContext(ctx))
	_, err := le.store.Release(ctx, le.config.ServerID, le.config.LeaderKey)
	return err
}

func (le *LeaderElection) becomeLeader(ctx *logcontext.Context) {
	ctx.Log.Infof("I am now leader")
	le.isLeader.Store(true)
	for _, listener := range le.listeners {
		listener.OnStartedLeading(ctx)
	}
}

func (le *LeaderElection) becomeFollower(ctx *logcontext.Context) {
	ctx.Log.Infof("I am no longer leader")
	le.isLeader.Store(false)
	le.failures = 0
	for _, listener := range le.listeners {
		listener.OnStoppedLeading()
	}
}
