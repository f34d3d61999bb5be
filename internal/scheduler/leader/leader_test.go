package leader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/armadaproject/sessionscheduler/internal/common/logcontext"
)

type renewal struct {
	held bool
	err  error
}

// scriptedStore returns the queued renewals in order, then keeps returning the last one.
type scriptedStore struct {
	mu       sync.Mutex
	script   []renewal
	calls    int
	released int
}

func (s *scriptedStore) AcquireOrRenew(context.Context, string, string, time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.script[len(s.script)-1]
	if s.calls < len(s.script) {
		r = s.script[s.calls]
	}
	s.calls++
	return r.held, r.err
}

func (s *scriptedStore) Release(context.Context, string, string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
	return true, nil
}

type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingListener) OnStartedLeading(context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "started")
}

func (l *recordingListener) OnStoppedLeading() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "stopped")
}

func (l *recordingListener) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

var testConfig = Config{
	ServerID:         "replica-1",
	LeaderKey:        "scheduler.leader",
	LeaseDuration:    15 * time.Second,
	RenewalInterval:  5 * time.Second,
	FailureThreshold: 2,
}

var errStore = errors.New("store unavailable")

func TestLeaderElection_Transitions(t *testing.T) {
	tests := map[string]struct {
		script         []renewal
		expectedLeader []bool
		expectedEvents []string
	}{
		"follower stays follower while lease is held elsewhere": {
			script:         []renewal{{held: false}, {held: false}},
			expectedLeader: []bool{false, false},
		},
		"follower ignores store errors": {
			script:         []renewal{{err: errStore}, {err: errStore}, {err: errStore}},
			expectedLeader: []bool{false, false, false},
		},
		"follower becomes leader on first success": {
			script:         []renewal{{held: true}},
			expectedLeader: []bool{true},
			expectedEvents: []string{"started"},
		},
		"leader survives failures below threshold": {
			script:         []renewal{{held: true}, {err: errStore}, {held: true}, {err: errStore}, {held: true}},
			expectedLeader: []bool{true, true, true, true, true},
			expectedEvents: []string{"started"},
		},
		"leader steps down after consecutive errors": {
			script:         []renewal{{held: true}, {err: errStore}, {err: errStore}},
			expectedLeader: []bool{true, true, false},
			expectedEvents: []string{"started", "stopped"},
		},
		"losing the lease counts as a failure": {
			script:         []renewal{{held: true}, {held: false}, {err: errStore}},
			expectedLeader: []bool{true, true, false},
			expectedEvents: []string{"started", "stopped"},
		},
		"leader can be re-elected": {
			script:         []renewal{{held: true}, {held: false}, {held: false}, {held: true}},
			expectedLeader: []bool{true, true, false, true},
			expectedEvents: []string{"started", "stopped", "started"},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			store := &scriptedStore{script: tc.script}
			listener := &recordingListener{}
			le, err := NewLeaderElection(testConfig, store, clock.NewFakeClock(time.Now()))
			require.NoError(t, err)
			le.RegisterListener(listener)

			ctx := logcontext.Background()
			for i, expected := range tc.expectedLeader {
				le.tick(ctx)
				assert.Equal(t, expected, le.IsLeader(), "after tick %d", i)
			}
			assert.Equal(t, tc.expectedEvents, listener.Events())
		})
	}
}

func TestLeaderElection_StopReleasesLease(t *testing.T) {
	store := &scriptedStore{script: []renewal{{held: true}}}
	listener := &recordingListener{}
	le, err := NewLeaderElection(testConfig, store, clock.NewFakeClock(time.Now()))
	require.NoError(t, err)
	le.RegisterListener(listener)

	require.NoError(t, le.Stop(context.Background()))
	assert.Equal(t, 0, store.released)

	le.tick(logcontext.Background())
	require.True(t, le.IsLeader())
	require.NoError(t, le.Stop(context.Background()))
	assert.False(t, le.IsLeader())
	assert.Equal(t, 1, store.released)
	assert.Equal(t, []string{"started", "stopped"}, listener.Events())
}

func TestLeaderElection_Run(t *testing.T) {
	fakeClock := clock.NewFakeClock(time.Now())
	store := &scriptedStore{script: []renewal{{held: false}, {held: true}}}
	le, err := NewLeaderElection(testConfig, store, fakeClock)
	require.NoError(t, err)

	ctx, cancel := logcontext.WithCancel(logcontext.Background())
	done := make(chan error)
	go func() { done <- le.Run(ctx) }()

	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.calls == 1
	}, time.Second, time.Millisecond)
	assert.False(t, le.IsLeader())

	assert.Eventually(t, func() bool {
		fakeClock.Step(testConfig.RenewalInterval)
		return le.IsLeader()
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.False(t, le.IsLeader())
	assert.Equal(t, 1, store.released)
}

func TestConfig_Validate(t *testing.T) {
	tests := map[string]struct {
		mutate func(c *Config)
		valid  bool
	}{
		"valid":                         {mutate: func(c *Config) {}, valid: true},
		"missing server id":             {mutate: func(c *Config) { c.ServerID = "" }},
		"missing key":                   {mutate: func(c *Config) { c.LeaderKey = "" }},
		"renewal equal to lease":        {mutate: func(c *Config) { c.RenewalInterval = c.LeaseDuration }},
		"renewal longer than lease":     {mutate: func(c *Config) { c.RenewalInterval = 2 * c.LeaseDuration }},
		"zero failure threshold":        {mutate: func(c *Config) { c.FailureThreshold = 0 }},
		"non-positive lease duration":   {mutate: func(c *Config) { c.LeaseDuration = 0 }},
		"non-positive renewal interval": {mutate: func(c *Config) { c.RenewalInterval = -time.Second }},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			config := testConfig
			tc.mutate(&config)
			_, err := NewLeaderElection(config, StandaloneLeaderStore{}, clock.NewFakeClock(time.Now()))
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
