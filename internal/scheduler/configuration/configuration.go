package configuration

import (
	"time"

	"github.com/pkg/errors"

	"github.com/armadaproject/sessionscheduler/internal/common/config"
	"github.com/armadaproject/sessionscheduler/internal/scheduler/schedulerobjects"
)

const (
	// ModeCluster coordinates replicas through Redis and Postgres.
	ModeCluster = "cluster"
	// ModeStandalone runs a single replica against an in-memory repository seeded from config.
	ModeStandalone = "standalone"

	LeaderStoreRedis    = "redis"
	LeaderStorePostgres = "postgres"
)

type Configuration struct {
	// Valid modes are "cluster" or "standalone"
	Mode string `validate:"oneof=cluster standalone"`
	// Database configuration. Unused in standalone mode.
	Postgres config.PostgresConfig
	// Locks, schedule marks, cursors and agent heartbeats live in Redis in both modes
	Redis config.RedisConfig
	// Scheduler events are published to Pulsar when set and logged otherwise
	Pulsar *config.PulsarConfig
	// Configuration controlling leader election
	Leader LeaderConfig
	// Configuration controlling the coordinators
	Scheduling SchedulingConfig
	// State loaded into the in-memory repository in standalone mode
	Standalone StandaloneConfig
	Metrics    MetricsConfig
	Http       HttpConfig
}

type LeaderConfig struct {
	// Where the lease is held, "redis" or "postgres". Ignored in standalone mode.
	Store string `validate:"oneof=redis postgres"`
	// Key of the lease shared by all replicas
	LeaderKey string `validate:"required"`
	// Identity of this replica. Defaults to the hostname followed by a random suffix.
	ServerID string
	// How long the lease is held for.
	LeaseDuration time.Duration `validate:"required"`
	// How often the lease is renewed. Must be shorter than LeaseDuration.
	RenewalInterval time.Duration `validate:"required,ltfield=LeaseDuration"`
	// Consecutive failed renewals after which a leader steps down
	FailureThreshold int `validate:"min=1"`
	// How long to wait for running tasks when leadership is lost
	TaskStopTimeout time.Duration
}

type SchedulingConfig struct {
	// Validators run before selection, in order. Defaults to the broadest quota first.
	Validators []string
	// Resource names in the order selectors compare them. Defaults to cpu, mem then accelerators.
	ResourcePriority []string
	// Lifetime of a phase lock. Also bounds how long a coordinator waits to acquire it.
	LockLifetime time.Duration `validate:"required"`
	// How often a blocked Redis lock acquisition retries
	LockPollInterval time.Duration `validate:"required"`
	// Agents whose last heartbeat is older than this are considered unreachable
	AgentHeartbeatTimeout time.Duration `validate:"required"`
	// Number of agent clients kept in the client cache
	AgentClientCacheSize int `validate:"required"`
	// Provisioning attempts after which a route fails to start
	MaxProvisionAttempts int `validate:"min=1"`
	// Overrides of the periodic task cadences, keyed by schedule or route lifecycle type
	Tasks map[string]TaskConfig
}

type TaskConfig struct {
	// Cadence of the run-if-requested task. Zero disables it.
	ShortInterval time.Duration
	// Cadence of the unconditional run
	LongInterval time.Duration `validate:"required"`
	InitialDelay time.Duration
}

type StandaloneConfig struct {
	ScalingGroups []schedulerobjects.ScalingGroup
	Agents        []schedulerobjects.AgentInfo
	SlotTypes     map[string]schedulerobjects.SlotType
}

type MetricsConfig struct {
	Port uint16 `validate:"required"`
}

type HttpConfig struct {
	Port uint16 `validate:"required"`
}

// Validate runs the struct-tag validations followed by the checks that depend on the mode.
func (c Configuration) Validate() error {
	if err := config.Validate(c); err != nil {
		return err
	}
	if c.Mode == ModeCluster && len(c.Postgres.Connection) == 0 {
		return errors.New("postgres connection must be configured in cluster mode")
	}
	return nil
}
