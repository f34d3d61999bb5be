package agentclient

import (
	"context"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/armadaproject/sessionscheduler/internal/scheduler/schedulerobjects"
)

const heartbeatKeyPrefix = "agent.heartbeat."

// ErrAgentUnreachable is returned when an agent has not reported a heartbeat recently.
var ErrAgentUnreachable = errors.New("agent unreachable")

// AgentClient talks to a single agent.
type AgentClient interface {
	ID() schedulerobjects.AgentID
	// CheckAlive returns ErrAgentUnreachable if the agent cannot accept work.
	CheckAlive(ctx context.Context) error
}

// RedisAgentClient judges liveness from the heartbeat timestamp agents write to Redis.
type RedisAgentClient struct {
	id               schedulerobjects.AgentID
	db               redis.UniversalClient
	heartbeatTimeout time.Duration
	clock            clock.PassiveClock
}

func NewRedisAgentClient(id schedulerobjects.AgentID, db redis.UniversalClient, heartbeatTimeout time.Duration, clk clock.PassiveClock) *RedisAgentClient {
	return &RedisAgentClient{id: id, db: db, heartbeatTimeout: heartbeatTimeout, clock: clk}
}

func (c *RedisAgentClient) ID() schedulerobjects.AgentID {
	return c.id
}

func (c *RedisAgentClient) CheckAlive(ctx context.Context) error {
	value, err := c.db.Get(ctx, heartbeatKeyPrefix+string(c.id)).Result()
	if errors.Is(err, redis.Nil) {
		return errors.Wrapf(ErrAgentUnreachable, "agent %s has never sent a heartbeat", c.id)
	} else if err != nil {
		return errors.WithStack(err)
	}
	unixMillis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid heartbeat %q for agent %s", value, c.id)
	}
	if age := c.clock.Since(time.UnixMilli(unixMillis)); age > c.heartbeatTimeout {
		return errors.Wrapf(ErrAgentUnreachable, "agent %s last heartbeat %s ago", c.id, age.Truncate(time.Millisecond))
	}
	return nil
}

// RecordHeartbeat stores a heartbeat for id taken at the given time.
func RecordHeartbeat(ctx context.Context, db redis.UniversalClient, id schedulerobjects.AgentID, at time.Time) error {
	return errors.WithStack(db.Set(ctx, heartbeatKeyPrefix+string(id), at.UnixMilli(), 0).Err())
}

// Pool caches agent clients by id.
type Pool struct {
	clients   *lru.Cache
	newClient func(id schedulerobjects.AgentID) AgentClient
}

func NewPool(size int, newClient func(id schedulerobjects.AgentID) AgentClient) (*Pool, error) {
	clients, err := lru.New(size)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Pool{clients: clients, newClient: newClient}, nil
}

// NewRedisPool returns a pool of RedisAgentClients.
func NewRedisPool(size int, db redis.UniversalClient, heartbeatTimeout time.Duration, clk clock.PassiveClock) (*Pool, error) {
	return NewPool(size, func(id schedulerobjects.AgentID) AgentClient {
		return NewRedisAgentClient(id, db, heartbeatTimeout, clk)
	})
}

func (p *Pool) GetAgentClient(id schedulerobjects.AgentID) AgentClient {
	if existing, ok := p.clients.Get(id); ok {
		return existing.(AgentClient)
	}
	client := p.newClient(id)
	if existing, ok, _ := p.clients.PeekOrAdd(id, client); ok {
		return existing.(AgentClient)
	}
	return client
}
