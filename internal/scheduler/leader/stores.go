package leader

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/armadaproject/sessionscheduler/internal/common/database"
)

const acquireOrRenewScript = `
local holder = redis.call("GET", KEYS[1])
if holder == false or holder == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisLeaderStore keeps the lease as a Redis key holding the leader's server id.
type RedisLeaderStore struct {
	db redis.UniversalClient
}

func NewRedisLeaderStore(db redis.UniversalClient) *RedisLeaderStore {
	return &RedisLeaderStore{db: db}
}

func (s *RedisLeaderStore) AcquireOrRenew(ctx context.Context, serverID, key string, lease time.Duration) (bool, error) {
	held, err := s.db.Eval(ctx, acquireOrRenewScript, []string{key}, serverID, lease.Milliseconds()).Int()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return held == 1, nil
}

func (s *RedisLeaderStore) Release(ctx context.Context, serverID, key string) (bool, error) {
	deleted, err := s.db.Eval(ctx, releaseScript, []string{key}, serverID).Int()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return deleted == 1, nil
}

// PostgresLeaderStore keeps leases in the leader_leases table. Expiry is computed from the
// database clock only, so replicas with drifting clocks agree on who holds the lease.
type PostgresLeaderStore struct {
	db database.Querier
}

func NewPostgresLeaderStore(db database.Querier) *PostgresLeaderStore {
	return &PostgresLeaderStore{db: db}
}

func (s *PostgresLeaderStore) AcquireOrRenew(ctx context.Context, serverID, key string, lease time.Duration) (bool, error) {
	var holder string
	err := s.db.QueryRow(ctx, `
		INSERT INTO leader_leases (lease_key, server_id, expires_at)
		VALUES ($1, $2, now() + $3 * interval '1 millisecond')
		ON CONFLICT (lease_key) DO UPDATE
			SET server_id = EXCLUDED.server_id, expires_at = EXCLUDED.expires_at
			WHERE leader_leases.server_id = EXCLUDED.server_id OR leader_leases.expires_at < now()
		RETURNING server_id`,
		key, serverID, lease.Milliseconds(),
	).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, errors.WithStack(err)
	}
	return holder == serverID, nil
}

func (s *PostgresLeaderStore) Release(ctx context.Context, serverID, key string) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM leader_leases WHERE lease_key = $1 AND server_id = $2`, key, serverID)
	if err != nil {
		return false, errors.WithStack(err)
	}
	return tag.RowsAffected() > 0, nil
}

// StandaloneLeaderStore always grants the lease. It can be used when only a single replica runs.
type StandaloneLeaderStore struct{}

func (StandaloneLeaderStore) AcquireOrRenew(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}

func (StandaloneLeaderStore) Release(context.Context, string, string) (bool, error) {
	return true, nil
}
