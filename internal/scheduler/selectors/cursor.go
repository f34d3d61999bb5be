package selectors

import (
	"context"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// CursorTable holds the round-robin position of each scaling group.
type CursorTable struct {
	mu        sync.Mutex
	positions map[string]int
}

func NewCursorTable() *CursorTable {
	return &CursorTable{positions: map[string]int{}}
}

func (t *CursorTable) Get(scalingGroup string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.positions[scalingGroup]
}

func (t *CursorTable) Set(scalingGroup string, position int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.positions[scalingGroup] = position
}

// Update replaces the position of scalingGroup with f(position) atomically.
func (t *CursorTable) Update(scalingGroup string, f func(position int) int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.positions[scalingGroup] = f(t.positions[scalingGroup])
}

// CursorStore persists round-robin positions so that rotation continues across cycles and replicas.
type CursorStore interface {
	Load(ctx context.Context, scalingGroup string) (int, error)
	Save(ctx context.Context, scalingGroup string, position int) error
}

const cursorKeyPrefix = "roundrobin.cursor."

type RedisCursorStore struct {
	db redis.UniversalClient
}

func NewRedisCursorStore(db redis.UniversalClient) *RedisCursorStore {
	return &RedisCursorStore{db: db}
}

func (s *RedisCursorStore) Load(ctx context.Context, scalingGroup string) (int, error) {
	value, err := s.db.Get(ctx, cursorKeyPrefix+scalingGroup).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "error loading round robin cursor for %s", scalingGroup)
	}
	position, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid round robin cursor %q for %s", value, scalingGroup)
	}
	return position, nil
}

func (s *RedisCursorStore) Save(ctx context.Context, scalingGroup string, position int) error {
	err := s.db.Set(ctx, cursorKeyPrefix+scalingGroup, position, 0).Err()
	return errors.Wrapf(err, "error saving round robin cursor for %s", scalingGroup)
}

// InMemoryCursorStore is used in standalone mode, where the table itself is the only copy.
type InMemoryCursorStore struct {
	table *CursorTable
}

func NewInMemoryCursorStore() *InMemoryCursorStore {
	return &InMemoryCursorStore{table: NewCursorTable()}
}

func (s *InMemoryCursorStore) Load(_ context.Context, scalingGroup string) (int, error) {
	return s.table.Get(scalingGroup), nil
}

func (s *InMemoryCursorStore) Save(_ context.Context, scalingGroup string, position int) error {
	s.table.Set(scalingGroup, position)
	return nil
}
