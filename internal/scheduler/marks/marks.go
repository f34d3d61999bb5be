package marks

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/armadaproject/sessionscheduler/internal/scheduler/schedulerobjects"
)

const (
	scheduleMarkPrefix  = "schedule.mark."
	pendingQueuePrefix  = "pending_queue."
	queuePositionPrefix = "pending_queue_position."
	PendingQueueExpiry  = 600 * time.Second
)

// ScheduleMarks records that a schedule type has work to do. Any replica can set a mark; the
// leader's short-cadence task consumes it.
type ScheduleMarks struct {
	db redis.UniversalClient
}

func NewScheduleMarks(db redis.UniversalClient) *ScheduleMarks {
	return &ScheduleMarks{db: db}
}

func (m *ScheduleMarks) Mark(ctx context.Context, scheduleType string) error {
	return errors.WithStack(m.db.Set(ctx, scheduleMarkPrefix+scheduleType, "1", 0).Err())
}

// LoadAndDelete atomically clears the mark of scheduleType and reports whether it was set.
func (m *ScheduleMarks) LoadAndDelete(ctx context.Context, scheduleType string) (bool, error) {
	err := m.db.GetDel(ctx, scheduleMarkPrefix+scheduleType).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	} else if err != nil {
		return false, errors.WithStack(err)
	}
	return true, nil
}

// PendingQueue publishes the order in which pending sessions of a scaling group will be
// considered, so clients can show a queue position.
type PendingQueue struct {
	db redis.UniversalClient
}

func NewPendingQueue(db redis.UniversalClient) *PendingQueue {
	return &PendingQueue{db: db}
}

// SetPendingQueue replaces the queue of scalingGroup. Positions start at zero.
func (q *PendingQueue) SetPendingQueue(ctx context.Context, scalingGroup string, sessionIDs []schedulerobjects.SessionID) error {
	key := pendingQueuePrefix + scalingGroup
	_, err := q.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(sessionIDs) == 0 {
			return nil
		}
		values := make([]any, len(sessionIDs))
		for i, id := range sessionIDs {
			values[i] = string(id)
			pipe.Set(ctx, queuePositionPrefix+string(id), i, PendingQueueExpiry)
		}
		pipe.RPush(ctx, key, values...)
		pipe.Expire(ctx, key, PendingQueueExpiry)
		return nil
	})
	return errors.WithStack(err)
}

func (q *PendingQueue) GetPendingQueue(ctx context.Context, scalingGroup string) ([]schedulerobjects.SessionID, error) {
	values, err := q.db.LRange(ctx, pendingQueuePrefix+scalingGroup, 0, -1).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]schedulerobjects.SessionID, len(values))
	for i, v := range values {
		result[i] = schedulerobjects.SessionID(v)
	}
	return result, nil
}

// GetQueuePosition returns the last published position of sessionID, if any.
func (q *PendingQueue) GetQueuePosition(ctx context.Context, sessionID schedulerobjects.SessionID) (int, bool, error) {
	value, err := q.db.Get(ctx, queuePositionPrefix+string(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, errors.WithStack(err)
	}
	position, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, errors.Wrapf(err, "invalid queue position %q for session %s", value, sessionID)
	}
	return position, true, nil
}
