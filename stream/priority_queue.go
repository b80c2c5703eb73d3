package stream

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/errs"
)

// PriorityQueue is a Redis sorted-set-backed priority queue: higher
// priority pops first. Grounded on
// original_source/backend/scaling/redis_consumer_groups.py's
// TaskPriorityQueue: priority is negated before storing as the sorted set
// score so ZPOPMIN (lowest score first) yields the highest priority.
type PriorityQueue struct {
	rdb       redis.Cmdable
	queueName string
	log       *zap.Logger
}

func NewPriorityQueue(queueName string, rdb redis.Cmdable, logger *zap.Logger) *PriorityQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PriorityQueue{rdb: rdb, queueName: queueName, log: logger.With(zap.String("component", "priority_queue"), zap.String("queue", queueName))}
}

func (q *PriorityQueue) taskKey(taskID string) string {
	return q.queueName + ":task:" + taskID
}

// AddTask stores taskData and adds taskID to the sorted set at -priority.
func (q *PriorityQueue) AddTask(ctx context.Context, taskID string, taskData map[string]any, priority int) error {
	raw, err := json.Marshal(taskData)
	if err != nil {
		return errs.New(errs.KindValidation, "failed to encode task data").WithCause(err)
	}
	if err := q.rdb.Set(ctx, q.taskKey(taskID), raw, 0).Err(); err != nil {
		return errs.New(errs.KindNetworkError, "failed to store task data").WithCause(err).WithRetryable(true)
	}
	if err := q.rdb.ZAdd(ctx, q.queueName, redis.Z{Score: float64(-priority), Member: taskID}).Err(); err != nil {
		return errs.New(errs.KindNetworkError, "failed to enqueue task").WithCause(err).WithRetryable(true)
	}
	return nil
}

// PoppedTask is the result of a successful PopTask.
type PoppedTask struct {
	TaskID string
	Data   map[string]any
}

// PopTask removes and returns the highest-priority task, or (nil, nil) if
// the queue is empty.
func (q *PriorityQueue) PopTask(ctx context.Context) (*PoppedTask, error) {
	res, err := q.rdb.ZPopMin(ctx, q.queueName, 1).Result()
	if err != nil {
		return nil, errs.New(errs.KindNetworkError, "failed to pop task").WithCause(err).WithRetryable(true)
	}
	if len(res) == 0 {
		return nil, nil
	}
	taskID, _ := res[0].Member.(string)

	raw, err := q.rdb.Get(ctx, q.taskKey(taskID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errs.New(errs.KindNetworkError, "failed to load task data").WithCause(err)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, errs.New(errs.KindProviderError, "failed to decode task data").WithCause(err)
	}
	q.rdb.Del(ctx, q.taskKey(taskID))
	return &PoppedTask{TaskID: taskID, Data: data}, nil
}

// Size returns the number of queued tasks.
func (q *PriorityQueue) Size(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, q.queueName).Result()
	if err != nil {
		return 0, errs.New(errs.KindNetworkError, "failed to read queue size").WithCause(err)
	}
	return n, nil
}

// RankedTask is a (task, priority) pair returned by Peek, in priority order.
type RankedTask struct {
	TaskID   string
	Priority int
}

// Peek returns up to count highest-priority tasks without removing them.
func (q *PriorityQueue) Peek(ctx context.Context, count int64) ([]RankedTask, error) {
	res, err := q.rdb.ZRangeWithScores(ctx, q.queueName, 0, count-1).Result()
	if err != nil {
		return nil, errs.New(errs.KindNetworkError, "failed to peek queue").WithCause(err)
	}
	out := make([]RankedTask, len(res))
	for i, z := range res {
		taskID, _ := z.Member.(string)
		out[i] = RankedTask{TaskID: taskID, Priority: -int(z.Score)}
	}
	return out, nil
}
