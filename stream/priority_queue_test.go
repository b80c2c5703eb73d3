package stream

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPriorityQueue(t *testing.T) *PriorityQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewPriorityQueue("scaling:events", rdb, zap.NewNop())
}

func TestPriorityQueue_PopsHighestPriorityFirst(t *testing.T) {
	q := newTestPriorityQueue(t)
	ctx := context.Background()

	require.NoError(t, q.AddTask(ctx, "low", map[string]any{"n": 1.0}, 1))
	require.NoError(t, q.AddTask(ctx, "high", map[string]any{"n": 2.0}, 10))
	require.NoError(t, q.AddTask(ctx, "mid", map[string]any{"n": 3.0}, 5))

	popped, err := q.PopTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, "high", popped.TaskID)

	popped, err = q.PopTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mid", popped.TaskID)
}

func TestPriorityQueue_PopEmptyReturnsNil(t *testing.T) {
	q := newTestPriorityQueue(t)
	popped, err := q.PopTask(context.Background())
	require.NoError(t, err)
	assert.Nil(t, popped)
}

func TestPriorityQueue_SizeAndPeek(t *testing.T) {
	q := newTestPriorityQueue(t)
	ctx := context.Background()
	require.NoError(t, q.AddTask(ctx, "a", map[string]any{}, 3))
	require.NoError(t, q.AddTask(ctx, "b", map[string]any{}, 7))

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)

	peeked, err := q.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, peeked, 2)
	assert.Equal(t, "b", peeked[0].TaskID)
	assert.Equal(t, 7, peeked[0].Priority)
}
