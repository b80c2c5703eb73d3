package stream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestGroup(t *testing.T, cfg Config) (*ConsumerGroup, redis.Cmdable) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	if cfg.StreamName == "" {
		cfg.StreamName = "tasks"
	}
	if cfg.GroupName == "" {
		cfg.GroupName = "workers"
	}
	cg, err := NewConsumerGroup(context.Background(), cfg, rdb, zap.NewNop())
	require.NoError(t, err)
	return cg, rdb
}

func TestConsumerGroup_AddAndReadTask(t *testing.T) {
	cg, _ := newTestGroup(t, Config{ConsumerName: "c1"})
	ctx := context.Background()

	id, err := cg.AddTask(ctx, "analyze", map[string]any{"symbol": "BTCUSDT"}, 5)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	tasks, err := cg.ReadTasks(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "analyze", tasks[0].TaskType)
	assert.Equal(t, "BTCUSDT", tasks[0].Payload["symbol"])
	assert.Equal(t, 5, tasks[0].Priority)
}

func TestConsumerGroup_AcknowledgeRemovesFromPending(t *testing.T) {
	cg, _ := newTestGroup(t, Config{ConsumerName: "c1", MaxPendingTime: time.Millisecond})
	ctx := context.Background()

	_, err := cg.AddTask(ctx, "t", map[string]any{}, 0)
	require.NoError(t, err)
	tasks, err := cg.ReadTasks(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	require.NoError(t, cg.Acknowledge(ctx, tasks[0].ID))

	// Past the 1ms MaxPendingTime an unacknowledged entry would be claimable.
	time.Sleep(5 * time.Millisecond)
	claimed, err := cg.ClaimPendingTasks(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestConsumerGroup_RetryMovesToDLQAfterMaxRetries(t *testing.T) {
	cg, _ := newTestGroup(t, Config{ConsumerName: "c1", MaxRetries: 1})
	ctx := context.Background()

	_, err := cg.AddTask(ctx, "t", map[string]any{"x": 1.0}, 0)
	require.NoError(t, err)
	tasks, err := cg.ReadTasks(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	moved, err := cg.RetryTask(ctx, tasks[0])
	require.NoError(t, err)
	assert.False(t, moved)

	tasks, err = cg.ReadTasks(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 1, tasks[0].RetryCount)

	moved, err = cg.RetryTask(ctx, tasks[0])
	require.NoError(t, err)
	assert.True(t, moved)

	entries, err := cg.DeadLetterEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "max_retries_exceeded", entries[0].FailureReason)
}

func TestConsumerGroup_ClaimPendingTasksAfterIdleElapses(t *testing.T) {
	cg, _ := newTestGroup(t, Config{ConsumerName: "owner", MaxPendingTime: time.Millisecond})
	ctx := context.Background()

	_, err := cg.AddTask(ctx, "t", map[string]any{}, 0)
	require.NoError(t, err)
	_, err = cg.ReadTasks(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)

	// An idle time of 0 uses the group's MaxPendingTime (1ms here).
	time.Sleep(5 * time.Millisecond)
	claimed, err := cg.ClaimPendingTasks(ctx, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
}

func TestConsumerGroup_InfoReportsDepth(t *testing.T) {
	cg, _ := newTestGroup(t, Config{ConsumerName: "c1"})
	ctx := context.Background()

	_, err := cg.AddTask(ctx, "t", map[string]any{}, 0)
	require.NoError(t, err)

	info, err := cg.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Length)
	assert.Equal(t, 1, info.Groups)
}
