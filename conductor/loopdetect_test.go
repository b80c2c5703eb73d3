package conductor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/types"
)

func TestRedisLoopDetector_FirstMarkIsNotSeen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	d := NewRedisLoopDetector(rdb)

	seen, err := d.MarkOrDetect(context.Background(), "conv1", 1, types.AgentDeepSeek, time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRedisLoopDetector_SecondMarkSameIterationIsSeen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	d := NewRedisLoopDetector(rdb)

	_, err := d.MarkOrDetect(context.Background(), "conv1", 1, types.AgentDeepSeek, time.Minute)
	require.NoError(t, err)

	seen, err := d.MarkOrDetect(context.Background(), "conv1", 1, types.AgentPerplexity, time.Minute)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestRedisLoopDetector_DifferentIterationIsNotSeen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	d := NewRedisLoopDetector(rdb)

	_, err := d.MarkOrDetect(context.Background(), "conv1", 1, types.AgentDeepSeek, time.Minute)
	require.NoError(t, err)

	seen, err := d.MarkOrDetect(context.Background(), "conv1", 2, types.AgentDeepSeek, time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)
}
