package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/internal/clock"
)

func newTestManager(t *testing.T) (*Manager, redis.Cmdable) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewManager(Config{BaseThreshold: 5, BaseTimeout: 30 * time.Second}, clock.Real{}, nil, zap.NewNop(), rdb), rdb
}

func TestManager_GetCreatesOnFirstUse(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	b1 := m.Get(ctx, "deepseek")
	b2 := m.Get(ctx, "deepseek")
	require.Same(t, b1, b2)
}

func TestManager_PersistAndRestore(t *testing.T) {
	m, rdb := newTestManager(t)
	ctx := context.Background()
	b := m.Get(ctx, "perplexity")
	for i := 0; i < 5; i++ {
		b.Record(false, 10)
	}
	m.Persist(ctx)

	m2 := NewManager(Config{BaseThreshold: 5, BaseTimeout: 30 * time.Second}, clock.Real{}, nil, zap.NewNop(), rdb)
	restored := m2.Get(ctx, "perplexity")
	snap := restored.Snapshot()
	require.Equal(t, 1, snap.TripCount)
	require.InDelta(t, 1.5, snap.BackoffMultiplier, 0.001)
}

func TestManager_GetAppliesPerNameEnvOverride(t *testing.T) {
	t.Setenv("CB_DEEPSEEK_THRESHOLD", "9")
	t.Setenv("CB_DEEPSEEK_TIMEOUT", "45")

	m, _ := newTestManager(t)
	b := m.Get(context.Background(), "deepseek")
	require.Equal(t, 9, b.cfg.BaseThreshold)
	require.Equal(t, 45*time.Second, b.cfg.BaseTimeout)
}

func TestManager_GetUsesManagerDefaultsWithoutOverride(t *testing.T) {
	m, _ := newTestManager(t)
	b := m.Get(context.Background(), "perplexity-no-override")
	require.Equal(t, 5, b.cfg.BaseThreshold)
	require.Equal(t, 30*time.Second, b.cfg.BaseTimeout)
}

func TestManager_NilRedisNeverFails(t *testing.T) {
	m := NewManager(Config{}, clock.Real{}, nil, zap.NewNop(), nil)
	ctx := context.Background()
	b := m.Get(ctx, "copilot")
	require.NotNil(t, b)
	m.Persist(ctx) // must not panic
}
