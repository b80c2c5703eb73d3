package keypool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/errs"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/internal/clock"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/types"
)

func newTestPool(t *testing.T, n int) (*Pool, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	keys := make([]*types.APIKey, n)
	for i := range keys {
		keys[i] = &types.APIKey{Provider: types.ProviderDeepSeek, Secret: "k", Index: i}
	}
	p := New(Config{Provider: types.ProviderDeepSeek}, keys, fc, zap.NewNop())
	return p, fc
}

func TestPool_RoundRobinCyclesAllKeys(t *testing.T) {
	p, _ := newTestPool(t, 3)
	ctx := context.Background()
	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		k, err := p.Lease(ctx)
		require.NoError(t, err)
		seen[k.Index] = true
	}
	assert.Len(t, seen, 3)
}

func TestPool_QuarantineAfterConsecutiveFailures(t *testing.T) {
	p, _ := newTestPool(t, 1)
	ctx := context.Background()
	key, err := p.Lease(ctx)
	require.NoError(t, err)

	p.Record(key, Outcome{Success: false})
	p.Record(key, Outcome{Success: false})
	assert.Equal(t, types.KeyDegraded, key.Health)

	p.Record(key, Outcome{Success: false})
	assert.Equal(t, types.KeyUnhealthy, key.Health)

	_, err = p.Lease(ctx)
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindNoHealthyKey, kind)
}

func TestPool_AuthFailureQuarantinesImmediately(t *testing.T) {
	p, _ := newTestPool(t, 2)
	ctx := context.Background()
	key, err := p.Lease(ctx)
	require.NoError(t, err)

	p.Record(key, Outcome{Success: false, AuthFailure: true})
	assert.Equal(t, types.KeyUnhealthy, key.Health)
}

func TestPool_ReconcileRestoresAfterCooldown(t *testing.T) {
	p, fc := newTestPool(t, 1)
	ctx := context.Background()
	key, _ := p.Lease(ctx)
	for i := 0; i < 3; i++ {
		p.Record(key, Outcome{Success: false})
	}
	require.Equal(t, types.KeyUnhealthy, key.Health)

	assert.Equal(t, 0, p.Reconcile())
	fc.Advance(6 * time.Minute)
	assert.Equal(t, 1, p.Reconcile())
	assert.Equal(t, types.KeyUnknown, key.Health)

	_, err := p.Lease(ctx)
	require.NoError(t, err)
}

func TestPool_SuccessRecoversFromDegraded(t *testing.T) {
	p, _ := newTestPool(t, 1)
	ctx := context.Background()
	key, _ := p.Lease(ctx)
	p.Record(key, Outcome{Success: false})
	p.Record(key, Outcome{Success: false})
	require.Equal(t, types.KeyDegraded, key.Health)

	p.Record(key, Outcome{Success: true})
	assert.Equal(t, types.KeyHealthy, key.Health)
	assert.Equal(t, 0, key.ConsecutiveFailures)
}

func TestPool_LeastUsedStrategyPicksLowestRequestCount(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	keys := []*types.APIKey{
		{Provider: types.ProviderDeepSeek, Index: 0, RequestsTotal: 10},
		{Provider: types.ProviderDeepSeek, Index: 1, RequestsTotal: 2},
	}
	p := New(Config{Provider: types.ProviderDeepSeek, Strategy: StrategyLeastUsed}, keys, fc, zap.NewNop())
	k, err := p.Lease(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, k.Index)
}
