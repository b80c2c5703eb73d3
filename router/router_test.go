package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/breaker"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/errs"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/internal/clock"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/keypool"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/providers"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/types"
)

type fakeProvider struct {
	calls   int
	failN   int // fail the first N calls
	failErr error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, apiKey string, req types.AgentRequest) (types.AgentResponse, error) {
	f.calls++
	if f.calls <= f.failN {
		return types.AgentResponse{}, f.failErr
	}
	return types.AgentResponse{Success: true, Content: "ok"}, nil
}

func (f *fakeProvider) HealthCheck(ctx context.Context, apiKey string) (bool, time.Duration, error) {
	return true, 0, nil
}

func newTestRouter(t *testing.T, client *fakeProvider) *Router {
	t.Helper()
	fc := clock.NewFake(time.Now())
	pool := keypool.New(keypool.Config{Provider: types.ProviderDeepSeek}, []*types.APIKey{
		{Provider: types.ProviderDeepSeek, Index: 0, Secret: "k0"},
		{Provider: types.ProviderDeepSeek, Index: 1, Secret: "k1"},
	}, fc, zap.NewNop())
	mgr := breaker.NewManager(breaker.Config{BaseThreshold: 5, BaseTimeout: 30 * time.Second}, fc, nil, zap.NewNop(), nil)
	return New(
		Config{RetryDelay: time.Millisecond},
		map[types.Provider]*keypool.Pool{types.ProviderDeepSeek: pool},
		mgr,
		map[types.Provider]providers.Provider{types.ProviderDeepSeek: client},
		nil, nil, zap.NewNop(),
	)
}

func TestRouter_SuccessfulDirectCall(t *testing.T) {
	client := &fakeProvider{}
	r := newTestRouter(t, client)
	req, err := types.NewAgentRequest(types.ProviderDeepSeek, "chat", "hello", 1000)
	require.NoError(t, err)

	resp, err := r.Route(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, client.calls)
}

func TestRouter_RetriesOnceOnTransientError(t *testing.T) {
	client := &fakeProvider{
		failN:   1,
		failErr: errs.New(errs.KindNetworkError, "boom").WithRetryable(true),
	}
	r := newTestRouter(t, client)
	req, err := types.NewAgentRequest(types.ProviderDeepSeek, "chat", "hello", 1000)
	require.NoError(t, err)

	resp, err := r.Route(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 2, client.calls)
}

func TestRouter_DoesNotRetryNonRetryableError(t *testing.T) {
	client := &fakeProvider{
		failN:   1,
		failErr: errs.New(errs.KindValidation, "bad request").WithRetryable(false),
	}
	r := newTestRouter(t, client)
	req, err := types.NewAgentRequest(types.ProviderDeepSeek, "chat", "hello", 1000)
	require.NoError(t, err)

	_, err = r.Route(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, 1, client.calls)
}

type fakeBridge struct {
	calls int
	err   error
}

func (b *fakeBridge) Dispatch(ctx context.Context, req types.AgentRequest) (types.AgentResponse, error) {
	b.calls++
	if b.err != nil {
		return types.AgentResponse{}, b.err
	}
	return types.AgentResponse{Success: true, Content: "bridge ok"}, nil
}

func newTestRouterWithBridge(t *testing.T, client *fakeProvider, bridge ToolBridge, budget int) *Router {
	t.Helper()
	fc := clock.NewFake(time.Now())
	pool := keypool.New(keypool.Config{Provider: types.ProviderDeepSeek}, []*types.APIKey{
		{Provider: types.ProviderDeepSeek, Index: 0, Secret: "k0"},
	}, fc, zap.NewNop())
	mgr := breaker.NewManager(breaker.Config{BaseThreshold: 5, BaseTimeout: 30 * time.Second}, fc, nil, zap.NewNop(), nil)
	return New(
		Config{RetryDelay: time.Millisecond, ToolCallBudget: budget},
		map[types.Provider]*keypool.Pool{types.ProviderDeepSeek: pool},
		mgr,
		map[types.Provider]providers.Provider{types.ProviderDeepSeek: client},
		bridge, nil, zap.NewNop(),
	)
}

func conversationRequest(t *testing.T, conversationID string) types.AgentRequest {
	t.Helper()
	req, err := types.NewAgentRequest(types.ProviderDeepSeek, "chat", "hello", 1000)
	require.NoError(t, err)
	req.Context["conversation_id"] = conversationID
	return req
}

func TestRouter_ToolBridgeFallsBackOnToolNotFound(t *testing.T) {
	client := &fakeProvider{}
	bridge := &fakeBridge{err: errs.New(errs.KindToolNotFound, "no such tool")}
	r := newTestRouterWithBridge(t, client, bridge, 10)

	resp, err := r.Route(context.Background(), conversationRequest(t, "conv-1"))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, client.calls)
	assert.Equal(t, 1, bridge.calls)
}

func TestRouter_ToolCallBudgetExceededFallsBackWithSentinel(t *testing.T) {
	client := &fakeProvider{}
	bridge := &fakeBridge{}
	r := newTestRouterWithBridge(t, client, bridge, 2)

	for i := 0; i < 2; i++ {
		resp, err := r.Route(context.Background(), conversationRequest(t, "conv-budget"))
		require.NoError(t, err)
		assert.True(t, resp.Success)
		assert.NotContains(t, resp.Content, toolCallBudgetSentinel)
	}
	assert.Equal(t, 2, bridge.calls)

	resp, err := r.Route(context.Background(), conversationRequest(t, "conv-budget"))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Contains(t, resp.Content, toolCallBudgetSentinel)
	assert.Equal(t, true, resp.Metadata["tool_call_budget_exceeded"])
	assert.Equal(t, 1, client.calls)
	assert.Equal(t, 2, bridge.calls)
}

func TestRouter_ConversationsHaveIndependentToolCallBudgets(t *testing.T) {
	client := &fakeProvider{}
	bridge := &fakeBridge{}
	r := newTestRouterWithBridge(t, client, bridge, 1)

	_, err := r.Route(context.Background(), conversationRequest(t, "conv-a"))
	require.NoError(t, err)
	_, err = r.Route(context.Background(), conversationRequest(t, "conv-b"))
	require.NoError(t, err)
	assert.Equal(t, 2, bridge.calls)
}

func TestRouter_AuthFailureQuarantinesKeyImmediately(t *testing.T) {
	client := &fakeProvider{
		failN:   2,
		failErr: errs.New(errs.KindAuthError, "unauthorized"),
	}
	r := newTestRouter(t, client)
	req, err := types.NewAgentRequest(types.ProviderDeepSeek, "chat", "hello", 1000)
	require.NoError(t, err)

	_, err = r.Route(context.Background(), req)
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindAuthError, kind)
	assert.Equal(t, types.KeyUnhealthy, r.pools[types.ProviderDeepSeek].Snapshot()[0].Health)
}
