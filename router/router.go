// Package router implements the Agent Router: given an AgentRequest it
// selects a channel, leases a key, wraps the provider call in that
// provider's circuit breaker, retries once on a transient failure with a
// re-leased key, and returns an AgentResponse with latency and key
// attribution.
//
// Grounded on llm/router/router.go for the
// registry/constructor shape (RWMutex-guarded map keyed by provider,
// constructor-injected *zap.Logger) and llm/resilient_provider.go for the
// decorator composition of breaker + retryer around a bare Provider call.
package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/breaker"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/errs"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/internal/metrics"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/keypool"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/providers"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/types"
)

// Config parameterizes channel-selection and timeout policy.
type Config struct {
	ForceDirectAPI bool
	DefaultTimeout time.Duration
	RetryDelay     time.Duration
	// ToolCallBudget bounds the number of TOOL_BRIDGE dispatches one
	// conversation may make before falling back to DIRECT_API with a
	// sentinel notice. Zero takes the default of 10.
	ToolCallBudget int
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 60 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.ToolCallBudget <= 0 {
		c.ToolCallBudget = 10
	}
	return c
}

// toolCallBudgetSentinel is appended to the content of a response served
// after a conversation exhausted its tool_call_budget, so the caller sees
// why no further bridge tool calls were attempted.
const toolCallBudgetSentinel = "[tool call budget exhausted: further bridge invocations skipped for this conversation]"

// ToolBridge is the in-process local tool server the TOOL_BRIDGE channel
// dispatches to. A ErrToolUnavailable-flavored errs.Error (Kind
// KindToolNotFound) triggers a one-time fallback to DIRECT_API.
type ToolBridge interface {
	Dispatch(ctx context.Context, req types.AgentRequest) (types.AgentResponse, error)
}

// Router ties one provider's key pool, breaker, and HTTP client together.
type Router struct {
	cfg      Config
	pools    map[types.Provider]*keypool.Pool
	breakers *breaker.Manager
	clients  map[types.Provider]providers.Provider
	bridge   ToolBridge
	met      *metrics.Collectors
	log      *zap.Logger

	budgetMu sync.Mutex
	budgets  map[string]int
}

// New constructs a Router. bridge may be nil, in which case TOOL_BRIDGE is
// never attempted and every request goes DIRECT_API.
func New(cfg Config, pools map[types.Provider]*keypool.Pool, breakers *breaker.Manager, clients map[types.Provider]providers.Provider, bridge ToolBridge, met *metrics.Collectors, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		cfg:      cfg.withDefaults(),
		pools:    pools,
		breakers: breakers,
		clients:  clients,
		bridge:   bridge,
		met:      met,
		log:      logger.With(zap.String("component", "router")),
		budgets:  make(map[string]int),
	}
}

// admitToolCall increments the bridge-call counter for req's conversation
// and reports whether its tool_call_budget was already exhausted before
// this call. A request carrying no conversation id is never budget
// limited, since the budget bounds repeated bridge calls within one
// ongoing exchange, not a single stateless call.
func (r *Router) admitToolCall(req types.AgentRequest) error {
	convID, ok := req.ConversationID()
	if !ok || convID == "" {
		return nil
	}
	r.budgetMu.Lock()
	r.budgets[convID]++
	exceeded := r.budgets[convID] > r.cfg.ToolCallBudget
	r.budgetMu.Unlock()
	if !exceeded {
		return nil
	}
	return errs.New(errs.KindBudgetExceeded, "tool call budget exceeded").WithProvider(string(req.Provider))
}

// budgetExceededFallback implements the tool_call_budget soft cap: instead
// of failing the request, it is served via DIRECT_API and a sentinel
// notice is appended to the content.
func (r *Router) budgetExceededFallback(ctx context.Context, req types.AgentRequest, budgetErr error) (types.AgentResponse, error) {
	r.log.Info("tool call budget exceeded, falling back to direct api",
		zap.String("provider", string(req.Provider)), zap.Error(budgetErr))

	resp, err := r.callDirect(ctx, req)
	if err != nil {
		return resp, err
	}
	resp.Content += "\n\n" + toolCallBudgetSentinel
	if resp.Metadata == nil {
		resp.Metadata = map[string]any{}
	}
	resp.Metadata["tool_call_budget_exceeded"] = true
	return resp, nil
}

// selectChannel applies the three channel-selection rules in order.
func (r *Router) selectChannel(req types.AgentRequest) types.Channel {
	if req.UseFileAccess() || req.FromMCPTool() {
		return types.ChannelDirectAPI
	}
	if r.cfg.ForceDirectAPI {
		return types.ChannelDirectAPI
	}
	if req.PreferredChannel == types.ChannelDirectAPI {
		return types.ChannelDirectAPI
	}
	if r.bridge == nil {
		return types.ChannelDirectAPI
	}
	return types.ChannelToolBridge
}

// Route dispatches req to exactly one provider channel, within the
// effective deadline, with at-most-one retry on a transient failure.
func (r *Router) Route(ctx context.Context, req types.AgentRequest) (types.AgentResponse, error) {
	start := time.Now()

	deadline := r.cfg.DefaultTimeout
	if override, ok := req.TimeoutOverride(); ok && override > 0 && override < deadline {
		deadline = override
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	channel := r.selectChannel(req)
	resp, err := r.routeOnce(ctx, req, channel)

	if err != nil && channel == types.ChannelToolBridge {
		if kind, ok := errs.KindOf(err); ok {
			switch kind {
			case errs.KindToolNotFound:
				r.log.Info("tool bridge unavailable, falling back to direct api", zap.String("provider", string(req.Provider)))
				resp, err = r.routeOnce(ctx, req, types.ChannelDirectAPI)
			case errs.KindBudgetExceeded:
				resp, err = r.budgetExceededFallback(ctx, req, err)
			}
		}
	}

	if r.met != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		r.met.RouteRequests.WithLabelValues(string(req.Provider), outcome).Inc()
		r.met.RouteLatency.WithLabelValues(string(req.Provider)).Observe(time.Since(start).Seconds())
	}
	return resp, err
}

func (r *Router) routeOnce(ctx context.Context, req types.AgentRequest, channel types.Channel) (types.AgentResponse, error) {
	if channel == types.ChannelToolBridge {
		if budgetErr := r.admitToolCall(req); budgetErr != nil {
			return types.AgentResponse{}, budgetErr
		}
		resp, err := r.bridge.Dispatch(ctx, req)
		resp.Channel = types.ChannelToolBridge
		return resp, err
	}
	return r.callDirect(ctx, req)
}

// callDirect performs the lease -> breaker -> call -> record cycle, with a
// single retry on a transient failure using a freshly-leased key.
func (r *Router) callDirect(ctx context.Context, req types.AgentRequest) (types.AgentResponse, error) {
	pool, ok := r.pools[req.Provider]
	if !ok {
		return types.AgentResponse{}, errs.New(errs.KindProviderError, "no key pool configured for provider").WithProvider(string(req.Provider))
	}
	client, ok := r.clients[req.Provider]
	if !ok {
		return types.AgentResponse{}, errs.New(errs.KindProviderError, "no client configured for provider").WithProvider(string(req.Provider))
	}
	cb := r.breakers.Get(ctx, string(req.Provider))

	resp, err := r.attempt(ctx, pool, client, cb, req)
	if err == nil {
		return resp, nil
	}
	if !errs.IsRetryable(err) {
		return resp, err
	}

	select {
	case <-ctx.Done():
		return resp, err
	case <-time.After(r.cfg.RetryDelay):
	}
	return r.attempt(ctx, pool, client, cb, req)
}

func (r *Router) attempt(ctx context.Context, pool *keypool.Pool, client providers.Provider, cb *breaker.Breaker, req types.AgentRequest) (types.AgentResponse, error) {
	key, err := pool.Lease(ctx)
	if err != nil {
		return types.AgentResponse{}, err
	}

	if err := cb.Allow(); err != nil {
		return types.AgentResponse{}, err
	}

	start := time.Now()
	resp, callErr := client.Complete(ctx, key.Secret, req)
	latency := time.Since(start)

	success := callErr == nil
	cb.Record(success, float64(latency.Milliseconds()))

	if callErr != nil {
		authFailure := false
		if kind, ok := errs.KindOf(callErr); ok && kind == errs.KindAuthError {
			authFailure = true
		}
		pool.Record(key, keypool.Outcome{Success: false, AuthFailure: authFailure})
		return types.AgentResponse{}, callErr
	}

	pool.Record(key, keypool.Outcome{Success: true})
	resp.LatencyMS = float64(latency.Milliseconds())
	idx := key.Index
	resp.KeyIndex = &idx
	return resp, nil
}
