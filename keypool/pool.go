// Package keypool implements the API-Key Pool Manager: round-robin leasing
// of healthy keys for one provider under concurrent demand, per-key
// error/latency accounting, quarantine after repeated failures, and a
// periodic reconciler that re-admits quarantined keys for re-testing.
//
// Grounded on llm/apikey_pool.go (selection strategies, RWMutex-guarded
// registry) generalized to the health-state machine
// (healthy/degraded/unhealthy/unknown) and quarantine/reconciler semantics
// that the DB-backed apikey_pool.go does not implement.
package keypool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/errs"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/internal/clock"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/types"
)

// Strategy selects among healthy keys. RoundRobin is the spec-mandated
// default; the others are additive, grounded on llm/apikey_pool.go's
// APIKeySelectionStrategy.
type Strategy string

const (
	StrategyRoundRobin     Strategy = "round_robin"
	StrategyWeightedRandom Strategy = "weighted_random"
	StrategyLeastUsed      Strategy = "least_used"
)

// Config parameterizes one provider's pool.
type Config struct {
	Provider           types.Provider
	Strategy           Strategy
	ConsecutiveToQuarantine int // consecutive failures before quarantine; default 3
	QuarantineCooldown time.Duration
}

// Pool leases and tracks API keys for exactly one provider.
type Pool struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	mu            sync.Mutex
	keys          []*types.APIKey
	roundRobinIdx int
}

// New constructs a Pool seeded with keys (in index order). keys must have
// Index values assigned by the caller; they are unique per provider.
func New(cfg Config, keys []*types.APIKey, clk clock.Clock, logger *zap.Logger) *Pool {
	if cfg.ConsecutiveToQuarantine <= 0 {
		cfg.ConsecutiveToQuarantine = 3
	}
	if cfg.QuarantineCooldown <= 0 {
		cfg.QuarantineCooldown = 5 * time.Minute
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyRoundRobin
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, k := range keys {
		if k.Health == "" {
			k.Health = types.KeyUnknown
		}
	}
	return &Pool{
		cfg:    cfg,
		clock:  clk,
		logger: logger.With(zap.String("component", "keypool"), zap.String("provider", string(cfg.Provider))),
		keys:   keys,
	}
}

// Lease selects one healthy key and advances internal selection state
// within a bounded, O(#keys) critical section; the outbound network call
// always happens outside this section. Fails fast with NoHealthyKey when
// every key is quarantined.
func (p *Pool) Lease(ctx context.Context) (*types.APIKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	healthy := make([]*types.APIKey, 0, len(p.keys))
	for _, k := range p.keys {
		if k.Health != types.KeyUnhealthy {
			healthy = append(healthy, k)
		}
	}
	if len(healthy) == 0 {
		return nil, errs.New(errs.KindNoHealthyKey, "every key in the pool is quarantined").WithProvider(string(p.cfg.Provider))
	}

	var selected *types.APIKey
	switch p.cfg.Strategy {
	case StrategyLeastUsed:
		selected = leastUsed(healthy)
	case StrategyWeightedRandom:
		selected = healthy[int(time.Now().UnixNano())%len(healthy)]
	default:
		selected = p.selectRoundRobin(healthy)
	}

	selected.LastUsedAt = p.clock.Now()
	return selected, nil
}

func (p *Pool) selectRoundRobin(healthy []*types.APIKey) *types.APIKey {
	// Advance the shared index over the full key set (not just the healthy
	// subset) so a temporarily-unhealthy key doesn't permanently skew the
	// cadence once it recovers. Keys are taken strictly in cursor order; no
	// least-recently-used tie-break is applied.
	n := len(p.keys)
	for i := 0; i < n; i++ {
		idx := p.roundRobinIdx % n
		p.roundRobinIdx++
		candidate := p.keys[idx]
		if candidate.Health != types.KeyUnhealthy {
			return candidate
		}
	}
	return healthy[0]
}

func leastUsed(keys []*types.APIKey) *types.APIKey {
	best := keys[0]
	for _, k := range keys[1:] {
		if k.RequestsTotal < best.RequestsTotal {
			best = k
		}
	}
	return best
}

// Outcome is the result of one outbound call made with a leased key.
type Outcome struct {
	Success bool
	AuthFailure bool // 401/403: immediate quarantine regardless of streak
}

// Record atomically updates the leased key's counters. A transient error
// recording the outcome itself is impossible here (state is in-process);
// best-effort persistence concerns apply to any durable layer built on top,
// not to this in-memory accounting.
func (p *Pool) Record(key *types.APIKey, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key.RequestsTotal++
	if outcome.Success {
		key.ConsecutiveFailures = 0
		if key.Health != types.KeyHealthy {
			key.Health = types.KeyHealthy
		}
		return
	}

	key.ErrorsTotal++
	key.ConsecutiveFailures++
	key.LastErrorAt = p.clock.Now()

	if outcome.AuthFailure {
		key.Health = types.KeyUnhealthy
		p.logger.Warn("key quarantined on auth failure", zap.Int("index", key.Index))
		return
	}

	switch {
	case key.ConsecutiveFailures >= p.cfg.ConsecutiveToQuarantine:
		key.Health = types.KeyUnhealthy
		p.logger.Warn("key quarantined", zap.Int("index", key.Index), zap.Int("consecutive_failures", key.ConsecutiveFailures))
	case key.ConsecutiveFailures == p.cfg.ConsecutiveToQuarantine-1:
		key.Health = types.KeyDegraded
	}
}

// Reconcile restores any unhealthy key whose last error is older than the
// configured cooldown back to `unknown`, so the next Lease call re-tests it.
// orchestratord calls it on a 30-second ticker, and the health monitor's
// recovery action calls it when a provider fails over.
func (p *Pool) Reconcile() (restored int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	for _, k := range p.keys {
		if k.Health == types.KeyUnhealthy && now.Sub(k.LastErrorAt) >= p.cfg.QuarantineCooldown {
			k.Health = types.KeyUnknown
			k.ConsecutiveFailures = 0
			restored++
		}
	}
	if restored > 0 {
		p.logger.Info("reconciled quarantined keys", zap.Int("restored", restored))
	}
	return restored
}

// Snapshot returns a defensive copy of every key's current state, for
// diagnostics.
func (p *Pool) Snapshot() []types.APIKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.APIKey, len(p.keys))
	for i, k := range p.keys {
		out[i] = *k
	}
	return out
}
