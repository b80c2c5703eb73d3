package breaker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/config"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/internal/clock"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/internal/metrics"
)

const persistKeyPrefix = "breaker:state:"

// Manager is a named registry of breakers with optional best-effort Redis
// persistence of each breaker's trip_count/backoff_multiplier, so a process
// restart doesn't silently forget a target it had backed off hard from.
// Mirrors CircuitBreakerManager's enable_persistence/_autosave_loop: Redis
// being unreachable never fails breaker construction or Allow/Record calls,
// it only means state resets on restart.
type Manager struct {
	cfg   Config
	clock clock.Clock
	met   *metrics.Collectors
	log   *zap.Logger

	redis redis.Cmdable // nil disables persistence entirely

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewManager constructs a Manager. rdb may be nil to disable persistence.
func NewManager(defaults Config, clk clock.Clock, met *metrics.Collectors, logger *zap.Logger, rdb redis.Cmdable) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      defaults,
		clock:    clk,
		met:      met,
		log:      logger.With(zap.String("component", "breaker_manager")),
		redis:    rdb,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the named breaker, creating it (and attempting to restore its
// persisted state) on first use. A breaker's threshold/timeout defaults to
// the manager-wide Config unless CB_<NAME>_THRESHOLD/CB_<NAME>_TIMEOUT is
// set for this name, matching circuit_breaker_manager.py's per-breaker
// env override.
func (m *Manager) Get(ctx context.Context, name string) *Breaker {
	m.mu.Lock()
	if b, ok := m.breakers[name]; ok {
		m.mu.Unlock()
		return b
	}
	cfg := m.cfg
	cfg.Name = name
	if threshold, ok, timeout, ok2 := config.BreakerOverride(name); ok || ok2 {
		if ok {
			cfg.BaseThreshold = threshold
		}
		if ok2 {
			cfg.BaseTimeout = timeout
		}
	}
	b := New(cfg, m.clock, m.met, m.log)
	m.breakers[name] = b
	m.mu.Unlock()

	m.restore(ctx, b)
	return b
}

type persistedState struct {
	TripCount         int     `json:"trip_count"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

func (m *Manager) restore(ctx context.Context, b *Breaker) {
	if m.redis == nil {
		return
	}
	raw, err := m.redis.Get(ctx, persistKeyPrefix+b.cfg.Name).Result()
	if err != nil {
		// Missing key or unreachable Redis: start fresh, never fail.
		return
	}
	var st persistedState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return
	}
	b.mu.Lock()
	b.tripCount = st.TripCount
	b.backoffMult = st.BackoffMultiplier
	b.mu.Unlock()
}

// Persist writes every breaker's trip_count/backoff_multiplier to Redis.
// Intended to be called on an interval from a background goroutine; errors
// are logged and swallowed, matching the autosave loop's best-effort
// contract.
func (m *Manager) Persist(ctx context.Context) {
	if m.redis == nil {
		return
	}
	m.mu.Lock()
	snapshot := make(map[string]*Breaker, len(m.breakers))
	for name, b := range m.breakers {
		snapshot[name] = b
	}
	m.mu.Unlock()

	for name, b := range snapshot {
		s := b.Snapshot()
		raw, err := json.Marshal(persistedState{TripCount: s.TripCount, BackoffMultiplier: s.BackoffMultiplier})
		if err != nil {
			continue
		}
		if err := m.redis.Set(ctx, persistKeyPrefix+name, raw, 24*time.Hour).Err(); err != nil {
			m.log.Debug("breaker state persist failed, continuing without it", zap.String("name", name), zap.Error(err))
		}
	}
}

// RunAutosave persists on the given interval until ctx is cancelled.
func (m *Manager) RunAutosave(ctx context.Context, interval time.Duration) {
	if m.redis == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Persist(ctx)
		}
	}
}

// Snapshots returns every known breaker's current state for diagnostics.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.breakers))
	for _, b := range m.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
