// Package ratelimit implements per-key rate limiters (sliding window,
// token bucket, fixed window) and a CheckAndRecord helper that turns a
// rejection into a RateLimited error. No other package in the module calls
// it; the Conductor does not rate-limit agent-to-agent turns.
//
// Grounded on llm/tools/ratelimit.go: the same
// Strategy/Scope shape, the same three concrete Limiter implementations
// (sliding window, token bucket, fixed window), generalized from
// tool-call scoping to agent-pair scoping.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/errs"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/internal/clock"
)

// Strategy selects the limiting algorithm.
type Strategy string

const (
	StrategySlidingWindow Strategy = "sliding_window"
	StrategyTokenBucket   Strategy = "token_bucket"
	StrategyFixedWindow   Strategy = "fixed_window"
)

// Rule configures one limiter instance.
type Rule struct {
	Strategy Strategy
	Max      int           // max events (sliding/fixed) or bucket capacity (token bucket)
	Window   time.Duration // window size (sliding/fixed) or refill period (token bucket)
}

// Limiter decides whether one more event may proceed right now.
type Limiter interface {
	Allow(key string) bool
}

// New constructs the concrete Limiter named by rule.Strategy.
func New(rule Rule, clk clock.Clock) Limiter {
	switch rule.Strategy {
	case StrategyTokenBucket:
		return newTokenBucket(rule, clk)
	case StrategyFixedWindow:
		return newFixedWindow(rule, clk)
	default:
		return newSlidingWindow(rule, clk)
	}
}

// slidingWindow keeps a per-key slice of event timestamps and prunes any
// older than the window on each check.
type slidingWindow struct {
	mu     sync.Mutex
	rule   Rule
	clock  clock.Clock
	events map[string][]time.Time
}

func newSlidingWindow(rule Rule, clk clock.Clock) *slidingWindow {
	return &slidingWindow{rule: rule, clock: clk, events: make(map[string][]time.Time)}
}

func (s *slidingWindow) Allow(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	cutoff := now.Add(-s.rule.Window)
	ts := s.events[key]
	pruned := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	if len(pruned) >= s.rule.Max {
		s.events[key] = pruned
		return false
	}
	s.events[key] = append(pruned, now)
	return true
}

// tokenBucket holds one golang.org/x/time/rate.Limiter per key, refilling
// continuously at Max/Window tokens per second up to a burst of Max.
// Grounded on cmd/agentflow/middleware.go's per-visitor rate.NewLimiter,
// generalized from an IP-keyed HTTP middleware to an agent-pair-keyed
// Limiter; AllowN is driven by clk.Now() instead of rate.Limiter's
// internal wall clock so fake clocks still control refill in tests.
type tokenBucket struct {
	mu       sync.Mutex
	rule     Rule
	clock    clock.Clock
	limiters map[string]*rate.Limiter
}

func newTokenBucket(rule Rule, clk clock.Clock) *tokenBucket {
	return &tokenBucket{rule: rule, clock: clk, limiters: make(map[string]*rate.Limiter)}
}

func (b *tokenBucket) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	limiter, ok := b.limiters[key]
	if !ok {
		ratePerSec := float64(b.rule.Max) / b.rule.Window.Seconds()
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), b.rule.Max)
		b.limiters[key] = limiter
	}
	return limiter.AllowN(b.clock.Now(), 1)
}

// fixedWindow resets its counter each time the window elapses.
type fixedWindow struct {
	mu          sync.Mutex
	rule        Rule
	clock       clock.Clock
	count       map[string]int
	windowStart map[string]time.Time
}

func newFixedWindow(rule Rule, clk clock.Clock) *fixedWindow {
	return &fixedWindow{rule: rule, clock: clk, count: make(map[string]int), windowStart: make(map[string]time.Time)}
}

func (f *fixedWindow) Allow(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	start, ok := f.windowStart[key]
	if !ok || now.Sub(start) >= f.rule.Window {
		f.windowStart[key] = now
		f.count[key] = 0
	}
	if f.count[key] >= f.rule.Max {
		return false
	}
	f.count[key]++
	return true
}

// CheckAndRecord allows or rejects one event for conversationKey, returning
// a RateLimited error (not a bool) so callers compose it directly into the
// error taxonomy.
func CheckAndRecord(l Limiter, conversationKey string) error {
	if l.Allow(conversationKey) {
		return nil
	}
	return errs.New(errs.KindRateLimited, "rate limit exceeded for "+conversationKey)
}
