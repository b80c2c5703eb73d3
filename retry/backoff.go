// Package retry implements exponential backoff with jitter in a Retryer
// that re-runs a call while its error is retryable. The Router and the
// task stream's RetryTask perform their own retries and do not use it.
//
// Grounded directly on llm/retry/backoff.go:
// same Policy shape, same calculateDelay formula (exponential, capped at
// the max delay, then ±25% jitter, then floored at the initial delay, so a
// jittered delay can exceed the max by up to 25%), same
// context-cancellation-aware wait.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/errs"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/internal/clock"
)

// Policy configures exponential backoff.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultPolicy matches llm/retry/backoff.go's DefaultRetryPolicy: one retry budget
// suited to outbound LLM calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   1,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	return p
}

// Retryer runs fn, retrying on a Retryable error up to Policy.MaxRetries
// times with exponential backoff.
type Retryer struct {
	policy Policy
	clock  clock.Clock
	rand   clock.Rand
	logger *zap.Logger
}

func NewRetryer(policy Policy, clk clock.Clock, rnd clock.Rand, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{policy: policy.withDefaults(), clock: clk, rand: rnd, logger: logger}
}

// Do runs fn, retrying while the returned error is retryable per
// errs.IsRetryable and the budget remains.
func (r *Retryer) Do(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelay(attempt)
			r.logger.Debug("retrying", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errs.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt >= r.policy.MaxRetries {
			break
		}
	}
	return lastErr
}

func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter && r.rand != nil {
		jitter := delay * 0.25
		delay += (r.rand.Float64()*2 - 1) * jitter
	}
	if delay < float64(r.policy.InitialDelay) {
		delay = float64(r.policy.InitialDelay)
	}
	return time.Duration(delay)
}
