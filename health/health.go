// Package health implements the Distributed Task Dispatcher's health
// monitor and failover trigger: periodic checks of registered services,
// each wrapped in its own small fixed-threshold circuit breaker
// (distinct from the adaptive provider-facing breaker package), with
// failover invoked after a run of consecutive unhealthy results and a
// bounded auto-recovery attempt budget per service.
//
// Grounded on original_source/backend/scaling/health_checks.py
// (HealthStatus, the internal CircuitBreaker with fixed
// failure_threshold=5/success_threshold=2/timeout=60s, HealthCheck,
// HealthMonitor, AutoRecovery).
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/internal/clock"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/types"
)

// innerBreakerState is the fixed, non-adaptive breaker state distinct
// from package breaker's adaptive one: it exists only to stop hammering
// a dead health-check endpoint, not to protect a production call path.
type innerBreakerState int

const (
	innerClosed innerBreakerState = iota
	innerOpen
	innerHalfOpen
)

const (
	innerFailureThreshold = 5
	innerSuccessThreshold = 2
	innerTimeout          = 60 * time.Second
)

type innerBreaker struct {
	mu          sync.Mutex
	state       innerBreakerState
	failures    int
	successes   int
	openedAt    time.Time
	clock       clock.Clock
}

func newInnerBreaker(clk clock.Clock) *innerBreaker {
	return &innerBreaker{clock: clk}
}

func (b *innerBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case innerOpen:
		if b.clock.Now().Sub(b.openedAt) >= innerTimeout {
			b.state = innerHalfOpen
			b.successes = 0
			return true
		}
		return false
	default:
		return true
	}
}

func (b *innerBreaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.failures = 0
		if b.state == innerHalfOpen {
			b.successes++
			if b.successes >= innerSuccessThreshold {
				b.state = innerClosed
			}
		}
		return
	}
	b.failures++
	if b.state == innerHalfOpen || b.failures >= innerFailureThreshold {
		b.state = innerOpen
		b.openedAt = b.clock.Now()
	}
}

// CheckFunc performs one health probe for a service, returning an error on
// failure. The Monitor measures the response time around the call.
type CheckFunc func(ctx context.Context) error

// check is the registered health-check definition for one service.
type check struct {
	serviceID        string
	fn               CheckFunc
	interval         time.Duration
	timeout          time.Duration
	breaker          *innerBreaker
	consecutiveFails int
	lastResult       types.HealthCheckResult
}

// FailoverHandler is invoked once a service has failed its health check
// three times consecutively.
type FailoverHandler func(ctx context.Context, serviceID string, result types.HealthCheckResult)

// Monitor runs registered health checks and tracks each service's status.
type Monitor struct {
	clock    clock.Clock
	log      *zap.Logger
	onFailover FailoverHandler

	mu     sync.Mutex
	checks map[string]*check
}

func NewMonitor(clk clock.Clock, onFailover FailoverHandler, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{clock: clk, log: logger.With(zap.String("component", "health_monitor")), onFailover: onFailover, checks: make(map[string]*check)}
}

// RegisterHealthCheck adds a new service to monitor.
func (m *Monitor) RegisterHealthCheck(serviceID string, fn CheckFunc, interval, timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[serviceID] = &check{
		serviceID: serviceID,
		fn:        fn,
		interval:  interval,
		timeout:   timeout,
		breaker:   newInnerBreaker(m.clock),
	}
}

// UnregisterHealthCheck removes a service from monitoring.
func (m *Monitor) UnregisterHealthCheck(serviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, serviceID)
}

// CheckService runs one probe for serviceID immediately, recording the
// result and triggering failover after three consecutive unhealthy
// results.
func (m *Monitor) CheckService(ctx context.Context, serviceID string) (types.HealthCheckResult, error) {
	m.mu.Lock()
	c, ok := m.checks[serviceID]
	m.mu.Unlock()
	if !ok {
		return types.HealthCheckResult{}, errNotRegistered(serviceID)
	}

	if !c.breaker.allow() {
		result := types.HealthCheckResult{Status: types.HealthUnhealthy, Error: "circuit open", Timestamp: m.clock.Now()}
		m.recordResult(ctx, c, result)
		return result, nil
	}

	checkCtx := ctx
	var cancel context.CancelFunc
	if c.timeout > 0 {
		checkCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := m.clock.Now()
	err := c.fn(checkCtx)
	elapsed := m.clock.Now().Sub(start)

	result := types.HealthCheckResult{ResponseTimeMS: float64(elapsed.Milliseconds()), Timestamp: m.clock.Now()}
	if err != nil {
		result.Status = types.HealthUnhealthy
		result.Error = err.Error()
		c.breaker.record(false)
	} else {
		result.Status = types.HealthHealthy
		c.breaker.record(true)
	}

	m.recordResult(ctx, c, result)
	return result, nil
}

func (m *Monitor) recordResult(ctx context.Context, c *check, result types.HealthCheckResult) {
	m.mu.Lock()
	if result.Status == types.HealthUnhealthy {
		c.consecutiveFails++
	} else {
		c.consecutiveFails = 0
	}
	result.ConsecutiveFails = c.consecutiveFails
	c.lastResult = result
	fails := c.consecutiveFails
	serviceID := c.serviceID
	m.mu.Unlock()

	if fails == 3 {
		m.triggerFailover(ctx, serviceID, result)
	}
}

func (m *Monitor) triggerFailover(ctx context.Context, serviceID string, result types.HealthCheckResult) {
	m.log.Warn("triggering failover", zap.String("service_id", serviceID), zap.Int("consecutive_fails", result.ConsecutiveFails))
	if m.onFailover != nil {
		m.onFailover(ctx, serviceID, result)
	}
}

// AllStatus returns every registered service's last known result.
func (m *Monitor) AllStatus() map[string]types.HealthCheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]types.HealthCheckResult, len(m.checks))
	for id, c := range m.checks {
		out[id] = c.lastResult
	}
	return out
}

// Unhealthy returns the service IDs currently reporting unhealthy.
func (m *Monitor) Unhealthy() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, c := range m.checks {
		if c.lastResult.Status == types.HealthUnhealthy {
			out = append(out, id)
		}
	}
	return out
}

type notRegisteredError struct{ serviceID string }

func (e notRegisteredError) Error() string { return "service not registered: " + e.serviceID }

func errNotRegistered(serviceID string) error { return notRegisteredError{serviceID: serviceID} }
