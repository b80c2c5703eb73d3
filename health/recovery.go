package health

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/errs"
)

// RecoveryAction attempts to bring a service back to a healthy state,
// e.g. restarting a connection pool or re-establishing a provider
// session.
type RecoveryAction func(ctx context.Context, serviceID string) error

const maxRecoveryAttemptsPerService = 3

// AutoRecovery bounds recovery attempts to three per service so a
// persistently broken dependency doesn't get hammered with restarts
// indefinitely.
type AutoRecovery struct {
	log     *zap.Logger
	action  RecoveryAction
	mu      sync.Mutex
	attempts map[string]int
}

func NewAutoRecovery(action RecoveryAction, logger *zap.Logger) *AutoRecovery {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutoRecovery{log: logger.With(zap.String("component", "auto_recovery")), action: action, attempts: make(map[string]int)}
}

// Attempt runs the recovery action for serviceID if the per-service
// attempt budget is not exhausted.
func (r *AutoRecovery) Attempt(ctx context.Context, serviceID string) error {
	r.mu.Lock()
	if r.attempts[serviceID] >= maxRecoveryAttemptsPerService {
		r.mu.Unlock()
		return errs.New(errs.KindRollbackFailed, "auto-recovery attempts exhausted for "+serviceID)
	}
	r.attempts[serviceID]++
	attempt := r.attempts[serviceID]
	r.mu.Unlock()

	r.log.Info("attempting recovery", zap.String("service_id", serviceID), zap.Int("attempt", attempt))
	if r.action == nil {
		return nil
	}
	return r.action(ctx, serviceID)
}

// ResetAttempts clears the attempt counter for a service. Nothing in the
// module calls it automatically when a service recovers.
func (r *AutoRecovery) ResetAttempts(serviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, serviceID)
}

// AttemptsUsed reports how many recovery attempts have been spent on a
// service so far.
func (r *AutoRecovery) AttemptsUsed(serviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[serviceID]
}
