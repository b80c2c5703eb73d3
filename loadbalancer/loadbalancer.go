// Package loadbalancer implements the dispatcher's worker load balancer:
// a registry of WorkerState capacity trackers and five selection
// strategies (round robin, least connections, least loaded, weighted
// round robin, random), plus an adaptive variant that switches strategy
// by the fleet's average load.
//
// Grounded on original_source/backend/scaling/load_balancer.py
// (LoadBalancingStrategy, WorkerState.can_accept_task/get_load_factor,
// LoadBalancer._round_robin_select/_least_connections_select/
// _least_loaded_select/_weighted_round_robin_select, AdaptiveLoadBalancer).
package loadbalancer

import (
	"math/rand"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/errs"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/internal/clock"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/types"
)

// Strategy selects which worker receives the next task.
type Strategy string

const (
	StrategyRoundRobin         Strategy = "round_robin"
	StrategyLeastConnections   Strategy = "least_connections"
	StrategyLeastLoaded        Strategy = "least_loaded"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyRandom             Strategy = "random"
)

// LoadBalancer tracks worker capacity and assigns tasks by Strategy.
type LoadBalancer struct {
	mu            sync.Mutex
	workers       map[string]*types.WorkerState
	assignments   map[string]string // taskID -> workerID
	strategy      Strategy
	roundRobinIdx int
	clock         clock.Clock
	log           *zap.Logger
}

func New(strategy Strategy, clk clock.Clock, logger *zap.Logger) *LoadBalancer {
	if strategy == "" {
		strategy = StrategyRoundRobin
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoadBalancer{
		workers:     make(map[string]*types.WorkerState),
		assignments: make(map[string]string),
		strategy:    strategy,
		clock:       clk,
		log:         logger.With(zap.String("component", "loadbalancer")),
	}
}

// RegisterWorker adds or replaces a worker's capacity record.
func (lb *LoadBalancer) RegisterWorker(w types.WorkerState) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if w.Weight <= 0 {
		w.Weight = 1
	}
	if w.MaxConcurrentTasks <= 0 {
		w.MaxConcurrentTasks = 1
	}
	w.Healthy = true
	lb.workers[w.WorkerID] = &w
}

// RemoveWorker drops a worker from the registry.
func (lb *LoadBalancer) RemoveWorker(workerID string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	delete(lb.workers, workerID)
}

// SetStrategy switches the active selection strategy.
func (lb *LoadBalancer) SetStrategy(s Strategy) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.strategy = s
}

// NextWorker selects the next worker able to accept a task under the
// active strategy.
func (lb *LoadBalancer) NextWorker() (*types.WorkerState, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	candidates := lb.acceptingCandidatesLocked()
	if len(candidates) == 0 {
		return nil, errs.New(errs.KindNoHealthyKey, "no worker available to accept task")
	}

	switch lb.strategy {
	case StrategyLeastConnections:
		return leastBy(candidates, func(w *types.WorkerState) float64 { return float64(w.CurrentConnections) }), nil
	case StrategyLeastLoaded:
		return leastBy(candidates, func(w *types.WorkerState) float64 { return w.LoadFactor() }), nil
	case StrategyWeightedRoundRobin:
		return lb.selectWeightedRoundRobinLocked(candidates), nil
	case StrategyRandom:
		return candidates[rand.Intn(len(candidates))], nil
	default:
		return lb.selectRoundRobinLocked(candidates), nil
	}
}

func (lb *LoadBalancer) acceptingCandidatesLocked() []*types.WorkerState {
	candidates := make([]*types.WorkerState, 0, len(lb.workers))
	// Sort by WorkerID for stable round-robin ordering regardless of map
	// iteration order.
	ids := make([]string, 0, len(lb.workers))
	for id := range lb.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		w := lb.workers[id]
		if w.CanAcceptTask() {
			candidates = append(candidates, w)
		}
	}
	return candidates
}

func leastBy(candidates []*types.WorkerState, metric func(*types.WorkerState) float64) *types.WorkerState {
	best := candidates[0]
	bestVal := metric(best)
	for _, w := range candidates[1:] {
		if v := metric(w); v < bestVal {
			best, bestVal = w, v
		}
	}
	return best
}

func (lb *LoadBalancer) selectRoundRobinLocked(candidates []*types.WorkerState) *types.WorkerState {
	w := candidates[lb.roundRobinIdx%len(candidates)]
	lb.roundRobinIdx++
	return w
}

// selectWeightedRoundRobinLocked expands candidates into a flat list
// repeated by weight, then indexes into it round-robin style.
func (lb *LoadBalancer) selectWeightedRoundRobinLocked(candidates []*types.WorkerState) *types.WorkerState {
	expanded := make([]*types.WorkerState, 0, len(candidates))
	for _, w := range candidates {
		for i := 0; i < w.Weight; i++ {
			expanded = append(expanded, w)
		}
	}
	if len(expanded) == 0 {
		return candidates[0]
	}
	w := expanded[lb.roundRobinIdx%len(expanded)]
	lb.roundRobinIdx++
	return w
}

// AssignTask records taskID's assignment to a worker and increments its
// connection count.
func (lb *LoadBalancer) AssignTask(taskID string, w *types.WorkerState) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	w.CurrentConnections++
	w.TotalTasksAssigned++
	w.LastAssignedAt = lb.clock.Now()
	lb.assignments[taskID] = w.WorkerID
}

// CompleteTask releases the worker capacity taskID was holding.
func (lb *LoadBalancer) CompleteTask(taskID string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	workerID, ok := lb.assignments[taskID]
	if !ok {
		return
	}
	delete(lb.assignments, taskID)
	if w, ok := lb.workers[workerID]; ok && w.CurrentConnections > 0 {
		w.CurrentConnections--
	}
}

// AverageLoad returns the mean load factor across all registered workers.
func (lb *LoadBalancer) AverageLoad() float64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if len(lb.workers) == 0 {
		return 0
	}
	var sum float64
	for _, w := range lb.workers {
		sum += w.LoadFactor()
	}
	return sum / float64(len(lb.workers))
}

// Rebalance is a report-only pass: it changes no worker state and moves no
// queued tasks (there is no re-queue mechanism here). When at least one
// worker is overloaded (load factor above 0.8) and at least one is
// underloaded (below 0.5), it returns the number of workers in those two
// groups; otherwise it returns 0.
func (lb *LoadBalancer) Rebalance() int {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	var overloaded, underloaded []*types.WorkerState
	for _, w := range lb.workers {
		switch {
		case w.LoadFactor() > 0.8:
			overloaded = append(overloaded, w)
		case w.LoadFactor() < 0.5:
			underloaded = append(underloaded, w)
		}
	}
	if len(overloaded) == 0 || len(underloaded) == 0 {
		return 0
	}
	return len(overloaded) + len(underloaded)
}

// AdaptiveLoadBalancer wraps LoadBalancer and switches strategy by the
// fleet's current average load before each NextWorker call.
type AdaptiveLoadBalancer struct {
	*LoadBalancer
}

func NewAdaptive(clk clock.Clock, logger *zap.Logger) *AdaptiveLoadBalancer {
	return &AdaptiveLoadBalancer{LoadBalancer: New(StrategyRoundRobin, clk, logger)}
}

func (a *AdaptiveLoadBalancer) NextWorker() (*types.WorkerState, error) {
	avg := a.AverageLoad()
	switch {
	case avg < 0.3:
		a.SetStrategy(StrategyRoundRobin)
	case avg <= 0.7:
		a.SetStrategy(StrategyLeastLoaded)
	default:
		a.SetStrategy(StrategyLeastConnections)
	}
	return a.LoadBalancer.NextWorker()
}
