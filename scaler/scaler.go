// Package scaler implements the dynamic worker scaling control loop and
// its companion worker health monitor: tracks each worker's self-reported
// resource usage, decides when to scale up or down against cooldowns and
// utilization/resource thresholds, and emits the decision as a scaling
// event rather than spawning or killing workers itself (provisioning is
// external, matching the source system's boundary).
//
// Grounded on original_source/backend/scaling/dynamic_worker_scaling.py
// (WorkerMetrics, ScalingConfig, WorkerHealthMonitor,
// DynamicWorkerScaler.should_scale_up/should_scale_down/scale_up/scale_down).
package scaler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/internal/clock"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/internal/metrics"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/types"
)

// HealthMonitor tracks each worker's self-reported metrics and evicts
// workers whose heartbeat has gone stale.
type HealthMonitor struct {
	cfg   types.ScalingConfig
	clock clock.Clock
	log   *zap.Logger

	mu      sync.Mutex
	workers map[string]*types.WorkerMetrics
}

func NewHealthMonitor(cfg types.ScalingConfig, clk clock.Clock, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthMonitor{cfg: cfg, clock: clk, log: logger.With(zap.String("component", "worker_health")), workers: make(map[string]*types.WorkerMetrics)}
}

// RegisterWorker adds a new worker to the tracked set.
func (h *HealthMonitor) RegisterWorker(workerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.workers[workerID] = &types.WorkerMetrics{WorkerID: workerID, Status: types.WorkerActive, LastHeartbeat: h.clock.Now()}
}

// UpdateHeartbeat records a worker's latest self-reported metrics.
func (h *HealthMonitor) UpdateHeartbeat(workerID string, cpuPercent, memPercent float64, tasksProcessed, tasksFailed int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.workers[workerID]
	if !ok {
		m = &types.WorkerMetrics{WorkerID: workerID}
		h.workers[workerID] = m
	}
	m.CPUPercent = cpuPercent
	m.MemoryPercent = memPercent
	m.TasksProcessed = tasksProcessed
	m.TasksFailed = tasksFailed
	m.LastHeartbeat = h.clock.Now()
	m.Status = types.WorkerActive
}

// AllWorkers returns a snapshot of every tracked worker's metrics.
func (h *HealthMonitor) AllWorkers() []types.WorkerMetrics {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.WorkerMetrics, 0, len(h.workers))
	for _, m := range h.workers {
		out = append(out, *m)
	}
	return out
}

// RemoveDeadWorkers evicts any worker whose heartbeat is older than the
// configured timeout and returns their IDs.
func (h *HealthMonitor) RemoveDeadWorkers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.clock.Now()
	var dead []string
	for id, m := range h.workers {
		if now.Sub(m.LastHeartbeat) > h.cfg.HeartbeatTimeout {
			dead = append(dead, id)
			delete(h.workers, id)
		}
	}
	if len(dead) > 0 {
		h.log.Warn("removed dead workers", zap.Strings("worker_ids", dead))
	}
	return dead
}

// ScalingEvent describes one scale decision and is passed to the
// EventSink.
type ScalingEvent struct {
	Direction    string // "up" or "down"
	ActiveCount  int
	Reason       string
	Timestamp    time.Time
}

// EventSink receives scaling decisions. orchestratord's EventSink logs each
// event; no event is written to a Redis stream.
type EventSink interface {
	Emit(ctx context.Context, event ScalingEvent) error
}

// Scaler decides when to scale the worker fleet up or down. It never
// spawns or terminates workers itself (that provisioning is external);
// it only emits the decision via EventSink.
type Scaler struct {
	cfg     types.ScalingConfig
	health  *HealthMonitor
	sink    EventSink
	clock   clock.Clock
	met     *metrics.Collectors
	log     *zap.Logger

	mu             sync.Mutex
	activeWorkers  int
	lastScaleUp    time.Time
	lastScaleDown  time.Time
}

func New(cfg types.ScalingConfig, health *HealthMonitor, sink EventSink, clk clock.Clock, met *metrics.Collectors, logger *zap.Logger) *Scaler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scaler{cfg: cfg, health: health, sink: sink, clock: clk, met: met, log: logger.With(zap.String("component", "scaler"))}
}

// SetActiveWorkers updates the fleet size the scaler reasons about.
func (s *Scaler) SetActiveWorkers(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeWorkers = n
}

// Decision is the current system pressure snapshot the scaler evaluates.
type Decision struct {
	QueueDepth  int
	SystemCPU   float64
	SystemMem   float64
}

// ShouldScaleUp mirrors should_scale_up: cooldown gate, capacity gate,
// then any of {queue depth over target, more than ScaleUpThreshold of the
// tracked workers running hot, system CPU/memory pressure}.
func (s *Scaler) ShouldScaleUp(d Decision) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if !s.lastScaleUp.IsZero() && now.Sub(s.lastScaleUp) < s.cfg.ScaleUpCooldown {
		return false
	}
	if s.activeWorkers >= s.cfg.MaxWorkers {
		return false
	}

	if d.QueueDepth > s.cfg.TargetQueueDepth {
		return true
	}
	if s.fractionBusyLocked() > s.cfg.ScaleUpThreshold {
		return true
	}
	if d.SystemCPU > s.cfg.CPUThreshold {
		return true
	}
	if d.SystemMem > s.cfg.MemoryThreshold {
		return true
	}
	return false
}

// ShouldScaleDown mirrors should_scale_down: cooldown gate, floor gate,
// then queue well under target and the fleet mostly idle.
func (s *Scaler) ShouldScaleDown(d Decision) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if !s.lastScaleDown.IsZero() && now.Sub(s.lastScaleDown) < s.cfg.ScaleDownCooldown {
		return false
	}
	if s.activeWorkers <= s.cfg.MinWorkers {
		return false
	}
	if d.QueueDepth > s.cfg.TargetQueueDepth/2 {
		return false
	}
	return s.fractionBusyLocked() < s.cfg.ScaleDownThreshold
}

// fractionBusyLocked returns the fraction of tracked workers whose CPU
// usage exceeds 50%, the same proxy dynamic_worker_scaling.py uses for
// "workers running hot".
func (s *Scaler) fractionBusyLocked() float64 {
	workers := s.health.AllWorkers()
	if len(workers) == 0 {
		return 0
	}
	var hot int
	for _, w := range workers {
		if w.CPUPercent > 50.0 {
			hot++
		}
	}
	return float64(hot) / float64(len(workers))
}

// ScaleUp records the cooldown timestamp and emits a scale-up event.
func (s *Scaler) ScaleUp(ctx context.Context, reason string) error {
	s.mu.Lock()
	s.lastScaleUp = s.clock.Now()
	active := s.activeWorkers
	s.mu.Unlock()

	if s.met != nil {
		s.met.ScalingEvents.WithLabelValues("up").Inc()
	}
	s.log.Info("scale up decision", zap.String("reason", reason))
	if s.sink == nil {
		return nil
	}
	return s.sink.Emit(ctx, ScalingEvent{Direction: "up", ActiveCount: active, Reason: reason, Timestamp: s.clock.Now()})
}

// ScalingMetrics is the scaler's point-in-time fleet summary, the same
// shape dynamic_worker_scaling.py's get_scaling_metrics returns.
type ScalingMetrics struct {
	TotalWorkers     int
	MinWorkers       int
	MaxWorkers       int
	ActiveWorkers    int
	OverloadedWorkers int
	AverageCPU       float64
	AverageMemory    float64
	LastScaleUp      time.Time
	LastScaleDown    time.Time
}

// Metrics reports the current fleet summary: total and active-status
// worker counts, the overloaded count (CPUPercent over 80, matching
// get_scaling_metrics' overloaded_workers threshold; memory is not
// considered), fleet-wide averages, and the last scale timestamps.
func (s *Scaler) Metrics() ScalingMetrics {
	workers := s.health.AllWorkers()

	s.mu.Lock()
	defer s.mu.Unlock()

	m := ScalingMetrics{
		TotalWorkers: len(workers),
		MinWorkers:   s.cfg.MinWorkers,
		MaxWorkers:   s.cfg.MaxWorkers,
		LastScaleUp:  s.lastScaleUp,
		LastScaleDown: s.lastScaleDown,
	}
	if len(workers) == 0 {
		return m
	}

	var totalCPU, totalMem float64
	for _, w := range workers {
		totalCPU += w.CPUPercent
		totalMem += w.MemoryPercent
		if w.Status == types.WorkerActive {
			m.ActiveWorkers++
		}
		if w.CPUPercent > 80.0 {
			m.OverloadedWorkers++
		}
	}
	m.AverageCPU = totalCPU / float64(len(workers))
	m.AverageMemory = totalMem / float64(len(workers))
	return m
}

// ScaleDown records the cooldown timestamp and emits a scale-down event.
func (s *Scaler) ScaleDown(ctx context.Context, reason string) error {
	s.mu.Lock()
	s.lastScaleDown = s.clock.Now()
	active := s.activeWorkers
	s.mu.Unlock()

	if s.met != nil {
		s.met.ScalingEvents.WithLabelValues("down").Inc()
	}
	s.log.Info("scale down decision", zap.String("reason", reason))
	if s.sink == nil {
		return nil
	}
	return s.sink.Emit(ctx, ScalingEvent{Direction: "down", ActiveCount: active, Reason: reason, Timestamp: s.clock.Now()})
}
