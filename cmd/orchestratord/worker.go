package main

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/scaler"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/stream"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/types"
)

// run launches every background control loop and blocks until ctx is
// canceled (SIGINT/SIGTERM), then waits for each loop to return. There is
// no HTTP listener to shut down: each loop is its own goroutine driven off
// a ticker or a blocking stream read, all ctx.Done()-aware.
func (a *app) run(ctx context.Context) {
	var wg sync.WaitGroup
	loops := []func(context.Context){
		a.consumeTasks,
		a.tickScaler,
		a.tickHealthChecks,
		a.reconcileKeyPools,
		func(ctx context.Context) { a.breakers.RunAutosave(ctx, 30*time.Second) },
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(l func(context.Context)) {
			defer wg.Done()
			l(ctx)
		}(loop)
	}
	wg.Wait()
}

// consumeTasks reads batches of dispatch tasks off the durable stream and
// routes each through the conductor, acknowledging on success and retrying
// (with eventual dead-lettering) on failure. Grounded on
// original_source/backend/scaling/redis_consumer_groups.py's worker loop
// shape: read, process, ack-or-retry.
func (a *app) consumeTasks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tasks, err := a.tasks.ReadTasks(ctx, 10, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Warn("reading tasks failed", zap.Error(err))
			continue
		}
		for _, task := range tasks {
			a.processTask(ctx, task)
		}
	}
}

func (a *app) processTask(ctx context.Context, task stream.Task) {
	msg := taskToMessage(task)
	resp := a.conduct.RouteMessage(ctx, msg)
	if resp.MessageType == types.MessageError {
		a.log.Warn("task routing failed", zap.String("task_id", task.ID), zap.String("error", resp.Content))
		if _, retryErr := a.tasks.RetryTask(ctx, task); retryErr != nil {
			a.log.Error("retrying task failed", zap.String("task_id", task.ID), zap.Error(retryErr))
		}
		return
	}
	if err := a.tasks.Acknowledge(ctx, task.ID); err != nil {
		a.log.Error("acknowledging task failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func taskToMessage(task stream.Task) types.AgentMessage {
	toAgent := types.AgentDeepSeek
	if provider, ok := task.Payload["to_agent"].(string); ok {
		toAgent = types.AgentType(provider)
	}
	content, _ := task.Payload["content"].(string)
	conversationID, _ := task.Payload["conversation_id"].(string)
	if conversationID == "" {
		conversationID = task.ID
	}
	return types.AgentMessage{
		MessageID:      task.ID,
		FromAgent:      types.AgentOrchestrator,
		ToAgent:        toAgent,
		MessageType:    types.MessageQuery,
		Content:        content,
		ConversationID: conversationID,
		Iteration:      task.RetryCount + 1,
		MaxIterations:  10,
	}
}

// tickScaler evaluates scale-up/scale-down decisions against the current
// queue depth every few seconds. Grounded on
// original_source/backend/scaling/dynamic_worker_scaling.py's periodic
// scaling loop.
func (a *app) tickScaler(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := a.tasks.Info(ctx)
			if err != nil {
				a.log.Warn("reading stream info for scaler failed", zap.Error(err))
				continue
			}
			decision := scaler.Decision{QueueDepth: int(info.Length)}
			if a.worksc.ShouldScaleUp(decision) {
				if err := a.worksc.ScaleUp(ctx, "queue depth above target"); err != nil {
					a.log.Warn("scale up failed", zap.Error(err))
				}
			} else if a.worksc.ShouldScaleDown(decision) {
				if err := a.worksc.ScaleDown(ctx, "fleet idle"); err != nil {
					a.log.Warn("scale down failed", zap.Error(err))
				}
			}
		}
	}
}

// tickHealthChecks probes every registered service every 15 seconds so the
// failover handler fires promptly on sustained unhealthiness.
func (a *app) tickHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for serviceID := range a.failover.AllStatus() {
				if _, err := a.failover.CheckService(ctx, serviceID); err != nil {
					a.log.Debug("health check failed", zap.String("service_id", serviceID), zap.Error(err))
				}
			}
		}
	}
}

// reconcileKeyPools re-admits quarantined API keys whose cooldown has
// elapsed back to unknown, letting the next lease re-test them.
func (a *app) reconcileKeyPools(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for provider, pool := range a.keypools {
				if restored := pool.Reconcile(); restored > 0 {
					a.log.Info("reconciled quarantined keys", zap.String("provider", string(provider)), zap.Int("restored", restored))
				}
			}
		}
	}
}
