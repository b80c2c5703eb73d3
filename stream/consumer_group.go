// Package stream implements the Distributed Task Dispatcher's durable
// stream: Redis Streams consumer groups with on-request claiming of
// stuck-pending entries (ClaimPendingTasks), retry with bounded attempts, a dead-letter
// stream for exhausted retries, and a separate sorted-set priority queue
// variant.
//
// Grounded on original_source/backend/scaling/redis_consumer_groups.py
// (RedisConsumerGroup/TaskPriorityQueue) translated onto
// github.com/redis/go-redis/v9's Streams API, following the same
// constructor-injected-client + structured-logging shape used throughout
// llm's Redis-backed packages.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/errs"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/types"
)

// Config parameterizes one ConsumerGroup.
type Config struct {
	StreamName      string
	GroupName       string
	ConsumerName    string        // auto-generated if empty
	MaxPendingTime  time.Duration // idle time before a pending entry is claimable
	MaxRetries      int
}

func (c Config) withDefaults() Config {
	if c.ConsumerName == "" {
		c.ConsumerName = "consumer-" + uuid.NewString()[:8]
	}
	if c.MaxPendingTime <= 0 {
		c.MaxPendingTime = 5 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// ConsumerGroup is a durable, at-least-once task stream backed by a single
// Redis Stream plus a companion dead-letter stream.
type ConsumerGroup struct {
	cfg      Config
	rdb      redis.Cmdable
	log      *zap.Logger
	dlqName  string
}

// NewConsumerGroup constructs a ConsumerGroup and ensures the consumer
// group exists on the stream, creating the stream itself if necessary.
func NewConsumerGroup(ctx context.Context, cfg Config, rdb redis.Cmdable, logger *zap.Logger) (*ConsumerGroup, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	cg := &ConsumerGroup{
		cfg:     cfg,
		rdb:     rdb,
		log:     logger.With(zap.String("component", "stream"), zap.String("stream", cfg.StreamName), zap.String("group", cfg.GroupName)),
		dlqName: cfg.StreamName + ":dlq",
	}
	if err := cg.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return cg, nil
}

func (cg *ConsumerGroup) ensureGroup(ctx context.Context) error {
	err := cg.rdb.XGroupCreateMkStream(ctx, cg.cfg.StreamName, cg.cfg.GroupName, "0").Err()
	if err == nil {
		cg.log.Info("created consumer group")
		return nil
	}
	if isBusyGroup(err) {
		return nil
	}
	return errs.New(errs.KindProviderError, "failed to create consumer group").WithCause(err)
}

func isBusyGroup(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists" ||
		len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP")
}

// taskEnvelope is the wire shape stored in each stream entry's fields.
type taskEnvelope struct {
	TaskType       string
	TaskData       string // json-encoded payload
	Priority       int
	CreatedAt      string
	RetryCount     int
	OriginalTaskID string
}

func (e taskEnvelope) toFields() map[string]any {
	return map[string]any{
		"task_type":        e.TaskType,
		"task_data":        e.TaskData,
		"priority":         e.Priority,
		"created_at":       e.CreatedAt,
		"retry_count":      e.RetryCount,
		"original_task_id": e.OriginalTaskID,
	}
}

// AddTask appends a new task to the stream and returns its entry ID.
func (cg *ConsumerGroup) AddTask(ctx context.Context, taskType string, payload map[string]any, priority int) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", errs.New(errs.KindValidation, "failed to encode task payload").WithCause(err)
	}
	env := taskEnvelope{
		TaskType:  taskType,
		TaskData:  string(data),
		Priority:  priority,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	id, err := cg.rdb.XAdd(ctx, &redis.XAddArgs{Stream: cg.cfg.StreamName, Values: env.toFields()}).Result()
	if err != nil {
		return "", errs.New(errs.KindNetworkError, "failed to add task to stream").WithCause(err).WithRetryable(true)
	}
	cg.log.Info("added task", zap.String("task_id", id), zap.String("task_type", taskType))
	return id, nil
}

// Task is one entry read from the stream, decoded from its wire fields.
type Task struct {
	ID         string
	TaskType   string
	Payload    map[string]any
	Priority   int
	RetryCount int
}

// ReadTasks reads up to count new entries for this consumer, blocking up to
// block for new entries to arrive.
func (cg *ConsumerGroup) ReadTasks(ctx context.Context, count int, block time.Duration) ([]Task, error) {
	res, err := cg.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    cg.cfg.GroupName,
		Consumer: cg.cfg.ConsumerName,
		Streams:  []string{cg.cfg.StreamName, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		cg.log.Error("error reading tasks", zap.Error(err))
		return nil, errs.New(errs.KindNetworkError, "failed to read from stream").WithCause(err).WithRetryable(true)
	}

	var tasks []Task
	for _, stream := range res {
		for _, msg := range stream.Messages {
			tasks = append(tasks, decodeMessage(msg.ID, msg.Values))
		}
	}
	return tasks, nil
}

func decodeMessage(id string, values map[string]any) Task {
	t := Task{ID: id}
	if v, ok := values["task_type"].(string); ok {
		t.TaskType = v
	}
	if v, ok := values["task_data"].(string); ok {
		_ = json.Unmarshal([]byte(v), &t.Payload)
	}
	switch v := values["priority"].(type) {
	case string:
		fmt.Sscanf(v, "%d", &t.Priority)
	}
	switch v := values["retry_count"].(type) {
	case string:
		fmt.Sscanf(v, "%d", &t.RetryCount)
	}
	return t
}

// Acknowledge marks a task as successfully processed.
func (cg *ConsumerGroup) Acknowledge(ctx context.Context, taskID string) error {
	if err := cg.rdb.XAck(ctx, cg.cfg.StreamName, cg.cfg.GroupName, taskID).Err(); err != nil {
		cg.log.Error("error acknowledging task", zap.String("task_id", taskID), zap.Error(err))
		return errs.New(errs.KindNetworkError, "failed to acknowledge task").WithCause(err).WithRetryable(true)
	}
	return nil
}

// RetryTask re-adds task with an incremented retry count, or moves it to
// the dead-letter stream once max retries are exhausted. Either way the
// original entry is acknowledged so it stops appearing as pending.
func (cg *ConsumerGroup) RetryTask(ctx context.Context, task Task) (movedToDLQ bool, err error) {
	retryCount := task.RetryCount + 1
	if retryCount > cg.cfg.MaxRetries {
		cg.log.Warn("task exceeded max retries, moving to dlq", zap.String("task_id", task.ID))
		if err := cg.moveToDLQ(ctx, task, "max_retries_exceeded"); err != nil {
			return false, err
		}
		return true, nil
	}

	data, merr := json.Marshal(task.Payload)
	if merr != nil {
		return false, errs.New(errs.KindValidation, "failed to encode task payload").WithCause(merr)
	}
	env := taskEnvelope{
		TaskType:       task.TaskType,
		TaskData:       string(data),
		Priority:       task.Priority,
		RetryCount:     retryCount,
		OriginalTaskID: task.ID,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	}
	if _, err := cg.rdb.XAdd(ctx, &redis.XAddArgs{Stream: cg.cfg.StreamName, Values: env.toFields()}).Result(); err != nil {
		return false, errs.New(errs.KindNetworkError, "failed to requeue task").WithCause(err).WithRetryable(true)
	}
	if err := cg.Acknowledge(ctx, task.ID); err != nil {
		return false, err
	}
	cg.log.Info("retrying task", zap.String("task_id", task.ID), zap.Int("attempt", retryCount))
	return false, nil
}

func (cg *ConsumerGroup) moveToDLQ(ctx context.Context, task Task, reason string) error {
	data, err := json.Marshal(task.Payload)
	if err != nil {
		return errs.New(errs.KindValidation, "failed to encode task payload").WithCause(err)
	}
	dlqFields := map[string]any{
		"original_task_id": task.ID,
		"task_type":        task.TaskType,
		"task_data":        string(data),
		"failure_reason":   reason,
		"failed_at":        time.Now().UTC().Format(time.RFC3339Nano),
		"retry_count":      task.RetryCount,
	}
	if _, err := cg.rdb.XAdd(ctx, &redis.XAddArgs{Stream: cg.dlqName, Values: dlqFields}).Result(); err != nil {
		return errs.New(errs.KindNetworkError, "failed to move task to dlq").WithCause(err)
	}
	return cg.Acknowledge(ctx, task.ID)
}

// ClaimPendingTasks claims entries idle longer than idleTime from other
// (possibly dead) consumers in this group, so they are reprocessed rather
// than lost. An idleTime of zero or less uses the configured
// MaxPendingTime.
func (cg *ConsumerGroup) ClaimPendingTasks(ctx context.Context, idleTime time.Duration) ([]Task, error) {
	if idleTime <= 0 {
		idleTime = cg.cfg.MaxPendingTime
	}

	pending, err := cg.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: cg.cfg.StreamName,
		Group:  cg.cfg.GroupName,
		Start:  "-",
		End:    "+",
		Count:  10,
	}).Result()
	if err != nil {
		cg.log.Error("error listing pending entries", zap.Error(err))
		return nil, errs.New(errs.KindNetworkError, "failed to list pending entries").WithCause(err).WithRetryable(true)
	}

	var idleIDs []string
	for _, p := range pending {
		if p.Idle >= idleTime {
			idleIDs = append(idleIDs, p.ID)
		}
	}
	if len(idleIDs) == 0 {
		return nil, nil
	}

	msgs, err := cg.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   cg.cfg.StreamName,
		Group:    cg.cfg.GroupName,
		Consumer: cg.cfg.ConsumerName,
		MinIdle:  idleTime,
		Messages: idleIDs,
	}).Result()
	if err != nil {
		cg.log.Error("error claiming pending entries", zap.Error(err))
		return nil, errs.New(errs.KindNetworkError, "failed to claim pending entries").WithCause(err).WithRetryable(true)
	}

	tasks := make([]Task, 0, len(msgs))
	for _, msg := range msgs {
		tasks = append(tasks, decodeMessage(msg.ID, msg.Values))
		cg.log.Info("claimed pending task", zap.String("task_id", msg.ID))
	}
	return tasks, nil
}

// StreamInfo summarizes the stream's current depth and group count.
type StreamInfo struct {
	Length int64
	Groups int
}

func (cg *ConsumerGroup) Info(ctx context.Context) (StreamInfo, error) {
	streamInfo, err := cg.rdb.XInfoStream(ctx, cg.cfg.StreamName).Result()
	if err != nil {
		return StreamInfo{}, errs.New(errs.KindNetworkError, "failed to read stream info").WithCause(err)
	}
	groups, err := cg.rdb.XInfoGroups(ctx, cg.cfg.StreamName).Result()
	if err != nil {
		return StreamInfo{}, errs.New(errs.KindNetworkError, "failed to read group info").WithCause(err)
	}
	return StreamInfo{Length: streamInfo.Length, Groups: len(groups)}, nil
}

// DeadLetterEntry is one parked entry in the dead-letter stream.
type DeadLetterEntry struct {
	DLQID          string
	OriginalTaskID string
	TaskType       string
	FailureReason  string
	FailedAt       string
	RetryCount     int
}

// DeadLetterEntries returns up to count entries from the dead-letter
// stream for inspection/replay tooling.
func (cg *ConsumerGroup) DeadLetterEntries(ctx context.Context, count int64) ([]DeadLetterEntry, error) {
	msgs, err := cg.rdb.XRangeN(ctx, cg.dlqName, "-", "+", count).Result()
	if err != nil {
		return nil, errs.New(errs.KindNetworkError, "failed to read dead letter stream").WithCause(err)
	}
	out := make([]DeadLetterEntry, 0, len(msgs))
	for _, m := range msgs {
		e := DeadLetterEntry{DLQID: m.ID}
		if v, ok := m.Values["original_task_id"].(string); ok {
			e.OriginalTaskID = v
		}
		if v, ok := m.Values["task_type"].(string); ok {
			e.TaskType = v
		}
		if v, ok := m.Values["failure_reason"].(string); ok {
			e.FailureReason = v
		}
		if v, ok := m.Values["failed_at"].(string); ok {
			e.FailedAt = v
		}
		if v, ok := m.Values["retry_count"].(string); ok {
			fmt.Sscanf(v, "%d", &e.RetryCount)
		}
		out = append(out, e)
	}
	return out, nil
}

var _ types.StreamStore = (*adapter)(nil)

// adapter satisfies types.StreamStore for callers that want the generic
// interface instead of ConsumerGroup's richer task-shaped API.
type adapter struct{ cg *ConsumerGroup }

// AsStreamStore exposes cg through the generic types.StreamStore
// interface consumed elsewhere in the orchestration core.
func AsStreamStore(cg *ConsumerGroup) types.StreamStore { return &adapter{cg: cg} }

func (a *adapter) Append(ctx context.Context, stream string, entry types.StreamEntry) (string, error) {
	return a.cg.AddTask(ctx, entry.TaskType, entry.Payload, entry.Priority)
}

func (a *adapter) ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]types.StreamEntry, error) {
	tasks, err := a.cg.ReadTasks(ctx, count, block)
	if err != nil {
		return nil, err
	}
	out := make([]types.StreamEntry, len(tasks))
	for i, t := range tasks {
		out[i] = types.StreamEntry{EntryID: t.ID, TaskType: t.TaskType, Payload: t.Payload, Priority: t.Priority, RetryCount: t.RetryCount}
	}
	return out, nil
}

func (a *adapter) Acknowledge(ctx context.Context, stream, group, entryID string) error {
	return a.cg.Acknowledge(ctx, entryID)
}

func (a *adapter) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, entryIDs []string) ([]types.StreamEntry, error) {
	tasks, err := a.cg.ClaimPendingTasks(ctx, minIdle)
	if err != nil {
		return nil, err
	}
	out := make([]types.StreamEntry, len(tasks))
	for i, t := range tasks {
		out[i] = types.StreamEntry{EntryID: t.ID, TaskType: t.TaskType, Payload: t.Payload, Priority: t.Priority, RetryCount: t.RetryCount}
	}
	return out, nil
}

func (a *adapter) Range(ctx context.Context, stream string) ([]types.StreamEntry, error) {
	entries, err := a.cg.DeadLetterEntries(ctx, 1000)
	if err != nil {
		return nil, err
	}
	out := make([]types.StreamEntry, len(entries))
	for i, e := range entries {
		out[i] = types.StreamEntry{EntryID: e.DLQID, TaskType: e.TaskType, RetryCount: e.RetryCount}
	}
	return out, nil
}
