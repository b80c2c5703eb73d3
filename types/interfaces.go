package types

import (
	"context"
	"time"
)

// Cache is consumed, not owned; cache.RedisCache implements it, and the
// Router does not consult it. Fingerprint is a stable hash over {prompt, model, temperature, max_tokens,
// extra_kwargs}; see cache.Fingerprint.
type Cache interface {
	Get(ctx context.Context, fingerprint string) (map[string]any, bool, error)
	Set(ctx context.Context, fingerprint string, result map[string]any, ttl time.Duration) error
	ClearAll(ctx context.Context) (int, error)
}

// PromptGuardVerdict is the result of a prompt-guard analysis.
type PromptGuardVerdict struct {
	IsSafe           bool
	Category         string
	Confidence       float64
	SanitizedPrompt  string
	MatchedPatterns  []string
}

// PromptGuard is consumed, not owned. The module has no implementation of
// it and the Router does not call it.
type PromptGuard interface {
	Analyze(ctx context.Context, prompt string) (PromptGuardVerdict, error)
}

// OutputValidation is the result of validating a response body.
type OutputValidation struct {
	IsValid       bool
	SanitizedText string
	Violations    []string
}

// OutputValidator is consumed, not owned. The module has no implementation
// of it and the Router does not call it, so no response content is
// replaced with sanitized text.
type OutputValidator interface {
	Validate(ctx context.Context, text string) (OutputValidation, error)
}

// MemoryStore is the consumed conversation/telemetry persistence interface.
// Writes from the Conductor's telemetry path are best-effort: a failure here
// must never fail the route that triggered it.
type MemoryStore interface {
	StoreMessage(ctx context.Context, conversationID string, msg AgentMessage) error
	GetConversation(ctx context.Context, conversationID string) ([]AgentMessage, error)
	ClearConversation(ctx context.Context, conversationID string) error
	RecordEvent(ctx context.Context, eventName string, payload map[string]any) error
}

// StreamEntry is one append-only record in a durable FIFO log.
type StreamEntry struct {
	EntryID    string
	TaskType   string
	Payload    map[string]any
	Priority   int
	CreatedAt  time.Time
	RetryCount int
}

// StreamStore is the consumed durable-log interface described in §6. The
// concrete implementation in package stream is backed by Redis Streams.
type StreamStore interface {
	Append(ctx context.Context, stream string, entry StreamEntry) (string, error)
	ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]StreamEntry, error)
	Acknowledge(ctx context.Context, stream, group, entryID string) error
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, entryIDs []string) ([]StreamEntry, error)
	Range(ctx context.Context, stream string) ([]StreamEntry, error)
}
