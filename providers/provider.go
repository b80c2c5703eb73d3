// Package providers implements the outbound HTTP clients the Agent Router
// dispatches to: DeepSeek and Perplexity over a real chat-completions style
// API, and a Copilot stub that mirrors the upstream system's placeholder
// integration.
//
// Grounded on providers/anthropic/provider.go: one
// struct per provider holding its own *http.Client and config, a
// Name()/HealthCheck() surface, and request/response shapes private to the
// provider rather than a shared wire format forced on every vendor.
package providers

import (
	"context"
	"time"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/types"
)

// Provider is the outbound call surface the Router depends on. Each
// concrete implementation owns exactly one vendor's wire format.
type Provider interface {
	Name() string
	Complete(ctx context.Context, apiKey string, req types.AgentRequest) (types.AgentResponse, error)
	HealthCheck(ctx context.Context, apiKey string) (bool, time.Duration, error)
}
