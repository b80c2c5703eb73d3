// Package types holds the data model shared across the orchestration core:
// requests/responses that cross the Router boundary, API key identity,
// conversation messages, worker/scaling state, and the small consumed-only
// interfaces (cache, prompt guard, output validator, memory store) consumed
// across component boundaries rather than owned by any one package.
package types

import (
	"time"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/errs"
)

// Provider identifies an external LLM-backed service reachable by HTTP.
type Provider string

const (
	ProviderDeepSeek   Provider = "deepseek"
	ProviderPerplexity Provider = "perplexity"
	ProviderCopilot    Provider = "copilot"
)

// Channel is a route to a provider.
type Channel string

const (
	ChannelDirectAPI  Channel = "direct_api"
	ChannelToolBridge Channel = "tool_bridge"
)

const truncationSentinel = "[TRUNCATED]"

// AgentRequest is immutable after NewAgentRequest validates and normalizes
// it. maxPromptLength bounds the prompt; a request over that length is
// truncated with an explicit sentinel tail, never silently dropped.
type AgentRequest struct {
	Provider         Provider
	TaskType         string
	Prompt           string
	Code             string
	Context          map[string]any
	PreferredChannel Channel
}

// NewAgentRequest validates and normalizes req.Prompt in place, applying the
// truncation rule from §3: prompts longer than maxPromptLength are cut to
// exactly maxPromptLength characters, with the final characters being the
// sentinel tail.
func NewAgentRequest(provider Provider, taskType, prompt string, maxPromptLength int) (AgentRequest, error) {
	if prompt == "" {
		return AgentRequest{}, errs.New(errs.KindValidation, "prompt must not be empty")
	}
	if maxPromptLength > 0 && len(prompt) > maxPromptLength {
		prompt = truncate(prompt, maxPromptLength)
	}
	return AgentRequest{
		Provider: provider,
		TaskType: taskType,
		Prompt:   prompt,
		Context:  map[string]any{},
	}, nil
}

func truncate(prompt string, max int) string {
	if max <= len(truncationSentinel) {
		return truncationSentinel[:max]
	}
	keep := max - len(truncationSentinel)
	return prompt[:keep] + truncationSentinel
}

// UseFileAccess reports the context.use_file_access flag used by channel
// selection rule 1 (force DIRECT_API).
func (r AgentRequest) UseFileAccess() bool {
	if r.Context == nil {
		return false
	}
	v, _ := r.Context["use_file_access"].(bool)
	return v
}

// FromMCPTool reports whether this request originated from a tool-bridge
// handler, which also forces DIRECT_API per channel selection rule 1.
func (r AgentRequest) FromMCPTool() bool {
	if r.Context == nil {
		return false
	}
	v, _ := r.Context["from_mcp_tool"].(bool)
	return v
}

// TimeoutOverride reads an optional per-request deadline override from
// context, used to compute the effective deadline in §4.2.
func (r AgentRequest) TimeoutOverride() (time.Duration, bool) {
	if r.Context == nil {
		return 0, false
	}
	v, ok := r.Context["timeout_override"].(time.Duration)
	return v, ok
}

// ConversationID reads the conversation this request belongs to, used to
// scope the per-request tool_call_budget across the bridge calls one
// ongoing exchange makes.
func (r AgentRequest) ConversationID() (string, bool) {
	if r.Context == nil {
		return "", false
	}
	v, ok := r.Context["conversation_id"].(string)
	return v, ok
}

// AgentResponse is an ephemeral, immutable result of a Router call.
type AgentResponse struct {
	Success    bool
	Content    string
	Channel    Channel
	KeyIndex   *int
	LatencyMS  float64
	TokenUsage *TokenUsage
	Error      string
	Metadata   map[string]any
}

// TokenUsage carries token/cost metadata extracted from provider responses,
// or estimated via a tokenizer when the provider omits usage fields.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	EstimatedCostUSD float64
	Estimated        bool
}
