package providers

import (
	"context"
	"time"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/tokenizer"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/types"
)

// CopilotProvider stands in for the VS Code extension bridge. The original
// implementation's _handle_copilot_message never completed that
// integration and returned a fixed placeholder response instead; this
// preserves that behavior rather than inventing a fake bridge.
type CopilotProvider struct{}

func NewCopilotProvider() *CopilotProvider { return &CopilotProvider{} }

func (p *CopilotProvider) Name() string { return "copilot" }

func (p *CopilotProvider) Complete(ctx context.Context, apiKey string, req types.AgentRequest) (types.AgentResponse, error) {
	const reply = "Copilot placeholder response: VS Code extension bridge integration pending."

	promptTokens := tokenizer.Default.Count(req.Prompt + req.Code)
	completionTokens := tokenizer.Default.Count(reply)

	return types.AgentResponse{
		Success:   true,
		Content:   reply,
		Channel:   types.ChannelToolBridge,
		LatencyMS: 0,
		TokenUsage: &types.TokenUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
			Estimated:        true,
		},
		Metadata: map[string]any{"confidence_score": 0.5},
	}, nil
}

func (p *CopilotProvider) HealthCheck(ctx context.Context, apiKey string) (bool, time.Duration, error) {
	return true, 0, nil
}
