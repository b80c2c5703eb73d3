package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/errs"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/types"
)

// PerplexityConfig configures the Perplexity HTTP client.
type PerplexityConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// PerplexityProvider implements Provider against Perplexity's
// chat-completions endpoint, which additionally returns web citations.
type PerplexityProvider struct {
	cfg    PerplexityConfig
	client *http.Client
	logger *zap.Logger
}

func NewPerplexityProvider(cfg PerplexityConfig, logger *zap.Logger) *PerplexityProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.perplexity.ai"
	}
	if cfg.Model == "" {
		cfg.Model = "sonar"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PerplexityProvider{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, logger: logger}
}

func (p *PerplexityProvider) Name() string { return "perplexity" }

type perplexityRequest struct {
	Model    string              `json:"model"`
	Messages []perplexityMessage `json:"messages"`
}

type perplexityMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type perplexityResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Citations []string `json:"citations"`
	Usage     struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *PerplexityProvider) Complete(ctx context.Context, apiKey string, req types.AgentRequest) (types.AgentResponse, error) {
	start := time.Now()

	payload, err := json.Marshal(perplexityRequest{
		Model: p.cfg.Model,
		Messages: []perplexityMessage{
			{Role: "user", Content: req.Prompt},
		},
	})
	if err != nil {
		return types.AgentResponse{}, errs.New(errs.KindProviderError, "failed to encode perplexity request").WithCause(err).WithProvider(p.Name())
	}

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return types.AgentResponse{}, errs.New(errs.KindNetworkError, "failed to build perplexity request").WithCause(err).WithProvider(p.Name())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return types.AgentResponse{}, errs.New(errs.KindNetworkError, "perplexity request failed").WithCause(err).WithProvider(p.Name()).WithRetryable(true)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return types.AgentResponse{}, errs.New(errs.KindAuthError, fmt.Sprintf("perplexity auth failed: status=%d", resp.StatusCode)).WithProvider(p.Name())
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.AgentResponse{}, errs.New(errs.KindRateLimited, "perplexity rate limited").WithProvider(p.Name()).WithRetryable(true)
	case resp.StatusCode >= 500:
		return types.AgentResponse{}, errs.New(errs.KindProviderError, fmt.Sprintf("perplexity server error: status=%d", resp.StatusCode)).WithProvider(p.Name()).WithRetryable(true)
	case resp.StatusCode != http.StatusOK:
		return types.AgentResponse{}, errs.New(errs.KindProviderError, fmt.Sprintf("perplexity error: status=%d", resp.StatusCode)).WithProvider(p.Name())
	}

	var parsed perplexityResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return types.AgentResponse{}, errs.New(errs.KindProviderError, "failed to decode perplexity response").WithCause(err).WithProvider(p.Name())
	}
	if len(parsed.Choices) == 0 {
		return types.AgentResponse{}, errs.New(errs.KindProviderError, "perplexity returned no choices").WithProvider(p.Name())
	}

	metadata := map[string]any{}
	if len(parsed.Citations) > 0 {
		metadata["citations"] = parsed.Citations
	}

	return types.AgentResponse{
		Success: true,
		Content: parsed.Choices[0].Message.Content,
		Channel: types.ChannelDirectAPI,
		LatencyMS: float64(latency.Milliseconds()),
		TokenUsage: &types.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
		Metadata: metadata,
	}, nil
}

func (p *PerplexityProvider) HealthCheck(ctx context.Context, apiKey string) (bool, time.Duration, error) {
	start := time.Now()
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/chat/completions"
	// Perplexity has no dedicated health endpoint; an OPTIONS request with no
	// body against the completions route checks reachability without
	// spending a completion. Any status below 500, including 401/403,
	// counts as healthy, so the probe does not verify the key.
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodOptions, endpoint, nil)
	if err != nil {
		return false, 0, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return false, latency, err
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500, latency, nil
}
