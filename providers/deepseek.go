package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/errs"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/types"
)

// DeepSeekConfig configures the DeepSeek HTTP client.
type DeepSeekConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// DeepSeekProvider implements Provider against DeepSeek's chat-completions
// endpoint (OpenAI-compatible wire shape).
type DeepSeekProvider struct {
	cfg    DeepSeekConfig
	client *http.Client
	logger *zap.Logger
}

// NewDeepSeekProvider constructs a DeepSeekProvider with sane defaults.
func NewDeepSeekProvider(cfg DeepSeekConfig, logger *zap.Logger) *DeepSeekProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.deepseek.com"
	}
	if cfg.Model == "" {
		cfg.Model = "deepseek-chat"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeepSeekProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

func (p *DeepSeekProvider) Name() string { return "deepseek" }

type deepseekChatRequest struct {
	Model    string              `json:"model"`
	Messages []deepseekChatMsg   `json:"messages"`
}

type deepseekChatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type deepseekChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *DeepSeekProvider) Complete(ctx context.Context, apiKey string, req types.AgentRequest) (types.AgentResponse, error) {
	start := time.Now()

	prompt := req.Prompt
	if req.Code != "" {
		prompt = prompt + "\n\n```\n" + req.Code + "\n```"
	}
	body, err := json.Marshal(deepseekChatRequest{
		Model: p.cfg.Model,
		Messages: []deepseekChatMsg{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return types.AgentResponse{}, errs.New(errs.KindProviderError, "failed to encode deepseek request").WithCause(err).WithProvider(p.Name())
	}

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return types.AgentResponse{}, errs.New(errs.KindNetworkError, "failed to build deepseek request").WithCause(err).WithProvider(p.Name())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return types.AgentResponse{}, errs.New(errs.KindNetworkError, "deepseek request failed").WithCause(err).WithProvider(p.Name()).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return types.AgentResponse{}, errs.New(errs.KindAuthError, fmt.Sprintf("deepseek auth failed: status=%d", resp.StatusCode)).WithProvider(p.Name())
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return types.AgentResponse{}, errs.New(errs.KindRateLimited, "deepseek rate limited").WithProvider(p.Name()).WithRetryable(true)
	}
	if resp.StatusCode >= 500 {
		return types.AgentResponse{}, errs.New(errs.KindProviderError, fmt.Sprintf("deepseek server error: status=%d", resp.StatusCode)).WithProvider(p.Name()).WithRetryable(true)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return types.AgentResponse{}, errs.New(errs.KindProviderError, fmt.Sprintf("deepseek error: status=%d body=%s", resp.StatusCode, msg)).WithProvider(p.Name())
	}

	var parsed deepseekChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return types.AgentResponse{}, errs.New(errs.KindProviderError, "failed to decode deepseek response").WithCause(err).WithProvider(p.Name())
	}
	if len(parsed.Choices) == 0 {
		return types.AgentResponse{}, errs.New(errs.KindProviderError, "deepseek returned no choices").WithProvider(p.Name())
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
	}, nil
}

func (p *DeepSeekProvider) HealthCheck(ctx context.Context, apiKey string) (bool, time.Duration, error) {
	start := time.Now()
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/models"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
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
	return resp.StatusCode == http.StatusOK, latency, nil
}
