package conductor

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/types"
)

var validationKeywords = []string{"validated", "safe to apply", "looks good", "approved"}
var criticalKeywords = []string{"critical syntax", "syntax error", "unsafe", "do not apply", "fatal", "rollback"}

// ValidatorSummary is the per-agent verdict produced by the validation
// pipeline.
type ValidatorSummary struct {
	Agent           string
	Success         bool
	Content         string
	Verdict         string // "VALIDATED" or "NOT_VALIDATED"
	CriticalIssues  bool
	Channel         types.Channel
	LatencyMS       float64
	Error           string
}

// RollbackFunc restores target from backup. It runs in its own goroutine;
// ValidateImplementation waits for it to finish or for ctx to be done.
type RollbackFunc func(ctx context.Context, backupFile, targetFile string) error

// ValidationResult is the outcome of ValidateImplementation.
type ValidationResult struct {
	Validated          bool
	RolledBack         bool
	DeepSeekValidation ValidatorSummary
	PerplexityValidation ValidatorSummary
}

// ValidateImplementation runs the same review prompt through DeepSeek and
// Perplexity concurrently, derives a keyword-based verdict for each, and
// triggers rollback (via rollback, off the request goroutine) if either
// agent flags a critical issue and a backup/target pair was supplied.
//
// Grounded on
// original_source/backend/agents/agent_to_agent_communicator.py's
// validate_implementation/_summarize_validation_response/
// _rollback_to_backup (asyncio.to_thread(shutil.copy2) there becomes an
// injected RollbackFunc run in its own goroutine here).
func (c *Conductor) ValidateImplementation(ctx context.Context, implementationContent, validationPrompt string, backupFile, targetFile string, rollback RollbackFunc) ValidationResult {
	codeExcerpt := implementationContent
	if len(codeExcerpt) > 5000 {
		codeExcerpt = codeExcerpt[:5000]
	}

	var dsResp, ppResp types.AgentResponse
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		req, err := types.NewAgentRequest(types.ProviderDeepSeek, "review", validationPrompt, 0)
		if err != nil {
			dsResp = types.AgentResponse{Success: false, Error: err.Error()}
			return nil
		}
		req.Code = codeExcerpt
		resp, err := c.dispatcher.Dispatch(gctx, types.AgentDeepSeek, req)
		if err != nil {
			resp = types.AgentResponse{Success: false, Error: err.Error()}
		}
		dsResp = resp
		return nil
	})
	g.Go(func() error {
		req, err := types.NewAgentRequest(types.ProviderPerplexity, "review", validationPrompt, 0)
		if err != nil {
			ppResp = types.AgentResponse{Success: false, Error: err.Error()}
			return nil
		}
		resp, err := c.dispatcher.Dispatch(gctx, types.AgentPerplexity, req)
		if err != nil {
			resp = types.AgentResponse{Success: false, Error: err.Error()}
		}
		ppResp = resp
		return nil
	})
	_ = g.Wait()

	dsSummary := summarizeValidationResponse("deepseek", dsResp)
	ppSummary := summarizeValidationResponse("perplexity", ppResp)

	validated := dsSummary.Verdict == "VALIDATED" && ppSummary.Verdict == "VALIDATED" &&
		!dsSummary.CriticalIssues && !ppSummary.CriticalIssues

	var rolledBack bool
	if (dsSummary.CriticalIssues || ppSummary.CriticalIssues) && backupFile != "" && targetFile != "" && rollback != nil {
		rolledBack = c.runRollback(ctx, rollback, backupFile, targetFile)
	}

	result := ValidationResult{
		Validated:            validated,
		RolledBack:           rolledBack,
		DeepSeekValidation:   dsSummary,
		PerplexityValidation: ppSummary,
	}

	if c.memory != nil {
		payload := map[string]any{
			"validated":   validated,
			"rolled_back": rolledBack,
		}
		if err := c.memory.RecordEvent(ctx, "phase6_validation", payload); err != nil {
			c.log.Debug("validation telemetry write skipped", zap.Error(err))
		}
	}

	return result
}

// runRollback executes the rollback off the calling goroutine and waits
// for it, so the caller observes whether it succeeded. If ctx is done
// first it returns false without waiting for the copy to finish.
func (c *Conductor) runRollback(ctx context.Context, rollback RollbackFunc, backupFile, targetFile string) bool {
	done := make(chan bool, 1)
	go func() {
		err := rollback(ctx, backupFile, targetFile)
		if err != nil {
			c.log.Error("rollback failed", zap.Error(err))
		}
		done <- err == nil
	}()
	select {
	case ok := <-done:
		return ok
	case <-ctx.Done():
		return false
	}
}

func summarizeValidationResponse(agent string, resp types.AgentResponse) ValidatorSummary {
	text := strings.TrimSpace(resp.Content)
	lower := strings.ToLower(text)

	validated := resp.Success && containsAny(lower, validationKeywords)
	critical := containsAny(lower, criticalKeywords)
	verdict := "NOT_VALIDATED"
	if validated && !critical {
		verdict = "VALIDATED"
	}

	excerpt := text
	if len(excerpt) > 1000 {
		excerpt = excerpt[:1000]
	}

	return ValidatorSummary{
		Agent:          agent,
		Success:        resp.Success,
		Content:        excerpt,
		Verdict:        verdict,
		CriticalIssues: critical,
		Channel:        resp.Channel,
		LatencyMS:      resp.LatencyMS,
		Error:          resp.Error,
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
