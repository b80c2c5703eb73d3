package conductor

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/types"
)

// MultiTurnConversation drives a conversation for up to maxTurns turns,
// advancing via pattern (sequential alternates DeepSeek/Perplexity;
// collaborative swaps the non-initiating agent in) until a terminal
// message type, the iteration budget, or a stuck repeat of the last
// three messages' content ends it.
//
// Grounded on
// original_source/backend/agents/agent_to_agent_communicator.py's
// multi_turn_conversation/_should_end_conversation/_determine_next_message.
func (c *Conductor) MultiTurnConversation(ctx context.Context, initial types.AgentMessage, maxTurns int, pattern types.CommunicationPattern) []types.AgentMessage {
	history := []types.AgentMessage{initial}
	current := initial

	for i := 0; i < maxTurns; i++ {
		response := c.RouteMessage(ctx, current)
		history = append(history, response)

		if shouldEndConversation(response, history) {
			break
		}
		if response.Iteration >= response.MaxIterations {
			break
		}

		next, ok := determineNextMessage(response, pattern)
		if !ok {
			break
		}
		next.MessageID = newMessageID()
		next.Timestamp = c.clock.Now()
		current = next
	}

	return history
}

func shouldEndConversation(response types.AgentMessage, history []types.AgentMessage) bool {
	if response.MessageType == types.MessageCompletion || response.MessageType == types.MessageError {
		return true
	}
	if response.Iteration >= response.MaxIterations {
		return true
	}
	if len(history) >= 3 {
		last3 := history[len(history)-3:]
		seen := map[string]struct{}{}
		for _, m := range last3 {
			key := m.Content
			if len(key) > 100 {
				key = key[:100]
			}
			seen[key] = struct{}{}
		}
		if len(seen) == 1 {
			return true
		}
	}
	return false
}

func determineNextMessage(response types.AgentMessage, pattern types.CommunicationPattern) (types.AgentMessage, bool) {
	nextAgent := response.FromAgent
	switch pattern {
	case types.PatternCollaborative:
		if response.FromAgent == types.AgentDeepSeek {
			nextAgent = types.AgentPerplexity
		} else {
			nextAgent = types.AgentDeepSeek
		}
	case types.PatternSequential:
		if response.FromAgent != types.AgentDeepSeek {
			nextAgent = types.AgentDeepSeek
		} else {
			nextAgent = types.AgentPerplexity
		}
	default:
		return types.AgentMessage{}, false
	}

	return types.AgentMessage{
		FromAgent:      types.AgentOrchestrator,
		ToAgent:        nextAgent,
		MessageType:    types.MessageQuery,
		Content:        response.Content,
		Context:        response.Context,
		ConversationID: response.ConversationID,
		Iteration:      response.Iteration + 1,
		MaxIterations:  response.MaxIterations,
	}, true
}

// ConsensusResult is the outcome of ParallelConsensus.
type ConsensusResult struct {
	Question           string
	Consensus           string
	IndividualResponses []IndividualResponse
	ConfidenceScore     float64
	ConversationID      string
}

// IndividualResponse is one agent's contribution to a consensus round.
type IndividualResponse struct {
	Agent      string
	Content    string
	Confidence float64
}

// ParallelConsensus asks every agent the same question concurrently and
// combines the answers, penalizing the confidence score for diversity of
// content across responses.
//
// Grounded on agent_to_agent_communicator.py's parallel_consensus
// (asyncio.gather over per-agent _ask closures) and
// agent/collaboration/multi_agent.go's BroadcastCoordinator.Coordinate for
// the Go fan-out shape, here via errgroup instead of a raw sync.WaitGroup
// since any dispatch error should short-circuit consensus computation.
func (c *Conductor) ParallelConsensus(ctx context.Context, question string, agents []types.AgentType, requestContext map[string]any) (ConsensusResult, error) {
	conversationID := newMessageID()
	if requestContext == nil {
		requestContext = map[string]any{}
	}

	responses := make([]types.AgentMessage, len(agents))
	g, gctx := errgroup.WithContext(ctx)
	for i, agent := range agents {
		i, agent := i, agent
		g.Go(func() error {
			msg := types.AgentMessage{
				MessageID:      newMessageID(),
				FromAgent:      types.AgentOrchestrator,
				ToAgent:        agent,
				MessageType:    types.MessageConsensusRequest,
				Content:        question,
				Context:        requestContext,
				ConversationID: conversationID,
				// Each agent gets its own iteration number so the loop
				// detector's (conversation, iteration) key does not reject
				// the concurrent requests as duplicates of each other.
				Iteration:      i + 1,
				MaxIterations:  5,
				Timestamp:      c.clock.Now(),
			}
			responses[i] = c.RouteMessage(gctx, msg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ConsensusResult{}, err
	}

	confidence := calculateConsensusConfidence(responses)
	individual := make([]IndividualResponse, len(responses))
	var combined strings.Builder
	for i, resp := range responses {
		individual[i] = IndividualResponse{Agent: string(resp.FromAgent), Content: resp.Content, Confidence: resp.ConfidenceScore}
		if i > 0 {
			combined.WriteString("\n\n")
		}
		combined.WriteString(string(resp.FromAgent))
		combined.WriteString(": ")
		combined.WriteString(resp.Content)
	}

	return ConsensusResult{
		Question:            question,
		Consensus:            combined.String(),
		IndividualResponses: individual,
		ConfidenceScore:      confidence,
		ConversationID:       conversationID,
	}, nil
}

func calculateConsensusConfidence(responses []types.AgentMessage) float64 {
	if len(responses) == 0 {
		return 0
	}
	var sum float64
	var n int
	unique := map[string]struct{}{}
	for _, resp := range responses {
		if resp.ConfidenceScore != 0 {
			sum += resp.ConfidenceScore
			n++
		}
		unique[resp.Content] = struct{}{}
	}
	if n == 0 {
		return 0
	}
	avg := sum / float64(n)
	diversityPenalty := 0.0
	if len(unique) > 1 {
		diversityPenalty = float64(len(unique)-1) * 0.05
	}
	return types.ClampConfidence(avg - diversityPenalty)
}

// IterationRecord is one round of IterativeImprovement.
type IterationRecord struct {
	Iteration   int
	Improvement string
	Validation  string
	Confidence  float64
}

// ImprovementResult is the outcome of IterativeImprovement.
type ImprovementResult struct {
	FinalContent    string
	FinalConfidence float64
	Iterations      []IterationRecord
	ConversationID  string
}

var (
	decimalConfidencePattern = regexp.MustCompile(`(0\.\d+|1\.0)`)
	percentConfidencePattern = regexp.MustCompile(`(\d{1,3})%`)
)

// ExtractConfidenceScore reads a confidence value out of free text,
// preferring a decimal like "0.92" or "1.0", falling back to a percent
// like "85%", and defaulting to 0.5 when neither is present.
func ExtractConfidenceScore(text string) float64 {
	if m := decimalConfidencePattern.FindStringSubmatch(text); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			return v
		}
	}
	if m := percentConfidencePattern.FindStringSubmatch(text); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err == nil && v >= 0 && v <= 100 {
			return v / 100.0
		}
	}
	return 0.5
}

// IterativeImprovement alternates an improver agent and a validator
// agent, extracting a confidence score from the validator's text each
// round, stopping early once confidence reaches minConfidence.
//
// Grounded on agent_to_agent_communicator.py's iterative_improvement and
// _extract_confidence_score.
func (c *Conductor) IterativeImprovement(ctx context.Context, initialTask string, validatorAgent, improverAgent types.AgentType, maxIterations int, minConfidence float64) ImprovementResult {
	conversationID := newMessageID()
	currentContent := initialTask
	var iterationLog []IterationRecord
	var finalConfidence float64

	for iteration := 1; iteration <= maxIterations; iteration++ {
		improvement := c.RouteMessage(ctx, types.AgentMessage{
			MessageID:      newMessageID(),
			FromAgent:      types.AgentOrchestrator,
			ToAgent:        improverAgent,
			MessageType:    types.MessageQuery,
			Content:        currentContent,
			Context:        map[string]any{},
			ConversationID: conversationID,
			Iteration:      2*iteration - 1,
			MaxIterations:  maxIterations,
			Timestamp:      c.clock.Now(),
		})

		validation := c.RouteMessage(ctx, types.AgentMessage{
			MessageID:      newMessageID(),
			FromAgent:      types.AgentOrchestrator,
			ToAgent:        validatorAgent,
			MessageType:    types.MessageValidation,
			Content:        improvement.Content,
			Context:        map[string]any{},
			ConversationID: conversationID,
			Iteration:      2 * iteration,
			MaxIterations:  maxIterations,
			Timestamp:      c.clock.Now(),
		})

		confidence := ExtractConfidenceScore(validation.Content)
		iterationLog = append(iterationLog, IterationRecord{
			Iteration:   iteration,
			Improvement: improvement.Content,
			Validation:  validation.Content,
			Confidence:  confidence,
		})

		currentContent = improvement.Content
		finalConfidence = confidence

		if confidence >= minConfidence {
			break
		}
	}

	return ImprovementResult{
		FinalContent:    currentContent,
		FinalConfidence: finalConfidence,
		Iterations:      iterationLog,
		ConversationID:  conversationID,
	}
}
