// Package conductor implements the Agent-to-Agent Conductor: message
// routing between agents, loop detection, and the four composed
// communication patterns (sequential, collaborative, parallel consensus,
// iterative improvement) plus the dual-validator validation pipeline.
//
// Grounded on
// original_source/backend/agents/agent_to_agent_communicator.py
// (AgentMessage, AgentToAgentCommunicator.route_message/
// _check_conversation_loop/_handle_*_message/_build_agent_reply) and the
// teacher's agent/collaboration/multi_agent.go for the Go shape of a
// multi-agent coordinator (constructor-injected *zap.Logger, pattern
// dispatch by enum, parallel fan-out via goroutines/errgroup rather than
// asyncio.gather).
package conductor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/internal/clock"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/internal/metrics"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/types"
)

// Dispatcher sends an AgentMessage's content to the agent it addresses
// and returns that agent's raw response. Concrete wiring is
// RouterDispatcher, which passes the request (its Provider already set
// from the AgentType) to router.Router.Route.
type Dispatcher interface {
	Dispatch(ctx context.Context, agentType types.AgentType, req types.AgentRequest) (types.AgentResponse, error)
}

// LoopDetector guards against an agent conversation looping on itself.
// MarkOrDetect returns (alreadySeen=true, nil) if the (conversationID,
// iteration) pair was already recorded, or records it and returns
// (false, nil) otherwise.
type LoopDetector interface {
	MarkOrDetect(ctx context.Context, conversationID string, iteration int, fromAgent types.AgentType, ttl time.Duration) (bool, error)
}

const maxConversationAge = 30 * time.Minute

// Conductor coordinates multi-agent conversations.
type Conductor struct {
	dispatcher Dispatcher
	loops      LoopDetector
	memory     types.MemoryStore
	clock      clock.Clock
	met        *metrics.Collectors
	log        *zap.Logger

	mu      sync.Mutex
	history map[string][]types.AgentMessage
}

func New(dispatcher Dispatcher, loops LoopDetector, memory types.MemoryStore, clk clock.Clock, met *metrics.Collectors, logger *zap.Logger) *Conductor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conductor{
		dispatcher: dispatcher,
		loops:      loops,
		memory:     memory,
		clock:      clk,
		met:        met,
		log:        logger.With(zap.String("component", "conductor")),
		history:    make(map[string][]types.AgentMessage),
	}
}

func newMessageID() string { return uuid.New().String() }

// RouteMessage delivers message to message.ToAgent, running loop
// detection first. Copilot addressees get the fixed placeholder reply
// handled directly rather than through the dispatcher, matching the
// incomplete VS Code bridge the behavior is grounded on.
func (c *Conductor) RouteMessage(ctx context.Context, message types.AgentMessage) types.AgentMessage {
	if c.loops != nil {
		seen, err := c.loops.MarkOrDetect(ctx, message.ConversationID, message.Iteration, message.FromAgent, maxConversationAge)
		if err != nil {
			c.log.Warn("loop detector unavailable, proceeding without it", zap.Error(err))
		} else if seen {
			return c.errorMessage(message, "potential infinite loop detected")
		}
	}

	var response types.AgentMessage
	switch message.ToAgent {
	case types.AgentCopilot:
		response = c.handleCopilot(message)
	case types.AgentDeepSeek, types.AgentPerplexity:
		response = c.handleProviderAgent(ctx, message)
	default:
		response = c.errorMessage(message, fmt.Sprintf("no handler for agent %s", message.ToAgent))
	}

	c.recordHistory(message, response)
	c.recordTelemetry(ctx, "communicator_route", message, response)
	return response
}

func (c *Conductor) handleProviderAgent(ctx context.Context, message types.AgentMessage) types.AgentMessage {
	provider := types.ProviderDeepSeek
	successConfidence := 0.9
	if message.ToAgent == types.AgentPerplexity {
		provider = types.ProviderPerplexity
		successConfidence = 0.85
	}

	req, err := types.NewAgentRequest(provider, taskTypeOrDefault(message.Context), message.Content, 0)
	if err != nil {
		return c.errorMessage(message, err.Error())
	}
	req.Context = message.Context
	if req.Context == nil {
		req.Context = map[string]any{}
	}
	req.Context["conversation_id"] = message.ConversationID

	resp, err := c.dispatcher.Dispatch(ctx, message.ToAgent, req)
	if err != nil {
		return c.errorMessage(message, err.Error())
	}
	return c.buildReply(message, message.ToAgent, resp, successConfidence)
}

func taskTypeOrDefault(context map[string]any) string {
	if context == nil {
		return "analyze"
	}
	if v, ok := context["task_type"].(string); ok && v != "" {
		return v
	}
	return "analyze"
}

func (c *Conductor) handleCopilot(message types.AgentMessage) types.AgentMessage {
	return types.AgentMessage{
		MessageID:       newMessageID(),
		FromAgent:       types.AgentCopilot,
		ToAgent:         message.FromAgent,
		MessageType:     types.MessageResponse,
		Content:         "Copilot placeholder response: VS Code extension bridge integration pending.",
		Context:         message.Context,
		ConversationID:  message.ConversationID,
		Iteration:       message.Iteration + 1,
		MaxIterations:   message.MaxIterations,
		ConfidenceScore: 0.5,
		Timestamp:       c.clock.Now(),
		Metadata:        map[string]any{"status": "placeholder_response"},
	}
}

func (c *Conductor) buildReply(original types.AgentMessage, agentType types.AgentType, resp types.AgentResponse, successConfidence float64) types.AgentMessage {
	metadata := map[string]any{
		"channel":    string(resp.Channel),
		"latency_ms": resp.LatencyMS,
	}
	if resp.KeyIndex != nil {
		metadata["api_key_index"] = *resp.KeyIndex
	}
	if resp.Error != "" {
		metadata["error"] = resp.Error
	}

	if resp.Success {
		return types.AgentMessage{
			MessageID:       newMessageID(),
			FromAgent:       agentType,
			ToAgent:         original.FromAgent,
			MessageType:     types.MessageResponse,
			Content:         resp.Content,
			Context:         original.Context,
			ConversationID:  original.ConversationID,
			Iteration:       original.Iteration + 1,
			MaxIterations:   original.MaxIterations,
			ConfidenceScore: successConfidence,
			Timestamp:       c.clock.Now(),
			Metadata:        metadata,
		}
	}

	errMsg := resp.Error
	if errMsg == "" {
		errMsg = "unknown agent error"
	}
	return c.errorMessage(original, errMsg)
}

func (c *Conductor) errorMessage(original types.AgentMessage, errText string) types.AgentMessage {
	return types.AgentMessage{
		MessageID:       newMessageID(),
		FromAgent:       types.AgentOrchestrator,
		ToAgent:         original.FromAgent,
		MessageType:     types.MessageError,
		Content:         "Error: " + errText,
		Context:         original.Context,
		ConversationID:  original.ConversationID,
		Iteration:       original.Iteration,
		MaxIterations:   original.MaxIterations,
		ConfidenceScore: 0,
		Timestamp:       c.clock.Now(),
		Metadata:        map[string]any{"error_details": errText},
	}
}

func (c *Conductor) recordHistory(request, response types.AgentMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := append(c.history[request.ConversationID], request, response)
	if len(h) > 50 {
		h = h[len(h)-50:]
	}
	c.history[request.ConversationID] = h
}

// History returns the cached conversation transcript, most recent 50
// messages.
func (c *Conductor) History(conversationID string) []types.AgentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.AgentMessage, len(c.history[conversationID]))
	copy(out, c.history[conversationID])
	return out
}

// recordTelemetry is a best-effort write: a failure here must never fail
// the route that triggered it.
func (c *Conductor) recordTelemetry(ctx context.Context, event string, request, response types.AgentMessage) {
	if c.memory == nil {
		return
	}
	payload := map[string]any{
		"from":            string(request.FromAgent),
		"to":              string(request.ToAgent),
		"message_type":    string(request.MessageType),
		"response_type":   string(response.MessageType),
		"confidence":      response.ConfidenceScore,
		"conversation_id": request.ConversationID,
		"iteration":       request.Iteration,
	}
	if err := c.memory.RecordEvent(ctx, event, payload); err != nil {
		if c.met != nil {
			c.met.TelemetryWriteFailures.WithLabelValues(event).Inc()
		}
		c.log.Debug("telemetry write skipped", zap.String("event", event), zap.Error(err))
	}
}
