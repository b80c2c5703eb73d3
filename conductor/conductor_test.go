package conductor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/errs"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/internal/clock"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/internal/metrics"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/types"
)

type fakeDispatcher struct {
	responses map[types.AgentType]types.AgentResponse
	errs      map[types.AgentType]error
	calls     int
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, agentType types.AgentType, req types.AgentRequest) (types.AgentResponse, error) {
	f.calls++
	if err, ok := f.errs[agentType]; ok && err != nil {
		return types.AgentResponse{}, err
	}
	return f.responses[agentType], nil
}

type fakeMemory struct {
	events  []string
	failErr error
}

func (m *fakeMemory) StoreMessage(ctx context.Context, conversationID string, msg types.AgentMessage) error {
	return nil
}
func (m *fakeMemory) GetConversation(ctx context.Context, conversationID string) ([]types.AgentMessage, error) {
	return nil, nil
}
func (m *fakeMemory) ClearConversation(ctx context.Context, conversationID string) error { return nil }
func (m *fakeMemory) RecordEvent(ctx context.Context, eventName string, payload map[string]any) error {
	m.events = append(m.events, eventName)
	return m.failErr
}

func newTestConductor(t *testing.T, disp *fakeDispatcher) (*Conductor, *fakeMemory) {
	t.Helper()
	c, mem, _ := newTestConductorWithMetrics(t, disp)
	return c, mem
}

func newTestConductorWithMetrics(t *testing.T, disp *fakeDispatcher) (*Conductor, *fakeMemory, *metrics.Collectors) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mem := &fakeMemory{}
	met := metrics.New(prometheus.NewRegistry())
	c := New(disp, NewRedisLoopDetector(rdb), mem, clock.NewFake(time.Now()), met, zap.NewNop())
	return c, mem, met
}

func TestRouteMessage_CopilotReturnsPlaceholder(t *testing.T) {
	c, _ := newTestConductor(t, &fakeDispatcher{})
	resp := c.RouteMessage(context.Background(), types.AgentMessage{
		MessageID: "m1", FromAgent: types.AgentOrchestrator, ToAgent: types.AgentCopilot,
		MessageType: types.MessageQuery, ConversationID: "c1", Iteration: 1, MaxIterations: 5,
	})
	assert.Equal(t, types.AgentCopilot, resp.FromAgent)
	assert.Contains(t, resp.Content, "placeholder")
}

func TestRouteMessage_DeepSeekSuccess(t *testing.T) {
	disp := &fakeDispatcher{responses: map[types.AgentType]types.AgentResponse{
		types.AgentDeepSeek: {Success: true, Content: "analysis done", Channel: types.ChannelDirectAPI},
	}}
	c, _ := newTestConductor(t, disp)
	resp := c.RouteMessage(context.Background(), types.AgentMessage{
		MessageID: "m1", FromAgent: types.AgentOrchestrator, ToAgent: types.AgentDeepSeek,
		MessageType: types.MessageQuery, Content: "explain this", ConversationID: "c1", Iteration: 1, MaxIterations: 5,
	})
	assert.Equal(t, types.MessageResponse, resp.MessageType)
	assert.Equal(t, "analysis done", resp.Content)
	assert.Equal(t, 0.9, resp.ConfidenceScore)
}

func TestRouteMessage_TelemetryWriteFailureIncrementsCounter(t *testing.T) {
	disp := &fakeDispatcher{responses: map[types.AgentType]types.AgentResponse{
		types.AgentDeepSeek: {Success: true, Content: "analysis done", Channel: types.ChannelDirectAPI},
	}}
	c, mem, met := newTestConductorWithMetrics(t, disp)
	mem.failErr = errs.New(errs.KindProviderError, "store unavailable")

	before := testutil.ToFloat64(met.TelemetryWriteFailures.WithLabelValues("communicator_route"))
	c.RouteMessage(context.Background(), types.AgentMessage{
		MessageID: "m1", FromAgent: types.AgentOrchestrator, ToAgent: types.AgentDeepSeek,
		MessageType: types.MessageQuery, Content: "explain this", ConversationID: "c1", Iteration: 1, MaxIterations: 5,
	})
	after := testutil.ToFloat64(met.TelemetryWriteFailures.WithLabelValues("communicator_route"))
	assert.Equal(t, before+1, after)
}

func TestRouteMessage_DetectsLoop(t *testing.T) {
	disp := &fakeDispatcher{responses: map[types.AgentType]types.AgentResponse{
		types.AgentDeepSeek: {Success: true, Content: "x"},
	}}
	c, _ := newTestConductor(t, disp)
	msg := types.AgentMessage{
		MessageID: "m1", FromAgent: types.AgentOrchestrator, ToAgent: types.AgentDeepSeek,
		MessageType: types.MessageQuery, Content: "explain this", ConversationID: "loopy", Iteration: 1, MaxIterations: 5,
	}
	first := c.RouteMessage(context.Background(), msg)
	require.NotEqual(t, types.MessageError, first.MessageType)

	second := c.RouteMessage(context.Background(), msg)
	assert.Equal(t, types.MessageError, second.MessageType)
	assert.Contains(t, second.Content, "loop")
}

func TestMultiTurnConversation_EndsOnRepeatedContent(t *testing.T) {
	disp := &fakeDispatcher{responses: map[types.AgentType]types.AgentResponse{
		types.AgentDeepSeek:   {Success: true, Content: "same answer"},
		types.AgentPerplexity: {Success: true, Content: "same answer"},
	}}
	c, _ := newTestConductor(t, disp)
	initial := types.AgentMessage{
		MessageID: "m1", FromAgent: types.AgentOrchestrator, ToAgent: types.AgentDeepSeek,
		MessageType: types.MessageQuery, Content: "q", ConversationID: "conv1", Iteration: 1, MaxIterations: 10,
	}
	history := c.MultiTurnConversation(context.Background(), initial, 10, types.PatternSequential)
	assert.Less(t, len(history), 11)
}

func TestParallelConsensus_CombinesResponses(t *testing.T) {
	disp := &fakeDispatcher{responses: map[types.AgentType]types.AgentResponse{
		types.AgentDeepSeek:   {Success: true, Content: "answer A", Channel: types.ChannelDirectAPI},
		types.AgentPerplexity: {Success: true, Content: "answer B", Channel: types.ChannelDirectAPI},
	}}
	c, _ := newTestConductor(t, disp)
	result, err := c.ParallelConsensus(context.Background(), "what is the rate limit?", []types.AgentType{types.AgentDeepSeek, types.AgentPerplexity}, nil)
	require.NoError(t, err)
	assert.Contains(t, result.Consensus, "answer A")
	assert.Contains(t, result.Consensus, "answer B")
	assert.Len(t, result.IndividualResponses, 2)
	assert.InDelta(t, 0.875-0.05, result.ConfidenceScore, 0.01)
}

func TestIterativeImprovement_StopsEarlyOnConfidence(t *testing.T) {
	disp := &fakeDispatcher{responses: map[types.AgentType]types.AgentResponse{
		types.AgentDeepSeek:   {Success: true, Content: "improved code"},
		types.AgentPerplexity: {Success: true, Content: "confidence 0.95"},
	}}
	c, _ := newTestConductor(t, disp)
	result := c.IterativeImprovement(context.Background(), "initial draft", types.AgentPerplexity, types.AgentDeepSeek, 5, 0.8)
	assert.Equal(t, 0.95, result.FinalConfidence)
	assert.Len(t, result.Iterations, 1)
}

func TestExtractConfidenceScore_Variants(t *testing.T) {
	assert.Equal(t, 0.92, ExtractConfidenceScore("my confidence is 0.92 here"))
	assert.Equal(t, 0.85, ExtractConfidenceScore("I'm 85% sure"))
	assert.Equal(t, 0.5, ExtractConfidenceScore("no signal here"))
}

func TestValidateImplementation_ValidatedWhenBothApprove(t *testing.T) {
	disp := &fakeDispatcher{responses: map[types.AgentType]types.AgentResponse{
		types.AgentDeepSeek:   {Success: true, Content: "looks good, validated"},
		types.AgentPerplexity: {Success: true, Content: "approved, safe to apply"},
	}}
	c, _ := newTestConductor(t, disp)
	result := c.ValidateImplementation(context.Background(), "some code", "review this", "", "", nil)
	assert.True(t, result.Validated)
	assert.False(t, result.RolledBack)
}

func TestValidateImplementation_CriticalIssueTriggersRollback(t *testing.T) {
	disp := &fakeDispatcher{responses: map[types.AgentType]types.AgentResponse{
		types.AgentDeepSeek:   {Success: true, Content: "critical syntax error found"},
		types.AgentPerplexity: {Success: true, Content: "approved"},
	}}
	c, _ := newTestConductor(t, disp)
	var rolledBackArgs []string
	result := c.ValidateImplementation(context.Background(), "bad code", "review this", "backup.go", "target.go",
		func(ctx context.Context, backupFile, targetFile string) error {
			rolledBackArgs = []string{backupFile, targetFile}
			return nil
		})
	assert.False(t, result.Validated)
	assert.True(t, result.RolledBack)
	assert.Equal(t, []string{"backup.go", "target.go"}, rolledBackArgs)
}
