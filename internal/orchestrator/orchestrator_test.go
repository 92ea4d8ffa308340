package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swaggest/jsonschema-go"

	"github.com/ashita-ai/koe/internal/llm"
	"github.com/ashita-ai/koe/internal/model"
	"github.com/ashita-ai/koe/internal/storage"
	"github.com/ashita-ai/koe/internal/tools"
)

type scriptedModel struct {
	mu        sync.Mutex
	responses []*llm.ChatCompletionResponse
	errs      []error
	requests  []*llm.ChatCompletionRequest
}

func (m *scriptedModel) CreateChatCompletion(_ context.Context, req *llm.ChatCompletionRequest) (*llm.ChatCompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	i := len(m.requests) - 1
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i >= len(m.responses) {
		// Keep repeating the last scripted response.
		i = len(m.responses) - 1
	}
	return m.responses[i], nil
}

func textResponse(content string) *llm.ChatCompletionResponse {
	return &llm.ChatCompletionResponse{
		Choices: []llm.Choice{{Message: llm.Message{Role: llm.RoleAssistant, Content: content}}},
		Usage:   llm.Usage{TotalTokens: 10},
	}
}

func toolResponse(calls ...llm.ToolCall) *llm.ChatCompletionResponse {
	return &llm.ChatCompletionResponse{
		Choices: []llm.Choice{{Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: calls}}},
	}
}

type recordingStore struct {
	mu        sync.Mutex
	history   []model.Message
	messages  []model.Message
	toolCalls []storage.CreateToolCallParams
	insertErr error
}

func (s *recordingStore) ListMessages(_ context.Context, _ string) ([]model.Message, error) {
	return s.history, nil
}

func (s *recordingStore) InsertAssistantMessage(_ context.Context, id uuid.UUID, sessionID, turnID, content string, toolCallIDs []uuid.UUID) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return model.Message{}, s.insertErr
	}
	msg := model.Message{
		ID:        id,
		SessionID: sessionID,
		TurnID:    turnID,
		Role:      model.RoleAssistant,
		Content:   content,
		ToolCalls: toolCallIDs,
	}
	s.messages = append(s.messages, msg)
	return msg, nil
}

func (s *recordingStore) InsertToolCall(_ context.Context, p storage.CreateToolCallParams) (model.ToolCallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolCalls = append(s.toolCalls, p)
	return model.ToolCallRecord{
		ID:         uuid.New(),
		ToolCallID: p.ToolCallID,
		SessionID:  p.SessionID,
		ToolName:   p.ToolName,
		Status:     p.Status,
	}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type())
	}
	return out
}

type stubTool struct {
	name string
	fn   func(ctx context.Context, args json.RawMessage, report tools.ProgressFunc) (any, error)
}

func (t stubTool) Name() string               { return t.name }
func (t stubTool) Description() string        { return "stub" }
func (t stubTool) Schema() *jsonschema.Schema { return &jsonschema.Schema{} }

func (t stubTool) Execute(ctx context.Context, args json.RawMessage, report tools.ProgressFunc) (any, error) {
	return t.fn(ctx, args, report)
}

func newTestOrchestrator(t *testing.T, mc ModelClient, store Store, pub *recordingPublisher, stubs ...stubTool) *Orchestrator {
	t.Helper()
	registry := tools.NewRegistry()
	for _, s := range stubs {
		require.NoError(t, registry.Register(s))
	}
	cfg := Config{Model: "test-model", MaxToolRounds: 4}
	return New(mc, registry, store, pub, nil, nil, cfg, slog.New(slog.DiscardHandler))
}

func testJob() model.ChatJob {
	return model.ChatJob{SessionID: "sess-1", TurnID: "turn-1", Message: "hi"}
}

func TestProcessTurnDirectAnswer(t *testing.T) {
	mc := &scriptedModel{responses: []*llm.ChatCompletionResponse{textResponse("Hello there!")}}
	store := &recordingStore{history: []model.Message{
		{Role: model.RoleUser, Content: "hi", TurnID: "turn-1"},
	}}
	pub := &recordingPublisher{}
	o := newTestOrchestrator(t, mc, store, pub)

	require.NoError(t, o.ProcessTurn(context.Background(), testJob()))

	assert.Equal(t, []model.EventType{
		model.EventProcessingStarted,
		model.EventResponseChunk,
		model.EventResponseDone,
	}, pub.types())

	chunk := pub.events[1].(model.ResponseChunkEvent)
	assert.Equal(t, "Hello there!", chunk.Text)
	assert.Equal(t, "turn-1", chunk.TurnID)

	require.Len(t, store.messages, 1)
	msg := store.messages[0]
	assert.Equal(t, "Hello there!", msg.Content)
	assert.Empty(t, msg.ToolCalls)

	// The broadcast done event names the id the message was committed under.
	done := pub.events[2].(model.ResponseDoneEvent)
	assert.Equal(t, msg.ID.String(), done.MessageID)

	// History flows into the model request after the system prompt.
	require.Len(t, mc.requests, 1)
	req := mc.requests[0]
	require.Len(t, req.Messages, 2)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "hi", req.Messages[1].Content)
}

func TestProcessTurnRetrievedContext(t *testing.T) {
	mc := &scriptedModel{responses: []*llm.ChatCompletionResponse{textResponse("Sure.")}}
	store := &recordingStore{history: []model.Message{
		{Role: model.RoleUser, Content: "what's your return policy?", TurnID: "turn-1"},
	}}
	pub := &recordingPublisher{}
	o := newTestOrchestrator(t, mc, store, pub)

	job := testJob()
	job.Context = "Returns are accepted within 30 days with receipt."
	require.NoError(t, o.ProcessTurn(context.Background(), job))

	// The retrieved context lands after the history as a second system
	// message, closest to the utterance being answered.
	require.Len(t, mc.requests, 1)
	msgs := mc.requests[0].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, "what's your return policy?", msgs[1].Content)
	last := msgs[2]
	assert.Equal(t, llm.RoleSystem, last.Role)
	assert.Contains(t, last.Content, job.Context)

	// Without context the transcript carries no extra system message.
	mc2 := &scriptedModel{responses: []*llm.ChatCompletionResponse{textResponse("Sure.")}}
	o2 := newTestOrchestrator(t, mc2, store, &recordingPublisher{})
	require.NoError(t, o2.ProcessTurn(context.Background(), testJob()))
	require.Len(t, mc2.requests, 1)
	assert.Len(t, mc2.requests[0].Messages, 2)
}

func TestProcessTurnWithToolRound(t *testing.T) {
	call := llm.ToolCall{
		ID:   "call_1",
		Type: "function",
		Function: llm.FunctionCall{
			Name:      "order_lookup",
			Arguments: `{"order_id":"ORD-12345"}`,
		},
	}
	mc := &scriptedModel{responses: []*llm.ChatCompletionResponse{
		toolResponse(call),
		textResponse("Your order shipped."),
	}}
	store := &recordingStore{}
	pub := &recordingPublisher{}

	tool := stubTool{name: "order_lookup", fn: func(_ context.Context, args json.RawMessage, report tools.ProgressFunc) (any, error) {
		report(50, "looking up")
		return map[string]string{"status": "shipped"}, nil
	}}
	o := newTestOrchestrator(t, mc, store, pub, tool)

	require.NoError(t, o.ProcessTurn(context.Background(), testJob()))

	assert.Equal(t, []model.EventType{
		model.EventProcessingStarted,
		model.EventToolStarted,
		model.EventToolProgress,
		model.EventToolCompleted,
		model.EventResponseChunk,
		model.EventResponseDone,
	}, pub.types())

	started := pub.events[1].(model.ToolStartedEvent)
	assert.Equal(t, "order_lookup", started.ToolName)
	assert.Equal(t, "call_1", started.ToolCallID)
	assert.NotEmpty(t, started.MessageID)

	completed := pub.events[3].(model.ToolCompletedEvent)
	assert.JSONEq(t, `{"status":"shipped"}`, string(completed.Result))

	// Exactly one durable record per executed tool.
	require.Len(t, store.toolCalls, 1)
	rec := store.toolCalls[0]
	assert.Equal(t, model.ToolCallCompleted, rec.Status)
	assert.Equal(t, "call_1", rec.ToolCallID)
	assert.JSONEq(t, `{"order_id":"ORD-12345"}`, string(rec.Input))
	assert.Equal(t, started.MessageID, rec.MessageID.String())

	// The second model call carries the tool result in the transcript.
	require.Len(t, mc.requests, 2)
	second := mc.requests[1].Messages
	last := second[len(second)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "call_1", last.ToolCallID)
	assert.JSONEq(t, `{"status":"shipped"}`, last.Content)

	require.Len(t, store.messages, 1)
	assert.Len(t, store.messages[0].ToolCalls, 1)
}

func TestProcessTurnToolFailureDegrades(t *testing.T) {
	call := llm.ToolCall{
		ID:       "call_1",
		Type:     "function",
		Function: llm.FunctionCall{Name: "order_lookup", Arguments: `{"order_id":"ORD-404"}`},
	}
	mc := &scriptedModel{responses: []*llm.ChatCompletionResponse{
		toolResponse(call),
		textResponse("I could not find that order."),
	}}
	store := &recordingStore{}
	pub := &recordingPublisher{}

	tool := stubTool{name: "order_lookup", fn: func(context.Context, json.RawMessage, tools.ProgressFunc) (any, error) {
		return nil, fmt.Errorf("orders: backend unavailable")
	}}
	o := newTestOrchestrator(t, mc, store, pub, tool)

	require.NoError(t, o.ProcessTurn(context.Background(), testJob()))

	// The failure is scoped to the invocation; the turn still finishes with
	// the model's answer.
	require.Len(t, store.messages, 1)
	assert.Equal(t, "I could not find that order.", store.messages[0].Content)

	require.Len(t, store.toolCalls, 1)
	rec := store.toolCalls[0]
	assert.Equal(t, model.ToolCallError, rec.Status)
	assert.JSONEq(t, `{"error":"orders: backend unavailable"}`, string(rec.Output))

	// The model sees the error payload as the tool result.
	second := mc.requests[1].Messages
	last := second[len(second)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.JSONEq(t, `{"error":"orders: backend unavailable"}`, last.Content)
}

func TestProcessTurnUnknownTool(t *testing.T) {
	call := llm.ToolCall{
		ID:       "call_1",
		Type:     "function",
		Function: llm.FunctionCall{Name: "time_travel", Arguments: `{}`},
	}
	mc := &scriptedModel{responses: []*llm.ChatCompletionResponse{
		toolResponse(call),
		textResponse("Done."),
	}}
	store := &recordingStore{}
	pub := &recordingPublisher{}
	o := newTestOrchestrator(t, mc, store, pub)

	require.NoError(t, o.ProcessTurn(context.Background(), testJob()))

	require.Len(t, store.toolCalls, 1)
	assert.Equal(t, model.ToolCallError, store.toolCalls[0].Status)
	require.Len(t, store.messages, 1)
	assert.Equal(t, "Done.", store.messages[0].Content)
}

func TestProcessTurnModelFailure(t *testing.T) {
	mc := &scriptedModel{
		responses: []*llm.ChatCompletionResponse{nil},
		errs:      []error{fmt.Errorf("llm: request failed after 3 attempts")},
	}
	store := &recordingStore{}
	pub := &recordingPublisher{}
	o := newTestOrchestrator(t, mc, store, pub)

	require.NoError(t, o.ProcessTurn(context.Background(), testJob()))

	// The fallback travels the normal live path so clients still observe a
	// terminal state.
	assert.Equal(t, []model.EventType{
		model.EventProcessingStarted,
		model.EventResponseChunk,
		model.EventResponseDone,
	}, pub.types())
	assert.Equal(t, FallbackResponse, pub.events[1].(model.ResponseChunkEvent).Text)

	require.Len(t, store.messages, 1)
	assert.Equal(t, FallbackResponse, store.messages[0].Content)
	assert.Empty(t, store.toolCalls)
}

func TestProcessTurnRoundBudget(t *testing.T) {
	call := llm.ToolCall{
		ID:       "call_loop",
		Type:     "function",
		Function: llm.FunctionCall{Name: "faq_lookup", Arguments: `{"topic":"returns"}`},
	}
	// The model keeps asking for tools forever.
	mc := &scriptedModel{responses: []*llm.ChatCompletionResponse{toolResponse(call)}}
	store := &recordingStore{}
	pub := &recordingPublisher{}

	tool := stubTool{name: "faq_lookup", fn: func(context.Context, json.RawMessage, tools.ProgressFunc) (any, error) {
		return map[string]bool{"found": false}, nil
	}}
	o := newTestOrchestrator(t, mc, store, pub, tool)

	require.NoError(t, o.ProcessTurn(context.Background(), testJob()))

	// Four rounds ran, then the loop gave up with the fallback.
	assert.Len(t, mc.requests, 4)
	assert.Len(t, store.toolCalls, 4)
	require.Len(t, store.messages, 1)
	assert.Equal(t, FallbackResponse, store.messages[0].Content)
	assert.Len(t, store.messages[0].ToolCalls, 4)
}

func TestProcessTurnProgressMonotonic(t *testing.T) {
	call := llm.ToolCall{
		ID:       "call_1",
		Type:     "function",
		Function: llm.FunctionCall{Name: "slow_tool", Arguments: `{}`},
	}
	mc := &scriptedModel{responses: []*llm.ChatCompletionResponse{
		toolResponse(call),
		textResponse("ok"),
	}}
	store := &recordingStore{}
	pub := &recordingPublisher{}

	tool := stubTool{name: "slow_tool", fn: func(_ context.Context, _ json.RawMessage, report tools.ProgressFunc) (any, error) {
		report(60, "")
		report(20, "") // regression must be clamped
		report(150, "")
		return "done", nil
	}}
	o := newTestOrchestrator(t, mc, store, pub, tool)

	require.NoError(t, o.ProcessTurn(context.Background(), testJob()))

	var progress []int
	for _, e := range pub.events {
		if p, ok := e.(model.ToolProgressEvent); ok {
			progress = append(progress, p.Progress)
		}
	}
	assert.Equal(t, []int{60, 60, 100}, progress)
}

func TestProcessTurnPersistFailure(t *testing.T) {
	mc := &scriptedModel{responses: []*llm.ChatCompletionResponse{textResponse("hi")}}
	store := &recordingStore{insertErr: fmt.Errorf("storage: insert message: connection refused")}
	pub := &recordingPublisher{}
	o := newTestOrchestrator(t, mc, store, pub)

	err := o.ProcessTurn(context.Background(), testJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist assistant message")
}
