// Package orchestrator drives the per-turn LLM tool-calling loop: it loads
// session history, asks the model, executes requested tools, feeds results
// back, and finishes by persisting the assistant message. Live progress
// reaches clients through broadcast events; the durable store remains the
// source of truth.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/koe/internal/llm"
	"github.com/ashita-ai/koe/internal/model"
	"github.com/ashita-ai/koe/internal/realtime"
	"github.com/ashita-ai/koe/internal/speech"
	"github.com/ashita-ai/koe/internal/storage"
	"github.com/ashita-ai/koe/internal/telemetry"
	"github.com/ashita-ai/koe/internal/tools"
)

// FallbackResponse is delivered as the turn's final content when the model
// backend fails or the tool-round budget is exhausted. It flows through the
// normal response path so clients always observe a terminal state.
const FallbackResponse = "Sorry, I encountered an error processing your request."

// DefaultSystemPrompt seeds every working transcript.
const DefaultSystemPrompt = `You are a helpful customer service agent. Be concise, friendly, and helpful.

You have access to tools for looking up orders, FAQs, the knowledge base, and the web. Use them when you need information to answer the customer's question.`

// ModelClient is the chat-completions surface the loop calls.
type ModelClient interface {
	CreateChatCompletion(ctx context.Context, req *llm.ChatCompletionRequest) (*llm.ChatCompletionResponse, error)
}

// Store is the persistence surface the loop needs.
type Store interface {
	ListMessages(ctx context.Context, sessionID string) ([]model.Message, error)
	InsertAssistantMessage(ctx context.Context, id uuid.UUID, sessionID, turnID, content string, toolCallIDs []uuid.UUID) (model.Message, error)
	InsertToolCall(ctx context.Context, p storage.CreateToolCallParams) (model.ToolCallRecord, error)
}

// Config tunes the orchestration loop.
type Config struct {
	Model        string
	SystemPrompt string // empty uses DefaultSystemPrompt

	// MaxToolRounds bounds the ask-model/run-tools cycle. Exceeding it ends
	// the turn with FallbackResponse.
	MaxToolRounds int

	// ModelTimeout bounds each individual model call. Zero means no timeout
	// beyond the job context.
	ModelTimeout time.Duration

	// AudioChunkBytes sets the raw size of broadcast audio frames.
	AudioChunkBytes int
}

// Orchestrator processes chat jobs.
type Orchestrator struct {
	model     ModelClient
	registry  *tools.Registry
	store     Store
	publisher realtime.Publisher
	synth     speech.Synthesizer // nil disables speech output
	metrics   *telemetry.AgentMetrics
	cfg       Config
	logger    *slog.Logger
}

// New creates an orchestrator. synth and metrics may be nil.
func New(mc ModelClient, registry *tools.Registry, store Store, publisher realtime.Publisher, synth speech.Synthesizer, metrics *telemetry.AgentMetrics, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 8
	}
	return &Orchestrator{
		model:     mc,
		registry:  registry,
		store:     store,
		publisher: publisher,
		synth:     synth,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger.With("component", "orchestrator"),
	}
}

// ProcessTurn runs the full tool-calling loop for one enqueued job. It always
// terminates the turn with either the model's final answer or
// FallbackResponse; the returned error reports only failures to persist that
// terminal state.
func (o *Orchestrator) ProcessTurn(ctx context.Context, job model.ChatJob) error {
	logger := o.logger.With("session_id", job.SessionID, "turn_id", job.TurnID)
	started := time.Now()
	o.countTurnStarted(ctx)

	o.publish(ctx, job.SessionID, model.ProcessingStartedEvent{
		TurnID:    job.TurnID,
		Timestamp: time.Now().UnixMilli(),
	})

	// The intake path persists the user message before enqueueing, so the
	// loaded history always includes this turn's utterance.
	history, err := o.store.ListMessages(ctx, job.SessionID)
	if err != nil {
		logger.Error("load history failed", "error", err)
		return o.finishTurn(ctx, job, uuid.New(), FallbackResponse, nil, false, started)
	}

	transcript := []llm.Message{{Role: llm.RoleSystem, Content: o.cfg.SystemPrompt}}
	for _, m := range history {
		transcript = append(transcript, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	if job.Context != "" {
		// Caller-retrieved context rides along as auxiliary system content
		// after the history, closest to the utterance being answered.
		transcript = append(transcript, llm.Message{
			Role:    llm.RoleSystem,
			Content: "Relevant context:\n" + job.Context,
		})
	}

	// Pre-generated id: tool records reference the assistant message before
	// its row exists.
	messageID := uuid.New()
	chatTools := o.registry.ChatTools()

	var toolRowIDs []uuid.UUID
	for round := 0; ; round++ {
		if round >= o.cfg.MaxToolRounds {
			logger.Warn("tool round budget exhausted", "rounds", round)
			return o.finishTurn(ctx, job, messageID, FallbackResponse, toolRowIDs, false, started)
		}

		resp, err := o.callModel(ctx, transcript, chatTools)
		if err != nil {
			logger.Error("model call failed", "error", err)
			return o.finishTurn(ctx, job, messageID, FallbackResponse, toolRowIDs, false, started)
		}

		msg := resp.Choices[0].Message
		o.countTokens(ctx, resp.Usage.TotalTokens)

		if len(msg.ToolCalls) == 0 {
			return o.finishTurn(ctx, job, messageID, msg.Content, toolRowIDs, true, started)
		}

		transcript = append(transcript, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   msg.Content,
			ToolCalls: msg.ToolCalls,
		})

		// Tools run sequentially in the order the model issued them, so the
		// transcript order is deterministic.
		for _, call := range msg.ToolCalls {
			rowID, resultJSON := o.runTool(ctx, job, messageID, call)
			if rowID != uuid.Nil {
				toolRowIDs = append(toolRowIDs, rowID)
			}
			transcript = append(transcript, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Content:    string(resultJSON),
			})
		}
	}
}

func (o *Orchestrator) callModel(ctx context.Context, transcript []llm.Message, chatTools []llm.ChatTool) (*llm.ChatCompletionResponse, error) {
	if o.cfg.ModelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.ModelTimeout)
		defer cancel()
	}
	return o.model.CreateChatCompletion(ctx, &llm.ChatCompletionRequest{
		Model:    o.cfg.Model,
		Messages: transcript,
		Tools:    chatTools,
	})
}

// runTool executes one requested tool call: broadcast lifecycle events,
// persist exactly one record, and return the record's row id plus the JSON
// result fed back to the model. A tool failure degrades to a per-invocation
// error record and an error payload in the transcript; the loop continues.
func (o *Orchestrator) runTool(ctx context.Context, job model.ChatJob, messageID uuid.UUID, call llm.ToolCall) (uuid.UUID, json.RawMessage) {
	logger := o.logger.With("session_id", job.SessionID, "turn_id", job.TurnID,
		"tool", call.Function.Name, "tool_call_id", call.ID)

	args := json.RawMessage(call.Function.Arguments)
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	o.publish(ctx, job.SessionID, model.ToolStartedEvent{
		TurnID:     job.TurnID,
		ToolName:   call.Function.Name,
		ToolCallID: call.ID,
		MessageID:  messageID.String(),
	})

	// Progress must be non-decreasing on the wire even if a tool misbehaves.
	lastProgress := 0
	report := func(percent int, message string) {
		if percent < lastProgress {
			percent = lastProgress
		}
		if percent > 100 {
			percent = 100
		}
		lastProgress = percent
		o.publish(ctx, job.SessionID, model.ToolProgressEvent{
			TurnID:     job.TurnID,
			ToolName:   call.Function.Name,
			ToolCallID: call.ID,
			Progress:   percent,
			Message:    message,
		})
	}

	start := time.Now()
	var (
		output json.RawMessage
		status model.ToolCallStatus
	)

	tool, ok := o.registry.Get(call.Function.Name)
	if !ok {
		status = model.ToolCallError
		output = errorPayload(fmt.Sprintf("unknown tool %q", call.Function.Name))
		logger.Warn("model requested unknown tool")
	} else {
		result, err := tool.Execute(ctx, args, report)
		if err != nil {
			status = model.ToolCallError
			output = errorPayload(err.Error())
			logger.Warn("tool execution failed", "error", err)
		} else {
			status = model.ToolCallCompleted
			out, err := json.Marshal(result)
			if err != nil {
				status = model.ToolCallError
				output = errorPayload(fmt.Sprintf("marshal tool result: %v", err))
				logger.Error("marshal tool result failed", "error", err)
			} else {
				output = out
			}
		}
	}
	duration := time.Since(start)
	o.countToolInvocation(ctx, call.Function.Name, string(status), duration)

	o.publish(ctx, job.SessionID, model.ToolCompletedEvent{
		TurnID:     job.TurnID,
		ToolName:   call.Function.Name,
		ToolCallID: call.ID,
		Result:     output,
	})

	rec, err := o.store.InsertToolCall(ctx, storage.CreateToolCallParams{
		ToolCallID: call.ID,
		SessionID:  job.SessionID,
		MessageID:  messageID,
		ToolName:   call.Function.Name,
		Input:      args,
		Output:     output,
		Status:     status,
		DurationMs: duration.Milliseconds(),
	})
	if err != nil {
		// The live path continues; the record is the only loss.
		logger.Error("persist tool call failed", "error", err)
		return uuid.Nil, output
	}
	return rec.ID, output
}

// finishTurn delivers the terminal content through the live path and commits
// the assistant message. ok distinguishes a real answer from the fallback.
func (o *Orchestrator) finishTurn(ctx context.Context, job model.ChatJob, messageID uuid.UUID, content string, toolRowIDs []uuid.UUID, ok bool, started time.Time) error {
	logger := o.logger.With("session_id", job.SessionID, "turn_id", job.TurnID)

	// Single chunk: the model backend is called without token streaming.
	o.publish(ctx, job.SessionID, model.ResponseChunkEvent{TurnID: job.TurnID, Text: content})

	o.publishAudio(ctx, job, content)

	o.publish(ctx, job.SessionID, model.ResponseDoneEvent{
		TurnID:    job.TurnID,
		MessageID: messageID.String(),
	})

	if _, err := o.store.InsertAssistantMessage(ctx, messageID, job.SessionID, job.TurnID, content, toolRowIDs); err != nil {
		logger.Error("persist assistant message failed", "error", err)
		o.recordTurn(ctx, false, started)
		return fmt.Errorf("orchestrator: persist assistant message: %w", err)
	}

	o.recordTurn(ctx, ok, started)
	logger.Info("turn finished", "ok", ok, "tool_calls", len(toolRowIDs),
		"duration_ms", time.Since(started).Milliseconds())
	return nil
}

// publishAudio synthesizes the final content and broadcasts it as base64
// frames. Best-effort: failures are logged and the turn proceeds.
func (o *Orchestrator) publishAudio(ctx context.Context, job model.ChatJob, content string) {
	if o.synth == nil || content == "" {
		return
	}
	audio, err := o.synth.Synthesize(ctx, content, "")
	if err != nil {
		o.logger.Warn("speech synthesis failed", "turn_id", job.TurnID, "error", err)
		return
	}
	for _, chunk := range speech.ChunkAudio(audio, o.cfg.AudioChunkBytes) {
		o.publish(ctx, job.SessionID, model.AudioChunkEvent{TurnID: job.TurnID, Audio: chunk})
	}
}

// publish broadcasts one event, logging failures. Delivery is best-effort by
// contract; completeness is carried by store inserts.
func (o *Orchestrator) publish(ctx context.Context, sessionID string, event model.Event) {
	if err := o.publisher.Publish(ctx, sessionID, event); err != nil {
		o.logger.Warn("publish failed", "session_id", sessionID,
			"event_type", event.Type(), "error", err)
	}
}

func errorPayload(msg string) json.RawMessage {
	out, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return json.RawMessage(`{"error":"tool failed"}`)
	}
	return out
}

func (o *Orchestrator) countTurnStarted(ctx context.Context) {
	if o.metrics == nil {
		return
	}
	o.metrics.TurnsStarted.Add(ctx, 1)
}

func (o *Orchestrator) countTokens(ctx context.Context, total int) {
	if o.metrics == nil || total <= 0 {
		return
	}
	o.metrics.ModelTokens.Add(ctx, int64(total))
}

func (o *Orchestrator) countToolInvocation(ctx context.Context, tool, status string, d time.Duration) {
	if o.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	o.metrics.ToolInvocations.Add(ctx, 1, attrs)
	o.metrics.ToolDuration.Record(ctx, d.Seconds(), attrs)
}

func (o *Orchestrator) recordTurn(ctx context.Context, ok bool, started time.Time) {
	if o.metrics == nil {
		return
	}
	if ok {
		o.metrics.TurnsCompleted.Add(ctx, 1)
	} else {
		o.metrics.TurnsFailed.Add(ctx, 1)
	}
	o.metrics.TurnDuration.Record(ctx, time.Since(started).Seconds())
}
