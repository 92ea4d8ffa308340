package koe

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TruncationMarker terminates the Content of a row-insert notification whose
// full content exceeded the server's notification payload limit. The durable
// row itself is never truncated; re-fetch it by id for the full content.
const TruncationMarker = "…[truncated]"

// Message is a durable chat message row as delivered by the server, either
// from the history endpoint or as a row-insert notification on the event
// stream.
type Message struct {
	ID        uuid.UUID   `json:"id"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Role      Role        `json:"role"`
	Content   string      `json:"content"`
	ToolCalls []uuid.UUID `json:"tool_calls,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// ToolCallRecord is a durable record of one tool invocation. It carries the
// authoritative input/output payloads, which the tool:completed broadcast
// does not.
type ToolCallRecord struct {
	ID         uuid.UUID       `json:"id"`
	ToolCallID string          `json:"tool_call_id"`
	SessionID  string          `json:"session_id"`
	MessageID  *uuid.UUID      `json:"message_id,omitempty"`
	ToolName   string          `json:"tool_name"`
	Input      json.RawMessage `json:"input"`
	Output     json.RawMessage `json:"output,omitempty"`
	Status     string          `json:"status"`
	DurationMs int64           `json:"duration_ms"`
	CreatedAt  time.Time       `json:"created_at"`
}

// TurnStatus is the lifecycle state of a turn as seen by the client.
// Transitions are strictly forward: pending → tools_running → responding →
// complete. A turn reaches complete only once its assistant message row has
// been observed; the response:done broadcast alone is not sufficient.
type TurnStatus string

const (
	TurnPending      TurnStatus = "pending"
	TurnToolsRunning TurnStatus = "tools_running"
	TurnResponding   TurnStatus = "responding"
	TurnComplete     TurnStatus = "complete"
)

var turnStatusRank = map[TurnStatus]int{
	TurnPending:      0,
	TurnToolsRunning: 1,
	TurnResponding:   2,
	TurnComplete:     3,
}

// Before reports whether s precedes other in the turn lifecycle.
func (s TurnStatus) Before(other TurnStatus) bool {
	return turnStatusRank[s] < turnStatusRank[other]
}

// InvocationStatus is the live status of a tool invocation within a turn.
type InvocationStatus string

const (
	InvocationRunning   InvocationStatus = "running"
	InvocationCompleted InvocationStatus = "completed"
	InvocationError     InvocationStatus = "error"
)

// ToolInvocation is one tool call tracked within a turn. ID is the
// model-issued call identifier. Progress is 0–100 and non-decreasing.
// Input, Output, and DurationMs arrive with the durable record and may land
// after the completion broadcast.
type ToolInvocation struct {
	ID              string           `json:"id"`
	ToolName        string           `json:"toolName"`
	Input           json.RawMessage  `json:"input,omitempty"`
	Output          json.RawMessage  `json:"output,omitempty"`
	Status          InvocationStatus `json:"status"`
	Progress        int              `json:"progress"`
	ProgressMessage string           `json:"progressMessage,omitempty"`
	DurationMs      int64            `json:"durationMs,omitempty"`
}

// Turn is one user utterance plus everything produced in response to it.
// StreamingResponse accumulates live response:chunk text while the turn is
// in flight; AssistantResponse carries the final content once the assistant
// message row is observed.
type Turn struct {
	ID                string           `json:"id"`
	SessionID         string           `json:"sessionId"`
	CreatedAt         time.Time        `json:"createdAt"`
	UserQuery         string           `json:"userQuery"`
	ToolCalls         []ToolInvocation `json:"toolCalls"`
	AssistantResponse string           `json:"assistantResponse,omitempty"`
	StreamingResponse string           `json:"streamingResponse,omitempty"`
	Status            TurnStatus       `json:"status"`
}

// invocation returns a pointer to the invocation with the given call id,
// or nil if the turn does not track it.
func (t *Turn) invocation(callID string) *ToolInvocation {
	for i := range t.ToolCalls {
		if t.ToolCalls[i].ID == callID {
			return &t.ToolCalls[i]
		}
	}
	return nil
}

// advance moves the turn to the given status if it is a forward transition;
// regressions are ignored.
func (t *Turn) advance(status TurnStatus) {
	if t.Status.Before(status) {
		t.Status = status
	}
}

// clone returns a deep copy safe to hand to callers.
func (t *Turn) clone() Turn {
	out := *t
	out.ToolCalls = make([]ToolInvocation, len(t.ToolCalls))
	copy(out.ToolCalls, t.ToolCalls)
	return out
}

// ChatRequest is the body of POST /v1/chat. SessionID and TurnID are
// generated server-side when absent.
type ChatRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
	TurnID    string `json:"turnId,omitempty"`

	// Context is optional caller-retrieved context the server feeds to the
	// model as auxiliary system content.
	Context string `json:"context,omitempty"`
}

// ChatResponse acknowledges an intake request.
type ChatResponse struct {
	Status    string `json:"status"` // "queued" or "error"
	SessionID string `json:"sessionId"`
	TurnID    string `json:"turnId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Qdrant   string `json:"qdrant,omitempty"`
	Redis    string `json:"redis,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}

// VoiceTokenResponse is the body of GET /v1/voice/token.
type VoiceTokenResponse struct {
	Key       string `json:"key"`
	ExpiresIn int64  `json:"expires_in_seconds"`
}
