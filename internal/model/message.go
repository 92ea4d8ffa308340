// Package model defines the core domain types for Koe: durable records
// (messages, tool-call records), the in-memory turn view, and the wire
// events broadcast to clients.
//
// Types use strong typing (UUIDs, time.Time, enums) and avoid interface{}
// wherever possible. Durable types correspond directly to database tables.
package model

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

// Message is a durable chat message row. Immutable once inserted.
type Message struct {
	ID        uuid.UUID   `json:"id"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Role      Role        `json:"role"`
	Content   string      `json:"content"`
	ToolCalls []uuid.UUID `json:"tool_calls,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// ToolCallStatus is the lifecycle state of a persisted tool-call record.
type ToolCallStatus string

const (
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallError     ToolCallStatus = "error"
)

// ToolCallRecord is a durable record of one tool invocation. Written exactly
// once, after the tool finishes. ToolCallID is the LLM-issued call identifier;
// MessageID references the assistant message the call belongs to, which is
// pre-generated so the record can be tagged before the message row exists.
type ToolCallRecord struct {
	ID         uuid.UUID       `json:"id"`
	ToolCallID string          `json:"tool_call_id"`
	SessionID  string          `json:"session_id"`
	MessageID  *uuid.UUID      `json:"message_id,omitempty"`
	ToolName   string          `json:"tool_name"`
	Input      json.RawMessage `json:"input"`
	Output     json.RawMessage `json:"output,omitempty"`
	Status     ToolCallStatus  `json:"status"`
	DurationMs int64           `json:"duration_ms"`
	CreatedAt  time.Time       `json:"created_at"`
}

// KnowledgeDocument is a knowledge-base entry searched by the
// knowledge_base_search tool. Embedding is stored in Postgres (source of
// truth) and synced to the Qdrant index by the outbox worker.
type KnowledgeDocument struct {
	ID        uuid.UUID  `json:"id"`
	Category  string     `json:"category"`
	Content   string     `json:"content"`
	IndexedAt *time.Time `json:"indexed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
