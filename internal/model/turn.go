package model

import (
	"encoding/json"
	"time"
)

// TurnStatus is the lifecycle state of a turn. Transitions are strictly
// forward: pending → tools_running → responding → complete. tools_running
// is skipped when the model answers without calling tools.
type TurnStatus string

const (
	TurnPending      TurnStatus = "pending"
	TurnToolsRunning TurnStatus = "tools_running"
	TurnResponding   TurnStatus = "responding"
	TurnComplete     TurnStatus = "complete"
)

// turnStatusRank orders statuses for forward-only transition checks.
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
	InvocationPending   InvocationStatus = "pending"
	InvocationRunning   InvocationStatus = "running"
	InvocationCompleted InvocationStatus = "completed"
	InvocationError     InvocationStatus = "error"
)

// ToolInvocation is one tool call tracked within a turn. ID is the
// LLM-issued call identifier. Progress is 0–100, non-decreasing while
// running; Output and DurationMs arrive with the durable record and may
// land after the completion broadcast.
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
// StreamingResponse accumulates live response:chunk text; AssistantResponse
// is set when the turn completes. A turn is complete, in the durable sense,
// only once its assistant message row exists in the store — broadcast
// delivery alone is not sufficient.
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

// Invocation returns a pointer to the invocation with the given call id,
// or nil if the turn does not track it.
func (t *Turn) Invocation(callID string) *ToolInvocation {
	for i := range t.ToolCalls {
		if t.ToolCalls[i].ID == callID {
			return &t.ToolCalls[i]
		}
	}
	return nil
}

// Advance moves the turn to the given status if it is a forward transition;
// regressions are ignored.
func (t *Turn) Advance(status TurnStatus) {
	if t.Status.Before(status) {
		t.Status = status
	}
}
