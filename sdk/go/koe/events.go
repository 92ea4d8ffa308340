package koe

import (
	"encoding/json"
	"fmt"
)

// EventType names a broadcast event on a session channel.
type EventType string

const (
	EventProcessingStarted EventType = "processing:started"
	EventToolStarted       EventType = "tool:started"
	EventToolProgress      EventType = "tool:progress"
	EventToolCompleted     EventType = "tool:completed"
	EventResponseChunk     EventType = "response:chunk"
	EventResponseDone      EventType = "response:done"
	EventAudioChunk        EventType = "audio:chunk"
)

// Event is a broadcast message on a per-session channel. Delivery is
// best-effort: a client that was disconnected will miss events and must
// recover from durable-store insert notifications instead.
type Event interface {
	Type() EventType
	Turn() string
}

// ProcessingStartedEvent fires before the first model call of a turn.
type ProcessingStartedEvent struct {
	TurnID    string `json:"turnId"`
	Timestamp int64  `json:"timestamp"`
}

func (e ProcessingStartedEvent) Type() EventType { return EventProcessingStarted }
func (e ProcessingStartedEvent) Turn() string    { return e.TurnID }

// ToolStartedEvent fires when the loop begins executing a requested tool.
type ToolStartedEvent struct {
	TurnID     string `json:"turnId"`
	ToolName   string `json:"toolName"`
	ToolCallID string `json:"toolCallId"`
	MessageID  string `json:"messageId"`
}

func (e ToolStartedEvent) Type() EventType { return EventToolStarted }
func (e ToolStartedEvent) Turn() string    { return e.TurnID }

// ToolProgressEvent carries scalar tool progress (0–100, non-decreasing).
type ToolProgressEvent struct {
	TurnID     string `json:"turnId"`
	ToolName   string `json:"toolName"`
	ToolCallID string `json:"toolCallId"`
	Progress   int    `json:"progress"`
	Message    string `json:"message,omitempty"`
}

func (e ToolProgressEvent) Type() EventType { return EventToolProgress }
func (e ToolProgressEvent) Turn() string    { return e.TurnID }

// ToolCompletedEvent fires when a tool finishes. Result is informational;
// the authoritative output arrives with the tool-call record insert.
type ToolCompletedEvent struct {
	TurnID     string          `json:"turnId"`
	ToolName   string          `json:"toolName"`
	ToolCallID string          `json:"toolCallId"`
	Result     json.RawMessage `json:"result,omitempty"`
}

func (e ToolCompletedEvent) Type() EventType { return EventToolCompleted }
func (e ToolCompletedEvent) Turn() string    { return e.TurnID }

// ResponseChunkEvent carries a span of assistant response text.
type ResponseChunkEvent struct {
	TurnID string `json:"turnId"`
	Text   string `json:"text"`
}

func (e ResponseChunkEvent) Type() EventType { return EventResponseChunk }
func (e ResponseChunkEvent) Turn() string    { return e.TurnID }

// ResponseDoneEvent marks the end of the live response stream for a turn.
// This is a preview signal only: turn completeness is gated on the assistant
// message row insert, not on receipt of this event.
type ResponseDoneEvent struct {
	TurnID    string `json:"turnId"`
	MessageID string `json:"messageId"`
}

func (e ResponseDoneEvent) Type() EventType { return EventResponseDone }
func (e ResponseDoneEvent) Turn() string    { return e.TurnID }

// AudioChunkEvent carries a base64-encoded frame of synthesized speech.
type AudioChunkEvent struct {
	TurnID string `json:"turnId"`
	Audio  string `json:"audio"`
}

func (e AudioChunkEvent) Type() EventType { return EventAudioChunk }
func (e AudioChunkEvent) Turn() string    { return e.TurnID }

type envelope struct {
	Type EventType `json:"type"`
}

// UnmarshalEvent decodes a wire event by its type discriminator.
func UnmarshalEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("koe: unmarshal event: %w", err)
	}

	var (
		e   Event
		err error
	)
	switch env.Type {
	case EventProcessingStarted:
		var ev ProcessingStartedEvent
		err = json.Unmarshal(data, &ev)
		e = ev
	case EventToolStarted:
		var ev ToolStartedEvent
		err = json.Unmarshal(data, &ev)
		e = ev
	case EventToolProgress:
		var ev ToolProgressEvent
		err = json.Unmarshal(data, &ev)
		e = ev
	case EventToolCompleted:
		var ev ToolCompletedEvent
		err = json.Unmarshal(data, &ev)
		e = ev
	case EventResponseChunk:
		var ev ResponseChunkEvent
		err = json.Unmarshal(data, &ev)
		e = ev
	case EventResponseDone:
		var ev ResponseDoneEvent
		err = json.Unmarshal(data, &ev)
		e = ev
	case EventAudioChunk:
		var ev AudioChunkEvent
		err = json.Unmarshal(data, &ev)
		e = ev
	default:
		return nil, fmt.Errorf("koe: unknown event type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("koe: unmarshal %s: %w", env.Type, err)
	}
	return e, nil
}
