package koe

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func userRow(turnID, content string) Message {
	return Message{
		ID:        uuid.New(),
		SessionID: "sess_1",
		TurnID:    turnID,
		Role:      RoleUser,
		Content:   content,
		CreatedAt: testTime,
	}
}

func assistantRow(turnID, content string, toolRows ...uuid.UUID) Message {
	return Message{
		ID:        uuid.New(),
		SessionID: "sess_1",
		TurnID:    turnID,
		Role:      RoleAssistant,
		Content:   content,
		ToolCalls: toolRows,
		CreatedAt: testTime,
	}
}

func toolRow(rowID uuid.UUID, callID, name string) ToolCallRecord {
	return ToolCallRecord{
		ID:         rowID,
		ToolCallID: callID,
		SessionID:  "sess_1",
		ToolName:   name,
		Input:      json.RawMessage(`{"query":"hours"}`),
		Output:     json.RawMessage(`{"answer":"9-6"}`),
		Status:     "completed",
		DurationMs: 42,
		CreatedAt:  testTime,
	}
}

func TestAssistantRowCommitsTurn(t *testing.T) {
	e := NewEngine("sess_1", Hooks{})

	e.ApplyEvent(ProcessingStartedEvent{TurnID: "turn_1"})
	e.ApplyEvent(ResponseChunkEvent{TurnID: "turn_1", Text: "We're open "})
	e.ApplyEvent(ResponseChunkEvent{TurnID: "turn_1", Text: "9-6."})
	e.ApplyEvent(ResponseDoneEvent{TurnID: "turn_1", MessageID: uuid.NewString()})

	// The done broadcast alone must not commit the turn.
	assert.False(t, e.TurnComplete("turn_1"))
	turn, ok := e.Turn("turn_1")
	require.True(t, ok)
	assert.Equal(t, TurnResponding, turn.Status)
	assert.Equal(t, "We're open 9-6.", turn.AssistantResponse)
	assert.Empty(t, e.History())

	e.ApplyMessage(assistantRow("turn_1", "We're open 9-6."))

	assert.True(t, e.TurnComplete("turn_1"))
	turn, ok = e.Turn("turn_1")
	require.True(t, ok)
	assert.Equal(t, TurnComplete, turn.Status)
	assert.Equal(t, "We're open 9-6.", turn.AssistantResponse)
	require.Len(t, e.History(), 1)

	_, active := e.ActiveTurn()
	assert.False(t, active)
}

func TestApplyMessageIdempotent(t *testing.T) {
	e := NewEngine("sess_1", Hooks{})
	row := assistantRow("turn_1", "done")

	e.ApplyMessage(row)
	e.ApplyMessage(row)

	assert.Len(t, e.History(), 1)
	assert.True(t, e.TurnComplete("turn_1"))
}

func TestTruncatedRowNotificationKeepsStreamedText(t *testing.T) {
	// Insert notifications for oversized rows carry only a content prefix
	// ending in TruncationMarker. The full text streamed over the broadcast
	// channel must survive the commit.
	full := "Our return policy covers " + strings.Repeat("every item in the catalog, ", 40) + "no exceptions."
	slim := full[:100] + TruncationMarker

	e := NewEngine("sess_1", Hooks{})
	e.ApplyEvent(ProcessingStartedEvent{TurnID: "turn_1"})
	e.ApplyEvent(ResponseChunkEvent{TurnID: "turn_1", Text: full})
	e.ApplyEvent(ResponseDoneEvent{TurnID: "turn_1", MessageID: uuid.NewString()})

	e.ApplyMessage(assistantRow("turn_1", slim))

	assert.True(t, e.TurnComplete("turn_1"))
	turn, ok := e.Turn("turn_1")
	require.True(t, ok)
	assert.Equal(t, TurnComplete, turn.Status)
	assert.Equal(t, full, turn.AssistantResponse)
}

func TestTruncatedRowWithoutLocalCopyKeptVerbatim(t *testing.T) {
	// With no streamed copy to fall back on, the marker-terminated prefix is
	// the best available content and must come through unchanged so the
	// caller can re-fetch the row by id.
	slim := "A long answer cut short" + TruncationMarker

	e := NewEngine("sess_1", Hooks{})
	e.ApplyMessage(assistantRow("turn_1", slim))

	turn, ok := e.Turn("turn_1")
	require.True(t, ok)
	assert.Equal(t, slim, turn.AssistantResponse)
}

func TestTruncatedUserRowKeepsOptimisticText(t *testing.T) {
	full := "Please help me with " + strings.Repeat("this very specific problem, ", 30) + "thanks."
	slim := full[:80] + TruncationMarker

	e := NewEngine("sess_1", Hooks{})
	e.AddLocalUserMessage("turn_1", full)
	// The optimistic flag already suppresses the store copy; the guard must
	// also hold for a turn hydrated without one.
	e2 := NewEngine("sess_1", Hooks{})
	e2.ApplyMessage(userRow("turn_1", full))
	e2.ApplyMessage(userRow("turn_1", slim))

	turn, ok := e.Turn("turn_1")
	require.True(t, ok)
	assert.Equal(t, full, turn.UserQuery)

	turn2, ok := e2.Turn("turn_1")
	require.True(t, ok)
	assert.Equal(t, full, turn2.UserQuery)
}

func TestApplyToolCallIdempotent(t *testing.T) {
	e := NewEngine("sess_1", Hooks{})
	e.ApplyEvent(ProcessingStartedEvent{TurnID: "turn_1"})
	e.ApplyEvent(ToolStartedEvent{TurnID: "turn_1", ToolName: "faq_lookup", ToolCallID: "call_1"})

	rec := toolRow(uuid.New(), "call_1", "faq_lookup")
	e.ApplyToolCall(rec)
	e.ApplyToolCall(rec)

	turn, ok := e.Turn("turn_1")
	require.True(t, ok)
	require.Len(t, turn.ToolCalls, 1)
	assert.JSONEq(t, `{"answer":"9-6"}`, string(turn.ToolCalls[0].Output))
}

func TestChannelOrderIndependence(t *testing.T) {
	rowID := uuid.New()
	rec := toolRow(rowID, "call_1", "knowledge_base_search")
	user := userRow("turn_1", "What are your hours?")
	assistant := assistantRow("turn_1", "We're open 9-6.", rowID)

	events := []Event{
		ProcessingStartedEvent{TurnID: "turn_1"},
		ToolStartedEvent{TurnID: "turn_1", ToolName: "knowledge_base_search", ToolCallID: "call_1"},
		ToolProgressEvent{TurnID: "turn_1", ToolName: "knowledge_base_search", ToolCallID: "call_1", Progress: 50},
		ToolCompletedEvent{TurnID: "turn_1", ToolName: "knowledge_base_search", ToolCallID: "call_1"},
		ResponseChunkEvent{TurnID: "turn_1", Text: "We're open 9-6."},
		ResponseDoneEvent{TurnID: "turn_1", MessageID: assistant.ID.String()},
	}

	// Broadcasts first, then store rows.
	a := NewEngine("sess_1", Hooks{})
	a.ApplyMessage(user)
	for _, ev := range events {
		a.ApplyEvent(ev)
	}
	a.ApplyToolCall(rec)
	a.ApplyMessage(assistant)

	// Store rows first, then broadcasts.
	b := NewEngine("sess_1", Hooks{})
	b.ApplyMessage(user)
	b.ApplyToolCall(rec)
	b.ApplyMessage(assistant)
	for _, ev := range events {
		b.ApplyEvent(ev)
	}

	turnA, ok := a.Turn("turn_1")
	require.True(t, ok)
	turnB, ok := b.Turn("turn_1")
	require.True(t, ok)
	assert.Equal(t, turnA, turnB)

	assert.Equal(t, TurnComplete, turnA.Status)
	assert.Equal(t, "What are your hours?", turnA.UserQuery)
	assert.Equal(t, "We're open 9-6.", turnA.AssistantResponse)
	require.Len(t, turnA.ToolCalls, 1)
	inv := turnA.ToolCalls[0]
	assert.Equal(t, "call_1", inv.ID)
	assert.Equal(t, InvocationCompleted, inv.Status)
	assert.Equal(t, 100, inv.Progress)
	assert.JSONEq(t, `{"answer":"9-6"}`, string(inv.Output))
	assert.Equal(t, int64(42), inv.DurationMs)
}

func TestLateDurableWriteEnrichesCompletedInvocation(t *testing.T) {
	e := NewEngine("sess_1", Hooks{})
	e.ApplyEvent(ProcessingStartedEvent{TurnID: "turn_1"})
	e.ApplyEvent(ToolStartedEvent{TurnID: "turn_1", ToolName: "order_lookup", ToolCallID: "call_1"})
	e.ApplyEvent(ToolCompletedEvent{TurnID: "turn_1", ToolName: "order_lookup", ToolCallID: "call_1"})

	turn, _ := e.Turn("turn_1")
	require.Len(t, turn.ToolCalls, 1)
	assert.Equal(t, InvocationCompleted, turn.ToolCalls[0].Status)
	assert.Empty(t, turn.ToolCalls[0].Output)

	e.ApplyToolCall(toolRow(uuid.New(), "call_1", "order_lookup"))

	turn, _ = e.Turn("turn_1")
	inv := turn.ToolCalls[0]
	assert.JSONEq(t, `{"answer":"9-6"}`, string(inv.Output))
	assert.Equal(t, int64(42), inv.DurationMs)
	assert.Equal(t, InvocationCompleted, inv.Status)
	assert.Equal(t, 100, inv.Progress)
}

func TestConcurrentTurnsStayIsolated(t *testing.T) {
	var interrupted []string
	e := NewEngine("sess_1", Hooks{
		OnInterrupt: func(turnID string) { interrupted = append(interrupted, turnID) },
	})

	e.ApplyEvent(ProcessingStartedEvent{TurnID: "turn_1"})
	e.ApplyEvent(ResponseChunkEvent{TurnID: "turn_1", Text: "thinking..."})

	e.ApplyEvent(ProcessingStartedEvent{TurnID: "turn_2"})
	assert.Equal(t, []string{"turn_1"}, interrupted)

	e.ApplyEvent(ToolStartedEvent{TurnID: "turn_2", ToolName: "web_search", ToolCallID: "call_2"})

	turn1, _ := e.Turn("turn_1")
	assert.Empty(t, turn1.ToolCalls)
	turn2, _ := e.Turn("turn_2")
	assert.Len(t, turn2.ToolCalls, 1)

	e.ApplyMessage(assistantRow("turn_1", "first answer"))

	history := e.History()
	require.Len(t, history, 1)
	assert.Equal(t, "turn_1", history[0].ID)
	assert.Empty(t, history[0].ToolCalls)

	// turn_2 is still live and still the active turn.
	active, ok := e.ActiveTurn()
	require.True(t, ok)
	assert.Equal(t, "turn_2", active.ID)
}

func TestEventsForUntrackedTurnIgnored(t *testing.T) {
	e := NewEngine("sess_1", Hooks{})

	e.ApplyEvent(ToolStartedEvent{TurnID: "ghost", ToolName: "faq_lookup", ToolCallID: "call_1"})
	e.ApplyEvent(ResponseChunkEvent{TurnID: "ghost", Text: "hello"})

	_, ok := e.Turn("ghost")
	assert.False(t, ok)

	// Events for a committed turn are ignored too.
	e.ApplyMessage(assistantRow("turn_1", "done"))
	e.ApplyEvent(ResponseChunkEvent{TurnID: "turn_1", Text: "stale"})
	turn, _ := e.Turn("turn_1")
	assert.Equal(t, "done", turn.AssistantResponse)
}

func TestOptimisticUserMessageSuppressesStoreCopy(t *testing.T) {
	e := NewEngine("sess_1", Hooks{})
	e.AddLocalUserMessage("turn_1", "hi there")

	active, ok := e.ActiveTurn()
	require.True(t, ok)
	assert.Equal(t, "hi there", active.UserQuery)

	e.ApplyMessage(userRow("turn_1", "hi there"))

	turn, _ := e.Turn("turn_1")
	assert.Equal(t, "hi there", turn.UserQuery)
}

func TestProgressMonotonic(t *testing.T) {
	e := NewEngine("sess_1", Hooks{})
	e.ApplyEvent(ProcessingStartedEvent{TurnID: "turn_1"})
	e.ApplyEvent(ToolStartedEvent{TurnID: "turn_1", ToolName: "web_fetch", ToolCallID: "call_1"})

	var observed []int
	for _, p := range []int{30, 10, 60, 250} {
		e.ApplyEvent(ToolProgressEvent{TurnID: "turn_1", ToolCallID: "call_1", Progress: p})
		turn, _ := e.Turn("turn_1")
		observed = append(observed, turn.ToolCalls[0].Progress)
	}
	assert.Equal(t, []int{30, 30, 60, 100}, observed)

	e.ApplyEvent(ToolCompletedEvent{TurnID: "turn_1", ToolCallID: "call_1"})
	turn, _ := e.Turn("turn_1")
	assert.Equal(t, 100, turn.ToolCalls[0].Progress)
	assert.Equal(t, InvocationCompleted, turn.ToolCalls[0].Status)
}

func TestAudioRoutedToActiveTurnOnly(t *testing.T) {
	var frames [][]byte
	e := NewEngine("sess_1", Hooks{
		OnAudio: func(_ string, frame []byte) { frames = append(frames, frame) },
	})

	e.ApplyEvent(ProcessingStartedEvent{TurnID: "turn_1"})
	e.ApplyEvent(AudioChunkEvent{TurnID: "turn_1", Audio: base64.StdEncoding.EncodeToString([]byte("pcm-1"))})

	e.ApplyEvent(ProcessingStartedEvent{TurnID: "turn_2"})
	// Stale frame from the superseded turn must be dropped.
	e.ApplyEvent(AudioChunkEvent{TurnID: "turn_1", Audio: base64.StdEncoding.EncodeToString([]byte("pcm-stale"))})
	e.ApplyEvent(AudioChunkEvent{TurnID: "turn_2", Audio: base64.StdEncoding.EncodeToString([]byte("pcm-2"))})

	require.Len(t, frames, 2)
	assert.Equal(t, []byte("pcm-1"), frames[0])
	assert.Equal(t, []byte("pcm-2"), frames[1])
}

func TestHydrateRebuildsHistory(t *testing.T) {
	rowID := uuid.New()
	e := NewEngine("sess_1", Hooks{})

	e.Hydrate(
		[]Message{
			userRow("turn_1", "What are your hours?"),
			assistantRow("turn_1", "We're open 9-6.", rowID),
		},
		[]ToolCallRecord{toolRow(rowID, "call_1", "knowledge_base_search")},
	)

	history := e.History()
	require.Len(t, history, 1)
	turn := history[0]
	assert.Equal(t, "What are your hours?", turn.UserQuery)
	assert.Equal(t, "We're open 9-6.", turn.AssistantResponse)
	require.Len(t, turn.ToolCalls, 1)
	assert.Equal(t, InvocationCompleted, turn.ToolCalls[0].Status)
	assert.JSONEq(t, `{"answer":"9-6"}`, string(turn.ToolCalls[0].Output))
}

func TestApplyRawDispatch(t *testing.T) {
	e := NewEngine("sess_1", Hooks{})

	started, err := json.Marshal(map[string]any{"type": "processing:started", "turnId": "turn_1", "timestamp": testTime.UnixMilli()})
	require.NoError(t, err)
	require.NoError(t, e.ApplyRaw("processing:started", started))

	row, err := json.Marshal(assistantRow("turn_1", "done"))
	require.NoError(t, err)
	require.NoError(t, e.ApplyRaw("message", row))

	assert.True(t, e.TurnComplete("turn_1"))

	err = e.ApplyRaw("mystery:event", []byte(`{"type":"mystery:event"}`))
	assert.Error(t, err)
}
