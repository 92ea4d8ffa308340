package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalEventCarriesTypeDiscriminator(t *testing.T) {
	data, err := MarshalEvent(ToolProgressEvent{
		TurnID:     "turn_1",
		ToolName:   "web_search",
		ToolCallID: "call_abc",
		Progress:   40,
		Message:    "querying",
	})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"tool:progress"`)
	assert.Contains(t, string(data), `"turnId":"turn_1"`)

	decoded, err := UnmarshalEvent(data)
	require.NoError(t, err)
	ev, ok := decoded.(ToolProgressEvent)
	require.True(t, ok, "expected ToolProgressEvent, got %T", decoded)
	assert.Equal(t, 40, ev.Progress)
	assert.Equal(t, "call_abc", ev.ToolCallID)
}

func TestUnmarshalEventRejectsUnknownType(t *testing.T) {
	_, err := UnmarshalEvent([]byte(`{"type":"tool:exploded","turnId":"t"}`))
	require.Error(t, err)
}

func TestTurnAdvanceNeverRegresses(t *testing.T) {
	turn := &Turn{ID: "turn_1", Status: TurnPending}

	turn.Advance(TurnResponding)
	assert.Equal(t, TurnResponding, turn.Status)

	// A late tool event must not pull the turn backwards.
	turn.Advance(TurnToolsRunning)
	assert.Equal(t, TurnResponding, turn.Status)

	turn.Advance(TurnComplete)
	assert.Equal(t, TurnComplete, turn.Status)
	turn.Advance(TurnPending)
	assert.Equal(t, TurnComplete, turn.Status)
}

func TestTurnInvocationLookup(t *testing.T) {
	turn := &Turn{
		ToolCalls: []ToolInvocation{
			{ID: "call_1", ToolName: "faq_lookup"},
			{ID: "call_2", ToolName: "web_search"},
		},
	}

	inv := turn.Invocation("call_2")
	require.NotNil(t, inv)
	assert.Equal(t, "web_search", inv.ToolName)

	// Mutations through the pointer land in the turn.
	inv.Progress = 55
	assert.Equal(t, 55, turn.ToolCalls[1].Progress)

	assert.Nil(t, turn.Invocation("call_missing"))
}
