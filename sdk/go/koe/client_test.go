package koe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	return httptest.NewServer(mux)
}

func writeEnveloped(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": v})
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: serverURL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestSendQueuesMessage(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/chat": func(w http.ResponseWriter, r *http.Request) {
			var req ChatRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "What are your hours?", req.Message)
			writeEnveloped(w, http.StatusAccepted, ChatResponse{
				Status:    "queued",
				SessionID: "sess_1",
				TurnID:    "turn_1",
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	resp, err := client.Send(context.Background(), ChatRequest{Message: "What are your hours?"})
	require.NoError(t, err)
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, "sess_1", resp.SessionID)
	assert.Equal(t, "turn_1", resp.TurnID)
}

func TestSendSurfacesAPIError(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/chat": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"code": "INVALID_INPUT", "message": "message is required"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Send(context.Background(), ChatRequest{})
	require.Error(t, err)
	assert.True(t, IsInvalidInput(err))
	assert.Contains(t, err.Error(), "message is required")
}

func TestMessagesUnwrapsEnvelope(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/sessions/{session_id}/messages": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "sess_1", r.PathValue("session_id"))
			writeEnveloped(w, http.StatusOK, []Message{
				{ID: uuid.New(), SessionID: "sess_1", TurnID: "turn_1", Role: RoleUser, Content: "hi"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	messages, err := client.Messages(context.Background(), "sess_1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, RoleUser, messages[0].Role)
}

func TestEventsParsesStream(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/sessions/{session_id}/events": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, ": keepalive\n\n")
			fmt.Fprint(w, "event: processing:started\ndata: {\"type\":\"processing:started\",\"turnId\":\"turn_1\"}\n\n")
			fmt.Fprint(w, "event: response:chunk\ndata: {\"type\":\"response:chunk\",\"turnId\":\"turn_1\",\"text\":\"hello\"}\n\n")
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	type frame struct {
		name string
		data string
	}
	var frames []frame
	err := client.Events(context.Background(), "sess_1", func(name string, data []byte) {
		frames = append(frames, frame{name, string(data)})
	})
	require.NoError(t, err)

	require.Len(t, frames, 2)
	assert.Equal(t, "processing:started", frames[0].name)
	assert.Equal(t, "response:chunk", frames[1].name)
	assert.Contains(t, frames[1].data, `"text":"hello"`)
}

func TestListenHydratesThenStreams(t *testing.T) {
	rowID := uuid.New()
	assistantID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/sessions/{session_id}/messages": func(w http.ResponseWriter, r *http.Request) {
			writeEnveloped(w, http.StatusOK, []Message{
				{ID: uuid.New(), SessionID: "sess_1", TurnID: "turn_1", Role: RoleUser, Content: "What are your hours?"},
				{ID: assistantID, SessionID: "sess_1", TurnID: "turn_1", Role: RoleAssistant, Content: "We're open 9-6.", ToolCalls: []uuid.UUID{rowID}},
			})
		},
		"GET /v1/sessions/{session_id}/tool-calls": func(w http.ResponseWriter, r *http.Request) {
			writeEnveloped(w, http.StatusOK, []ToolCallRecord{
				{ID: rowID, ToolCallID: "call_1", SessionID: "sess_1", ToolName: "knowledge_base_search", Status: "completed", DurationMs: 42},
			})
		},
		"GET /v1/sessions/{session_id}/events": func(w http.ResponseWriter, r *http.Request) {
			// The assistant row arrives again as an insert notification;
			// the engine must not duplicate the committed turn.
			row, _ := json.Marshal(Message{ID: assistantID, SessionID: "sess_1", TurnID: "turn_1", Role: RoleAssistant, Content: "We're open 9-6.", ToolCalls: []uuid.UUID{rowID}})
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", row)
			fmt.Fprint(w, "event: processing:started\ndata: {\"type\":\"processing:started\",\"turnId\":\"turn_2\"}\n\n")
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	engine := NewEngine("sess_1", Hooks{})
	require.NoError(t, client.Listen(context.Background(), "sess_1", engine))

	history := engine.History()
	require.Len(t, history, 1)
	assert.Equal(t, "turn_1", history[0].ID)
	require.Len(t, history[0].ToolCalls, 1)
	assert.Equal(t, "call_1", history[0].ToolCalls[0].ID)

	active, ok := engine.ActiveTurn()
	require.True(t, ok)
	assert.Equal(t, "turn_2", active.ID)
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}
