package koe

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Hooks are optional callbacks fired by the engine. They are invoked after
// the triggering mutation has been applied, outside the engine's lock, so a
// hook may safely call back into the engine.
type Hooks struct {
	// OnAudio receives decoded speech frames for the currently active turn.
	// Frames for any other turn are dropped.
	OnAudio func(turnID string, frame []byte)

	// OnInterrupt fires when a new turn starts while another is still
	// active, signalling the client to cut stale speech playback.
	OnInterrupt func(turnID string)
}

// Engine reconciles three independent, partially-ordered input streams into
// one coherent view of a session: locally-originated optimistic input, live
// broadcast events, and durable-store row-insert notifications.
//
// Broadcast events are a preview; store inserts are the commit. A turn is
// complete only once its assistant message row has been observed, because
// broadcast delivery can be missed on reconnect while store rows cannot.
// All mutations are idempotent by id, so the two streams may be applied in
// either order.
//
// One Engine serves one client connection. All methods are safe for
// concurrent use.
type Engine struct {
	mu        sync.Mutex
	sessionID string
	hooks     Hooks

	activeID   string
	active     map[string]*Turn
	completed  []Turn
	done       map[string]bool // turn ids with an observed assistant row
	seenMsgs   map[uuid.UUID]bool
	seenCalls  map[uuid.UUID]bool
	optimistic map[string]bool // turn ids holding a local optimistic user message

	// Tool-call rows that arrived before anything referenced their call id,
	// keyed by row id. Attached when the owning invocation or assistant
	// message appears.
	pending map[uuid.UUID]ToolCallRecord
}

// NewEngine creates a reconciliation engine for one session.
func NewEngine(sessionID string, hooks Hooks) *Engine {
	return &Engine{
		sessionID:  sessionID,
		hooks:      hooks,
		active:     make(map[string]*Turn),
		done:       make(map[string]bool),
		seenMsgs:   make(map[uuid.UUID]bool),
		seenCalls:  make(map[uuid.UUID]bool),
		optimistic: make(map[string]bool),
		pending:    make(map[uuid.UUID]ToolCallRecord),
	}
}

// SessionID returns the session this engine reconciles.
func (e *Engine) SessionID() string { return e.sessionID }

// AddLocalUserMessage records an optimistic user message for a turn that was
// just sent to the intake endpoint. The store copy of the same message is
// suppressed when its insert notification arrives, so the utterance never
// renders twice.
func (e *Engine) AddLocalUserMessage(turnID, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.done[turnID] {
		return
	}
	t := e.turnLocked(turnID)
	t.UserQuery = text
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	e.optimistic[turnID] = true
	e.activeID = turnID
}

// ApplyRaw dispatches one named frame from the server's event stream:
// "message" and "tool_call" carry store-insert rows, anything else is a
// broadcast event envelope.
func (e *Engine) ApplyRaw(name string, data []byte) error {
	switch name {
	case "message":
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("koe: unmarshal message row: %w", err)
		}
		e.ApplyMessage(m)
	case "tool_call":
		var rec ToolCallRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("koe: unmarshal tool-call row: %w", err)
		}
		e.ApplyToolCall(rec)
	default:
		ev, err := UnmarshalEvent(data)
		if err != nil {
			return err
		}
		e.ApplyEvent(ev)
	}
	return nil
}

// ApplyEvent merges one broadcast event. Events whose turn id matches no
// tracked turn, or a turn already committed by its assistant row, are
// silently ignored.
func (e *Engine) ApplyEvent(ev Event) {
	e.mu.Lock()
	var fire func()

	switch ev := ev.(type) {
	case ProcessingStartedEvent:
		fire = e.applyProcessingStarted(ev)
	case ToolStartedEvent:
		e.applyToolStarted(ev)
	case ToolProgressEvent:
		e.applyToolProgress(ev)
	case ToolCompletedEvent:
		e.applyToolCompleted(ev)
	case ResponseChunkEvent:
		if t := e.active[ev.TurnID]; t != nil {
			t.StreamingResponse += ev.Text
			t.advance(TurnResponding)
		}
	case ResponseDoneEvent:
		// Freeze the accumulated text. Completeness stays gated on the
		// assistant row: this event alone never transitions to complete.
		if t := e.active[ev.TurnID]; t != nil {
			if t.AssistantResponse == "" {
				t.AssistantResponse = t.StreamingResponse
			}
			t.advance(TurnResponding)
		}
	case AudioChunkEvent:
		fire = e.applyAudioChunk(ev)
	}

	e.mu.Unlock()
	if fire != nil {
		fire()
	}
}

func (e *Engine) applyProcessingStarted(ev ProcessingStartedEvent) func() {
	if e.done[ev.TurnID] {
		return nil
	}

	var fire func()
	if prev := e.activeID; prev != "" && prev != ev.TurnID && e.hooks.OnInterrupt != nil {
		hook := e.hooks.OnInterrupt
		fire = func() { hook(prev) }
	}

	t := e.turnLocked(ev.TurnID)
	if t.CreatedAt.IsZero() && ev.Timestamp > 0 {
		t.CreatedAt = time.UnixMilli(ev.Timestamp)
	}
	e.activeID = ev.TurnID
	return fire
}

func (e *Engine) applyToolStarted(ev ToolStartedEvent) {
	t := e.active[ev.TurnID]
	if t == nil {
		return
	}
	t.advance(TurnToolsRunning)
	if t.invocation(ev.ToolCallID) != nil {
		return
	}
	inv := ToolInvocation{
		ID:       ev.ToolCallID,
		ToolName: ev.ToolName,
		Status:   InvocationRunning,
	}
	// A durable record for this call may have arrived first.
	for rowID, rec := range e.pending {
		if rec.ToolCallID == ev.ToolCallID {
			mergeRecord(&inv, rec)
			delete(e.pending, rowID)
			break
		}
	}
	t.ToolCalls = append(t.ToolCalls, inv)
}

func (e *Engine) applyToolProgress(ev ToolProgressEvent) {
	t := e.active[ev.TurnID]
	if t == nil {
		return
	}
	inv := t.invocation(ev.ToolCallID)
	if inv == nil || inv.Status != InvocationRunning {
		return
	}
	p := min(ev.Progress, 100)
	if p > inv.Progress {
		inv.Progress = p
	}
	if ev.Message != "" {
		inv.ProgressMessage = ev.Message
	}
}

func (e *Engine) applyToolCompleted(ev ToolCompletedEvent) {
	t := e.active[ev.TurnID]
	if t == nil {
		return
	}
	inv := t.invocation(ev.ToolCallID)
	if inv == nil {
		return
	}
	if inv.Status == InvocationRunning {
		inv.Status = InvocationCompleted
	}
	inv.Progress = 100
}

func (e *Engine) applyAudioChunk(ev AudioChunkEvent) func() {
	if e.hooks.OnAudio == nil || ev.TurnID != e.activeID {
		return nil
	}
	frame, err := base64.StdEncoding.DecodeString(ev.Audio)
	if err != nil {
		return nil
	}
	hook := e.hooks.OnAudio
	return func() { hook(ev.TurnID, frame) }
}

// ApplyMessage merges one message row-insert notification. Applying the same
// row twice is a no-op. A user row for a turn that already holds an
// optimistic local copy is suppressed. An assistant row is the authoritative
// completeness signal: it commits the turn and moves it to the historical
// list.
func (e *Engine) ApplyMessage(m Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.seenMsgs[m.ID] {
		return
	}
	e.seenMsgs[m.ID] = true

	if e.done[m.TurnID] {
		return
	}

	switch m.Role {
	case RoleUser:
		if e.optimistic[m.TurnID] {
			return
		}
		t := e.turnLocked(m.TurnID)
		t.UserQuery = preferFull(m.Content, t.UserQuery)
		if t.CreatedAt.IsZero() {
			t.CreatedAt = m.CreatedAt
		}
	case RoleAssistant:
		t := e.turnLocked(m.TurnID)
		// Late-buffered tool records referenced by this message belong to
		// this turn; attach invocations not yet seen via broadcast.
		for _, rowID := range m.ToolCalls {
			rec, ok := e.pending[rowID]
			if !ok {
				continue
			}
			delete(e.pending, rowID)
			if t.invocation(rec.ToolCallID) == nil {
				t.ToolCalls = append(t.ToolCalls, invocationFromRecord(rec))
			}
		}
		local := t.AssistantResponse
		if local == "" {
			local = t.StreamingResponse
		}
		t.AssistantResponse = preferFull(m.Content, local)
		t.StreamingResponse = ""
		t.Status = TurnComplete
		if t.CreatedAt.IsZero() {
			t.CreatedAt = m.CreatedAt
		}

		e.completed = append(e.completed, t.clone())
		e.done[m.TurnID] = true
		delete(e.active, m.TurnID)
		if e.activeID == m.TurnID {
			e.activeID = ""
		}
	}
}

// ApplyToolCall merges one tool-call row-insert notification by call id,
// regardless of the owning turn's status: the broadcast tool:completed event
// does not carry the result payload, so a late durable write must still
// enrich an already-completed-looking invocation. Rows that match nothing
// yet are held until their call id or owning message appears.
func (e *Engine) ApplyToolCall(rec ToolCallRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.seenCalls[rec.ID] {
		return
	}
	e.seenCalls[rec.ID] = true

	for _, t := range e.active {
		if inv := t.invocation(rec.ToolCallID); inv != nil {
			mergeRecord(inv, rec)
			return
		}
	}
	for i := range e.completed {
		if inv := e.completed[i].invocation(rec.ToolCallID); inv != nil {
			mergeRecord(inv, rec)
			return
		}
	}
	e.pending[rec.ID] = rec
}

// Hydrate replays history loaded at mount time through the same merge paths
// as live notifications, so a reconnecting client converges to the state it
// would have reached had it been connected throughout.
func (e *Engine) Hydrate(messages []Message, toolCalls []ToolCallRecord) {
	for _, rec := range toolCalls {
		e.ApplyToolCall(rec)
	}
	for _, m := range messages {
		e.ApplyMessage(m)
	}
}

// turnLocked returns the tracked active turn, creating it if absent.
// Caller holds e.mu and has checked e.done.
func (e *Engine) turnLocked(turnID string) *Turn {
	t := e.active[turnID]
	if t == nil {
		t = &Turn{ID: turnID, SessionID: e.sessionID, Status: TurnPending}
		e.active[turnID] = t
	}
	return t
}

// ActiveTurn returns a snapshot of the currently active turn, if any.
func (e *Engine) ActiveTurn() (Turn, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.active[e.activeID]
	if t == nil {
		return Turn{}, false
	}
	return t.clone(), true
}

// Turn returns a snapshot of the turn with the given id, whether active or
// committed.
func (e *Engine) Turn(turnID string) (Turn, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t := e.active[turnID]; t != nil {
		return t.clone(), true
	}
	for i := range e.completed {
		if e.completed[i].ID == turnID {
			return e.completed[i].clone(), true
		}
	}
	return Turn{}, false
}

// History returns the committed turns in the order their assistant rows were
// observed.
func (e *Engine) History() []Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Turn, len(e.completed))
	for i := range e.completed {
		out[i] = e.completed[i].clone()
	}
	return out
}

// TurnComplete reports whether the turn's assistant message row has been
// observed. This, not any broadcast event, is the signal to release
// turn-scoped resources such as a disabled input.
func (e *Engine) TurnComplete(turnID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done[turnID]
}

// preferFull chooses between freshly delivered row content and the locally
// accumulated copy of the same text. A notification for an oversized row
// carries only a prefix ending in TruncationMarker; when the local copy
// extends past that prefix it is the full text and wins.
func preferFull(rowContent, local string) string {
	if !strings.HasSuffix(rowContent, TruncationMarker) {
		return rowContent
	}
	if len(local) > len(rowContent)-len(TruncationMarker) {
		return local
	}
	return rowContent
}

func mergeRecord(inv *ToolInvocation, rec ToolCallRecord) {
	if len(rec.Input) > 0 {
		inv.Input = rec.Input
	}
	if len(rec.Output) > 0 {
		inv.Output = rec.Output
	}
	if rec.DurationMs > 0 {
		inv.DurationMs = rec.DurationMs
	}
	if inv.Status == InvocationCompleted || inv.Status == InvocationError {
		return
	}
	switch rec.Status {
	case "completed":
		inv.Status = InvocationCompleted
		inv.Progress = 100
	case "error":
		inv.Status = InvocationError
	}
}

func invocationFromRecord(rec ToolCallRecord) ToolInvocation {
	inv := ToolInvocation{
		ID:       rec.ToolCallID,
		ToolName: rec.ToolName,
		Status:   InvocationRunning,
	}
	mergeRecord(&inv, rec)
	return inv
}
