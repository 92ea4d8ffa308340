package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/koe/internal/model"
	"github.com/ashita-ai/koe/internal/queue"
	"github.com/ashita-ai/koe/internal/realtime"
	"github.com/ashita-ai/koe/internal/search"
	"github.com/ashita-ai/koe/internal/service/embedding"
	"github.com/ashita-ai/koe/internal/speech"
	"github.com/ashita-ai/koe/internal/storage"
)

// TurnProcessor runs the orchestration loop for one enqueued job.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, job model.ChatJob) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db        *storage.DB
	enqueuer  queue.Enqueuer
	verifier  *queue.Verifier
	processor TurnProcessor
	broker    *Broker
	bus       realtime.Subscriber
	synth     speech.Synthesizer
	tokens    *speech.DeepgramTokenProvider
	stt       speech.Transcriber
	embedder  embedding.Provider
	searcher  search.Searcher
	logger    *slog.Logger
	startedAt time.Time
	version   string
	maxBody   int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Verifier, Broker, Bus, Synth, Tokens, Transcriber,
// Embedder, Searcher.
type HandlersDeps struct {
	DB                  *storage.DB
	Enqueuer            queue.Enqueuer
	Verifier            *queue.Verifier
	Processor           TurnProcessor
	Broker              *Broker
	Bus                 realtime.Subscriber
	Synth               speech.Synthesizer
	Tokens              *speech.DeepgramTokenProvider
	Transcriber         speech.Transcriber
	Embedder            embedding.Provider
	Searcher            search.Searcher
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		db:        d.DB,
		enqueuer:  d.Enqueuer,
		verifier:  d.Verifier,
		processor: d.Processor,
		broker:    d.Broker,
		bus:       d.Bus,
		synth:     d.Synth,
		tokens:    d.Tokens,
		stt:       d.Transcriber,
		embedder:  d.Embedder,
		searcher:  d.Searcher,
		logger:    d.Logger,
		startedAt: time.Now(),
		version:   d.Version,
		maxBody:   maxBody,
	}
}

// HandleChat handles POST /v1/chat: persist the user utterance, then hand the
// turn to the queue. The insert happens before the enqueue so the worker's
// history load always sees the utterance, and so the message survives even if
// the queue is down.
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	var req model.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "message is required")
		return
	}
	if len(req.Message) > model.MaxUtteranceLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "message too long")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	turnID := req.TurnID
	if turnID == "" {
		turnID = uuid.New().String()
	}

	if _, err := h.db.InsertUserMessage(r.Context(), sessionID, turnID, req.Message); err != nil {
		h.logger.Error("persist user message failed", "session_id", sessionID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to persist message")
		return
	}

	job := model.ChatJob{
		SessionID: sessionID,
		Message:   req.Message,
		TurnID:    turnID,
		Context:   req.Context,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := h.enqueuer.Enqueue(r.Context(), job); err != nil {
		h.logger.Error("enqueue failed", "session_id", sessionID, "turn_id", turnID, "error", err)
		writeJSON(w, r, http.StatusBadGateway, model.ChatResponse{
			Status:    "error",
			SessionID: sessionID,
			TurnID:    turnID,
			Error:     "failed to queue message for processing",
		})
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.ChatResponse{
		Status:    "queued",
		SessionID: sessionID,
		TurnID:    turnID,
	})
}

// HandleChatJob handles POST /v1/jobs/chat, the queue's delivery webhook. The
// whole orchestration loop runs inside this request; a non-2xx response makes
// the queue redeliver.
func (h *Handlers) HandleChatJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "failed to read body")
		return
	}

	if h.verifier != nil {
		sig := r.Header.Get("Upstash-Signature")
		if err := h.verifier.Verify(sig, requestURL(r), body); err != nil {
			h.logger.Warn("job signature rejected", "error", err)
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid signature")
			return
		}
	}

	var job model.ChatJob
	if err := json.Unmarshal(body, &job); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid job payload")
		return
	}
	if job.SessionID == "" || job.TurnID == "" || job.Message == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "job missing required fields")
		return
	}

	if err := h.processor.ProcessTurn(r.Context(), job); err != nil {
		h.logger.Error("turn processing failed", "session_id", job.SessionID, "turn_id", job.TurnID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "turn processing failed")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]string{"status": "processed"})
}

// HandleEvents handles GET /v1/sessions/{session_id}/events (SSE). The stream
// interleaves two sources: live broadcast events (named by their event type,
// e.g. "response:chunk") and durable store inserts ("message", "tool_call").
// Live events are previews; the store inserts are the commits.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "session_id is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	var storeCh chan StoreEvent
	if h.broker != nil {
		storeCh = h.broker.Subscribe(sessionID)
		defer h.broker.Unsubscribe(sessionID, storeCh)
	}

	var liveCh <-chan model.Event
	if h.bus != nil {
		ch, cancel, err := h.bus.Subscribe(r.Context(), sessionID)
		if err != nil {
			h.logger.Error("live subscribe failed", "session_id", sessionID, "error", err)
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "event stream unavailable")
			return
		}
		defer cancel()
		liveCh = ch
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-storeCh:
			if !ok {
				return
			}
			if _, err := w.Write(formatSSE(ev.Name, ev.Data)); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-liveCh:
			if !ok {
				return
			}
			data, err := model.MarshalEvent(ev)
			if err != nil {
				h.logger.Error("marshal live event failed", "error", err)
				continue
			}
			if _, err := w.Write(formatSSE(string(ev.Type()), data)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// formatSSE formats one Server-Sent Events message.
func formatSSE(name string, data []byte) []byte {
	out := make([]byte, 0, len(name)+len(data)+16)
	out = append(out, "event: "...)
	out = append(out, name...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	out = append(out, "\n\n"...)
	return out
}

// HandleListMessages handles GET /v1/sessions/{session_id}/messages.
func (h *Handlers) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "session_id is required")
		return
	}
	msgs, err := h.db.ListMessages(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("list messages failed", "session_id", sessionID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, r, http.StatusOK, msgs)
}

// HandleListToolCalls handles GET /v1/sessions/{session_id}/tool-calls.
func (h *Handlers) HandleListToolCalls(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "session_id is required")
		return
	}
	calls, err := h.db.ListToolCalls(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("list tool calls failed", "session_id", sessionID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load tool calls")
		return
	}
	if calls == nil {
		calls = []model.ToolCallRecord{}
	}
	writeJSON(w, r, http.StatusOK, calls)
}

// HandleSpeak handles POST /v1/voice/output: synthesize text and return the
// audio bytes directly.
func (h *Handlers) HandleSpeak(w http.ResponseWriter, r *http.Request) {
	if h.synth == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "speech synthesis not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	var req model.SpeakRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "text is required")
		return
	}
	if len(req.Text) > speech.MaxSpeechTextLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "text too long")
		return
	}

	audio, err := h.synth.Synthesize(r.Context(), req.Text, req.VoiceID)
	if err != nil {
		h.logger.Error("synthesis failed", "error", err)
		writeError(w, r, http.StatusBadGateway, model.ErrCodeInternalError, "speech synthesis failed")
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

// HandleVoiceToken handles GET /v1/voice/token: mint a short-lived transcription
// key for browser clients.
func (h *Handlers) HandleVoiceToken(w http.ResponseWriter, r *http.Request) {
	if h.tokens == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "voice transcription not configured")
		return
	}
	key, err := h.tokens.Token(r.Context())
	if err != nil {
		h.logger.Error("voice token mint failed", "error", err)
		writeError(w, r, http.StatusBadGateway, model.ErrCodeInternalError, "failed to mint voice token")
		return
	}
	writeJSON(w, r, http.StatusOK, model.VoiceTokenResponse{
		Key:       key,
		ExpiresIn: int64(h.tokens.TTL().Seconds()),
	})
}

// HandleVoiceInput handles POST /v1/voice/input: transcribe an uploaded audio
// clip. The body is multipart form data with the clip under the "audio" field.
func (h *Handlers) HandleVoiceInput(w http.ResponseWriter, r *http.Request) {
	if h.stt == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "voice transcription not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, speech.MaxAudioUploadBytes)

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "audio file is required")
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "failed to read audio")
		return
	}
	if len(audio) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "audio file is empty")
		return
	}

	result, err := h.stt.Transcribe(r.Context(), audio, header.Header.Get("Content-Type"))
	if err != nil {
		h.logger.Error("transcription failed", "error", err)
		writeError(w, r, http.StatusBadGateway, model.ErrCodeInternalError, "transcription failed")
		return
	}

	writeJSON(w, r, http.StatusOK, model.TranscribeResponse{
		Transcript: result.Transcript,
		Confidence: result.Confidence,
	})
}

// HandleIngestKnowledge handles POST /v1/knowledge: embed and persist one
// document. Vector-index registration happens asynchronously; the document is
// searchable via the database path immediately.
func (h *Handlers) HandleIngestKnowledge(w http.ResponseWriter, r *http.Request) {
	if h.embedder == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "knowledge ingestion not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	var req model.IngestKnowledgeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.Content == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "content is required")
		return
	}
	if req.Category == "" {
		req.Category = "general"
	}

	emb, err := h.embedder.Embed(r.Context(), req.Content)
	if err != nil {
		h.logger.Error("embed document failed", "error", err)
		writeError(w, r, http.StatusBadGateway, model.ErrCodeInternalError, "failed to embed document")
		return
	}

	doc, err := h.db.InsertKnowledgeDocument(r.Context(), req.Category, req.Content, emb)
	if err != nil {
		h.logger.Error("insert knowledge document failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to store document")
		return
	}

	writeJSON(w, r, http.StatusCreated, doc)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}

	if h.searcher != nil {
		if err := h.searcher.Healthy(r.Context()); err == nil {
			resp.Qdrant = "connected"
		} else {
			resp.Qdrant = "disconnected"
			if status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// requestURL reconstructs the externally visible URL of the request for
// signature verification.
func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
			scheme = fwd
		} else {
			scheme = "http"
		}
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
