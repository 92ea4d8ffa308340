package model

import "time"

// Request body size limit for the intake endpoint. A single utterance has no
// business being larger than this.
const MaxUtteranceLen = 8 * 1024

// ChatRequest is the body of POST /v1/chat. SessionID and TurnID are
// generated server-side when absent.
type ChatRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
	TurnID    string `json:"turnId,omitempty"`

	// Context is caller-supplied retrieved context. When present it is fed
	// to the model as auxiliary system content alongside the session history.
	Context string `json:"context,omitempty"`
}

// ChatResponse acknowledges an intake request.
type ChatResponse struct {
	Status    string `json:"status"` // "queued" or "error"
	SessionID string `json:"sessionId"`
	TurnID    string `json:"turnId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ChatJob is the payload enqueued for the orchestration worker.
type ChatJob struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	TurnID    string `json:"turnId"`
	Context   string `json:"context,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// SpeakRequest is the body of POST /v1/voice/output.
type SpeakRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voiceId,omitempty"`
}

// TranscribeResponse is the body of POST /v1/voice/input.
type TranscribeResponse struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// IngestKnowledgeRequest is the body of POST /v1/knowledge.
type IngestKnowledgeRequest struct {
	Category string `json:"category"`
	Content  string `json:"content"`
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

// APIResponse is the standard response envelope for HTTP API responses.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes used in API error responses.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)
