package koe

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Koe server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client for request/response
	// calls. If nil, a default client with a 30-second timeout is used.
	// Event streaming always uses a client without a global timeout.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Koe voice agent API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
	stream  *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("koe: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
		stream:  &http.Client{},
	}, nil
}

// Send submits a user utterance for processing. The server persists the
// message and queues an orchestration job; the response acknowledges the
// queueing only. Results arrive on the session's event stream.
func (c *Client) Send(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var resp ChatResponse
	if err := c.post(ctx, "/v1/chat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Messages retrieves the message history for a session, oldest first.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	var resp []Message
	if err := c.get(ctx, "/v1/sessions/"+sessionID+"/messages", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ToolCalls retrieves the tool-call records for a session, oldest first.
func (c *Client) ToolCalls(ctx context.Context, sessionID string) ([]ToolCallRecord, error) {
	var resp []ToolCallRecord
	if err := c.get(ctx, "/v1/sessions/"+sessionID+"/tool-calls", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Speak synthesizes speech for the given text and returns the raw audio.
func (c *Client) Speak(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("koe: marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/voice/output", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("koe: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("koe: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("koe: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp.StatusCode, audio)
	}
	return audio, nil
}

// VoiceToken obtains a short-lived speech-to-text token for browser use.
func (c *Client) VoiceToken(ctx context.Context) (*VoiceTokenResponse, error) {
	var resp VoiceTokenResponse
	if err := c.get(ctx, "/v1/voice/token", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Listen hydrates the engine from stored history, then consumes the
// session's event stream and feeds every frame into the engine. It blocks
// until ctx is cancelled or the stream ends; a clean server-side close
// returns nil. Malformed or unrecognized frames are skipped, so a newer
// server can introduce event types without breaking older clients.
func (c *Client) Listen(ctx context.Context, sessionID string, engine *Engine) error {
	messages, err := c.Messages(ctx, sessionID)
	if err != nil {
		return err
	}
	toolCalls, err := c.ToolCalls(ctx, sessionID)
	if err != nil {
		return err
	}
	engine.Hydrate(messages, toolCalls)

	return c.Events(ctx, sessionID, func(name string, data []byte) {
		_ = engine.ApplyRaw(name, data)
	})
}

// Events consumes the session's server-sent event stream, invoking handle
// for each named frame. It blocks until ctx is cancelled or the stream ends.
func (c *Client) Events(ctx context.Context, sessionID string, handle func(name string, data []byte)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/sessions/"+sessionID+"/events", nil)
	if err != nil {
		return fmt.Errorf("koe: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("koe: open event stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return parseErrorResponse(resp.StatusCode, body)
	}

	var (
		name string
		data []string
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if name != "" && len(data) > 0 {
				handle(name, []byte(strings.Join(data, "\n")))
			}
			name, data = "", nil
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "event: "):
			name = line[len("event: "):]
		case strings.HasPrefix(line, "data: "):
			data = append(data, line[len("data: "):])
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("koe: read event stream: %w", err)
	}
	return ctx.Err()
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("koe: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("koe: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("koe: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("koe: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("koe: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("koe: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
