package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultBaseURL    = "https://openrouter.ai/api/v1"
	defaultRetryCount = 3
	defaultRetryDelay = time.Second
)

// Config configures the OpenRouter client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RetryCount int
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Client talks to an OpenRouter-compatible chat-completions API.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new OpenRouter API client.
func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.RetryCount == 0 {
		config.RetryCount = defaultRetryCount
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = defaultRetryDelay
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger.With("component", "openrouter_client"),
	}
}

// CreateChatCompletion sends a chat completion request and returns the
// model's response.
func (c *Client) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	logger := c.logger.With("model", req.Model)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	resp, err := c.doWithRetry(ctx, "/chat/completions", body)
	if err != nil {
		logger.Error("chat completion failed", "error", err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.handleError(resp)
	}

	var result ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("llm: response contained no choices")
	}

	logger.Debug("chat completion ok",
		"prompt_tokens", result.Usage.PromptTokens,
		"completion_tokens", result.Usage.CompletionTokens)
	return &result, nil
}

// CreateEmbeddings requests embeddings for the given inputs, in order.
func (c *Client) CreateEmbeddings(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal embedding request: %w", err)
	}

	resp, err := c.doWithRetry(ctx, "/embeddings", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.handleError(resp)
	}

	var result EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("llm: decode embedding response: %w", err)
	}
	return &result, nil
}

// doWithRetry posts body to path, retrying server errors and transport
// failures with linear backoff. Client errors (4xx) are returned as-is.
func (c *Client) doWithRetry(ctx context.Context, path string, body []byte) (*http.Response, error) {
	var lastErr error

	for i := 0; i < c.config.RetryCount; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(i)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("llm: create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Debug("request attempt failed", "attempt", i+1, "error", err)
			continue
		}

		if resp.StatusCode < 500 {
			return resp, nil
		}

		resp.Body.Close()
		lastErr = &APIError{StatusCode: resp.StatusCode, Message: "server error"}
		c.logger.Debug("server error, retrying", "attempt", i+1, "status_code", resp.StatusCode)
	}

	return nil, fmt.Errorf("llm: request failed after %d attempts: %w", c.config.RetryCount, lastErr)
}

// handleError turns a non-2xx response into an APIError.
func (c *Client) handleError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("llm: read error response: %w", err)
	}

	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error.Message}
}
