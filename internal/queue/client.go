package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ashita-ai/koe/internal/model"
)

const publishRetries = 3

// Client enqueues chat jobs through a QStash-compatible HTTP API. QStash
// delivers each job to the webhook URL with a signed Upstash-Signature
// header; see Verifier.
type Client struct {
	baseURL    string
	token      string
	webhookURL string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a queue client. baseURL is the QStash API root
// (e.g. "https://qstash.upstash.io") and webhookURL is where jobs are
// delivered.
func NewClient(baseURL, token, webhookURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "queue_client"),
	}
}

// Enqueue implements Enqueuer by publishing the job to QStash.
func (c *Client) Enqueue(ctx context.Context, job model.ChatJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v2/publish/%s", c.baseURL, url.QueryEscape(c.webhookURL))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("queue: create publish request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Upstash-Retries", fmt.Sprintf("%d", publishRetries))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("queue: publish job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("queue: publish returned status %d: %s", resp.StatusCode, msg)
	}

	c.logger.Debug("job enqueued", "session_id", job.SessionID, "turn_id", job.TurnID)
	return nil
}
