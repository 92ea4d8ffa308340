package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultDeepgramURL = "https://api.deepgram.com"

// DeepgramTokenProvider mints short-lived Deepgram keys so browsers can open
// transcription websockets without seeing the long-lived API key.
type DeepgramTokenProvider struct {
	baseURL    string
	apiKey     string
	projectID  string
	ttl        time.Duration
	httpClient *http.Client
}

// NewDeepgramTokenProvider creates a token provider. projectID may be empty,
// in which case Token falls back to returning the configured key directly
// (development mode, matching Deepgram's documented dev workflow).
func NewDeepgramTokenProvider(baseURL, apiKey, projectID string, ttl time.Duration) *DeepgramTokenProvider {
	if baseURL == "" {
		baseURL = defaultDeepgramURL
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &DeepgramTokenProvider{
		baseURL:    baseURL,
		apiKey:     apiKey,
		projectID:  projectID,
		ttl:        ttl,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// TTL reports how long minted keys stay valid.
func (p *DeepgramTokenProvider) TTL() time.Duration {
	return p.ttl
}

type deepgramKeyRequest struct {
	Comment    string   `json:"comment"`
	Scopes     []string `json:"scopes"`
	TimeToLive int      `json:"time_to_live_in_seconds"`
}

type deepgramKeyResponse struct {
	Key string `json:"key"`
}

// Token returns a key usable for live transcription. With a project ID
// configured it mints an ephemeral scoped key; otherwise it returns the main
// key.
func (p *DeepgramTokenProvider) Token(ctx context.Context) (string, error) {
	if p.apiKey == "" {
		return "", fmt.Errorf("speech: deepgram api key not configured")
	}
	if p.projectID == "" {
		return p.apiKey, nil
	}

	body, err := json.Marshal(deepgramKeyRequest{
		Comment:    "koe ephemeral transcription key",
		Scopes:     []string{"usage:write"},
		TimeToLive: int(p.ttl.Seconds()),
	})
	if err != nil {
		return "", fmt.Errorf("speech: marshal key request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/projects/%s/keys", p.baseURL, p.projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("speech: create key request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("speech: deepgram key request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("speech: deepgram returned status %d: %s", resp.StatusCode, msg)
	}

	var parsed deepgramKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("speech: decode key response: %w", err)
	}
	if parsed.Key == "" {
		return "", fmt.Errorf("speech: deepgram returned empty key")
	}
	return parsed.Key, nil
}

// MaxAudioUploadBytes bounds one batch transcription upload.
const MaxAudioUploadBytes = 25 << 20

// Transcription is the result of one batch transcription request.
type Transcription struct {
	Transcript string
	Confidence float64
}

// Transcriber converts recorded audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, contentType string) (Transcription, error)
}

// DeepgramTranscriber transcribes recorded audio through Deepgram's
// prerecorded listen API. Live microphone streams go straight from the
// browser to Deepgram with an ephemeral token; this path handles uploaded
// clips.
type DeepgramTranscriber struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewDeepgramTranscriber creates a batch transcriber. Empty baseURL falls
// back to the default.
func NewDeepgramTranscriber(baseURL, apiKey string) *DeepgramTranscriber {
	if baseURL == "" {
		baseURL = defaultDeepgramURL
	}
	return &DeepgramTranscriber{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type deepgramListenResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe sends raw audio bytes to Deepgram and returns the top
// alternative of the first channel.
func (t *DeepgramTranscriber) Transcribe(ctx context.Context, audio []byte, contentType string) (Transcription, error) {
	if len(audio) == 0 {
		return Transcription{}, fmt.Errorf("speech: audio is required")
	}
	if len(audio) > MaxAudioUploadBytes {
		return Transcription{}, fmt.Errorf("speech: audio too large (max %d bytes)", MaxAudioUploadBytes)
	}
	if t.apiKey == "" {
		return Transcription{}, fmt.Errorf("speech: deepgram api key not configured")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	url := t.baseURL + "/v1/listen?model=nova-2&language=en&smart_format=true&punctuate=true&diarize=false"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(audio))
	if err != nil {
		return Transcription{}, fmt.Errorf("speech: create listen request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+t.apiKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return Transcription{}, fmt.Errorf("speech: deepgram listen request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Transcription{}, fmt.Errorf("speech: deepgram returned status %d: %s", resp.StatusCode, msg)
	}

	var parsed deepgramListenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Transcription{}, fmt.Errorf("speech: decode listen response: %w", err)
	}
	if len(parsed.Results.Channels) == 0 || len(parsed.Results.Channels[0].Alternatives) == 0 {
		return Transcription{}, fmt.Errorf("speech: deepgram returned no transcript")
	}
	alt := parsed.Results.Channels[0].Alternatives[0]
	return Transcription{Transcript: alt.Transcript, Confidence: alt.Confidence}, nil
}
