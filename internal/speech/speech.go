// Package speech provides text-to-speech synthesis through ElevenLabs plus
// Deepgram batch transcription and short-lived live-transcription tokens.
package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultElevenLabsURL = "https://api.elevenlabs.io"
	defaultVoiceID       = "pNInz6obpgDQGcFmaJgB"
	defaultModelID       = "eleven_v3"

	// MaxSpeechTextLen bounds one synthesis request.
	MaxSpeechTextLen = 5000
)

// Synthesizer converts text to audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)
}

// ElevenLabsClient calls the ElevenLabs TTS API.
type ElevenLabsClient struct {
	baseURL    string
	apiKey     string
	voiceID    string
	modelID    string
	httpClient *http.Client
}

// NewElevenLabsClient creates a TTS client. Empty baseURL, voiceID, and
// modelID fall back to defaults.
func NewElevenLabsClient(baseURL, apiKey, voiceID, modelID string) *ElevenLabsClient {
	if baseURL == "" {
		baseURL = defaultElevenLabsURL
	}
	if voiceID == "" {
		voiceID = defaultVoiceID
	}
	if modelID == "" {
		modelID = defaultModelID
	}
	return &ElevenLabsClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		voiceID:    voiceID,
		modelID:    modelID,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type ttsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// Synthesize converts text to MP3 audio. An empty voiceID uses the client's
// default voice.
func (c *ElevenLabsClient) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	if text == "" {
		return nil, fmt.Errorf("speech: text is required")
	}
	if len(text) > MaxSpeechTextLen {
		return nil, fmt.Errorf("speech: text too long (max %d characters)", MaxSpeechTextLen)
	}
	if c.apiKey == "" {
		return nil, fmt.Errorf("speech: elevenlabs api key not configured")
	}
	if voiceID == "" {
		voiceID = c.voiceID
	}

	body, err := json.Marshal(ttsRequest{
		Text:    text,
		ModelID: c.modelID,
		VoiceSettings: voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("speech: marshal tts request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s", c.baseURL, voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("speech: create tts request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speech: tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("speech: elevenlabs returned status %d: %s", resp.StatusCode, msg)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("speech: read audio: %w", err)
	}
	return audio, nil
}

// ChunkAudio splits audio into base64-encoded frames of at most chunkBytes
// raw bytes each, ready to broadcast as audio events.
func ChunkAudio(audio []byte, chunkBytes int) []string {
	if chunkBytes <= 0 {
		chunkBytes = 24 * 1024
	}
	var chunks []string
	for off := 0; off < len(audio); off += chunkBytes {
		end := off + chunkBytes
		if end > len(audio) {
			end = len(audio)
		}
		chunks = append(chunks, base64.StdEncoding.EncodeToString(audio[off:end]))
	}
	return chunks
}
