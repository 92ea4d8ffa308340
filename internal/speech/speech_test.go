package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthesize(t *testing.T) {
	audio := []byte("fake-mp3-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/text-to-speech/voice-1", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("xi-api-key"))

		var req ttsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello there", req.Text)
		assert.Equal(t, "eleven_v3", req.ModelID)

		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write(audio)
	}))
	defer srv.Close()

	c := NewElevenLabsClient(srv.URL, "test-key", "voice-1", "")
	got, err := c.Synthesize(context.Background(), "hello there", "")
	require.NoError(t, err)
	assert.Equal(t, audio, got)
}

func TestSynthesizeVoiceOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/text-to-speech/custom-voice", r.URL.Path)
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	c := NewElevenLabsClient(srv.URL, "k", "default-voice", "")
	_, err := c.Synthesize(context.Background(), "hi", "custom-voice")
	require.NoError(t, err)
}

func TestSynthesizeValidation(t *testing.T) {
	c := NewElevenLabsClient("http://unused", "k", "", "")

	_, err := c.Synthesize(context.Background(), "", "")
	assert.Error(t, err)

	_, err = c.Synthesize(context.Background(), strings.Repeat("a", MaxSpeechTextLen+1), "")
	assert.ErrorContains(t, err, "too long")

	noKey := NewElevenLabsClient("http://unused", "", "", "")
	_, err = noKey.Synthesize(context.Background(), "hi", "")
	assert.ErrorContains(t, err, "not configured")
}

func TestSynthesizeAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("bad key"))
	}))
	defer srv.Close()

	c := NewElevenLabsClient(srv.URL, "k", "", "")
	_, err := c.Synthesize(context.Background(), "hi", "")
	assert.ErrorContains(t, err, "401")
}

func TestChunkAudio(t *testing.T) {
	data := []byte("abcdefghij") // 10 bytes

	chunks := ChunkAudio(data, 4)
	require.Len(t, chunks, 3)

	var rebuilt []byte
	for _, c := range chunks {
		raw, err := base64.StdEncoding.DecodeString(c)
		require.NoError(t, err)
		rebuilt = append(rebuilt, raw...)
	}
	assert.Equal(t, data, rebuilt)

	assert.Empty(t, ChunkAudio(nil, 4))
}

func TestDeepgramTokenDevFallback(t *testing.T) {
	p := NewDeepgramTokenProvider("", "main-key", "", 0)
	token, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "main-key", token)

	empty := NewDeepgramTokenProvider("", "", "", 0)
	_, err = empty.Token(context.Background())
	assert.Error(t, err)
}

func TestDeepgramTokenEphemeralKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/projects/proj-1/keys", r.URL.Path)
		assert.Equal(t, "Token main-key", r.Header.Get("Authorization"))

		var req deepgramKeyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 60, req.TimeToLive)

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"key":"ephemeral-key"}`))
	}))
	defer srv.Close()

	p := NewDeepgramTokenProvider(srv.URL, "main-key", "proj-1", 0)
	token, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ephemeral-key", token)
}

func TestTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/listen", r.URL.Path)
		assert.Equal(t, "Token main-key", r.Header.Get("Authorization"))
		assert.Equal(t, "audio/webm", r.Header.Get("Content-Type"))

		q := r.URL.Query()
		assert.Equal(t, "nova-2", q.Get("model"))
		assert.Equal(t, "true", q.Get("smart_format"))
		assert.Equal(t, "true", q.Get("punctuate"))
		assert.Equal(t, "false", q.Get("diarize"))

		w.Write([]byte(`{"results":{"channels":[{"alternatives":[
			{"transcript":"where is my order","confidence":0.97}]}]}}`))
	}))
	defer srv.Close()

	tr := NewDeepgramTranscriber(srv.URL, "main-key")
	got, err := tr.Transcribe(context.Background(), []byte("opus-bytes"), "audio/webm")
	require.NoError(t, err)
	assert.Equal(t, "where is my order", got.Transcript)
	assert.InDelta(t, 0.97, got.Confidence, 1e-9)
}

func TestTranscribeValidation(t *testing.T) {
	tr := NewDeepgramTranscriber("http://unused", "k")

	_, err := tr.Transcribe(context.Background(), nil, "")
	assert.ErrorContains(t, err, "audio is required")

	noKey := NewDeepgramTranscriber("http://unused", "")
	_, err = noKey.Transcribe(context.Background(), []byte("x"), "")
	assert.ErrorContains(t, err, "not configured")
}

func TestTranscribeEmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":{"channels":[]}}`))
	}))
	defer srv.Close()

	tr := NewDeepgramTranscriber(srv.URL, "k")
	_, err := tr.Transcribe(context.Background(), []byte("x"), "")
	assert.ErrorContains(t, err, "no transcript")
}
