package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSearchUsesTavily(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-key", req["api_key"])
		assert.Equal(t, "store hours", req["query"])

		w.Write([]byte(`{"results":[{"title":"Hours","url":"https://example.com/hours","content":"Open 9-5","score":0.9}]}`))
	}))
	defer srv.Close()

	tool := NewWebSearchTool("test-key", srv.URL, nil)
	result, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"store hours"}`), nil)
	require.NoError(t, err)

	out := result.(webSearchOutput)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "Hours", out.Results[0].Title)
}

func TestWebSearchFallsBackOnAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tool := NewWebSearchTool("test-key", srv.URL, nil)
	result, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"return policy"}`), nil)
	require.NoError(t, err)

	out := result.(webSearchOutput)
	require.NotEmpty(t, out.Results)
	assert.Contains(t, out.Results[0].Title, "Return")
}

func TestWebSearchCannedWithoutKey(t *testing.T) {
	tool := NewWebSearchTool("", "", nil)
	result, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"shipping times"}`), nil)
	require.NoError(t, err)

	out := result.(webSearchOutput)
	require.NotEmpty(t, out.Results)
}

func TestWebFetchMarkdown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><body><h1>Welcome</h1><p>Hello <strong>world</strong></p></body></html>`))
	}))
	defer srv.Close()

	tool := NewWebFetchTool()
	result, err := tool.Execute(context.Background(), json.RawMessage(`{"url":"`+srv.URL+`"}`), nil)
	require.NoError(t, err)

	out := result.(webFetchOutput)
	assert.Contains(t, out.Content, "# Welcome")
	assert.Contains(t, out.Content, "**world**")
	assert.Equal(t, http.StatusOK, out.StatusCode)
}

func TestWebFetchText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><script>var x=1;</script></head><body><p>Visible text</p></body></html>`))
	}))
	defer srv.Close()

	tool := NewWebFetchTool()
	result, err := tool.Execute(context.Background(), json.RawMessage(`{"url":"`+srv.URL+`","format":"text"}`), nil)
	require.NoError(t, err)

	out := result.(webFetchOutput)
	assert.Contains(t, out.Content, "Visible text")
	assert.NotContains(t, out.Content, "var x=1")
}

func TestWebFetchRejectsBadInput(t *testing.T) {
	tool := NewWebFetchTool()

	_, err := tool.Execute(context.Background(), json.RawMessage(`{"url":"ftp://example.com"}`), nil)
	assert.Error(t, err)

	_, err = tool.Execute(context.Background(), json.RawMessage(`{"url":"https://example.com","format":"pdf"}`), nil)
	assert.Error(t, err)

	_, err = tool.Execute(context.Background(), json.RawMessage(`{}`), nil)
	assert.Error(t, err)
}
