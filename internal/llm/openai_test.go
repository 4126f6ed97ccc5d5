package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"
)

func completionServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "gpt-4o-mini", body["model"])
		require.Len(t, body["messages"], 2)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIClient_Complete(t *testing.T) {
	srv := completionServer(t, http.StatusOK, "  {\"intent\":\"accept\"}\n")
	c := NewOpenAIClient("sk-test", "gpt-4o-mini", time.Second, option.WithBaseURL(srv.URL+"/"), option.WithMaxRetries(0))

	out, err := c.Complete(context.Background(), "system", "user")
	require.NoError(t, err)
	require.Equal(t, `{"intent":"accept"}`, out)
}

func TestOpenAIClient_EmptyCompletion(t *testing.T) {
	srv := completionServer(t, http.StatusOK, "   ")
	c := NewOpenAIClient("sk-test", "gpt-4o-mini", time.Second, option.WithBaseURL(srv.URL+"/"), option.WithMaxRetries(0))

	_, err := c.Complete(context.Background(), "system", "user")
	require.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestOpenAIClient_UpstreamError(t *testing.T) {
	srv := completionServer(t, http.StatusInternalServerError, "")
	c := NewOpenAIClient("sk-test", "gpt-4o-mini", time.Second, option.WithBaseURL(srv.URL+"/"), option.WithMaxRetries(0))

	_, err := c.Complete(context.Background(), "system", "user")
	require.Error(t, err)
}
