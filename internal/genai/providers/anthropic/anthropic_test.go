// internal/genai/providers/anthropic/anthropic_test.go
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/GrantForgeAI/internal/genai"
)

func TestDraftSectionSuccess(t *testing.T) {
	var gotVersion, gotKey string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotVersion = r.Header.Get("Anthropic-Version")
		gotKey = r.Header.Get("X-Api-Key")
		assert.Equal(t, "/v1/messages", r.URL.Path)

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{
			"id": "msg-1",
			"type": "message",
			"model": "claude-3-5-sonnet-20241022",
			"stop_reason": "end_turn",
			"content": [{"type": "text", "text": "实施方案如下。"}],
			"usage": {"input_tokens": 80, "output_tokens": 40}
		}`))
	}))
	defer server.Close()

	provider, err := genai.GetProvider("anthropic", map[string]string{
		"api_key":  "test-key",
		"base_url": server.URL,
	})
	require.NoError(t, err)

	resp, err := provider.DraftSection(context.Background(), genai.SectionRequest{
		Section:   "implementation",
		Prompt:    "撰写实施方案",
		MaxTokens: 800,
	})
	require.NoError(t, err)
	assert.Equal(t, "实施方案如下。", resp.Text)
	assert.Equal(t, 120, resp.TokensUsed)
	assert.Equal(t, "2023-06-01", gotVersion)
	assert.Equal(t, "test-key", gotKey)
}

func TestDraftSectionOverloadedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		w.Write([]byte(`{"error":{"type":"overloaded_error","message":"Overloaded"}}`))
	}))
	defer server.Close()

	provider, err := genai.GetProvider("anthropic", map[string]string{
		"api_key":  "test-key",
		"base_url": server.URL,
	})
	require.NoError(t, err)

	_, err = provider.DraftSection(context.Background(), genai.SectionRequest{
		Section: "necessity",
		Prompt:  "撰写申请必要性",
	})
	require.Error(t, err)

	var serviceErr *genai.ServiceError
	require.True(t, errors.As(err, &serviceErr))
	assert.Equal(t, genai.FailureOverloaded, serviceErr.Kind)
}

func TestInitializeRequiresAPIKey(t *testing.T) {
	_, err := genai.GetProvider("anthropic", map[string]string{})
	require.Error(t, err)
	assert.Equal(t, genai.FailureInvalidConfig, genai.Classify(err))
}
