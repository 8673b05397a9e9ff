// internal/genai/providers/openai/openai_test.go
package openai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/GrantForgeAI/internal/genai"
)

func newTestProvider(t *testing.T, baseURL string) genai.Provider {
	provider, err := genai.GetProvider("openai", map[string]string{
		"api_key":  "test-key",
		"base_url": baseURL,
	})
	require.NoError(t, err)
	return provider
}

func TestInitializeRequiresAPIKey(t *testing.T) {
	_, err := genai.GetProvider("openai", map[string]string{})
	require.Error(t, err)
	assert.Equal(t, genai.FailureInvalidConfig, genai.Classify(err))
}

func TestDraftSectionSuccess(t *testing.T) {
	var calls int32
	var gotAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4o-mini",
			"choices": [{"message": {"role": "assistant", "content": "本项目旨在提升产能。"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 100, "completion_tokens": 50, "total_tokens": 150}
		}`))
	}))
	defer server.Close()

	provider := newTestProvider(t, server.URL)

	resp, err := provider.DraftSection(context.Background(), genai.SectionRequest{
		Section:   "necessity",
		Prompt:    "撰写申请必要性",
		MaxTokens: 800,
	})
	require.NoError(t, err)
	assert.Equal(t, "本项目旨在提升产能。", resp.Text)
	assert.Equal(t, 150, resp.TokensUsed)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDraftSectionStatusMapsToFailureKind(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   genai.FailureKind
	}{
		{http.StatusTooManyRequests, `{"error":{"message":"rate limited"}}`, genai.FailureRateLimited},
		{529, `{"error":{"type":"overloaded_error"}}`, genai.FailureOverloaded},
		{http.StatusUnauthorized, `{"error":{"message":"invalid key"}}`, genai.FailureInvalidConfig},
		{http.StatusBadGateway, "bad gateway", genai.FailureTransientNetwork},
	}

	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(tt.body))
		}))

		provider := newTestProvider(t, server.URL)
		_, err := provider.DraftSection(context.Background(), genai.SectionRequest{
			Section: "necessity",
			Prompt:  "撰写申请必要性",
		})
		require.Error(t, err)

		var serviceErr *genai.ServiceError
		require.True(t, errors.As(err, &serviceErr), "状态%d应产生ServiceError", tt.status)
		assert.Equal(t, tt.want, serviceErr.Kind)
		assert.Equal(t, tt.status, serviceErr.StatusCode)

		server.Close()
	}
}

func TestDraftSectionEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"choices": [], "usage": {"total_tokens": 0}}`))
	}))
	defer server.Close()

	provider := newTestProvider(t, server.URL)
	_, err := provider.DraftSection(context.Background(), genai.SectionRequest{
		Section: "summary",
		Prompt:  "撰写概要",
	})
	assert.Error(t, err)
}
