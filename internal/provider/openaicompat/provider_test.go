package openaicompat

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stephabauva/wellness-gateway/internal/errs"
	"github.com/stephabauva/wellness-gateway/internal/provider"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New("openai", Config{APIKey: "test-key", BaseURL: srv.URL}, zap.NewNop())
}

func TestChatSuccess(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o-mini",
			"choices": [{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],
			"usage": {"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}
		}`)
	})

	resp, err := p.Chat(context.Background(), []provider.Message{{Role: provider.RoleUser, Content: "hi"}}, provider.Options{})
	require.NoError(t, err)
	require.Equal(t, "hi there", resp.Content)
	require.Equal(t, 8, resp.Usage.TotalTokens)
	require.Equal(t, "stop", resp.FinishReason)
}

func TestChatMapsRateLimitError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"too many requests","type":"rate_limit_error"}}`)
	})

	_, err := p.Chat(context.Background(), []provider.Message{{Role: provider.RoleUser, Content: "hi"}}, provider.Options{})
	require.Error(t, err)
	require.Equal(t, errs.RateLimited, errs.ClassOf(err))
	require.True(t, errs.IsRetryable(err))
}

func TestListModels(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","data":[{"id":"gpt-4o-mini","object":"model"},{"id":"gpt-4o","object":"model"}]}`)
	})

	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"gpt-4o-mini", "gpt-4o"}, models)
}

func TestHealthCheck(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","data":[]}`)
	})
	status, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	require.True(t, status.Healthy)
}
