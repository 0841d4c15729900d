package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/guardflow/llm"
	"github.com/BaSui01/guardflow/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate ...func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := Config{ProviderName: "test", APIKey: "sk-test", BaseURL: srv.URL, DefaultModel: "custom-model"}
	for _, m := range mutate {
		m(&cfg)
	}
	return New(cfg, zaptest.NewLogger(t))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNew_Defaults(t *testing.T) {
	c := New(Config{}, nil)
	assert.Equal(t, "openai", c.Name())
	assert.Equal(t, "/v1/chat/completions", c.cfg.EndpointPath)
	assert.Equal(t, "/v1/models", c.cfg.ModelsEndpoint)
	assert.Equal(t, 30*time.Second, c.cfg.Timeout)
	assert.Nil(t, c.limiter)

	c = New(Config{RequestsPerSecond: 5}, nil)
	require.NotNil(t, c.limiter)
	assert.Equal(t, 1, c.limiter.Burst())
}

func TestCall_Success(t *testing.T) {
	var got chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, chatResponse{
			ID:    "cmpl-1",
			Model: "custom-model",
			Choices: []chatChoice{{
				FinishReason: "stop",
				Message:      chatMessage{Role: "assistant", Content: "done\nINTENT_CLASSIFICATION: coding | CONFIDENCE: 0.9"},
			}},
			Usage: &chatUsage{PromptTokens: 40, CompletionTokens: 12, TotalTokens: 52},
		})
	})

	res, err := c.Call(context.Background(), llm.CallRequest{
		SystemPrompt: "classify",
		Messages:     []types.Message{types.NewUserMessage("fix my loop")},
		MaxTokens:    450,
	})
	require.NoError(t, err)

	assert.Equal(t, "custom-model", got.Model)
	assert.Equal(t, 450, got.MaxTokens)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "classify", got.Messages[0].Content)
	assert.Equal(t, "user", got.Messages[1].Role)

	assert.Contains(t, res.Content, "INTENT_CLASSIFICATION")
	assert.Equal(t, "stop", res.FinishReason)
	assert.Equal(t, types.TokenUsage{PromptTokens: 40, CompletionTokens: 12, TotalTokens: 52}, res.Usage())
}

func TestCall_CountsLocallyWithoutUsage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, chatResponse{
			Choices: []chatChoice{{Message: chatMessage{Role: "assistant", Content: "abcdefgh"}}},
		})
	})

	res, err := c.Call(context.Background(), llm.CallRequest{
		Messages: []types.Message{types.NewUserMessage("abcd")},
	})
	require.NoError(t, err)
	assert.Equal(t, "custom-model", res.Model)
	assert.Equal(t, 8, res.PromptTokens)
	assert.Equal(t, 2, res.CompletionTokens)
	assert.Equal(t, 10, res.TotalTokens)
}

func TestCall_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      any
		retryable bool
		contains  string
	}{
		{"rate limited", http.StatusTooManyRequests, map[string]any{"error": map[string]string{"message": "slow down", "type": "rate_limit"}}, true, "slow down (type: rate_limit)"},
		{"server error", http.StatusInternalServerError, map[string]any{"error": map[string]string{"message": "boom"}}, true, "boom"},
		{"bad request", http.StatusBadRequest, map[string]any{"error": map[string]string{"message": "bad input"}}, false, "bad input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})
			_, err := c.Call(context.Background(), llm.CallRequest{Messages: []types.Message{types.NewUserMessage("hi")}})

			e, ok := types.AsError(err)
			require.True(t, ok)
			assert.Equal(t, types.ErrUpstreamError, e.Code)
			assert.Equal(t, http.StatusBadGateway, e.HTTPStatus)
			assert.Equal(t, tt.retryable, e.Retryable)
			assert.Equal(t, "test", e.Provider)
			assert.Contains(t, e.Message, tt.contains)
		})
	}
}

func TestCall_NoChoices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, chatResponse{})
	})
	_, err := c.Call(context.Background(), llm.CallRequest{})
	assert.True(t, types.IsErrorCode(err, types.ErrUpstreamError))
}

func TestCall_Timeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	_, err := c.Call(context.Background(), llm.CallRequest{Timeout: 30 * time.Millisecond})
	assert.True(t, types.IsErrorCode(err, types.ErrUpstreamTimeout))
	assert.Equal(t, http.StatusGatewayTimeout, types.HTTPStatusOf(err))
}

func TestCall_ProviderThrottle(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, chatResponse{Choices: []chatChoice{{Message: chatMessage{Content: "ok"}}}})
	}, func(cfg *Config) {
		cfg.RequestsPerSecond = 0.001
		cfg.Burst = 1
	})

	_, err := c.Call(context.Background(), llm.CallRequest{Timeout: time.Second})
	require.NoError(t, err)

	// 令牌已耗尽，等待会超过调用超时
	_, err = c.Call(context.Background(), llm.CallRequest{Timeout: 50 * time.Millisecond})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHealthCheck(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"data": []any{}})
	})
	assert.NoError(t, c.HealthCheck(context.Background()))

	bad := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]string{"message": "bad key"}})
	})
	err := bad.HealthCheck(context.Background())
	assert.ErrorContains(t, err, "status=401")
}
