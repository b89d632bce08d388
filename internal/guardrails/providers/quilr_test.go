package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quilrbusiness/quilr-guard/internal/cache"
	"github.com/quilrbusiness/quilr-guard/internal/config"
	"github.com/quilrbusiness/quilr-guard/internal/guardrails/types"
)

type quilrVerdict struct {
	Status        string          `json:"status"`
	Categories    []string        `json:"categories_detected,omitempty"`
	Messages      []types.Message `json:"messages,omitempty"`
	ProcessedText string          `json:"processed_text,omitempty"`
}

// newQuilrServer returns an httptest server that answers /sdk/v1/check with
// the given verdict and counts the calls it receives.
func newQuilrServer(t *testing.T, verdict quilrVerdict, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sdk/v1/check", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(verdict)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestGuardrail(t *testing.T, baseURL string, opts ...func(*Options)) *QuilrGuardrail {
	t.Helper()
	options := Options{
		Name:      "quilr",
		Mode:      types.PreCall,
		Enabled:   true,
		DefaultOn: true,
		APIKey:    "test-key",
		BaseURL:   baseURL,
		Timeout:   5 * time.Second,
		Logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	rail, err := NewQuilrGuardrail(options)
	require.NoError(t, err)
	return rail
}

func requestInput(content string) *types.GuardrailInput {
	return &types.GuardrailInput{
		Request: &types.ChatRequest{
			Model:    "gpt-4",
			Messages: []types.Message{{Role: "user", Content: content}},
		},
		Model:     "gpt-4",
		RequestID: "req-1",
	}
}

func responseInput(content string) *types.GuardrailInput {
	return &types.GuardrailInput{
		Request:  &types.ChatRequest{Model: "gpt-4"},
		Response: &types.ChatResponse{Choices: []types.Choice{{Message: types.Message{Role: "assistant", Content: content}}}},
		Model:    "gpt-4",
	}
}

func TestQuilrGuardrail_RequiresCredentials(t *testing.T) {
	_, err := NewQuilrGuardrail(Options{Name: "quilr", BaseURL: "https://guardrails.quilr.ai", Logger: zap.NewNop()})
	assert.Error(t, err)

	_, err = NewQuilrGuardrail(Options{Name: "quilr", APIKey: "k", Logger: zap.NewNop()})
	assert.Error(t, err)
}

func TestQuilrGuardrail_Request_Safe(t *testing.T) {
	server := newQuilrServer(t, quilrVerdict{Status: "safe"}, nil)
	rail := newTestGuardrail(t, server.URL)

	result, err := rail.Execute(context.Background(), requestInput("hello"))
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.False(t, result.Blocked)
	assert.False(t, result.Modified)
}

func TestQuilrGuardrail_Request_Blocked(t *testing.T) {
	server := newQuilrServer(t, quilrVerdict{
		Status:     "blocked",
		Categories: []string{"secrets", "pii"},
	}, nil)
	rail := newTestGuardrail(t, server.URL)

	result, err := rail.Execute(context.Background(), requestInput("my password is hunter2"))
	require.NoError(t, err)
	assert.True(t, result.Blocked)
	assert.False(t, result.Passed)
	assert.Equal(t, "Content blocked by Quilr: secrets, pii detected", result.Reason)
	assert.Equal(t, []string{"secrets", "pii"}, result.Categories)
}

func TestQuilrGuardrail_Request_Redacted(t *testing.T) {
	server := newQuilrServer(t, quilrVerdict{
		Status:     "redacted",
		Categories: []string{"pii"},
		Messages:   []types.Message{{Role: "user", Content: "my email is [EMAIL]"}},
	}, nil)
	rail := newTestGuardrail(t, server.URL)

	input := requestInput("my email is bob@example.com")
	result, err := rail.Execute(context.Background(), input)
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.True(t, result.Modified)
	require.NotNil(t, result.ModifiedRequest)
	assert.Equal(t, "my email is [EMAIL]", result.ModifiedRequest.Messages[0].Content)

	// The caller's request is untouched until the executor applies the change
	assert.Equal(t, "my email is bob@example.com", input.Request.Messages[0].Content)
}

func TestQuilrGuardrail_Request_EmptyMessages(t *testing.T) {
	var calls atomic.Int64
	server := newQuilrServer(t, quilrVerdict{Status: "safe"}, &calls)
	rail := newTestGuardrail(t, server.URL)

	result, err := rail.Execute(context.Background(), &types.GuardrailInput{
		Request: &types.ChatRequest{Model: "gpt-4"},
	})
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.Equal(t, int64(0), calls.Load())
}

func TestQuilrGuardrail_Response_Blocked(t *testing.T) {
	server := newQuilrServer(t, quilrVerdict{
		Status:     "blocked",
		Categories: []string{"toxicity"},
	}, nil)
	rail := newTestGuardrail(t, server.URL, func(o *Options) { o.Mode = types.PostCall })

	result, err := rail.Execute(context.Background(), responseInput("something awful"))
	require.NoError(t, err)
	assert.True(t, result.Blocked)
	assert.Equal(t, "Content blocked by Quilr: toxicity detected", result.Reason)
}

func TestQuilrGuardrail_Response_Redacted(t *testing.T) {
	server := newQuilrServer(t, quilrVerdict{
		Status:        "redacted",
		Categories:    []string{"pii"},
		ProcessedText: "the ssn is [SSN]",
	}, nil)
	rail := newTestGuardrail(t, server.URL, func(o *Options) { o.Mode = types.PostCall })

	input := responseInput("the ssn is 123-45-6789")
	result, err := rail.Execute(context.Background(), input)
	require.NoError(t, err)
	assert.True(t, result.Modified)
	require.NotNil(t, result.ModifiedResponse)
	assert.Equal(t, "the ssn is [SSN]", result.ModifiedResponse.Choices[0].Message.Content)

	// Original response untouched
	assert.Equal(t, "the ssn is 123-45-6789", input.Response.Choices[0].Message.Content)
}

func TestQuilrGuardrail_Response_SkipsNonTextChoices(t *testing.T) {
	var calls atomic.Int64
	server := newQuilrServer(t, quilrVerdict{Status: "safe"}, &calls)
	rail := newTestGuardrail(t, server.URL, func(o *Options) { o.Mode = types.PostCall })

	result, err := rail.Execute(context.Background(), &types.GuardrailInput{
		Request: &types.ChatRequest{Model: "gpt-4"},
		Response: &types.ChatResponse{Choices: []types.Choice{
			{Message: types.Message{Role: "assistant", Content: nil}},
			{Message: types.Message{Role: "assistant", Content: ""}},
		}},
	})
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.Equal(t, int64(0), calls.Load())
}

func TestQuilrGuardrail_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(quilrVerdict{Status: "safe"})
	}))
	t.Cleanup(server.Close)

	rail := newTestGuardrail(t, server.URL, func(o *Options) {
		o.Retry = config.RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	})

	result, err := rail.Execute(context.Background(), requestInput("hello"))
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.Equal(t, int64(3), calls.Load())
}

func TestQuilrGuardrail_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	rail := newTestGuardrail(t, server.URL, func(o *Options) {
		o.Retry = config.RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond}
	})

	// Fail-closed by default, so the unreachable verdict blocks
	result, err := rail.Execute(context.Background(), requestInput("hello"))
	require.NoError(t, err)
	assert.True(t, result.Blocked)
	assert.Equal(t, int64(1), calls.Load())
}

func TestQuilrGuardrail_FailOpen(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	rail := newTestGuardrail(t, server.URL, func(o *Options) {
		o.OnError = types.FailOpen
	})

	result, err := rail.Execute(context.Background(), requestInput("hello"))
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.False(t, result.Blocked)
}

func TestQuilrGuardrail_FailClosed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	rail := newTestGuardrail(t, server.URL, func(o *Options) {
		o.OnError = types.FailClosed
	})

	result, err := rail.Execute(context.Background(), requestInput("hello"))
	require.NoError(t, err)
	assert.True(t, result.Blocked)
	assert.Equal(t, "Guardrail service unavailable", result.Reason)
}

func TestQuilrGuardrail_VerdictCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	verdictCache := cache.NewWithClient(client, time.Minute)

	var calls atomic.Int64
	server := newQuilrServer(t, quilrVerdict{Status: "blocked", Categories: []string{"secrets"}}, &calls)
	rail := newTestGuardrail(t, server.URL, func(o *Options) {
		o.Cache = verdictCache
	})

	first, err := rail.Execute(context.Background(), requestInput("my password is hunter2"))
	require.NoError(t, err)
	assert.True(t, first.Blocked)
	assert.False(t, first.CacheHit)

	// Identical payload hits the cache, no second round trip
	second, err := rail.Execute(context.Background(), requestInput("my password is hunter2"))
	require.NoError(t, err)
	assert.True(t, second.Blocked)
	assert.True(t, second.CacheHit)
	assert.Equal(t, int64(1), calls.Load())

	// Different payload misses
	third, err := rail.Execute(context.Background(), requestInput("something else entirely"))
	require.NoError(t, err)
	assert.False(t, third.CacheHit)
	assert.Equal(t, int64(2), calls.Load())
}

func TestQuilrGuardrail_CircuitBreakerShortCircuits(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	rail := newTestGuardrail(t, server.URL, func(o *Options) {
		o.OnError = types.FailOpen
	})

	// Five failed checks trip the breaker
	for i := 0; i < 5; i++ {
		result, err := rail.Execute(context.Background(), requestInput("hello"))
		require.NoError(t, err)
		assert.True(t, result.Passed)
	}
	tripped := calls.Load()

	// Subsequent checks skip the network entirely
	result, err := rail.Execute(context.Background(), requestInput("hello"))
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.Equal(t, tripped, calls.Load())
}

func TestQuilrGuardrail_HealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	rail := newTestGuardrail(t, server.URL)
	assert.NoError(t, rail.HealthCheck(context.Background()))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(down.Close)

	rail = newTestGuardrail(t, down.URL)
	assert.Error(t, rail.HealthCheck(context.Background()))
}
