package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/primoscope/echotune-router/backend/services/providers"
)

type staticKeys struct{ key string }

func (s staticKeys) Current() (string, error) { return s.key, nil }

func newTestAdapter(serverURL string) *Adapter {
	return New(Config{
		BaseURL:      serverURL,
		DefaultModel: "gemini-1.5-flash",
		Timeout:      5 * time.Second,
	}, staticKeys{key: "test-key"})
}

func textResponse(text string) map[string]interface{} {
	return map[string]interface{}{
		"candidates": []map[string]interface{}{
			{
				"content":      map[string]interface{}{"parts": []map[string]string{{"text": text}}},
				"finishReason": "STOP",
			},
		},
		"usageMetadata": map[string]int{
			"promptTokenCount":     12,
			"candidatesTokenCount": 8,
			"totalTokenCount":      20,
		},
	}
}

func TestGenerateText(t *testing.T) {
	var gotPath, gotKey string
	var gotBody generateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(textResponse("routing reply"))
	}))
	defer server.Close()

	a := newTestAdapter(server.URL)
	resp, err := a.Generate(context.Background(), &providers.AIRequest{
		Type:    providers.TaskTextGeneration,
		Payload: "say something",
		Options: providers.GenerationOptions{Temperature: 0.7, MaxTokens: 64},
	})
	require.NoError(t, err)

	assert.Equal(t, "/models/gemini-1.5-flash:generateContent", gotPath)
	assert.Equal(t, "test-key", gotKey)
	require.Len(t, gotBody.Contents, 1)
	assert.Equal(t, "say something", gotBody.Contents[0].Parts[0].Text)
	assert.Equal(t, 64, gotBody.GenerationConfig.MaxOutputTokens)

	assert.Equal(t, "routing reply", resp.Text)
	assert.Equal(t, "gemini", resp.Provider)
	assert.Equal(t, 20, resp.Usage.TotalTokens)
	assert.Equal(t, "STOP", resp.Metadata["finish_reason"])
}

func TestEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "text-embedding-004:embedContent")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"embedding": map[string][]float64{"values": {0.1, 0.2, 0.3}},
		})
	}))
	defer server.Close()

	a := newTestAdapter(server.URL)
	resp, err := a.Generate(context.Background(), &providers.AIRequest{
		Type:    providers.TaskEmbeddings,
		Payload: "embed me",
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, resp.Embedding)
	assert.Equal(t, "text-embedding-004", resp.Model, "embeddings resolve their own default model")
}

func TestRerank(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(textResponse("Scores: [0.9, 0.2]"))
	}))
	defer server.Close()

	a := newTestAdapter(server.URL)
	resp, err := a.Generate(context.Background(), &providers.AIRequest{
		Type:    providers.TaskRerank,
		Payload: `{"query":"jazz","documents":["jazz set","metal"]}`,
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.9, 0.2}, resp.Scores)
	assert.Empty(t, resp.Text, "rerank responses carry scores, not text")
}

func TestAPIErrorMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{
				"code": 403, "message": "API key invalid", "status": "PERMISSION_DENIED",
			},
		})
	}))
	defer server.Close()

	a := newTestAdapter(server.URL)
	_, err := a.Generate(context.Background(), &providers.AIRequest{
		Type: providers.TaskTextGeneration, Payload: "x",
	})

	var provErr *providers.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, http.StatusForbidden, provErr.StatusCode)
	assert.Equal(t, "PERMISSION_DENIED", provErr.Code)
	assert.Equal(t, "API key invalid", provErr.Message)
	assert.False(t, provErr.Retryable)
}

func TestRateLimitHintFromHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{"code": 429, "message": "quota exceeded", "status": "RESOURCE_EXHAUSTED"},
		})
	}))
	defer server.Close()

	a := newTestAdapter(server.URL)
	_, err := a.Generate(context.Background(), &providers.AIRequest{
		Type: providers.TaskTextGeneration, Payload: "x",
	})

	var provErr *providers.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.True(t, provErr.Retryable)
	assert.Equal(t, 7*time.Second, provErr.RetryAfter)
}

func TestRateLimitHintFromRetryInfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{
				"code": 429, "message": "quota exceeded", "status": "RESOURCE_EXHAUSTED",
				"details": []map[string]string{
					{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "12s"},
				},
			},
		})
	}))
	defer server.Close()

	a := newTestAdapter(server.URL)
	_, err := a.Generate(context.Background(), &providers.AIRequest{
		Type: providers.TaskTextGeneration, Payload: "x",
	})

	var provErr *providers.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, 12*time.Second, provErr.RetryAfter)
}

func TestServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream blew up", http.StatusInternalServerError)
	}))
	defer server.Close()

	a := newTestAdapter(server.URL)
	_, err := a.Generate(context.Background(), &providers.AIRequest{
		Type: providers.TaskTextGeneration, Payload: "x",
	})

	var provErr *providers.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, http.StatusInternalServerError, provErr.StatusCode)
	assert.True(t, provErr.Retryable)
}

func TestModelOverride(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(textResponse("ok"))
	}))
	defer server.Close()

	a := newTestAdapter(server.URL)
	_, err := a.Generate(context.Background(), &providers.AIRequest{
		Type: providers.TaskTextGeneration, Model: "gemini-1.5-pro", Payload: "x",
	})
	require.NoError(t, err)
	assert.Equal(t, "/models/gemini-1.5-pro:generateContent", gotPath)
}

func TestEstimateCost(t *testing.T) {
	a := newTestAdapter("http://unused")

	text := a.EstimateCost(&providers.AIRequest{
		Type:    providers.TaskTextGeneration,
		Payload: "0123456789012345", // 16 chars, 4 estimated prompt tokens
	})
	assert.InDelta(t, 4*0.000000075+500*0.0000003, text, 1e-12)

	embed := a.EstimateCost(&providers.AIRequest{
		Type:    providers.TaskEmbeddings,
		Payload: "0123456789012345",
	})
	assert.InDelta(t, 4*0.0000000125, embed, 1e-12, "no completion cost for embeddings")
}

func TestIsAvailable(t *testing.T) {
	assert.True(t, newTestAdapter("http://unused").IsAvailable())
	assert.False(t, New(Config{}, nil).IsAvailable())
}
