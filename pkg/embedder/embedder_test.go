package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/config"
)

func embeddingConfig(spec, baseURL string) *config.EmbeddingConfig {
	cfg := &config.EmbeddingConfig{
		Backend: config.BackendConfig{Spec: spec, APIKey: "test-key", BaseURL: baseURL},
	}
	cfg.SetDefaults()
	cfg.Backend.Spec = spec
	cfg.Backend.BaseURL = baseURL
	return cfg
}

func TestOpenAIEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)

		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3}}},
		})
	}))
	defer srv.Close()

	e, err := New(embeddingConfig("openai/text-embedding-3-small", srv.URL))
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestOllamaEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{1, 2}})
	}))
	defer srv.Close()

	e, err := New(embeddingConfig("ollama/nomic-embed-text", srv.URL))
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, vec)
}

func TestUnknownProvider(t *testing.T) {
	_, err := New(embeddingConfig("voyage/embed", ""))
	require.Error(t, err)
}

func TestEmbedBatchBoundedAndOrdered(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer inFlight.Add(-1)

		var req openAIEmbedRequest
		json.NewDecoder(r.Body).Decode(&req)
		// Response vector encodes the input length so order is checkable.
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{float32(len(req.Input))}}},
		})
	}))
	defer srv.Close()

	e, err := New(embeddingConfig("openai/text-embedding-3-small", srv.URL))
	require.NoError(t, err)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee", "ffffff"}
	vectors, err := EmbedBatch(context.Background(), e, texts, 2)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))
	for i, text := range texts {
		assert.Equal(t, float32(len(text)), vectors[i][0])
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}
