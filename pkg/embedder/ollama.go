package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/config"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/fault"
)

// Ollama's llama runner crashes on concurrent embedding requests, so all
// calls through this embedder are serialized.
var ollamaEmbedMu sync.Mutex

type ollamaEmbedder struct {
	model     string
	baseURL   string
	dimension int
	client    *http.Client
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func newOllamaEmbedder(cfg *config.EmbeddingConfig) (*ollamaEmbedder, error) {
	baseURL := cfg.Backend.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &ollamaEmbedder{
		model:     cfg.Backend.Model(),
		baseURL:   baseURL,
		dimension: cfg.Dimension,
		client:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (e *ollamaEmbedder) Model() string { return e.model }

func (e *ollamaEmbedder) Dimension() int { return e.dimension }

func (e *ollamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ollamaEmbedMu.Lock()
	defer ollamaEmbedMu.Unlock()

	payload, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "embedder.ollama", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "embedder.ollama", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.DependencyFailure, "embedder.ollama", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fault.New(fault.DependencyFailure, "embedder.ollama",
			fmt.Sprintf("ollama returned status %d: %s", resp.StatusCode, string(body)))
	}

	var parsed ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fault.Wrap(fault.DependencyFailure, "embedder.ollama", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, fault.New(fault.DependencyFailure, "embedder.ollama", "empty embedding in response")
	}

	return parsed.Embedding, nil
}

var _ Embedder = (*ollamaEmbedder)(nil)
