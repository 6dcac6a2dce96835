package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/config"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/fault"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/httpclient"
)

type openAIEmbedder struct {
	model      string
	apiKey     string
	baseURL    string
	dimension  int
	httpClient *httpclient.Client
}

type openAIEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func newOpenAIEmbedder(cfg *config.EmbeddingConfig) (*openAIEmbedder, error) {
	if cfg.Backend.APIKey == "" {
		return nil, fmt.Errorf("API key is required for the openai embedder")
	}
	baseURL := cfg.Backend.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &openAIEmbedder{
		model:     cfg.Backend.Model(),
		apiKey:    cfg.Backend.APIKey,
		baseURL:   baseURL,
		dimension: cfg.Dimension,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}, nil
}

func (e *openAIEmbedder) Model() string { return e.model }

func (e *openAIEmbedder) Dimension() int { return e.dimension }

func (e *openAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(openAIEmbedRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "embedder.openai", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "embedder.openai", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.DependencyFailure, "embedder.openai", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fault.New(fault.DependencyFailure, "embedder.openai",
			fmt.Sprintf("API request failed with status %d: %s", resp.StatusCode, string(body)))
	}

	var parsed openAIEmbedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fault.Wrap(fault.DependencyFailure, "embedder.openai", err)
	}
	if parsed.Error != nil {
		return nil, fault.New(fault.DependencyFailure, "embedder.openai", parsed.Error.Message)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, fault.New(fault.DependencyFailure, "embedder.openai", "empty embedding in response")
	}

	return parsed.Data[0].Embedding, nil
}

var _ Embedder = (*openAIEmbedder)(nil)
