// Package embedder turns text into dense vectors for semantic retrieval.
package embedder

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/config"
)

// Embedder produces a dense vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Model() string
}

// New builds an embedder from config.
func New(cfg *config.EmbeddingConfig) (Embedder, error) {
	switch cfg.Backend.Provider() {
	case "openai":
		return newOpenAIEmbedder(cfg)
	case "ollama":
		return newOllamaEmbedder(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Backend.Provider())
	}
}

// EmbedBatch embeds texts with bounded concurrency, preserving order.
func EmbedBatch(ctx context.Context, e Embedder, texts []string, maxConcurrent int) ([][]float32, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	vectors := make([][]float32, len(texts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(ctx, text)
			if err != nil {
				return fmt.Errorf("failed to embed chunk %d: %w", i, err)
			}
			vectors[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}
