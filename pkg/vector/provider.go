// Package vector abstracts dense vector storage behind a small provider
// interface with an embedded and a server-backed implementation.
package vector

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/config"
)

// Result is one scored hit from a similarity search.
type Result struct {
	ID       string
	Score    float32
	Content  string
	Metadata map[string]any
}

// Provider stores and searches pre-computed vectors. Embedding happens
// upstream; providers never call a model.
type Provider interface {
	Name() string

	Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error

	// SearchWithFilter returns the topK nearest vectors whose metadata
	// matches every filter entry exactly. Cosine distance.
	SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error)

	// DeleteByFilter removes every vector matching the filter.
	DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error

	Close() error
}

// New builds the configured provider.
func New(cfg *config.VectorConfig) (Provider, error) {
	switch cfg.Backend {
	case "chromem":
		return NewChromemProvider(cfg.PersistPath)
	case "qdrant":
		host, portStr, err := net.SplitHostPort(cfg.QdrantAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid QDRANT_ADDR %q: %w", cfg.QdrantAddr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid qdrant port %q: %w", portStr, err)
		}
		return NewQdrantProvider(host, port)
	default:
		return nil, fmt.Errorf("unsupported vector backend: %s", cfg.Backend)
	}
}
