package llm

import (
	"context"
	"fmt"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/config"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/ratelimit"
)

// Role names a logical model slot.
type Role string

const (
	RolePrimary    Role = "primary"
	RoleFallback   Role = "fallback"
	RoleSummarizer Role = "summarizer"
	RoleRouter     Role = "router"
)

// Registry maps logical roles to providers. Summarizer and router reuse the
// fallback backend when one is configured since both are cheap classifier
// style calls; otherwise every role resolves to the primary.
type Registry struct {
	providers map[Role]Provider
}

// NewRegistry builds providers from config, each wrapped with the backend's
// rate limiter.
func NewRegistry(cfg *config.ModelsConfig) (*Registry, error) {
	primary, err := newProvider(&cfg.Primary)
	if err != nil {
		return nil, fmt.Errorf("primary backend: %w", err)
	}

	limiter := ratelimit.NewLimiter(cfg.Primary.Spec, cfg.RequestsPerMinute, cfg.TokensPerMinute)
	primary = Limited(primary, limiter)

	providers := map[Role]Provider{
		RolePrimary:    primary,
		RoleFallback:   primary,
		RoleSummarizer: primary,
		RoleRouter:     primary,
	}

	if cfg.Fallback.Spec != "" {
		fallback, err := newProvider(&cfg.Fallback)
		if err != nil {
			return nil, fmt.Errorf("fallback backend: %w", err)
		}
		fallback = Limited(fallback, ratelimit.NewLimiter(
			cfg.Fallback.Spec, cfg.RequestsPerMinute, cfg.TokensPerMinute))
		providers[RoleFallback] = fallback
		providers[RoleSummarizer] = fallback
		providers[RoleRouter] = fallback
	}

	return &Registry{providers: providers}, nil
}

func newProvider(cfg *config.BackendConfig) (Provider, error) {
	switch cfg.Provider() {
	case "openai":
		return NewOpenAIClient(cfg.Model(), cfg.APIKey, cfg.BaseURL)
	case "ollama":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434/v1"
		}
		return NewOpenAIClient(cfg.Model(), cfg.APIKey, baseURL)
	case "anthropic":
		return NewAnthropicClient(cfg.Model(), cfg.APIKey, cfg.BaseURL)
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.Provider())
	}
}

// Get returns the provider for a role.
func (r *Registry) Get(role Role) Provider {
	return r.providers[role]
}

// Close closes every distinct provider.
func (r *Registry) Close() error {
	seen := map[Provider]bool{}
	for _, p := range r.providers {
		if !seen[p] {
			seen[p] = true
			_ = p.Close()
		}
	}
	return nil
}

// limitedProvider gates generation calls behind a rate limiter.
type limitedProvider struct {
	Provider
	limiter *ratelimit.Limiter
	counter tokenEstimator
}

type tokenEstimator func(req Request) int

// Limited wraps a provider so every call reserves limiter capacity first.
func Limited(p Provider, limiter *ratelimit.Limiter) Provider {
	return &limitedProvider{
		Provider: p,
		limiter:  limiter,
		counter:  estimateRequestTokens,
	}
}

func estimateRequestTokens(req Request) int {
	// Rough 4-bytes-per-token estimate; the buckets only need ballpark
	// numbers to keep bursts in check.
	total := len(req.System)
	for _, m := range req.Messages {
		total += len(m.Content)
	}
	return total / 4
}

func (p *limitedProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := p.limiter.Acquire(ctx, p.counter(req)); err != nil {
		return nil, err
	}
	return p.Provider.Generate(ctx, req)
}

func (p *limitedProvider) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	if err := p.limiter.Acquire(ctx, p.counter(req)); err != nil {
		return nil, err
	}
	return p.Provider.Stream(ctx, req)
}
