// Package config defines the Cirkelline core configuration.
//
// Configuration is read from the environment, optionally seeded from a .env
// file. The key set is closed: an unrecognized key in the .env file is a
// startup error.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the root configuration for the core.
type Config struct {
	Database  DatabaseConfig  `json:"database"`
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Models    ModelsConfig    `json:"models"`
	Embedding EmbeddingConfig `json:"embedding"`
	Vector    VectorConfig    `json:"vector"`
	Retrieval RetrievalConfig `json:"retrieval"`
	Memory    MemoryConfig    `json:"memory"`
	Tools     ToolsConfig     `json:"tools"`
	Logging   LoggingConfig   `json:"logging"`

	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Telemetry    TelemetryConfig    `json:"telemetry"`
}

// DatabaseConfig configures the persistence gateway.
type DatabaseConfig struct {
	// URL is the database DSN. Schemes: postgres://, mysql://, sqlite://.
	URL string `json:"url"`

	// PoolSize bounds concurrent connections.
	PoolSize int `json:"pool_size"`
}

// Driver returns the database/sql driver name for the DSN scheme.
func (c *DatabaseConfig) Driver() (string, error) {
	switch {
	case strings.HasPrefix(c.URL, "postgres://"), strings.HasPrefix(c.URL, "postgresql://"):
		return "postgres", nil
	case strings.HasPrefix(c.URL, "mysql://"):
		return "mysql", nil
	case strings.HasPrefix(c.URL, "sqlite://"):
		return "sqlite3", nil
	default:
		return "", fmt.Errorf("unsupported database URL scheme: %s", c.URL)
	}
}

// DSN returns the driver-level connection string.
func (c *DatabaseConfig) DSN() string {
	if strings.HasPrefix(c.URL, "sqlite://") {
		return strings.TrimPrefix(c.URL, "sqlite://")
	}
	if strings.HasPrefix(c.URL, "mysql://") {
		return strings.TrimPrefix(c.URL, "mysql://")
	}
	return c.URL
}

func (c *DatabaseConfig) SetDefaults() {
	if c.URL == "" {
		c.URL = "sqlite://cirkelline.db"
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
}

func (c *DatabaseConfig) Validate() error {
	if _, err := c.Driver(); err != nil {
		return err
	}
	if !strings.HasPrefix(c.URL, "sqlite://") {
		if _, err := url.Parse(c.URL); err != nil {
			return fmt.Errorf("invalid database URL: %w", err)
		}
	}
	return nil
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 120 * time.Second
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}

// AuthConfig configures identity resolution.
type AuthConfig struct {
	// JWTSecret signs locally issued tokens (HS256).
	JWTSecret string `json:"jwt_secret"`

	// TokenTTL bounds locally issued token lifetime.
	TokenTTL time.Duration `json:"token_ttl"`

	// AdminCacheTTL bounds how long the admin flag read from storage is
	// reused before the next re-read.
	AdminCacheTTL time.Duration `json:"admin_cache_ttl"`

	// AllowAnonymous permits unauthenticated chat with a transient caller id.
	AllowAnonymous bool `json:"allow_anonymous"`
}

func (c *AuthConfig) SetDefaults() {
	if c.TokenTTL <= 0 {
		c.TokenTTL = 24 * time.Hour
	}
	if c.AdminCacheTTL <= 0 {
		c.AdminCacheTTL = 30 * time.Second
	}
}

func (c *AuthConfig) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("JWT_SECRET must be at least 16 bytes")
	}
	return nil
}

// BackendConfig identifies one model backend endpoint.
type BackendConfig struct {
	// Spec is "provider/model", e.g. "openai/gpt-4o-mini" or
	// "anthropic/claude-sonnet-4".
	Spec string `json:"spec"`

	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
}

// Provider returns the provider half of the spec.
func (c *BackendConfig) Provider() string {
	if i := strings.IndexByte(c.Spec, '/'); i > 0 {
		return c.Spec[:i]
	}
	return c.Spec
}

// Model returns the model half of the spec.
func (c *BackendConfig) Model() string {
	if i := strings.IndexByte(c.Spec, '/'); i > 0 {
		return c.Spec[i+1:]
	}
	return ""
}

func (c *BackendConfig) Validate() error {
	if c.Spec == "" {
		return nil
	}
	if c.Model() == "" {
		return fmt.Errorf("backend spec %q must be provider/model", c.Spec)
	}
	switch c.Provider() {
	case "openai", "anthropic", "ollama":
	default:
		return fmt.Errorf("unsupported model provider: %s", c.Provider())
	}
	return nil
}

// ModelsConfig wires logical model roles to backends.
type ModelsConfig struct {
	Primary  BackendConfig `json:"primary"`
	Fallback BackendConfig `json:"fallback"`

	// RequestsPerMinute and TokensPerMinute meter each backend.
	RequestsPerMinute int `json:"requests_per_minute"`
	TokensPerMinute   int `json:"tokens_per_minute"`
}

func (c *ModelsConfig) SetDefaults() {
	if c.Primary.Spec == "" {
		c.Primary.Spec = "openai/gpt-4o-mini"
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 60
	}
	if c.TokensPerMinute <= 0 {
		c.TokensPerMinute = 200000
	}
}

func (c *ModelsConfig) Validate() error {
	if err := c.Primary.Validate(); err != nil {
		return fmt.Errorf("primary backend: %w", err)
	}
	if err := c.Fallback.Validate(); err != nil {
		return fmt.Errorf("fallback backend: %w", err)
	}
	return nil
}

// EmbeddingConfig configures the embedding backend.
type EmbeddingConfig struct {
	// Backend is "provider/model", e.g. "openai/text-embedding-3-small"
	// or "ollama/nomic-embed-text".
	Backend BackendConfig `json:"backend"`

	// Dimension of produced vectors.
	Dimension int `json:"dimension"`

	// MaxConcurrent bounds in-flight embedding calls.
	MaxConcurrent int `json:"max_concurrent"`
}

func (c *EmbeddingConfig) SetDefaults() {
	if c.Backend.Spec == "" {
		c.Backend.Spec = "openai/text-embedding-3-small"
	}
	if c.Dimension <= 0 {
		c.Dimension = 1536
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
}

func (c *EmbeddingConfig) Validate() error {
	if c.Backend.Spec != "" && c.Backend.Model() == "" {
		return fmt.Errorf("embedding backend %q must be provider/model", c.Backend.Spec)
	}
	return nil
}

// VectorConfig selects the dense vector store.
type VectorConfig struct {
	// Backend: "chromem" (embedded) or "qdrant".
	Backend string `json:"backend"`

	// PersistPath for the embedded store.
	PersistPath string `json:"persist_path"`

	// QdrantAddr is host:port for the qdrant gRPC endpoint.
	QdrantAddr string `json:"qdrant_addr"`
}

func (c *VectorConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "chromem"
	}
}

func (c *VectorConfig) Validate() error {
	switch c.Backend {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("unsupported vector backend: %s", c.Backend)
	}
	if c.Backend == "qdrant" && c.QdrantAddr == "" {
		return fmt.Errorf("QDRANT_ADDR is required for the qdrant backend")
	}
	return nil
}

// RetrievalConfig tunes hybrid search.
type RetrievalConfig struct {
	// K is the number of fused chunks returned.
	K int `json:"k"`

	// ExpansionFactor widens each candidate generator to K*ExpansionFactor.
	ExpansionFactor int `json:"expansion_factor"`

	// RRFConstant damps head dominance in reciprocal-rank fusion.
	RRFConstant int `json:"rrf_constant"`
}

func (c *RetrievalConfig) SetDefaults() {
	if c.K <= 0 {
		c.K = 5
	}
	if c.ExpansionFactor <= 0 {
		c.ExpansionFactor = 3
	}
	if c.RRFConstant <= 0 {
		c.RRFConstant = 60
	}
}

func (c *RetrievalConfig) Validate() error {
	if c.ExpansionFactor > 10 {
		return fmt.Errorf("expansion factor %d is unreasonably large", c.ExpansionFactor)
	}
	if c.RRFConstant < 40 || c.RRFConstant > 80 {
		return fmt.Errorf("rrf constant %d outside supported range [40, 80]", c.RRFConstant)
	}
	return nil
}

// MemoryConfig tunes derivation and session summarization.
type MemoryConfig struct {
	// SummaryTokenCeiling triggers session summarization once the turn
	// window exceeds it.
	SummaryTokenCeiling int `json:"summary_token_ceiling"`

	// PromptDir holds derivation prompt templates; empty uses embedded
	// defaults. Files are hot reloaded.
	PromptDir string `json:"prompt_dir"`
}

func (c *MemoryConfig) SetDefaults() {
	if c.SummaryTokenCeiling <= 0 {
		c.SummaryTokenCeiling = 3000
	}
}

func (c *MemoryConfig) Validate() error { return nil }

// ToolsConfig configures the tool bridge.
type ToolsConfig struct {
	// MCPURL is the MCP server exposing external provider tools.
	MCPURL string `json:"mcp_url"`

	// MCPCommand runs an MCP server as a subprocess over stdio instead
	// of HTTP. Takes precedence over MCPURL when set.
	MCPCommand string `json:"mcp_command"`

	// MCPArgs are arguments for MCPCommand.
	MCPArgs []string `json:"mcp_args"`

	// InvokeTimeout bounds a single tool call.
	InvokeTimeout time.Duration `json:"invoke_timeout"`
}

func (c *ToolsConfig) SetDefaults() {
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = 30 * time.Second
	}
}

func (c *ToolsConfig) Validate() error { return nil }

// LoggingConfig configures structured logging output.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	File   string `json:"file"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

func (c *LoggingConfig) Validate() error {
	switch c.Format {
	case "simple", "verbose", "json":
		return nil
	default:
		return fmt.Errorf("unsupported log format: %s", c.Format)
	}
}

// OrchestratorConfig tunes the request state machine.
type OrchestratorConfig struct {
	// FallbackDepth caps fallback specialists attempted per turn.
	FallbackDepth int `json:"fallback_depth"`

	// SecondStageRewrite: "off", "teams" or "all".
	SecondStageRewrite string `json:"second_stage_rewrite"`
}

// TelemetryConfig configures tracing and metrics export.
type TelemetryConfig struct {
	// ServiceName labels exported traces.
	ServiceName string `json:"service_name"`

	// OTLPEndpoint enables tracing when set (host:port of an OTLP
	// gRPC collector).
	OTLPEndpoint string `json:"otlp_endpoint"`

	// SamplingRate is the trace sampling ratio in [0,1].
	SamplingRate float64 `json:"sampling_rate"`
}

func (c *TelemetryConfig) SetDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "cirkelline"
	}
	if c.SamplingRate <= 0 {
		c.SamplingRate = 1.0
	}
}

func (c *TelemetryConfig) Validate() error {
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling_rate must be within [0,1], got %v", c.SamplingRate)
	}
	return nil
}

func (c *OrchestratorConfig) SetDefaults() {
	if c.FallbackDepth <= 0 {
		c.FallbackDepth = 2
	}
	if c.SecondStageRewrite == "" {
		c.SecondStageRewrite = "teams"
	}
}

func (c *OrchestratorConfig) Validate() error {
	switch c.SecondStageRewrite {
	case "off", "teams", "all":
		return nil
	default:
		return fmt.Errorf("unsupported second stage rewrite mode: %s", c.SecondStageRewrite)
	}
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	c.Database.SetDefaults()
	c.Server.SetDefaults()
	c.Auth.SetDefaults()
	c.Models.SetDefaults()
	c.Embedding.SetDefaults()
	c.Vector.SetDefaults()
	c.Retrieval.SetDefaults()
	c.Memory.SetDefaults()
	c.Tools.SetDefaults()
	c.Logging.SetDefaults()
	c.Orchestrator.SetDefaults()
	c.Telemetry.SetDefaults()
}

// Validate checks every section.
func (c *Config) Validate() error {
	validators := []struct {
		name string
		fn   func() error
	}{
		{"database", c.Database.Validate},
		{"server", c.Server.Validate},
		{"auth", c.Auth.Validate},
		{"models", c.Models.Validate},
		{"embedding", c.Embedding.Validate},
		{"vector", c.Vector.Validate},
		{"retrieval", c.Retrieval.Validate},
		{"memory", c.Memory.Validate},
		{"tools", c.Tools.Validate},
		{"logging", c.Logging.Validate},
		{"orchestrator", c.Orchestrator.Validate},
		{"telemetry", c.Telemetry.Validate},
	}
	for _, v := range validators {
		if err := v.fn(); err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
	}
	return nil
}
