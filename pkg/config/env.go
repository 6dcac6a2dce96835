package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Recognized environment keys. Any other key in a .env file is a startup
// error so misspellings fail loudly instead of silently using a default.
var recognizedKeys = map[string]struct{}{
	"DATABASE_URL":               {},
	"POOL_SIZE":                  {},
	"HOST":                       {},
	"PORT":                       {},
	"REQUEST_TIMEOUT":            {},
	"JWT_SECRET":                 {},
	"TOKEN_TTL":                  {},
	"ALLOW_ANONYMOUS":            {},
	"PRIMARY_MODEL_BACKEND":      {},
	"FALLBACK_MODEL_BACKEND":     {},
	"MODEL_API_KEY":              {},
	"MODEL_BASE_URL":             {},
	"MODEL_REQUESTS_PER_MINUTE":  {},
	"MODEL_TOKENS_PER_MINUTE":    {},
	"EMBEDDING_BACKEND":          {},
	"EMBEDDING_API_KEY":          {},
	"EMBEDDING_BASE_URL":         {},
	"EMBEDDING_DIMENSION":        {},
	"VECTOR_BACKEND":             {},
	"VECTOR_PERSIST_PATH":        {},
	"QDRANT_ADDR":                {},
	"RETRIEVAL_K":                {},
	"RETRIEVAL_EXPANSION_FACTOR": {},
	"RETRIEVAL_RRF_CONSTANT":     {},
	"SUMMARY_TOKEN_CEILING":      {},
	"MEMORY_PROMPT_DIR":          {},
	"TOOLS_MCP_URL":              {},
	"TOOLS_MCP_COMMAND":          {},
	"TOOLS_MCP_ARGS":             {},
	"TOOLS_INVOKE_TIMEOUT":       {},
	"TELEMETRY_SERVICE_NAME":     {},
	"TELEMETRY_OTLP_ENDPOINT":    {},
	"TELEMETRY_SAMPLING_RATE":    {},
	"FALLBACK_DEPTH":             {},
	"SECOND_STAGE_REWRITE":       {},
	"LOG_LEVEL":                  {},
	"LOG_FORMAT":                 {},
	"LOG_FILE":                   {},
}

// Load reads configuration from the environment, seeded from envFile when it
// exists. Unknown keys in the file cause an error; the process environment
// always wins over file values.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			fileVars, err := godotenv.Read(envFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", envFile, err)
			}
			if err := checkUnknownKeys(fileVars); err != nil {
				return nil, err
			}
			for k, v := range fileVars {
				if os.Getenv(k) == "" {
					os.Setenv(k, v)
				}
			}
		}
	}

	cfg := &Config{}

	cfg.Database.URL = os.Getenv("DATABASE_URL")
	cfg.Database.PoolSize = envInt("POOL_SIZE")

	cfg.Server.Host = os.Getenv("HOST")
	cfg.Server.Port = envInt("PORT")
	cfg.Server.RequestTimeout = envDuration("REQUEST_TIMEOUT")

	cfg.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.Auth.TokenTTL = envDuration("TOKEN_TTL")
	cfg.Auth.AllowAnonymous = envBool("ALLOW_ANONYMOUS")

	cfg.Models.Primary = BackendConfig{
		Spec:    os.Getenv("PRIMARY_MODEL_BACKEND"),
		APIKey:  os.Getenv("MODEL_API_KEY"),
		BaseURL: os.Getenv("MODEL_BASE_URL"),
	}
	cfg.Models.Fallback = BackendConfig{
		Spec:    os.Getenv("FALLBACK_MODEL_BACKEND"),
		APIKey:  os.Getenv("MODEL_API_KEY"),
		BaseURL: os.Getenv("MODEL_BASE_URL"),
	}
	cfg.Models.RequestsPerMinute = envInt("MODEL_REQUESTS_PER_MINUTE")
	cfg.Models.TokensPerMinute = envInt("MODEL_TOKENS_PER_MINUTE")

	cfg.Embedding.Backend = BackendConfig{
		Spec:    os.Getenv("EMBEDDING_BACKEND"),
		APIKey:  os.Getenv("EMBEDDING_API_KEY"),
		BaseURL: os.Getenv("EMBEDDING_BASE_URL"),
	}
	cfg.Embedding.Dimension = envInt("EMBEDDING_DIMENSION")

	cfg.Vector.Backend = os.Getenv("VECTOR_BACKEND")
	cfg.Vector.PersistPath = os.Getenv("VECTOR_PERSIST_PATH")
	cfg.Vector.QdrantAddr = os.Getenv("QDRANT_ADDR")

	cfg.Retrieval.K = envInt("RETRIEVAL_K")
	cfg.Retrieval.ExpansionFactor = envInt("RETRIEVAL_EXPANSION_FACTOR")
	cfg.Retrieval.RRFConstant = envInt("RETRIEVAL_RRF_CONSTANT")

	cfg.Memory.SummaryTokenCeiling = envInt("SUMMARY_TOKEN_CEILING")
	cfg.Memory.PromptDir = os.Getenv("MEMORY_PROMPT_DIR")

	cfg.Tools.MCPURL = os.Getenv("TOOLS_MCP_URL")
	cfg.Tools.MCPCommand = os.Getenv("TOOLS_MCP_COMMAND")
	if args := os.Getenv("TOOLS_MCP_ARGS"); args != "" {
		cfg.Tools.MCPArgs = strings.Fields(args)
	}
	cfg.Tools.InvokeTimeout = envDuration("TOOLS_INVOKE_TIMEOUT")

	cfg.Telemetry.ServiceName = os.Getenv("TELEMETRY_SERVICE_NAME")
	cfg.Telemetry.OTLPEndpoint = os.Getenv("TELEMETRY_OTLP_ENDPOINT")
	cfg.Telemetry.SamplingRate = envFloat("TELEMETRY_SAMPLING_RATE")

	cfg.Orchestrator.FallbackDepth = envInt("FALLBACK_DEPTH")
	cfg.Orchestrator.SecondStageRewrite = os.Getenv("SECOND_STAGE_REWRITE")

	cfg.Logging.Level = os.Getenv("LOG_LEVEL")
	cfg.Logging.Format = os.Getenv("LOG_FORMAT")
	cfg.Logging.File = os.Getenv("LOG_FILE")

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func checkUnknownKeys(vars map[string]string) error {
	var unknown []string
	for k := range vars {
		if _, ok := recognizedKeys[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return fmt.Errorf("unknown configuration keys: %s", strings.Join(unknown, ", "))
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envFloat(key string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "true" || v == "1" || v == "yes"
}

// envDuration parses either a Go duration ("30s") or a bare second count.
func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return 0
}
