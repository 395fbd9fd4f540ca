package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment
// variables. It is immutable after Load() returns.
type Config struct {
	Port             int
	Environment      string
	DatabaseURL      string
	DatabaseMaxConns int

	RedisURL string

	GCPProject        string
	GCPRegion         string
	VertexAILocation  string
	VertexAIModel     string
	EmbeddingLocation string
	EmbeddingModel    string
	EmbeddingDim      int

	FirebaseProjectID string
	FrontendURL       string

	InternalAuthSecret string

	// Chat serving core knobs (spec §6.5).
	RAGTopK            int
	RAGThreshold       float64
	RAGMaxCtxChars     int
	HistoryN           int
	MessageMaxChars    int
	TokenBudgetIn      int
	ChatLimitPerMinute int
	MaxConnPerUser     int
	AuthTimeout        time.Duration
	PrefetchTimeout    time.Duration
	ResponseCacheTTL   time.Duration
	EmbeddingCacheTTL  time.Duration
	ProfileCacheTTL    time.Duration
	HistoryCacheTTL    time.Duration
}

// Load reads configuration from environment variables. Required variables
// (DATABASE_URL, GOOGLE_CLOUD_PROJECT) cause an error if missing. Optional
// variables use sensible defaults.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("config.Load: DATABASE_URL is required")
	}

	gcpProject := os.Getenv("GOOGLE_CLOUD_PROJECT")
	if gcpProject == "" {
		return nil, fmt.Errorf("config.Load: GOOGLE_CLOUD_PROJECT is required")
	}

	cfg := &Config{
		Port:             envInt("PORT", 8080),
		Environment:      envStr("ENVIRONMENT", "development"),
		DatabaseURL:      dbURL,
		DatabaseMaxConns: envInt("DATABASE_MAX_CONNS", 25),

		RedisURL: envStr("REDIS_URL", "redis://localhost:6379/0"),

		GCPProject:        gcpProject,
		GCPRegion:         envStr("GCP_REGION", "us-east4"),
		VertexAILocation:  envStr("VERTEX_AI_LOCATION", "global"),
		VertexAIModel:     envStr("VERTEX_AI_MODEL", "gemini-3-pro-preview"),
		EmbeddingLocation: envStr("VERTEX_AI_EMBEDDING_LOCATION", envStr("GCP_REGION", "us-east4")),
		EmbeddingModel:    envStr("VERTEX_AI_EMBEDDING_MODEL", "text-embedding-004"),
		EmbeddingDim:      envInt("EMBEDDING_DIM", 384),

		FirebaseProjectID: envStr("FIREBASE_PROJECT_ID", ""),
		FrontendURL:       envStr("FRONTEND_URL", "http://localhost:3000"),

		InternalAuthSecret: envStr("INTERNAL_AUTH_SECRET", ""),

		RAGTopK:            envInt("RAG_TOP_K", 5),
		RAGThreshold:       envFloat("RAG_THRESHOLD", 0.7),
		RAGMaxCtxChars:     envInt("RAG_MAX_CTX_CHARS", 2000),
		HistoryN:           envInt("HISTORY_N", 10),
		MessageMaxChars:    envInt("MESSAGE_MAX_CHARS", 2000),
		TokenBudgetIn:      envInt("TOKEN_BUDGET_IN", 3500),
		ChatLimitPerMinute: envInt("CHAT_LIMIT_PER_MINUTE", 20),
		MaxConnPerUser:     envInt("MAX_CONN_PER_USER", 5),
		AuthTimeout:        envSeconds("AUTH_TIMEOUT_SECS", 30*time.Second),
		PrefetchTimeout:    envMillis("PREFETCH_TIMEOUT_MS", 800*time.Millisecond),
		ResponseCacheTTL:   envSeconds("RESPONSE_CACHE_TTL", 2*time.Hour),
		EmbeddingCacheTTL:  envSeconds("EMBEDDING_CACHE_TTL", 24*time.Hour),
		ProfileCacheTTL:    5 * time.Minute,
		HistoryCacheTTL:    60 * time.Second,
	}

	// Internal auth secret is required in non-development environments.
	if cfg.Environment != "development" && cfg.InternalAuthSecret == "" {
		return nil, fmt.Errorf("config.Load: INTERNAL_AUTH_SECRET is required in %s environment", cfg.Environment)
	}

	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// envSeconds reads key as a count of whole seconds, returning fallback
// (already a time.Duration) on absence or parse failure.
func envSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Second
}

// envMillis reads key as a count of milliseconds.
func envMillis(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}
