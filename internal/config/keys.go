package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "KBCHAT_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "KBCHAT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "KBCHAT_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "KBCHAT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "ollama.base_url", typ: kString, env: "KBCHAT_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "KBCHAT_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "KBCHAT_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "cloud.provider", typ: kString, env: "KBCHAT_CLOUD_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Cloud.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Cloud.Provider },
	},
	{
		key: "cloud.base_url", typ: kString, env: "KBCHAT_CLOUD_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Cloud.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Cloud.BaseURL },
	},
	{
		key: "cloud.api_key", typ: kString, env: "KBCHAT_CLOUD_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Cloud.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Cloud.APIKey },
	},
	{
		key: "cloud.model", typ: kString, env: "KBCHAT_CLOUD_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Cloud.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Cloud.Model },
	},
	{
		key: "embedding.provider", typ: kString, env: "KBCHAT_EMBEDDING_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Provider },
	},
	{
		key: "embedding.model", typ: kString, env: "KBCHAT_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.base_url", typ: kString, env: "KBCHAT_EMBEDDING_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.BaseURL },
	},
	{
		key: "embedding.api_key", typ: kString, env: "KBCHAT_EMBEDDING_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Embedding.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.APIKey },
	},
	{
		key: "embedding.concurrency", typ: kInt, env: "KBCHAT_EMBEDDING_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Concurrency },
	},
	{
		key: "embedding.cache_ttl", typ: kString, env: "KBCHAT_EMBEDDING_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.CacheTTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.CacheTTL },
	},
	{
		key: "vector.backend", typ: kString, env: "KBCHAT_VECTOR_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Vector.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.Backend },
	},
	{
		key: "vector.postgres_dsn", typ: kString, env: "KBCHAT_VECTOR_POSTGRES_DSN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Vector.PostgresDSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.PostgresDSN },
	},
	{
		key: "ingest.chunk_size", typ: kInt, env: "KBCHAT_INGEST_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkSize },
	},
	{
		key: "ingest.chunk_overlap", typ: kInt, env: "KBCHAT_INGEST_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkOverlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkOverlap },
	},
	{
		key: "ingest.budget_seconds", typ: kInt, env: "KBCHAT_INGEST_BUDGET_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.BudgetSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.BudgetSeconds },
	},
	{
		key: "ingest.max_fetch_bytes", typ: kInt, env: "KBCHAT_INGEST_MAX_FETCH_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxFetchBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxFetchBytes },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "KBCHAT_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.threshold", typ: kFloat, env: "KBCHAT_RETRIEVAL_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.Threshold },
	},
	{
		key: "retrieval.max_context_tokens", typ: kInt, env: "KBCHAT_RETRIEVAL_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxContextTokens },
	},
	{
		key: "generation.deployment", typ: kString, env: "KBCHAT_GENERATION_DEPLOYMENT",
		apply:   func(cfg *Config, v any) { cfg.Generation.Deployment = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Deployment },
	},
	{
		key: "generation.provider", typ: kString, env: "KBCHAT_GENERATION_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Generation.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Provider },
	},
	{
		key: "generation.temperature", typ: kFloat, env: "KBCHAT_GENERATION_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Generation.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Generation.Temperature },
	},
	{
		key: "generation.max_tokens", typ: kInt, env: "KBCHAT_GENERATION_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Generation.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.MaxTokens },
	},
	{
		key: "queue.workers", typ: kInt, env: "KBCHAT_QUEUE_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Queue.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.Workers },
	},
	{
		key: "queue.poll_interval", typ: kString, env: "KBCHAT_QUEUE_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Queue.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Queue.PollInterval },
	},
	{
		key: "queue.retention", typ: kString, env: "KBCHAT_QUEUE_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Queue.Retention = v.(string) },
		extract: func(cfg Config) any { return cfg.Queue.Retention },
	},
	{
		key: "queue.max_attempts", typ: kInt, env: "KBCHAT_QUEUE_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Queue.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.MaxAttempts },
	},
	{
		key: "nats.url", typ: kString, env: "KBCHAT_NATS_URL",
		apply:   func(cfg *Config, v any) { cfg.NATS.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.NATS.URL },
	},
	{
		key: "s3.endpoint", typ: kString, env: "KBCHAT_S3_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.S3.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.S3.Endpoint },
	},
	{
		key: "s3.access_key", typ: kString, env: "KBCHAT_S3_ACCESS_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.S3.AccessKey = v.(string) },
		extract: func(cfg Config) any { return cfg.S3.AccessKey },
	},
	{
		key: "s3.secret_key", typ: kString, env: "KBCHAT_S3_SECRET_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.S3.SecretKey = v.(string) },
		extract: func(cfg Config) any { return cfg.S3.SecretKey },
	},
	{
		key: "s3.region", typ: kString, env: "KBCHAT_S3_REGION",
		apply:   func(cfg *Config, v any) { cfg.S3.Region = v.(string) },
		extract: func(cfg Config) any { return cfg.S3.Region },
	},
	{
		key: "s3.use_ssl", typ: kBool, env: "KBCHAT_S3_USE_SSL",
		apply:   func(cfg *Config, v any) { cfg.S3.UseSSL = v.(bool) },
		extract: func(cfg Config) any { return cfg.S3.UseSSL },
	},
	{
		key: "log.level", typ: kString, env: "KBCHAT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.file", typ: kString, env: "KBCHAT_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
}

// decode converts a raw value from a backend or the environment to the
// key's type. Strings are parsed; JSON numbers and bools are taken as is.
func (s keySpec) decode(raw any) (any, error) {
	switch s.typ {
	case kInt:
		switch v := raw.(type) {
		case int:
			return v, nil
		case float64:
			if v != math.Trunc(v) || v < math.MinInt32 || v > math.MaxInt32 {
				return nil, fmt.Errorf("invalid integer value for %s: %v", s.key, v)
			}
			return int(v), nil
		case string:
			i, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("invalid integer value for %s: %w", s.key, err)
			}
			return i, nil
		}
	case kFloat:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid float value for %s: %w", s.key, err)
			}
			return f, nil
		}
	case kBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("invalid bool value for %s: %w", s.key, err)
			}
			return b, nil
		}
	default:
		switch v := raw.(type) {
		case string:
			return v, nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case int, bool:
			return fmt.Sprint(v), nil
		}
	}
	return nil, fmt.Errorf("invalid value for %s: unexpected %T", s.key, raw)
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok := b.Lookup(s.key)
		if !ok {
			continue
		}
		v, err := s.decode(raw)
		if err != nil {
			return fmt.Errorf("config file: %w", err)
		}
		s.apply(cfg, v)
	}
	return nil
}

// applyEnvOverrides applies KBCHAT_* variables. Unparsable values are
// reported and ignored.
func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if s.env == "" || raw == "" {
			continue
		}
		v, err := s.decode(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] ignoring %s: %v\n", s.env, err)
			continue
		}
		s.apply(cfg, v)
	}
}
