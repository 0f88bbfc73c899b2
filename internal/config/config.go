package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Ollama     OllamaConfig
	Cloud      CloudConfig
	Embedding  EmbeddingConfig
	Vector     VectorConfig
	Ingest     IngestConfig
	Retrieval  RetrievalConfig
	Generation GenerationConfig
	Queue      QueueConfig
	NATS       NATSConfig
	S3         S3Config
	Log        LogConfig
}

type ServerConfig struct {
	Host     string
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

// CloudConfig describes the OpenAI-compatible completion API used for
// online deployments. An empty APIKey means no cloud provider is configured.
type CloudConfig struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
}

type EmbeddingConfig struct {
	Provider    string // "ollama" or "openai"
	Model       string
	BaseURL     string
	APIKey      string
	Concurrency int
	CacheTTL    string
}

type VectorConfig struct {
	Backend     string // "sqlite" or "postgres"
	PostgresDSN string
}

type IngestConfig struct {
	ChunkSize     int
	ChunkOverlap  int
	BudgetSeconds int
	MaxFetchBytes int
}

type RetrievalConfig struct {
	TopK             int
	Threshold        float64
	MaxContextTokens int
}

type GenerationConfig struct {
	Deployment  string // "online" or "offline"
	Provider    string
	Temperature float64
	MaxTokens   int
}

type QueueConfig struct {
	Workers      int
	PollInterval string
	Retention    string
	MaxAttempts  int
}

type NATSConfig struct {
	URL string
}

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

type LogConfig struct {
	Level string
	File  string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "llama3.2",
			EmbedModel: "nomic-embed-text",
		},
		Cloud: CloudConfig{
			Provider: "openrouter",
			BaseURL:  "https://openrouter.ai/api/v1",
			Model:    "openai/gpt-4o-mini",
		},
		Embedding: EmbeddingConfig{
			Provider:    "ollama",
			BaseURL:     "https://api.openai.com/v1",
			Concurrency: 1,
			CacheTTL:    "10m",
		},
		Vector: VectorConfig{
			Backend: "sqlite",
		},
		Ingest: IngestConfig{
			ChunkSize:     1000,
			ChunkOverlap:  200,
			BudgetSeconds: 300,
			MaxFetchBytes: 50 << 20,
		},
		Retrieval: RetrievalConfig{
			TopK:             5,
			Threshold:        0.5,
			MaxContextTokens: 4000,
		},
		Generation: GenerationConfig{
			Deployment:  "online",
			Temperature: 0.7,
			MaxTokens:   1024,
		},
		Queue: QueueConfig{
			Workers:      4,
			PollInterval: "2s",
			Retention:    "168h",
			MaxAttempts:  3,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file, an optional .env file in
// the working directory, and environment variables (KBCHAT_*), in that order of
// increasing precedence.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "[WARN] could not load .env file: %v\n", err)
	}
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = cfg.Ollama.EmbedModel
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Ingest.ChunkSize <= 0 {
		return fmt.Errorf("invalid config: ingest.chunk_size must be positive, got %d", c.Ingest.ChunkSize)
	}
	if c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("invalid config: ingest.chunk_overlap must be in [0, %d), got %d", c.Ingest.ChunkSize, c.Ingest.ChunkOverlap)
	}
	switch c.Generation.Deployment {
	case "online", "offline":
	default:
		return fmt.Errorf("invalid config: generation.deployment must be online or offline, got %q", c.Generation.Deployment)
	}
	switch c.Vector.Backend {
	case "sqlite":
	case "postgres":
		if c.Vector.PostgresDSN == "" {
			return fmt.Errorf("missing required config: vector.postgres_dsn (set KBCHAT_VECTOR_POSTGRES_DSN)")
		}
	default:
		return fmt.Errorf("invalid config: vector.backend must be sqlite or postgres, got %q", c.Vector.Backend)
	}
	if c.Embedding.Provider == "openai" && c.Embedding.APIKey == "" {
		return fmt.Errorf("missing required config: embedding API key (set KBCHAT_EMBEDDING_API_KEY)")
	}
	for key, raw := range map[string]string{
		"queue.poll_interval": c.Queue.PollInterval,
		"queue.retention":     c.Queue.Retention,
		"embedding.cache_ttl": c.Embedding.CacheTTL,
	} {
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid config: %s: %w", key, err)
		}
	}
	return nil
}

// CloudConfigured reports whether a cloud completion provider can be used.
func (c Config) CloudConfigured() bool {
	return c.Cloud.APIKey != "" && c.Cloud.BaseURL != ""
}

// IngestBudget returns the wall-clock budget of a single ingestion job.
func (c Config) IngestBudget() time.Duration {
	return time.Duration(c.Ingest.BudgetSeconds) * time.Second
}

// PollInterval returns the queue fallback poll interval. The value was
// validated on load.
func (c Config) PollInterval() time.Duration {
	d, _ := time.ParseDuration(c.Queue.PollInterval)
	return d
}

// Retention returns how long terminal jobs are kept before cleanup.
func (c Config) Retention() time.Duration {
	d, _ := time.ParseDuration(c.Queue.Retention)
	return d
}

// EmbeddingCacheTTL returns how long query embeddings are cached.
func (c Config) EmbeddingCacheTTL() time.Duration {
	d, _ := time.ParseDuration(c.Embedding.CacheTTL)
	return d
}
