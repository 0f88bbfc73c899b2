package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) *fileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if content != "" {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return newFileBackend(path)
}

// clearEnv blanks every KBCHAT_* variable the loader knows about for the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(writeTempConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "http://localhost:11434", cfg.Ollama.BaseURL)
	assert.Equal(t, "nomic-embed-text", cfg.Embedding.Model, "embedding model falls back to the ollama embed model")
	assert.Equal(t, 1000, cfg.Ingest.ChunkSize)
	assert.Equal(t, 200, cfg.Ingest.ChunkOverlap)
	assert.Equal(t, 300*time.Second, cfg.IngestBudget())
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.InDelta(t, 0.5, cfg.Retrieval.Threshold, 1e-9)
	assert.Equal(t, "online", cfg.Generation.Deployment)
	assert.Equal(t, 2*time.Second, cfg.PollInterval())
	assert.Equal(t, 168*time.Hour, cfg.Retention())
	assert.False(t, cfg.CloudConfigured())
}

func TestFileValues(t *testing.T) {
	clearEnv(t)

	b := writeTempConfig(t, `{
		"server.port": 5000,
		"ollama.chat_model": "qwen2.5",
		"retrieval.threshold": 0.65,
		"s3.use_ssl": true,
		"queue.poll_interval": "500ms"
	}`)

	cfg, err := loadWith(b)
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, "qwen2.5", cfg.Ollama.ChatModel)
	assert.InDelta(t, 0.65, cfg.Retrieval.Threshold, 1e-9)
	assert.True(t, cfg.S3.UseSSL)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval())
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("KBCHAT_SERVER_PORT", "6000")
	t.Setenv("KBCHAT_CLOUD_API_KEY", "env-key")
	t.Setenv("KBCHAT_GENERATION_DEPLOYMENT", "offline")

	cfg, err := loadWith(writeTempConfig(t, `{"server.port": 5000}`))
	require.NoError(t, err)

	assert.Equal(t, 6000, cfg.Server.Port)
	assert.Equal(t, "env-key", cfg.Cloud.APIKey)
	assert.Equal(t, "offline", cfg.Generation.Deployment)
	assert.True(t, cfg.CloudConfigured())
}

func TestSecretsIgnoredInFile(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(writeTempConfig(t, `{"cloud.api_key": "from-file"}`))
	require.NoError(t, err)
	assert.Empty(t, cfg.Cloud.APIKey)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		file string
		want string
	}{
		{"overlap too large", `{"ingest.chunk_size": 100, "ingest.chunk_overlap": 100}`, "chunk_overlap"},
		{"bad deployment", `{"generation.deployment": "hybrid"}`, "generation.deployment"},
		{"postgres without dsn", `{"vector.backend": "postgres"}`, "postgres_dsn"},
		{"bad duration", `{"queue.retention": "forever"}`, "queue.retention"},
		{"openai embeddings without key", `{"embedding.provider": "openai"}`, "embedding API key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := loadWith(writeTempConfig(t, tt.file))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSetKey(t *testing.T) {
	b := writeTempConfig(t, "")

	require.NoError(t, setKeyIn(b, "retrieval.top_k", "8"))
	require.NoError(t, setKeyIn(b, "retrieval.threshold", "0.7"))

	assert.ErrorContains(t, setKeyIn(b, "cloud.api_key", "x"), "cannot set secret")
	assert.ErrorContains(t, setKeyIn(b, "nope", "x"), "unknown config key")
	assert.ErrorContains(t, setKeyIn(b, "retrieval.top_k", "many"), "invalid integer")

	clearEnv(t)
	cfg, err := loadWith(newFileBackend(b.path))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Retrieval.TopK)
	assert.InDelta(t, 0.7, cfg.Retrieval.Threshold, 1e-9)
}

func TestSetKey_RejectsInvalidResult(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{"ingest.chunk_size": 300}`)

	err := setKeyIn(b, "ingest.chunk_overlap", "300")
	assert.ErrorContains(t, err, "chunk_overlap")
	assert.ErrorContains(t, setKeyIn(b, "generation.deployment", "hybrid"), "generation.deployment")

	_, ok := b.Lookup("ingest.chunk_overlap")
	assert.False(t, ok, "rejected value must not be persisted")
}

func TestSetKey_StoresNativeJSONTypes(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, "")
	require.NoError(t, setKeyIn(b, "server.port", "5001"))
	require.NoError(t, setKeyIn(b, "s3.use_ssl", "true"))
	require.NoError(t, setKeyIn(b, "retrieval.threshold", "0.7"))
	require.NoError(t, setKeyIn(b, "queue.retention", "72h"))

	raw, err := os.ReadFile(b.path)
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, map[string]any{
		"server.port":         float64(5001),
		"s3.use_ssl":          true,
		"retrieval.threshold": 0.7,
		"queue.retention":     "72h",
	}, onDisk)

	entries, err := os.ReadDir(filepath.Dir(b.path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files are left behind")
}

func TestFileValues_WrongType(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name, file, want string
	}{
		{"fractional int", `{"server.port": 40.5}`, "invalid integer value for server.port"},
		{"bool as object", `{"s3.use_ssl": {"on": true}}`, "invalid value for s3.use_ssl"},
		{"unparsable float", `{"retrieval.threshold": "high"}`, "invalid float value for retrieval.threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadWith(writeTempConfig(t, tt.file))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestFileValues_StringForms(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(writeTempConfig(t, `{"server.port": "4100", "s3.use_ssl": "true", "retrieval.threshold": "0.4"}`))
	require.NoError(t, err)
	assert.Equal(t, 4100, cfg.Server.Port)
	assert.True(t, cfg.S3.UseSSL)
	assert.InDelta(t, 0.4, cfg.Retrieval.Threshold, 1e-9)
}

func TestEnvOverride_InvalidIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("KBCHAT_SERVER_PORT", "not-a-port")
	cfg, err := loadWith(writeTempConfig(t, `{"server.port": 5000}`))
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Server.Port)
}

func TestUnsetKey(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, "")
	require.NoError(t, setKeyIn(b, "retrieval.top_k", "9"))
	require.NoError(t, unsetKeyIn(b, "retrieval.top_k"))
	assert.ErrorContains(t, unsetKeyIn(b, "server.api_token"), "cannot set secret")

	cfg, err := loadWith(newFileBackend(b.path))
	require.NoError(t, err)
	assert.Equal(t, defaults().Retrieval.TopK, cfg.Retrieval.TopK)
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Cloud.APIKey = "super-secret"

	for _, ki := range ShowAll(cfg) {
		assert.NotEqual(t, "cloud.api_key", ki.Key)
		assert.NotEqual(t, "super-secret", ki.Value)
	}
	assert.NotContains(t, ValidKeys(), "server.api_token")
}
