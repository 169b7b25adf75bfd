package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, []string{"*"}, cfg.Server.Origins())
	assert.Equal(t, "sqlite://"+filepath.Join("./data", "engrama.db"), cfg.Metadata.URI)
	assert.Equal(t, "localhost", cfg.Qdrant.Host)
	assert.Equal(t, 6334, cfg.Qdrant.Port)
	assert.Equal(t, "engrama_memories", cfg.Qdrant.Collection)
	assert.Equal(t, uint64(384), cfg.Qdrant.VectorSize)
	assert.Equal(t, "http://localhost:8080", cfg.Embeddings.BaseURL)
	assert.Equal(t, 60, cfg.RateLimit.PerMinute)
	assert.Equal(t, 10000, cfg.Limits.MaxContentLength)
	assert.Equal(t, 100, cfg.Limits.MaxNameLength)
	assert.Equal(t, 20, cfg.Limits.MaxTags)
	assert.Empty(t, cfg.Auth.AdminToken)
	assert.Empty(t, cfg.Redis.URL)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9001
  cors_origins: "https://app.example.com, https://admin.example.com"
metadata:
  uri: postgres://engrama:secret@db:5432/engrama
qdrant:
  host: qdrant.internal
  collection: prod_memories
  vector_size: 768
auth:
  admin_token: top-secret
ratelimit:
  per_minute: 120
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.Server.Origins())
	assert.Equal(t, "postgres://engrama:secret@db:5432/engrama", cfg.Metadata.URI)
	assert.Equal(t, "qdrant.internal", cfg.Qdrant.Host)
	assert.Equal(t, "prod_memories", cfg.Qdrant.Collection)
	assert.Equal(t, uint64(768), cfg.Qdrant.VectorSize)
	assert.Equal(t, "top-secret", cfg.Auth.AdminToken)
	assert.Equal(t, 120, cfg.RateLimit.PerMinute)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9001\n"), 0o600))

	t.Setenv("ENGRAMA_SERVER_PORT", "9002")
	t.Setenv("ENGRAMA_QDRANT_HOST", "qdrant.env")
	t.Setenv("ENGRAMA_AUTH_ADMIN_TOKEN", "env-token")
	t.Setenv("ENGRAMA_RATELIMIT_PER_MINUTE", "5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9002, cfg.Server.Port)
	assert.Equal(t, "qdrant.env", cfg.Qdrant.Host)
	assert.Equal(t, "env-token", cfg.Auth.AdminToken)
	assert.Equal(t, 5, cfg.RateLimit.PerMinute)
}

func TestLoad_ZeroRateLimitDisables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ratelimit:\n  per_minute: 0\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.RateLimit.PerMinute)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "bad server port",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server port",
		},
		{
			name:    "zero shutdown timeout",
			mutate:  func(c *Config) { c.Server.ShutdownTimeout = 0 },
			wantErr: "shutdown timeout",
		},
		{
			name:    "empty qdrant host",
			mutate:  func(c *Config) { c.Qdrant.Host = "" },
			wantErr: "qdrant host",
		},
		{
			name:    "zero vector size",
			mutate:  func(c *Config) { c.Qdrant.VectorSize = 0 },
			wantErr: "vector size",
		},
		{
			name:    "negative rate limit",
			mutate:  func(c *Config) { c.RateLimit.PerMinute = -1 },
			wantErr: "rate limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
