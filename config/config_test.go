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
	t.Setenv("CONFIG_FILE", "")
	cfg := Load()

	assert.Equal(t, "3001", cfg.Port)
	assert.Equal(t, 5, cfg.PreloadSize)
	assert.Equal(t, 2, cfg.RetryLimit)
	assert.Equal(t, 600, cfg.MaxDurationSeconds)
	assert.Equal(t, 300, cfg.VoteThresholdSeconds)
	assert.Equal(t, 30*time.Second, cfg.DurationVoteTimeout)
	assert.Equal(t, "/stream", cfg.Icecast.Mount)
	assert.True(t, cfg.Streaming)
	assert.False(t, cfg.RedisEnabled())
	assert.False(t, cfg.MinioEnabled())
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT", "8080")
	t.Setenv("PRELOAD_SIZE", "3")
	t.Setenv("KEEP_FILES", "true")
	t.Setenv("METADATA_TIMEOUT_SECONDS", "7")
	t.Setenv("ICECAST_PORT", "not-a-number")
	t.Setenv("REDIS_HOST", "redis")

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 3, cfg.PreloadSize)
	assert.True(t, cfg.KeepFiles)
	assert.Equal(t, 7*time.Second, cfg.MetadataTimeout)
	assert.Equal(t, 8000, cfg.Icecast.Port, "invalid numbers fall back")
	assert.True(t, cfg.RedisEnabled())
}

func TestLoad_YAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queuefm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \"9000\"\nicecast:\n  host: origin\n  port: 8100\n  mount: /live\npreload_size: 2\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("ICECAST_PASSWORD", "hackme")

	cfg := Load()
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "origin", cfg.Icecast.Host)
	assert.Equal(t, 8100, cfg.Icecast.Port)
	assert.Equal(t, "/live", cfg.Icecast.Mount)
	assert.Equal(t, "hackme", cfg.Icecast.Password, "keys absent from the file keep env values")
	assert.Equal(t, 2, cfg.PreloadSize)
}

func TestValidate(t *testing.T) {
	cfg := &Config{Streaming: true, RetryLimit: 2, DBDriver: "sqlite"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_TOKEN")
	assert.Contains(t, err.Error(), "ICECAST_PASSWORD")

	cfg.AdminToken = "secret"
	cfg.Icecast.Password = "hackme"
	assert.NoError(t, cfg.Validate())

	cfg.DBDriver = "postgres"
	assert.ErrorContains(t, cfg.Validate(), "DB_DRIVER")

	cfg.DBDriver = "memory"
	cfg.RetryLimit = 0
	assert.ErrorContains(t, cfg.Validate(), "RETRY_LIMIT")
}

func TestSigningSecret(t *testing.T) {
	cfg := &Config{AdminTokenHash: "$2a$hash"}
	assert.Equal(t, "$2a$hash", cfg.SigningSecret())
	cfg.AdminToken = "token"
	assert.Equal(t, "token", cfg.SigningSecret())
	cfg.SessionSecret = "session"
	assert.Equal(t, "session", cfg.SigningSecret())
}
