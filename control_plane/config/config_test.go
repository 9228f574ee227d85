package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	signingSecret = strings.Repeat("s", 32)
	jwtSecret     = strings.Repeat("j", 32)
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv(EnvSigningSecret, signingSecret)
	t.Setenv(EnvJWTSecret, jwtSecret)
	t.Setenv(EnvRedisAddr, "redis:6379")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, signingSecret, cfg.Signing.Secret)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 90*time.Second, cfg.AI.Budget())
	assert.Equal(t, 15*time.Millisecond, cfg.Gateway.ChunkDelay())
	assert.Equal(t, 200, cfg.Gateway.MaxSessions)
}

func TestLoadFileThenEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetgate.yaml")
	writeConfig(t, path, `
server:
  listen: ":9090"
auth:
  mode: header
signing:
  secret: from-file-but-too-short
ai:
  models: [a/one, b/two]
gateway:
  chunk_size: 8
`)
	t.Setenv(EnvSigningSecret, signingSecret)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, AuthHeader, cfg.Auth.Mode)
	assert.Equal(t, signingSecret, cfg.Signing.Secret)
	assert.Equal(t, []string{"a/one", "b/two"}, cfg.AI.Models)
	assert.Equal(t, 8, cfg.Gateway.ChunkSize)
	assert.Equal(t, 15, cfg.Gateway.ChunkDelayMS, "unset keys keep defaults")
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvSigningSecret)
	assert.Contains(t, err.Error(), EnvJWTSecret)

	cfg.Signing.Secret = signingSecret
	cfg.Auth.Mode = "none"
	assert.ErrorContains(t, cfg.Validate(), "auth.mode")

	cfg.Auth.Mode = AuthHeader
	assert.NoError(t, cfg.Validate())
}

func TestRedacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Signing.Secret = signingSecret
	cfg.Database.URL = "postgres://user:pw@db/fleetgate"

	r := cfg.Redacted()
	assert.NotContains(t, r.Signing.Secret, "s")
	assert.Equal(t, "***", r.Database.URL)
	assert.Equal(t, signingSecret, cfg.Signing.Secret, "original untouched")
}

func TestWatchReloads(t *testing.T) {
	t.Setenv(EnvSigningSecret, signingSecret)
	path := filepath.Join(t.TempDir(), "fleetgate.yaml")
	writeConfig(t, path, "auth:\n  mode: header\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var size atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) { size.Store(int32(c.Gateway.ChunkSize)) })
	}()

	// The watcher needs a moment to register before the first write.
	assert.Eventually(t, func() bool {
		writeConfig(t, path, "auth:\n  mode: header\ngateway:\n  chunk_size: 12\n")
		return size.Load() == 12
	}, 3*time.Second, 50*time.Millisecond)

	writeConfig(t, path, "auth:\n  mode: bogus\n")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(12), size.Load(), "invalid config is skipped")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}
