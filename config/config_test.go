package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pushbeam/beam/config"
)

func TestDefaultSettings(t *testing.T) {
	cfg := config.Default()
	require.Equal(t, config.EnvProd, cfg.Environment)
	require.Equal(t, "https://push.pushbeam.io/api", cfg.Services.RESTBaseURL)
	require.Equal(t, 10*time.Second, cfg.Services.HTTPTimeout)
	require.Equal(t, 5, cfg.Worker.MaxRetries)
	require.Equal(t, 24*time.Hour, cfg.Worker.DefaultTTL)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("BEAM_ENV", "Staging")
	t.Setenv("BEAM_APP_KEY", "app-key")
	t.Setenv("BEAM_APP_SECRET", "app-secret")
	t.Setenv("BEAM_REST_BASE_URL", "https://push.example.test/api")
	t.Setenv("BEAM_HTTP_TIMEOUT", "3s")
	t.Setenv("BEAM_WORKER_MAX_RETRIES", "7")

	cfg := config.FromEnv()
	require.Equal(t, config.EnvStaging, cfg.Environment)
	require.Equal(t, "app-key", cfg.Credentials.Key)
	require.Equal(t, "app-secret", cfg.Credentials.Secret)
	require.Equal(t, "https://push.example.test/api", cfg.Services.RESTBaseURL)
	require.Equal(t, 3*time.Second, cfg.Services.HTTPTimeout)
	require.Equal(t, 7, cfg.Worker.MaxRetries)
}

func TestFromEnvIgnoresMalformedDurations(t *testing.T) {
	t.Setenv("BEAM_HTTP_TIMEOUT", "not-a-duration")
	cfg := config.FromEnv()
	require.Equal(t, config.Default().Services.HTTPTimeout, cfg.Services.HTTPTimeout)
}

func TestLoadFileOverlay(t *testing.T) {
	doc := `
environment: dev
app:
  key: file-key
  name: demo
  version: "2.1.0"
services:
  restBaseUrl: https://file.example.test/api
  httpTimeout: 7s
worker:
  interval: 30s
  maxRetries: 3
  postsPerSecond: 2.5
database:
  dsn: postgresql://beam@localhost:5432/beam
`
	path := filepath.Join(t.TempDir(), "beam.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := config.LoadFile(config.Default(), path)
	require.NoError(t, err)
	require.Equal(t, config.EnvDev, cfg.Environment)
	require.Equal(t, "file-key", cfg.Credentials.Key)
	require.Equal(t, "demo", cfg.App.Name)
	require.Equal(t, "https://file.example.test/api", cfg.Services.RESTBaseURL)
	require.Equal(t, 7*time.Second, cfg.Services.HTTPTimeout)
	require.Equal(t, 30*time.Second, cfg.Worker.Interval)
	require.Equal(t, 3, cfg.Worker.MaxRetries)
	require.InDelta(t, 2.5, cfg.Worker.PostsPerSecond, 0.0001)
	require.Equal(t, "postgresql://beam@localhost:5432/beam", cfg.Database.DSN)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := config.LoadFile(config.Default(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
