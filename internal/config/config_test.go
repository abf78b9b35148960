// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

auth:
  jwt_secret: "sekrit"

engine:
  api_key: "sk-test"
  default_model: "claude-sonnet-4-20250514"

tasks:
  buffer_size: 50
  retention: "2m"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "./test.db", cfg.Database.Path)
	assert.Equal(t, "sekrit", cfg.Auth.JWTSecret)
	assert.Equal(t, "sk-test", cfg.Engine.APIKey)
	assert.Equal(t, 50, cfg.Tasks.BufferSize)
	assert.Equal(t, 2*time.Minute, cfg.Tasks.Retention)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_GATEWAY_KEY", "from-env")

	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "./test.db"
engine:
  api_key: "${TEST_GATEWAY_KEY}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Engine.APIKey)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "./test.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTaskBufferSize, cfg.Tasks.BufferSize)
	assert.Equal(t, DefaultTaskRetention, cfg.Tasks.Retention)
	assert.Equal(t, "workspaces", cfg.Workspace.Dir)
}

func TestLoadRequiresListenAddress(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "./test.db"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http_addr")
}

func TestLoadTailscaleSatisfiesListener(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "./test.db"
tailscale:
  enabled: true
  hostname: "owork-gateway"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Tailscale.Enabled)
}

func TestLoadTailscaleRequiresHostname(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "./test.db"
tailscale:
  enabled: true
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hostname")
}

func TestLoadRejectsBadRetention(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "./test.db"
tasks:
  retention: "soon"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retention")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
