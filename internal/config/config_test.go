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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "forrst", cfg.Protocol.Name)
	assert.Equal(t, 1<<20, cfg.Limits.MaxRequestBytes)
	assert.Equal(t, []string{"auth", "ratelimit", "idempotency"}, cfg.Hooks.Order)
	assert.False(t, cfg.Observability.Tracing.Enabled)
	assert.Equal(t, "otlp", cfg.Observability.Tracing.Exporter)
	assert.Equal(t, 0.1, cfg.Observability.Tracing.SamplingRate)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
protocol:
  versions: ["1.0.0", "1.1.0"]
limits:
  max_request_bytes: 65536
  dispatch_timeout: 5s
operations:
  store:
    driver: postgres
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 65536, cfg.Limits.MaxRequestBytes)
	assert.Equal(t, 5*time.Second, cfg.Limits.DispatchTimeout)
	assert.Equal(t, "postgres", cfg.Operations.Store.Driver)
	// Untouched fields keep their defaults.
	assert.Equal(t, "forrst", cfg.Protocol.Name)
	assert.True(t, cfg.SupportsVersion("1.1.0"))
	assert.False(t, cfg.SupportsVersion("2.0.0"))
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad port", "server:\n  port: 99999\n"},
		{"bad store driver", "operations:\n  store:\n    driver: cassandra\n"},
		{"no versions", "protocol:\n  versions: []\n"},
		{"bad idempotency driver", "idempotency:\n  enabled: true\n  store:\n    driver: memcached\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FORRST_SERVER_PORT", "7070")
	t.Setenv("FORRST_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, "server:\n  port: 9090\n"))
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
}
