package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG", "ADDR", "DATA_DIR", "BASE_URL", "PROMPTS_FILE", "EXECUTOR",
		"EXECUTOR_COMMAND", "EXECUTOR_ENDPOINT", "EXECUTOR_INIT_TIMEOUT",
		"UNIT_TIMEOUT", "RETENTION_TTL", "BROADCAST_BUFFER", "RUN_RATE",
		"RUN_BURST", "NATS_URL", "NATS_SUBJECT", "OTEL_ENDPOINT", "LOG_LEVEL",
		"LOG_JSON", "ALLOWED_ORIGINS",
	} {
		t.Setenv("PROMPTRELAY_"+key, "")
		os.Unsetenv("PROMPTRELAY_" + key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROMPTRELAY_EXECUTOR_COMMAND", "./render.sh")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.Addr)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "./prompts.txt", cfg.PromptsFile)
	assert.Equal(t, ExecutorCommand, cfg.Executor)
	assert.Equal(t, 30*time.Second, cfg.ExecutorInitTimeout)
	assert.Equal(t, 5*time.Minute, cfg.UnitTimeout)
	assert.Equal(t, time.Hour, cfg.RetentionTTL)
	assert.Equal(t, 64, cfg.BroadcastBuffer)
	assert.Equal(t, 1.0, cfg.RunRate)
	assert.Equal(t, 5, cfg.RunBurst)
	assert.Equal(t, "promptrelay.events", cfg.NATSSubject)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.LogJSON)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROMPTRELAY_ADDR", ":9000")
	t.Setenv("PROMPTRELAY_BASE_URL", "https://relay.example.com/")
	t.Setenv("PROMPTRELAY_EXECUTOR", "HTTP")
	t.Setenv("PROMPTRELAY_EXECUTOR_ENDPOINT", "http://127.0.0.1:7000")
	t.Setenv("PROMPTRELAY_UNIT_TIMEOUT", "90s")
	t.Setenv("PROMPTRELAY_RETENTION_TTL", "15m")
	t.Setenv("PROMPTRELAY_LOG_JSON", "true")
	t.Setenv("PROMPTRELAY_ALLOWED_ORIGINS", "https://a.example, https://b.example ,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "https://relay.example.com", cfg.BaseURL)
	assert.Equal(t, ExecutorHTTP, cfg.Executor)
	assert.Equal(t, "http://127.0.0.1:7000", cfg.ExecutorEndpoint)
	assert.Equal(t, 90*time.Second, cfg.UnitTimeout)
	assert.Equal(t, 15*time.Minute, cfg.RetentionTTL)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoadConfigFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "promptrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
executor: command
executor_command: ./render.sh
retention_ttl: 2h
allowed_origins:
  - https://a.example
  - https://b.example
`), 0o644))
	t.Setenv("PROMPTRELAY_CONFIG", path)
	t.Setenv("PROMPTRELAY_RETENTION_TTL", "3h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "./render.sh", cfg.ExecutorCommand)
	assert.Equal(t, 3*time.Hour, cfg.RetentionTTL, "environment overrides the file")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"command executor without command", map[string]string{}},
		{"http executor without endpoint", map[string]string{"EXECUTOR": "http"}},
		{"unknown executor", map[string]string{"EXECUTOR": "grpc", "EXECUTOR_COMMAND": "x"}},
		{"zero unit timeout", map[string]string{"EXECUTOR_COMMAND": "x", "UNIT_TIMEOUT": "0s"}},
		{"negative retention", map[string]string{"EXECUTOR_COMMAND": "x", "RETENTION_TTL": "-1m"}},
		{"unparseable duration", map[string]string{"EXECUTOR_COMMAND": "x", "RETENTION_TTL": "soon"}},
		{"zero buffer", map[string]string{"EXECUTOR_COMMAND": "x", "BROADCAST_BUFFER": "0"}},
		{"bad log level", map[string]string{"EXECUTOR_COMMAND": "x", "LOG_LEVEL": "loud"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv("PROMPTRELAY_"+k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROMPTRELAY_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestSplitCSV(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitCSV(" a ,, b "))
	assert.Empty(t, splitCSV(""))
}
