package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadEnv("", map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "acksync.yaml", `
queue:
  backoff_base: 500ms
  concurrency: 2
writer:
  missing_target_window: 10m
store:
  path: /var/lib/acksync/queue.db
`)

	cfg, err := LoadEnv(path, map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.Queue.BackoffBase)
	assert.Equal(t, 2, cfg.Queue.Concurrency)
	assert.Equal(t, time.Minute, cfg.Queue.BackoffCap)
	assert.Equal(t, 10*time.Minute, cfg.Writer.MissingTargetWindow)
	assert.Equal(t, 3, cfg.Writer.TransactionAttempts)
	assert.Equal(t, "/var/lib/acksync/queue.db", cfg.Store.Path)
}

func TestLoad_YAMLRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "acksync.yaml", "queue:\n  concurency: 2\n")

	_, err := LoadEnv(path, map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "concurency")
}

func TestLoad_EmptyYAML(t *testing.T) {
	path := writeFile(t, "acksync.yml", "")

	cfg, err := LoadEnv(path, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_CUE(t *testing.T) {
	path := writeFile(t, "acksync.cue", `
queue: {
	concurrency: 4
	backoff_factor: 1.5
	jitter: 0.2
}
idempotency: ttl: "10m"
connectivity: debounce: "3s"
`)

	cfg, err := LoadEnv(path, map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Queue.Concurrency)
	assert.InDelta(t, 1.5, cfg.Queue.BackoffFactor, 1e-9)
	assert.InDelta(t, 0.2, cfg.Queue.Jitter, 1e-9)
	assert.Equal(t, 10*time.Minute, cfg.Idempotency.TTL)
	assert.Equal(t, 3*time.Second, cfg.Connectivity.Debounce)
}

func TestLoad_CUESchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"concurrency above limit", "queue: concurrency: 9\n"},
		{"bad duration", `idempotency: ttl: "ten minutes"` + "\n"},
		{"unknown section", "retry: attempts: 3\n"},
		{"unknown field", "queue: workers: 2\n"},
		{"syntax error", "queue: {\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "acksync.cue", tt.src)
			_, err := LoadEnv(path, map[string]string{})
			require.Error(t, err)
		})
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "acksync.yaml", "queue:\n  concurrency: 2\n")

	cfg, err := LoadEnv(path, map[string]string{
		"ACKSYNC_QUEUE_CONCURRENCY":            "3",
		"ACKSYNC_QUEUE_MAX_ATTEMPTS":           "10",
		"ACKSYNC_CONNECTIVITY_DEBOUNCE":        "750ms",
		"ACKSYNC_STORE_PATH":                   "/tmp/q.db",
		"ACKSYNC_IDEMPOTENCY_CAPACITY":         "50",
		"UNRELATED_QUEUE_CONCURRENCY":          "1",
		"ACKSYNC_WRITER_MISSING_TARGET_WINDOW": "1m",
	})
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Queue.Concurrency)
	assert.Equal(t, 10, cfg.Queue.MaxAttempts)
	assert.Equal(t, 750*time.Millisecond, cfg.Connectivity.Debounce)
	assert.Equal(t, "/tmp/q.db", cfg.Store.Path)
	assert.Equal(t, 50, cfg.Idempotency.Capacity)
	assert.Equal(t, time.Minute, cfg.Writer.MissingTargetWindow)
}

func TestLoad_InvalidEnv(t *testing.T) {
	_, err := LoadEnv("", map[string]string{"ACKSYNC_QUEUE_CONCURRENCY": "many"})
	require.Error(t, err)
}

func TestLoad_UnsupportedFormat(t *testing.T) {
	path := writeFile(t, "acksync.toml", "")

	_, err := LoadEnv(path, map[string]string{})
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := LoadEnv(filepath.Join(t.TempDir(), "missing.yaml"), map[string]string{})
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Queue.Concurrency = 5
	cfg.Queue.BackoffCap = 100 * time.Millisecond
	cfg.Idempotency.TTL = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(errors.Unwrap(err)), 3)
	assert.Contains(t, err.Error(), "queue.concurrency")
	assert.Contains(t, err.Error(), "queue.backoff_cap")
	assert.Contains(t, err.Error(), "idempotency.ttl")
}
