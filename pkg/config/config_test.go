// Package config tests for file and environment configuration.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allEnvVars = []string{
	"EKG_NEO4J_URI", "EKG_NEO4J_USERNAME", "EKG_NEO4J_PASSWORD", "EKG_NEO4J_DATABASE",
	"EKG_NEO4J_MAX_POOL_SIZE", "EKG_NEO4J_CONNECT_TIMEOUT",
	"EKG_BATCH_SIZE", "EKG_FLUSH_ROWS", "EKG_WORKERS", "EKG_CORRELATION_TYPE", "EKG_ENGINE",
	"EKG_LEDGER_ENABLED", "EKG_LEDGER_DIR", "EKG_METRICS_FILE",
	"EKG_LOG_LEVEL", "EKG_LOG_FORMAT", "EKG_LOG_OUTPUT", "EKG_SLOW_QUERY_THRESHOLD",
}

// clearEnvVars unsets every EKG_* variable for the duration of the test.
func clearEnvVars(t *testing.T) {
	t.Helper()
	for _, key := range allEnvVars {
		key := key
		if val, ok := os.LookupEnv(key); ok {
			require.NoError(t, os.Unsetenv(key))
			t.Cleanup(func() { os.Setenv(key, val) })
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg := LoadDefaults()

	assert.Equal(t, "neo4j://localhost:7687", cfg.Neo4j.URI)
	assert.Equal(t, "neo4j", cfg.Neo4j.Username)
	assert.Equal(t, 30*time.Second, cfg.Neo4j.ConnectTimeout)
	assert.Equal(t, 1000, cfg.Enrichment.BatchSize)
	assert.Equal(t, 10000, cfg.Enrichment.FlushRows)
	assert.Equal(t, 1, cfg.Enrichment.Workers)
	assert.Equal(t, "CORR", cfg.Enrichment.CorrelationType)
	assert.Equal(t, EngineBolt, cfg.Enrichment.Engine)
	assert.True(t, cfg.Ledger.Enabled)
	assert.NotEmpty(t, cfg.Ledger.Dir)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	clearEnvVars(t)
	t.Setenv("EKG_NEO4J_URI", "neo4j+s://graph.example.com")
	t.Setenv("EKG_BATCH_SIZE", "250")
	t.Setenv("EKG_WORKERS", "8")
	t.Setenv("EKG_LEDGER_ENABLED", "false")
	t.Setenv("EKG_SLOW_QUERY_THRESHOLD", "5s")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "neo4j+s://graph.example.com", cfg.Neo4j.URI)
	assert.Equal(t, 250, cfg.Enrichment.BatchSize)
	assert.Equal(t, 8, cfg.Enrichment.Workers)
	assert.False(t, cfg.Ledger.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Logging.SlowQueryThreshold)

	// untouched values keep their defaults
	assert.Equal(t, 10000, cfg.Enrichment.FlushRows)
	assert.Equal(t, "neo4j", cfg.Neo4j.Username)
}

func TestLoadFromEnvInvalid(t *testing.T) {
	clearEnvVars(t)
	t.Setenv("EKG_WORKERS", "many")

	_, err := LoadFromEnv()
	assert.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	clearEnvVars(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
neo4j:
  uri: bolt://db:7687
  database: events
  connect_timeout: 10s
enrichment:
  batch_size: 5000
  engine: memory
logging:
  level: debug
`), 0o644))

	t.Run("file over defaults", func(t *testing.T) {
		cfg, err := LoadFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, "bolt://db:7687", cfg.Neo4j.URI)
		assert.Equal(t, "events", cfg.Neo4j.Database)
		assert.Equal(t, 10*time.Second, cfg.Neo4j.ConnectTimeout)
		assert.Equal(t, 5000, cfg.Enrichment.BatchSize)
		assert.Equal(t, EngineMemory, cfg.Enrichment.Engine)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, 1, cfg.Enrichment.Workers)
	})

	t.Run("env over file", func(t *testing.T) {
		t.Setenv("EKG_BATCH_SIZE", "42")
		cfg, err := LoadFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, 42, cfg.Enrichment.BatchSize)
		assert.Equal(t, "events", cfg.Neo4j.Database)
	})

	t.Run("missing file uses defaults", func(t *testing.T) {
		cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, LoadDefaults().Enrichment, cfg.Enrichment)
	})

	t.Run("malformed file", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("enrichment: [unclosed"), 0o644))
		_, err := LoadFromFile(bad)
		assert.ErrorContains(t, err, "failed to parse config file")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"defaults", func(*Config) {}, ""},
		{"memory engine ignores uri", func(c *Config) { c.Enrichment.Engine = EngineMemory; c.Neo4j.URI = "" }, ""},
		{"http scheme", func(c *Config) { c.Neo4j.URI = "http://localhost:7474" }, "unsupported scheme"},
		{"unknown engine", func(c *Config) { c.Enrichment.Engine = "sqlite" }, "invalid engine"},
		{"zero batch", func(c *Config) { c.Enrichment.BatchSize = 0 }, "invalid batch size"},
		{"zero flush", func(c *Config) { c.Enrichment.FlushRows = 0 }, "invalid flush rows"},
		{"negative workers", func(c *Config) { c.Enrichment.Workers = -1 }, "invalid workers"},
		{"bad correlation", func(c *Config) { c.Enrichment.CorrelationType = "CORR`]" }, "invalid correlation type"},
		{"ledger without dir", func(c *Config) { c.Ledger.Dir = "" }, "no directory"},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "invalid log level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestStringHidesPassword(t *testing.T) {
	cfg := LoadDefaults()
	cfg.Neo4j.Password = "hunter2"
	assert.NotContains(t, cfg.String(), "hunter2")
	assert.Contains(t, cfg.String(), cfg.Neo4j.URI)
}

func TestFindConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	chdir(t, dir)
	assert.Empty(t, FindConfigFile())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ekgenrich.yaml"), []byte("{}"), 0o644))
	assert.Equal(t, "ekgenrich.yaml", FindConfigFile())

	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".ekgenrich"), 0o755))
	home := filepath.Join(dir, ".ekgenrich", "config.yaml")
	require.NoError(t, os.WriteFile(home, []byte("{}"), 0o644))
	assert.Equal(t, home, FindConfigFile())
}

// chdir changes the working directory for the duration of the test
// (stand-in for testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { require.NoError(t, os.Chdir(old)) })
}
