// Package config handles ekgenrich configuration via YAML files and environment variables.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags (--workers, --batch-size, etc.)
//  2. Environment variables (EKG_*)
//  3. Config file (config.yaml)
//  4. Built-in defaults
//
// Example Usage:
//
//	cfg, err := config.LoadFromFile(config.FindConfigFile())
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
//	fmt.Printf("Neo4j: %s (database %q)\n", cfg.Neo4j.URI, cfg.Neo4j.Database)
//
// Environment Variables (all use EKG_ prefix):
//
// Neo4j:
//   - EKG_NEO4J_URI="neo4j://localhost:7687"
//   - EKG_NEO4J_USERNAME="neo4j"
//   - EKG_NEO4J_PASSWORD="secret"
//   - EKG_NEO4J_DATABASE="neo4j"
//
// Enrichment:
//   - EKG_BATCH_SIZE=1000
//   - EKG_FLUSH_ROWS=10000
//   - EKG_WORKERS=1
//   - EKG_ENGINE="bolt" or "memory"
//
// Logging:
//   - EKG_LOG_LEVEL="info"
//   - EKG_LOG_FORMAT="json"
//
// For a complete list, see the env tags on the Config struct fields.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/ekgenrich/pkg/cypher"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "EKG_"

// Engine kinds.
const (
	EngineBolt   = "bolt"
	EngineMemory = "memory"
)

// Config holds all ekgenrich configuration.
//
// Configuration is organized into logical sections:
//   - Neo4j: connection to the graph database
//   - Enrichment: batching, concurrency and engine selection
//   - Ledger: run history
//   - Metrics: Prometheus textfile export
//   - Logging: zap logger settings
type Config struct {
	Neo4j      Neo4jConfig      `yaml:"neo4j"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// Neo4jConfig holds Bolt connection settings.
type Neo4jConfig struct {
	// URI of the server or cluster (neo4j://, neo4j+s://, bolt://, ...)
	URI      string `yaml:"uri" env:"NEO4J_URI"`
	Username string `yaml:"username" env:"NEO4J_USERNAME"`
	Password string `yaml:"password" env:"NEO4J_PASSWORD"`
	// Database to run against; empty uses the server default
	Database string `yaml:"database" env:"NEO4J_DATABASE"`
	// MaxConnectionPoolSize per host
	MaxConnectionPoolSize int `yaml:"max_connection_pool_size" env:"NEO4J_MAX_POOL_SIZE"`
	// ConnectTimeout for establishing a connection
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"NEO4J_CONNECT_TIMEOUT"`
}

// EnrichmentConfig holds pipeline settings.
type EnrichmentConfig struct {
	// BatchSize is the number of rows committed per engine transaction
	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE"`
	// FlushRows is the number of precomputed rows sent per bulk request
	FlushRows int `yaml:"flush_rows" env:"FLUSH_ROWS"`
	// Workers bounds concurrent entries within one stage
	Workers int `yaml:"workers" env:"WORKERS"`
	// CorrelationType links high-level events to their object
	CorrelationType string `yaml:"correlation_type" env:"CORRELATION_TYPE"`
	// Engine is "bolt" or "memory"
	Engine string `yaml:"engine" env:"ENGINE"`
}

// LedgerConfig holds run history settings.
type LedgerConfig struct {
	Enabled bool   `yaml:"enabled" env:"LEDGER_ENABLED"`
	Dir     string `yaml:"dir" env:"LEDGER_DIR"`
}

// MetricsConfig holds metrics export settings.
type MetricsConfig struct {
	// TextfilePath receives Prometheus text-format metrics after each run;
	// empty disables the export
	TextfilePath string `yaml:"textfile_path" env:"METRICS_FILE"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level (debug, info, warn, error)
	Level string `yaml:"level" env:"LOG_LEVEL"`
	// Format (json, text)
	Format string `yaml:"format" env:"LOG_FORMAT"`
	// Output path (stdout, stderr, or file path)
	Output string `yaml:"output" env:"LOG_OUTPUT"`
	// SlowQueryThreshold for logging slow engine requests
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold" env:"SLOW_QUERY_THRESHOLD"`
}

// LoadDefaults returns a Config populated with built-in defaults only.
func LoadDefaults() *Config {
	return &Config{
		Neo4j: Neo4jConfig{
			URI:                   "neo4j://localhost:7687",
			Username:              "neo4j",
			MaxConnectionPoolSize: 50,
			ConnectTimeout:        30 * time.Second,
		},
		Enrichment: EnrichmentConfig{
			BatchSize:       1000,
			FlushRows:       10000,
			Workers:         1,
			CorrelationType: "CORR",
			Engine:          EngineBolt,
		},
		Ledger: LedgerConfig{
			Enabled: true,
			Dir:     defaultLedgerDir(),
		},
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "text",
			Output:             "stderr",
			SlowQueryThreshold: 30 * time.Second,
		},
	}
}

// LoadFromEnv returns the defaults overridden by EKG_* environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := LoadDefaults()
	if err := ApplyEnvVars(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvVars overrides cfg with every EKG_* variable that is set. Unset
// variables leave the current value alone.
func ApplyEnvVars(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}

// LoadFromFile loads defaults, then the YAML file at configPath, then the
// environment. A missing file (or an empty path) is not an error.
//
// Example config.yaml:
//
//	neo4j:
//	  uri: neo4j://graph.internal:7687
//	  database: events
//	enrichment:
//	  batch_size: 5000
//	  workers: 4
//	logging:
//	  level: debug
func LoadFromFile(configPath string) (*Config, error) {
	cfg := LoadDefaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := ApplyEnvVars(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FindConfigFile searches for config file in standard locations.
// Returns the path to the first config file found, or empty string if none found.
// Search order:
//  1. ~/.ekgenrich/config.yaml
//  2. Same directory as the binary (config.yaml, ekgenrich.yaml)
//  3. Current working directory (config.yaml, ekgenrich.yaml)
//  4. ~/.config/ekgenrich/config.yaml (XDG)
func FindConfigFile() string {
	var candidates []string

	home, homeErr := os.UserHomeDir()
	if homeErr == nil {
		candidates = append(candidates, filepath.Join(home, ".ekgenrich", "config.yaml"))
	}
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		candidates = append(candidates,
			filepath.Join(exeDir, "config.yaml"),
			filepath.Join(exeDir, "ekgenrich.yaml"),
		)
	}
	candidates = append(candidates, "config.yaml", "ekgenrich.yaml")
	if homeErr == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "ekgenrich", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

var (
	validSchemes = []string{"neo4j", "neo4j+s", "neo4j+ssc", "bolt", "bolt+s", "bolt+ssc"}
	validLevels  = []string{"debug", "info", "warn", "error"}
	validFormats = []string{"json", "text"}
)

// Validate checks the configuration for errors.
//
// Returns nil if configuration is valid, or an error describing the problem.
func (c *Config) Validate() error {
	switch c.Enrichment.Engine {
	case EngineBolt:
		u, err := url.Parse(c.Neo4j.URI)
		if err != nil {
			return fmt.Errorf("invalid neo4j uri %q: %w", c.Neo4j.URI, err)
		}
		if !slices.Contains(validSchemes, u.Scheme) {
			return fmt.Errorf("invalid neo4j uri %q: unsupported scheme %q", c.Neo4j.URI, u.Scheme)
		}
	case EngineMemory:
	default:
		return fmt.Errorf("invalid engine %q: want %s or %s", c.Enrichment.Engine, EngineBolt, EngineMemory)
	}

	if c.Enrichment.BatchSize <= 0 {
		return fmt.Errorf("invalid batch size: %d", c.Enrichment.BatchSize)
	}
	if c.Enrichment.FlushRows <= 0 {
		return fmt.Errorf("invalid flush rows: %d", c.Enrichment.FlushRows)
	}
	if c.Enrichment.Workers <= 0 {
		return fmt.Errorf("invalid workers: %d", c.Enrichment.Workers)
	}
	if err := cypher.ValidateIdentifier(c.Enrichment.CorrelationType); err != nil {
		return fmt.Errorf("invalid correlation type: %w", err)
	}

	if c.Ledger.Enabled && c.Ledger.Dir == "" {
		return fmt.Errorf("ledger enabled but no directory provided")
	}

	if !slices.Contains(validLevels, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	if !slices.Contains(validFormats, strings.ToLower(c.Logging.Format)) {
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}
	return nil
}

// String returns a safe string representation of the Config.
//
// The Neo4j password is NOT included in the output, making this safe for
// logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Engine: %s, Neo4j: %s/%s, BatchSize: %d, Workers: %d, Ledger: %v}",
		c.Enrichment.Engine,
		c.Neo4j.URI, c.Neo4j.Database,
		c.Enrichment.BatchSize, c.Enrichment.Workers,
		c.Ledger.Enabled,
	)
}

func defaultLedgerDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".ekgenrich", "ledger")
	}
	return filepath.Join(".", ".ekgenrich", "ledger")
}
