// Package config provides unified configuration for all Sequent services.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode represents the service mode to run.
type Mode string

const (
	ModeAll    Mode = "all"
	ModeIngest Mode = "ingest"
	ModeQuery  Mode = "query"
)

// Config holds the unified configuration for all Sequent services.
type Config struct {
	// Mode specifies which services to run: all, ingest, query
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Store configuration
	Store StoreConfig `json:"store" yaml:"store"`

	// Spool configuration for the durable retry buffer
	Spool SpoolConfig `json:"spool" yaml:"spool"`

	// Archive configuration for timeline exports
	Archive ArchiveConfig `json:"archive" yaml:"archive"`

	// Auth configuration
	Auth AuthConfig `json:"auth" yaml:"auth"`

	// Notify configuration for live timeline following
	Notify NotifyConfig `json:"notify" yaml:"notify"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// IngestAddr is the HTTP address for the ingest service
	IngestAddr string `json:"ingest_addr" yaml:"ingest_addr"`

	// QueryAddr is the HTTP address for the query service
	QueryAddr string `json:"query_addr" yaml:"query_addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// StoreConfig holds event log storage configuration.
type StoreConfig struct {
	// Path is the SQLite database path; defaults under DataDir
	Path string `json:"path" yaml:"path"`

	// Backend is the store backend: sqlite, memory
	Backend string `json:"backend" yaml:"backend"`

	// ReadPoolSize is the maximum number of read connections
	ReadPoolSize int `json:"read_pool_size" yaml:"read_pool_size"`

	// StrictConsistency rejects records whose status and error text
	// disagree instead of accepting them with a counted warning
	StrictConsistency bool `json:"strict_consistency" yaml:"strict_consistency"`

	// StatsWindow is the number of latency samples kept per operation
	StatsWindow int `json:"stats_window" yaml:"stats_window"`
}

// SpoolConfig holds the durable retry buffer configuration.
type SpoolConfig struct {
	// Dir is the spool segment directory
	Dir string `json:"dir" yaml:"dir"`

	// MaxSegmentSizeMB is the segment rotation threshold in megabytes (1–256, default 64)
	MaxSegmentSizeMB int `json:"max_segment_size_mb" yaml:"max_segment_size_mb"`

	// ReplayInterval is the pause between replay drain attempts
	ReplayInterval time.Duration `json:"replay_interval" yaml:"replay_interval"`
}

// ArchiveConfig holds timeline export configuration.
type ArchiveConfig struct {
	// Type is the archive storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local archive path (for local type)
	Path string `json:"path" yaml:"path"`

	// Prefix is the object key prefix for archived timelines
	Prefix string `json:"prefix" yaml:"prefix"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle forces path-style addressing (for MinIO and friends)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// AuthConfig holds bearer-token authorization configuration.
type AuthConfig struct {
	// Enabled controls whether requests must carry a role token
	Enabled bool `json:"enabled" yaml:"enabled"`

	// WriterToken authorizes append operations
	WriterToken string `json:"writer_token" yaml:"writer_token"`

	// ReaderToken authorizes query operations
	ReaderToken string `json:"reader_token" yaml:"reader_token"`

	// AdminToken authorizes every operation including archive
	AdminToken string `json:"admin_token" yaml:"admin_token"`
}

// NotifyConfig holds the live-follow bus configuration.
type NotifyConfig struct {
	// BufferSize is the per-subscriber channel depth
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "./data/sequent",
		HTTP: HTTPConfig{
			IngestAddr:   ":8080",
			QueryAddr:    ":8081",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Store: StoreConfig{
			Path:              "",
			Backend:           "sqlite",
			ReadPoolSize:      4,
			StrictConsistency: false,
			StatsWindow:       1024,
		},
		Spool: SpoolConfig{
			Dir:              "",
			MaxSegmentSizeMB: 64,
			ReplayInterval:   5 * time.Second,
		},
		Archive: ArchiveConfig{
			Type:   "local",
			Path:   "",
			Prefix: "archives",
		},
		Auth: AuthConfig{
			Enabled: false,
		},
		Notify: NotifyConfig{
			BufferSize: 64,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/sequent"
	}

	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "sequent.db")
	}

	if c.Spool.Dir == "" {
		c.Spool.Dir = filepath.Join(c.DataDir, "spool")
	}

	if c.Archive.Path == "" {
		c.Archive.Path = filepath.Join(c.DataDir, "archive")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeIngest, ModeQuery:
		// Valid modes
	default:
		return fmt.Errorf("invalid mode: %s (must be all, ingest, or query)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Store.Backend != "sqlite" && c.Store.Backend != "memory" {
		return fmt.Errorf("invalid store backend: %s (must be sqlite or memory)", c.Store.Backend)
	}

	if c.Store.ReadPoolSize < 1 || c.Store.ReadPoolSize > 64 {
		return fmt.Errorf("store.read_pool_size must be between 1 and 64, got %d", c.Store.ReadPoolSize)
	}

	if c.Spool.MaxSegmentSizeMB < 1 || c.Spool.MaxSegmentSizeMB > 256 {
		return fmt.Errorf("spool.max_segment_size_mb must be between 1 and 256, got %d", c.Spool.MaxSegmentSizeMB)
	}

	if c.Archive.Type != "local" && c.Archive.Type != "s3" {
		return fmt.Errorf("invalid archive type: %s (must be local or s3)", c.Archive.Type)
	}

	if c.Archive.Type == "s3" && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when archive type is s3")
	}

	if c.Auth.Enabled {
		if c.Auth.WriterToken == "" || c.Auth.ReaderToken == "" {
			return fmt.Errorf("auth.writer_token and auth.reader_token are required when auth is enabled")
		}
	}

	if c.Notify.BufferSize < 1 {
		return fmt.Errorf("notify.buffer_size must be positive, got %d", c.Notify.BufferSize)
	}

	return nil
}

// ShouldRunIngest returns true if the ingest service should run.
func (c *Config) ShouldRunIngest() bool {
	return c.Mode == ModeAll || c.Mode == ModeIngest
}

// ShouldRunQuery returns true if the query service should run.
func (c *Config) ShouldRunQuery() bool {
	return c.Mode == ModeAll || c.Mode == ModeQuery
}

// MaxSegmentSizeBytes returns the spool rotation threshold in bytes.
func (c *Config) MaxSegmentSizeBytes() int64 {
	return int64(c.Spool.MaxSegmentSizeMB) * 1024 * 1024
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the SEQUENT_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("SEQUENT_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("SEQUENT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// HTTP configuration
	if v := os.Getenv("SEQUENT_HTTP_INGEST_ADDR"); v != "" {
		cfg.HTTP.IngestAddr = v
	}
	if v := os.Getenv("SEQUENT_HTTP_QUERY_ADDR"); v != "" {
		cfg.HTTP.QueryAddr = v
	}

	// Store configuration
	if v := os.Getenv("SEQUENT_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SEQUENT_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("SEQUENT_STORE_READ_POOL_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Store.ReadPoolSize)
	}
	if v := os.Getenv("SEQUENT_STORE_STRICT_CONSISTENCY"); v != "" {
		cfg.Store.StrictConsistency = v == "true" || v == "1"
	}

	// Spool configuration
	if v := os.Getenv("SEQUENT_SPOOL_DIR"); v != "" {
		cfg.Spool.Dir = v
	}
	if v := os.Getenv("SEQUENT_SPOOL_MAX_SEGMENT_SIZE_MB"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Spool.MaxSegmentSizeMB)
	}
	if v := os.Getenv("SEQUENT_SPOOL_REPLAY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Spool.ReplayInterval = d
		}
	}

	// Archive configuration
	if v := os.Getenv("SEQUENT_ARCHIVE_TYPE"); v != "" {
		cfg.Archive.Type = v
	}
	if v := os.Getenv("SEQUENT_ARCHIVE_PATH"); v != "" {
		cfg.Archive.Path = v
	}
	if v := os.Getenv("SEQUENT_ARCHIVE_PREFIX"); v != "" {
		cfg.Archive.Prefix = v
	}
	if v := os.Getenv("SEQUENT_S3_BUCKET"); v != "" {
		cfg.Archive.S3.Bucket = v
	}
	if v := os.Getenv("SEQUENT_S3_REGION"); v != "" {
		cfg.Archive.S3.Region = v
	}
	if v := os.Getenv("SEQUENT_S3_ENDPOINT"); v != "" {
		cfg.Archive.S3.Endpoint = v
	}
	if v := os.Getenv("SEQUENT_S3_USE_PATH_STYLE"); v != "" {
		cfg.Archive.S3.UsePathStyle = v == "true" || v == "1"
	}

	// Auth configuration
	if v := os.Getenv("SEQUENT_AUTH_ENABLED"); v != "" {
		cfg.Auth.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SEQUENT_AUTH_WRITER_TOKEN"); v != "" {
		cfg.Auth.WriterToken = v
	}
	if v := os.Getenv("SEQUENT_AUTH_READER_TOKEN"); v != "" {
		cfg.Auth.ReaderToken = v
	}
	if v := os.Getenv("SEQUENT_AUTH_ADMIN_TOKEN"); v != "" {
		cfg.Auth.AdminToken = v
	}

	// Notify configuration
	if v := os.Getenv("SEQUENT_NOTIFY_BUFFER_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Notify.BufferSize)
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Spool.Dir,
	}
	if c.Archive.Type == "local" {
		dirs = append(dirs, c.Archive.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
