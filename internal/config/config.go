package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for filesense.
type Config struct {
	HostID     string           `toml:"host_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	LogLevel   string           `toml:"log_level"` // debug, info (default), warn or error
	Database   DatabaseConfig   `toml:"database"`
	Scan       ScanConfig       `toml:"scan"`
	Classifier ClassifierConfig `toml:"classifier"`
	Plan       PlanConfig       `toml:"plan"`
	Vaults     []VaultConfig    `toml:"vaults"`
	Encryption EncryptionConfig `toml:"encryption"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// DatabaseConfig represents configuration for the ledger database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// ScanConfig controls file discovery.
type ScanConfig struct {
	Roots         []string `toml:"roots"`
	Extensions    []string `toml:"extensions"`
	Exclude       []string `toml:"exclude"`
	MaxDepth      int      `toml:"max_depth"` // negative means unbounded
	IncludeHidden bool     `toml:"include_hidden"`
	SnippetChars  int      `toml:"snippet_chars"`
	HashLimit     int64    `toml:"hash_limit"` // bytes hashed per file; 0 hashes everything
	Workers       int      `toml:"workers"`
}

// ClassifierConfig selects and tunes the classification backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ClassifierConfig struct {
	Type              string `toml:"type"` // "openai", "ollama" or "heuristic"
	BaseURL           string `toml:"base_url,omitempty"`
	Model             string `toml:"model,omitempty"`
	APIKeyEnv         string `toml:"api_key_env,omitempty"` // name of the env var holding the key
	Version           string `toml:"version,omitempty"`     // prompt revision, part of the cache key
	BatchSize         int    `toml:"batch_size"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
	MaxAttempts       int    `toml:"max_attempts"`
	InitialBackoffMS  int    `toml:"initial_backoff_ms"`
	MaxBackoffMS      int    `toml:"max_backoff_ms"`
	RequestsPerMinute int    `toml:"requests_per_minute"`
	BreakerEnabled    *bool  `toml:"breaker_enabled,omitempty"`
}

// PlanConfig holds plan generation defaults.
type PlanConfig struct {
	Style       string  `toml:"style"`
	Depth       string  `toml:"depth"`
	Threshold   float64 `toml:"threshold"`
	Destination string  `toml:"destination,omitempty"`
}

// VaultConfig represents configuration for a vault backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket string `toml:"s3_bucket,omitempty"`
	S3Prefix string `toml:"s3_prefix,omitempty"`
	S3Region string `toml:"s3_region,omitempty"`
	// S3Endpoint points at an S3-compatible service such as MinIO; path-style addressing is used when set.
	S3Endpoint     string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyEnv string `toml:"s3_access_key_env,omitempty"`
	S3SecretKeyEnv string `toml:"s3_secret_key_env,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used for snapshots and archived logs.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "none" (default), "age" or "test"
	PublicKeyPath  string `toml:"public_key_path,omitempty"`
	PrivateKeyPath string `toml:"private_key_path,omitempty"`
}

// MetricsConfig controls the Prometheus textfile export.
type MetricsConfig struct {
	Textfile string `toml:"textfile,omitempty"` // written after every command when set
}

// Defaults.
const (
	DefaultLogLevel         = "info"
	DefaultStyle            = "life_areas"
	DefaultDepth            = "moderate"
	DefaultThreshold        = 0.70
	DefaultBatchSize        = 20
	DefaultTimeoutSeconds   = 60
	DefaultMaxAttempts      = 3
	DefaultInitialBackoffMS = 500
	DefaultMaxBackoffMS     = 4000
)

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(hostID, baseDir string) *Config {
	cfg := &Config{
		HostID:   hostID,
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Classifier: ClassifierConfig{
			Type: "heuristic",
		},
		Encryption: EncryptionConfig{
			Type:           "none",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "filesense.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "filesense.key"),
		},
	}
	cfg.Normalize()
	return cfg
}

// Normalize fills unset fields with defaults.
func (c *Config) Normalize() {
	if c.LogDir == "" && c.BaseDir != "" {
		c.LogDir = filepath.Join(c.BaseDir, "log")
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.Type == "sqlite" && c.Database.DataDir == "" && c.BaseDir != "" {
		c.Database.DataDir = filepath.Join(c.BaseDir, "db")
	}
	if c.Classifier.Type == "" {
		c.Classifier.Type = "heuristic"
	}
	if c.Classifier.BatchSize <= 0 {
		c.Classifier.BatchSize = DefaultBatchSize
	}
	if c.Classifier.TimeoutSeconds <= 0 {
		c.Classifier.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.Classifier.MaxAttempts <= 0 {
		c.Classifier.MaxAttempts = DefaultMaxAttempts
	}
	if c.Classifier.InitialBackoffMS <= 0 {
		c.Classifier.InitialBackoffMS = DefaultInitialBackoffMS
	}
	if c.Classifier.MaxBackoffMS <= 0 {
		c.Classifier.MaxBackoffMS = DefaultMaxBackoffMS
	}
	if c.Plan.Style == "" {
		c.Plan.Style = DefaultStyle
	}
	if c.Plan.Depth == "" {
		c.Plan.Depth = DefaultDepth
	}
	if c.Plan.Threshold <= 0 {
		c.Plan.Threshold = DefaultThreshold
	}
	if c.Encryption.Type == "" {
		c.Encryption.Type = "none"
	}
}

// BreakerOn reports whether the circuit breaker is enabled (default true).
func (c ClassifierConfig) BreakerOn() bool {
	return c.BreakerEnabled == nil || *c.BreakerEnabled
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader and applies defaults.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes a new config file. An existing file is never overwritten.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
