package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for the deploy server and CLI.
type Config struct {
	HostID     string           `toml:"host_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Server     ServerConfig     `toml:"server"`
	Database   DatabaseConfig   `toml:"database"`
	Vaults     []VaultConfig    `toml:"vaults"`
	Encryption EncryptionConfig `toml:"encryption"`
	Staging    StagingConfig    `toml:"staging"`
	Repository RepositoryConfig `toml:"repository"`
	Cache      CacheConfig      `toml:"cache"`
	Log        LogConfig        `toml:"log"`
}

// ServerConfig configures the agent-facing HTTP endpoint.
type ServerConfig struct {
	Listen    string `toml:"listen"`
	PublicURL string `toml:"public_url"` // base for file download URLs in job descriptors

	// Seconds. Zero means the default.
	ConfigValidityPeriod int `toml:"config_validity_period"`
	ShutdownTimeout      int `toml:"shutdown_timeout"`

	MaxRequestBytes int64 `toml:"max_request_bytes"`
}

// EncryptionConfig holds paths to the age key pair used for encryption.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "none", "age" or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// RepositoryConfig describes the server-side directory that files can be
// ingested from by path.
type RepositoryConfig struct {
	UploadRoot string   `toml:"upload_root"`
	Ignore     []string `toml:"ignore"`
}

// VaultConfig represents configuration for a vault backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"` // for MinIO and other S3-compatible stores

	// Static credentials; when empty the default AWS credential chain is used.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// DatabaseConfig represents configuration for the metadata database.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// StagingConfig represents configuration for the staging area.
type StagingConfig struct {
	Type       string `toml:"type"`                  // "memory" or "filesystem"
	StagingDir string `toml:"staging_dir,omitempty"` // only used for type=filesystem
	MaxSize    int64  `toml:"max_size"`              // max total size in bytes; zero means the default
}

// CacheConfig configures the job descriptor cache.
type CacheConfig struct {
	Type       string `toml:"type"` // "none", "memory" or "redis"
	RedisURL   string `toml:"redis_url,omitempty"`
	TTLSeconds int    `toml:"ttl_seconds"`
}

// LogConfig configures the rotating log file.
type LogConfig struct {
	Level      string `toml:"level"` // debug, info, warn, error
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

const (
	DefaultListen               = "127.0.0.1:8080"
	DefaultConfigValidityPeriod = 600
	DefaultShutdownTimeout      = 10
	DefaultMaxRequestBytes      = 64 << 10
	DefaultCacheTTLSeconds      = 60
)

// ValidityPeriod returns the configured descriptor validity, or the default.
func (s ServerConfig) ValidityPeriod() time.Duration {
	if s.ConfigValidityPeriod <= 0 {
		return DefaultConfigValidityPeriod * time.Second
	}
	return time.Duration(s.ConfigValidityPeriod) * time.Second
}

func (s ServerConfig) ShutdownGrace() time.Duration {
	if s.ShutdownTimeout <= 0 {
		return DefaultShutdownTimeout * time.Second
	}
	return time.Duration(s.ShutdownTimeout) * time.Second
}

func (s ServerConfig) RequestLimit() int64 {
	if s.MaxRequestBytes <= 0 {
		return DefaultMaxRequestBytes
	}
	return s.MaxRequestBytes
}

func (c CacheConfig) TTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return DefaultCacheTTLSeconds * time.Second
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// NewConfig creates a new Config with the provided values and defaults for
// everything that lives under baseDir.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:  hostID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Server: ServerConfig{
			Listen:               DefaultListen,
			PublicURL:            "http://" + DefaultListen,
			ConfigValidityPeriod: DefaultConfigValidityPeriod,
			ShutdownTimeout:      DefaultShutdownTimeout,
			MaxRequestBytes:      DefaultMaxRequestBytes,
		},
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Vaults: []VaultConfig{
			{Type: "filesystem", Name: "local", FSVaultRoot: filepath.Join(baseDir, "vault")},
		},
		Encryption: EncryptionConfig{
			Type:           "none",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "deploy.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "deploy.key"),
		},
		Staging: StagingConfig{Type: "filesystem", StagingDir: filepath.Join(baseDir, "staging")},
		Repository: RepositoryConfig{
			UploadRoot: filepath.Join(baseDir, "upload"),
			Ignore:     []string{".git", "*.tmp"},
		},
		Cache: CacheConfig{Type: "memory", TTLSeconds: DefaultCacheTTLSeconds},
		Log:   LogConfig{Level: "info", MaxSizeMB: 50, MaxBackups: 5, MaxAgeDays: 30},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
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
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the tagged-union sections for unknown types and missing
// type-specific fields.
func (c *Config) Validate() error {
	if c.HostID == "" {
		return fmt.Errorf("host_id is required")
	}
	switch c.Database.Type {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown database type: %q", c.Database.Type)
	}
	if len(c.Vaults) == 0 {
		return fmt.Errorf("at least one vault is required")
	}
	for i, v := range c.Vaults {
		switch v.Type {
		case "memory":
		case "filesystem":
			if v.FSVaultRoot == "" {
				return fmt.Errorf("vaults[%d]: filesystem vault requires fs_vault_root", i)
			}
		case "s3":
			if v.S3Bucket == "" {
				return fmt.Errorf("vaults[%d]: s3 vault requires s3_bucket", i)
			}
		default:
			return fmt.Errorf("vaults[%d]: unknown vault type: %q", i, v.Type)
		}
	}
	switch c.Encryption.Type {
	case "", "none", "age", "test":
	default:
		return fmt.Errorf("unknown encryption type: %q", c.Encryption.Type)
	}
	switch c.Cache.Type {
	case "", "none", "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("redis cache requires redis_url")
		}
	default:
		return fmt.Errorf("unknown cache type: %q", c.Cache.Type)
	}
	if c.Staging.MaxSize < 0 {
		return fmt.Errorf("staging max_size must not be negative")
	}
	return nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
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

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
