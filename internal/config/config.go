package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for modman.
type Config struct {
	BaseDir     string          `toml:"base_dir"`
	LogDir      string          `toml:"log_dir"`
	LocationDir string          `toml:"location_dir"`
	BatchDir    string          `toml:"batch_dir"`
	State       StateConfig     `toml:"state"`
	Backup      BackupConfig    `toml:"backup"`
	Engine      EngineConfig    `toml:"engine"`
	Conflicts   ConflictsConfig `toml:"conflicts"`
	Remote      RemoteConfig    `toml:"remote"`
}

// StateConfig selects the per-location state store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StateConfig struct {
	Type string `toml:"type"` // "sqlite" (default) or "memory"
}

// BackupConfig selects where overwritten files are kept.
type BackupConfig struct {
	Type     string `toml:"type"`               // "filesystem" (default) or "memory"
	Compress string `toml:"compress,omitempty"` // zstd level: "", "fastest", "default", "better" or "best"
}

// EngineConfig tunes package installation and creation.
type EngineConfig struct {
	Workers int    `toml:"workers,omitempty"` // parallel extraction; 0 means one per CPU
	Method  string `toml:"method,omitempty"`  // default method for new packages
	Level   string `toml:"level,omitempty"`   // default level for new packages
}

// ConflictsConfig lists destination paths packages should not overwrite.
type ConflictsConfig struct {
	Protected      []string `toml:"protected"`
	BlockProtected bool     `toml:"block_protected"`
}

// RemoteConfig holds settings for downloading packages from repositories.
type RemoteConfig struct {
	TimeoutSeconds int      `toml:"timeout_seconds,omitempty"`
	S3             S3Config `toml:"s3"`
}

// S3Config is used for repositories with s3:// urls. Empty credentials fall
// back to the default AWS credential chain.
type S3Config struct {
	Region          string `toml:"region,omitempty"`
	Endpoint        string `toml:"endpoint,omitempty"`
	AccessKeyID     string `toml:"access_key_id,omitempty"`
	SecretAccessKey string `toml:"secret_access_key,omitempty"`
	UsePathStyle    bool   `toml:"use_path_style,omitempty"`
}

// NewConfig creates a Config with defaults rooted at baseDir.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir:     baseDir,
		LogDir:      filepath.Join(baseDir, "log"),
		LocationDir: filepath.Join(baseDir, "locations"),
		BatchDir:    filepath.Join(baseDir, "batches"),
		State:       StateConfig{Type: "sqlite"},
		Backup:      BackupConfig{Type: "filesystem"},
		Engine:      EngineConfig{Method: "zstd", Level: "normal"},
		Remote:      RemoteConfig{TimeoutSeconds: 60},
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
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
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

// Init writes cfg to path, creating the location and batch folders it
// names. An existing config file is never overwritten.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	for _, d := range []string{cfg.LocationDir, cfg.BatchDir} {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("initializing config: %w", err)
		}
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
