package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - MODMAN_CONFIG_PATH: config file location (default: ~/.config/modman.toml)
//   - MODMAN_HOME: base directory for modman data (default: ~/.local/share/modman)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path":  configPath,
		"base_dir":     baseDir,
		"log_dir":      filepath.Join(baseDir, "log"),
		"location_dir": filepath.Join(baseDir, "locations"),
		"batch_dir":    filepath.Join(baseDir, "batches"),
	}, nil
}

func getConfigPath() (string, error) {
	if path := os.Getenv("MODMAN_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "modman.toml"), nil
}

// getBaseDir returns the base directory for modman data, checking MODMAN_HOME
// first, then falling back to the XDG default ~/.local/share/modman.
func getBaseDir() (string, error) {
	if path := os.Getenv("MODMAN_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "modman"), nil
}
