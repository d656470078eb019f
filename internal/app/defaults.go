package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Keys are config_path, base_dir, log_dir, keys_dir and lock_path.
// Environment variables:
//   - FILESENSE_CONFIG_PATH: config file location (default: ~/.config/filesense.toml)
//   - FILESENSE_HOME: base directory for filesense data (default: ~/.local/share/filesense)
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
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
		"keys_dir":    filepath.Join(baseDir, "keys"),
		"lock_path":   LockPath(baseDir),
	}, nil
}

// getConfigPath returns the config file path, checking FILESENSE_CONFIG_PATH env var first,
// then falling back to the default ~/.config/filesense.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("FILESENSE_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "filesense.toml"), nil
}

// getBaseDir returns the base directory for filesense data, checking FILESENSE_HOME env var first,
// then falling back to the XDG default ~/.local/share/filesense.
func getBaseDir() (string, error) {
	if path := os.Getenv("FILESENSE_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "filesense"), nil
}

// LockPath is the process lock guarding the ledger under baseDir.
func LockPath(baseDir string) string {
	return filepath.Join(baseDir, "filesense.lock")
}
