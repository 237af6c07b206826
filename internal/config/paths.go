package config

import (
	"os"
	"path/filepath"
)

// UserConfigDir returns the directory this client's config, identity key,
// and local SQLite store live under: ~/.diaryxsync.
func UserConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".diaryxsync"), nil
}

// EnsureConfigDir creates dir (and parents) if it doesn't already exist.
func EnsureConfigDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
