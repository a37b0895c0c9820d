package config

import (
	"os"
	"path/filepath"
)

// HomeEnv overrides the application directory (used by tests and portable installs).
const HomeEnv = "RFBDL_HOME"

// GetAppDir returns the directory holding settings, the catalog cache and logs.
func GetAppDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "rfbdl")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".rfbdl")
}

// GetSettingsPath returns the path to the settings JSON file.
func GetSettingsPath() string {
	return filepath.Join(GetAppDir(), "settings.json")
}

// GetCatalogPath returns the path to the sqlite catalog cache.
func GetCatalogPath() string {
	return filepath.Join(GetAppDir(), "catalog.db")
}

// GetLogsDir returns the directory for log files.
func GetLogsDir() string {
	return filepath.Join(GetAppDir(), "logs")
}

// EnsureDirs creates the application directories.
func EnsureDirs() error {
	for _, dir := range []string{GetAppDir(), GetLogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
