package config

import (
	"os"
	"path/filepath"
)

// TetherPath returns the root directory for tether data.
// It uses $TETHER_PATH if set, otherwise defaults to ~/.tether.
func TetherPath() string {
	if v := os.Getenv("TETHER_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".tether")
	}
	return filepath.Join(home, ".tether")
}

// ConfigPath returns the path to the tether config file.
func ConfigPath() string {
	return filepath.Join(TetherPath(), "config.jsonc")
}

// DotenvPath returns the path to the tether .env file.
func DotenvPath() string {
	return filepath.Join(TetherPath(), ".env")
}

// JournalPath returns the default sqlite journal location.
func JournalPath() string {
	return filepath.Join(TetherPath(), "journal.db")
}

// HeartbeatPath returns the liveness file written by the running server.
func HeartbeatPath() string {
	return filepath.Join(TetherPath(), "heartbeat.json")
}
