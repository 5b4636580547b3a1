package config

import (
	"errors"
	"io/fs"
	"os"

	"github.com/subosito/gotenv"
)

// LoadDotenv reads a .env file and sets environment variables that are not already defined.
// Missing file is silently ignored. Existing env vars are never overridden.
func LoadDotenv(path string) error {
	if !exists(path) {
		return nil
	}
	return gotenv.Load(path)
}

// ReloadDotenv is LoadDotenv in override mode, used on config reload.
func ReloadDotenv(path string) error {
	if !exists(path) {
		return nil
	}
	return gotenv.OverLoad(path)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}
