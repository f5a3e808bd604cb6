package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"backhaul/pkg/models"
)

// ValidatePath rejects empty and traversal-prone paths before any
// filesystem work happens.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: path cannot be empty", models.ErrInvalidConfig)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%w: invalid path %q: %v", models.ErrInvalidConfig, path, err)
	}

	if strings.Contains(absPath, "..") {
		return fmt.Errorf("%w: directory traversal not allowed in %q", models.ErrInvalidConfig, path)
	}

	return nil
}

// EnsureDirectoryExists creates dirPath and any missing parents.
func EnsureDirectoryExists(dirPath string) error {
	if err := ValidatePath(dirPath); err != nil {
		return err
	}

	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return fmt.Errorf("%w: create %s: %v", models.ErrDestinationUnwritable, dirPath, err)
	}
	return nil
}

func IsDirectory(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
