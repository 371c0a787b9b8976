package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// ProfileFile holds what is known about the user
	ProfileFile = "profile.md"
	// NuggetsDir holds durable one-fact-per-file notes
	NuggetsDir = "nuggets"
)

// EnsureDir creates the memory workspace layout under basePath
func EnsureDir(basePath string) (string, error) {
	info, err := os.Stat(basePath)
	if err == nil && !info.IsDir() {
		return "", fmt.Errorf("memory path exists but is not a directory: %s", basePath)
	}
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to stat memory directory: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(basePath, NuggetsDir), 0755); err != nil {
		return "", fmt.Errorf("failed to create memory directory: %w", err)
	}
	return basePath, nil
}

// ValidatePath checks that a workspace-relative path is safe to touch
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("path must be relative, got absolute path: %s", path)
	}

	cleanPath := filepath.Clean(path)
	if cleanPath != path {
		return fmt.Errorf("path contains invalid components: %s", path)
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path cannot reference parent directories: %s", path)
	}
	return nil
}

// ResolvePath joins a validated relative path onto the workspace,
// refusing anything that escapes it
func ResolvePath(basePath, relativePath string) (string, error) {
	if err := ValidatePath(relativePath); err != nil {
		return "", err
	}

	fullPath := filepath.Join(basePath, relativePath)

	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}
	absFull, err := filepath.Abs(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve full path: %w", err)
	}
	if absFull != absBase && !strings.HasPrefix(absFull, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes memory directory: %s", relativePath)
	}

	return fullPath, nil
}
