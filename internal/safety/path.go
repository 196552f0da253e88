package safety

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CleanTargetPath validates a path that names a regular file to be replaced.
// It must be absolute and must not point at a directory.
func CleanTargetPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("path is empty")
	}
	if !filepath.IsAbs(p) {
		return "", fmt.Errorf("relative paths are not allowed: %q", p)
	}
	if strings.HasSuffix(p, string(filepath.Separator)) {
		return "", fmt.Errorf("path names a directory: %q", p)
	}
	clean := filepath.Clean(p)
	if clean == string(filepath.Separator) {
		return "", fmt.Errorf("path resolves to filesystem root")
	}
	return clean, nil
}

// EnsureUnderRoot verifies candidate resolves under root and returns
// an absolute normalized path.
func EnsureUnderRoot(root, candidate string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	candAbs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve candidate: %w", err)
	}

	rel, err := filepath.Rel(rootAbs, candAbs)
	if err != nil {
		return "", fmt.Errorf("compare paths: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root: %q", candidate)
	}
	return candAbs, nil
}

// ParentDir returns the directory holding p after checking it exists.
func ParentDir(p string) (string, error) {
	dir := filepath.Dir(p)
	fi, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("parent directory: %w", err)
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("parent %q is not a directory", dir)
	}
	return dir, nil
}
