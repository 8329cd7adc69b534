package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// CanonicalPath returns an absolute, cleaned path with symlinks resolved.
// When path no longer exists its parent directory is resolved instead, so a
// deleted file still maps to the same key it had while present.
func CanonicalPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("empty path")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		return resolved, nil
	}
	dir, base := filepath.Split(absPath)
	if resolvedDir, err := filepath.EvalSymlinks(dir); err == nil {
		return filepath.Join(resolvedDir, base), nil
	}
	return absPath, nil
}

// IsPathWithin returns true if the given path is within any of the roots.
func IsPathWithin(path string, roots []string) bool {
	absPath, err := CanonicalPath(path)
	if err != nil {
		return false
	}
	for _, root := range roots {
		absRoot, err := CanonicalPath(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(absRoot, absPath)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
