package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateFilePath rejects empty paths, NUL bytes and any ".." segment.
// Absolute paths are allowed; the service writes under configured directories.
func ValidateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}

	if strings.ContainsRune(path, '\x00') {
		return fmt.Errorf("path contains NUL byte")
	}

	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return fmt.Errorf("path contains directory traversal: %s", path)
		}
	}

	return nil
}

// ValidateFilePathWithBase validates that name stays inside baseDir once joined
func ValidateFilePathWithBase(name, baseDir string) error {
	if err := ValidateFilePath(name); err != nil {
		return err
	}
	if filepath.IsAbs(name) {
		return fmt.Errorf("absolute paths not allowed: %s", name)
	}

	cleanBase := filepath.Clean(baseDir)
	cleanPath := filepath.Clean(filepath.Join(cleanBase, name))

	if cleanPath != cleanBase && !strings.HasPrefix(cleanPath, cleanBase+string(filepath.Separator)) {
		return fmt.Errorf("path escapes base directory: %s", name)
	}

	return nil
}

// SanitizeFileName reduces a user supplied file name to its base name with
// path separators and control characters removed.
func SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)

	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7f || r == '/' {
			continue
		}
		b.WriteRune(r)
	}

	out := strings.TrimSpace(b.String())
	if out == "" || out == "." || out == ".." {
		return ""
	}
	return out
}
