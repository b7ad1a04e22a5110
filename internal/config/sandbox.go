package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// CheckSandbox rejects plugin paths that do not resolve to a location under
// base. Both paths are made absolute and have symlinks evaluated first, so
// the path must exist.
func CheckSandbox(base, path string) error {
	canonicalBase, err := canonical(base)
	if err != nil {
		return &ConfigError{Message: fmt.Sprintf("cannot resolve sandbox base %s: %v", base, err)}
	}
	canonicalPath, err := canonical(path)
	if err != nil {
		return &ConfigError{Message: fmt.Sprintf("cannot resolve plugin path %s: %v", path, err)}
	}

	rel, err := filepath.Rel(canonicalBase, canonicalPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return &ConfigError{Message: fmt.Sprintf("plugin path %s is outside the sandbox %s", canonicalPath, canonicalBase)}
	}
	return nil
}

func canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}
