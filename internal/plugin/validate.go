package plugin

import (
	"path/filepath"
	"strings"
)

// MaxIDLength bounds plugin ids.
const MaxIDLength = 64

// ValidateID checks the plugin id rule: 1-64 characters from [A-Za-z0-9_-],
// no leading or trailing '-' or '_', and no two special characters in a row.
func ValidateID(id string) error {
	if id == "" {
		return Errorf(ErrConfig, "plugin id is empty")
	}
	if len(id) > MaxIDLength {
		return Errorf(ErrConfig, "plugin id %q exceeds %d characters", id, MaxIDLength)
	}

	prevSpecial := false
	for i, r := range id {
		special := r == '-' || r == '_'
		if !special && !isAlnum(r) {
			return Errorf(ErrConfig, "plugin id %q contains invalid character %q", id, r)
		}
		if special {
			if i == 0 || i == len(id)-1 {
				return Errorf(ErrConfig, "plugin id %q cannot start or end with %q", id, r)
			}
			if prevSpecial {
				return Errorf(ErrConfig, "plugin id %q contains consecutive special characters", id)
			}
		}
		prevSpecial = special
	}
	return nil
}

// ValidatePath rejects empty paths and paths containing NUL bytes.
func ValidatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return Errorf(ErrConfig, "plugin path is empty")
	}
	if strings.ContainsRune(path, 0) {
		return Errorf(ErrConfig, "plugin path contains a NUL byte")
	}
	return nil
}

// ValidateConfig checks timeout bounds and env/settings keys.
func ValidateConfig(cfg Config) error {
	if cfg.Timeout == 0 || cfg.Timeout > MaxTimeout {
		return Errorf(ErrConfig, "plugin %s: timeout must be in (0, %d] seconds, got %d",
			cfg.PluginID, MaxTimeout, cfg.Timeout)
	}
	for k := range cfg.Env {
		if k == "" {
			return Errorf(ErrConfig, "plugin %s: empty env key", cfg.PluginID)
		}
		for _, r := range k {
			if !isAlnum(r) && r != '_' {
				return Errorf(ErrConfig, "plugin %s: invalid env key %q", cfg.PluginID, k)
			}
		}
	}
	for k := range cfg.Settings {
		if strings.TrimSpace(k) == "" {
			return Errorf(ErrConfig, "plugin %s: empty setting key", cfg.PluginID)
		}
	}
	return nil
}

// IDFromPath derives a plugin id from a file name by dropping the directory
// and the extension.
func IDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func normalizeName(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "-", "")
	return strings.ReplaceAll(s, "_", "")
}
