package config

import (
	"bytes"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// expandPathFields processes environment variable references in the
// configured file locations.
func expandPathFields(cfg *Config) {
	cfg.Plugins.Dir = expandEnvVars(cfg.Plugins.Dir)
	cfg.Plugins.StateFile = expandEnvVars(cfg.Plugins.StateFile)
	cfg.Plugins.Journal = expandEnvVars(cfg.Plugins.Journal)
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. Missing files produce defaults only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	expandPathFields(&cfg)
	return cfg, nil
}

// ResolveFiles fills unset plugin file locations from p.
func (c *Config) ResolveFiles(p Paths) {
	if c.Plugins.Dir == "" {
		c.Plugins.Dir = p.Plugins
	}
	if c.Plugins.StateFile == "" {
		c.Plugins.StateFile = p.State
	}
	if c.Plugins.Journal == "" {
		c.Plugins.Journal = p.Journal
	}
}

// LoadRaw reads the config file into a generic map for path-based access.
func LoadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// SaveRaw writes a generic map back to a YAML config file.
func SaveRaw(path string, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// CheckRaw decodes an edited raw document into Config, rejecting unknown
// keys, and runs Validate on the result.
func CheckRaw(raw map[string]any) ([]ValidationIssue, error) {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	cfg := Defaults()
	if err := dec.Decode(&cfg); err != nil {
		return nil, &ConfigError{Message: "invalid config: " + err.Error()}
	}
	return Validate(&cfg), nil
}

// applyDefaults fills zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.ConsoleStyle == "" {
		cfg.Logging.ConsoleStyle = "pretty"
	}
	if cfg.Plugins.SignaturePolicy == "" {
		cfg.Plugins.SignaturePolicy = "standard"
	}
	ar := &cfg.Plugins.AutoReload
	if ar.DebounceMs == 0 {
		ar.DebounceMs = 500
	}
	if ar.MaxRetries == 0 {
		ar.MaxRetries = 3
	}
	if ar.RetryIntervalMs == 0 {
		ar.RetryIntervalMs = 1000
	}
}

// applyEnvOverrides reads ENVCLI_* environment variables and overrides config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ENVCLI_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("ENVCLI_PLUGIN_DIR"); v != "" {
		cfg.Plugins.Dir = v
	}
	if v := os.Getenv("ENVCLI_TRUST_UNSIGNED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Plugins.TrustUnsigned = b
		}
	}
	if v := os.Getenv("ENVCLI_SIGNATURE_POLICY"); v != "" {
		cfg.Plugins.SignaturePolicy = strings.ToLower(v)
	}
}
