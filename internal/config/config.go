// Package config loads envcli's YAML configuration and the per-plugin
// settings file.
package config

import "fmt"

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
		},
		Plugins: PluginsConfig{
			SignaturePolicy: "standard",
			AutoReload: AutoReloadConfig{
				DebounceMs:        500,
				VerifySignature:   true,
				RollbackOnFailure: true,
				MaxRetries:        3,
				RetryIntervalMs:   1000,
			},
		},
	}
}
