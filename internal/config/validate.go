package config

import (
	"fmt"
	"slices"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.level",
			Message: fmt.Sprintf("must be one of %v, got %q", validLogLevels, cfg.Logging.Level),
		})
	}

	validConsoleStyles := []string{"pretty", "json"}
	if cfg.Logging.ConsoleStyle != "" && !slices.Contains(validConsoleStyles, cfg.Logging.ConsoleStyle) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.consoleStyle",
			Message: fmt.Sprintf("must be one of %v, got %q", validConsoleStyles, cfg.Logging.ConsoleStyle),
		})
	}

	validPolicies := []string{"lax", "standard", "strict", "high-security"}
	if cfg.Plugins.SignaturePolicy != "" && !slices.Contains(validPolicies, cfg.Plugins.SignaturePolicy) {
		issues = append(issues, ValidationIssue{
			Path:    "plugins.signaturePolicy",
			Message: fmt.Sprintf("must be one of %v, got %q", validPolicies, cfg.Plugins.SignaturePolicy),
		})
	}

	ar := cfg.Plugins.AutoReload
	if ar.DebounceMs < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "plugins.autoReload.debounceMs",
			Message: fmt.Sprintf("must not be negative, got %d", ar.DebounceMs),
		})
	}
	if ar.MaxRetries < 0 || ar.MaxRetries > 100 {
		issues = append(issues, ValidationIssue{
			Path:    "plugins.autoReload.maxRetries",
			Message: fmt.Sprintf("must be 0-100, got %d", ar.MaxRetries),
		})
	}
	if ar.RetryIntervalMs < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "plugins.autoReload.retryIntervalMs",
			Message: fmt.Sprintf("must not be negative, got %d", ar.RetryIntervalMs),
		})
	}

	return issues
}
