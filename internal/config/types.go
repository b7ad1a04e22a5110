package config

// Config is the root configuration for envcli (config.yaml).
type Config struct {
	Logging LoggingConfig `yaml:"logging,omitempty"`
	Plugins PluginsConfig `yaml:"plugins,omitempty"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"`        // "trace" | "debug" | "info" | "warn" | "error" | "fatal" | "silent"
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "json"
}

// PluginsConfig controls the plugin runtime.
type PluginsConfig struct {
	Dir              string           `yaml:"dir,omitempty"`
	TrustUnsigned    bool             `yaml:"trustUnsigned"`
	SignaturePolicy  string           `yaml:"signaturePolicy,omitempty"` // "lax" | "standard" | "strict" | "high-security"
	ReplayProtection bool             `yaml:"replayProtection"`
	StateFile        string           `yaml:"stateFile,omitempty"`
	Journal          string           `yaml:"journal,omitempty"`
	AutoReload       AutoReloadConfig `yaml:"autoReload,omitempty"`
}

// AutoReloadConfig controls the plugin file watcher.
type AutoReloadConfig struct {
	Enabled           bool `yaml:"enabled"`
	DebounceMs        int  `yaml:"debounceMs,omitempty"`
	VerifySignature   bool `yaml:"verifySignature"`
	RollbackOnFailure bool `yaml:"rollbackOnFailure"`
	MaxRetries        int  `yaml:"maxRetries,omitempty"`
	RetryIntervalMs   int  `yaml:"retryIntervalMs,omitempty"`
}
