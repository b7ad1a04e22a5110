package plugin

import (
	"maps"
	"runtime"
	"time"
)

// PluginType selects the loader used for a plugin file.
type PluginType string

const (
	TypeDynamicLibrary     PluginType = "DynamicLibrary"
	TypeExternalExecutable PluginType = "ExternalExecutable"
	TypeWasm               PluginType = "Wasm" // placeholder, no loader
)

// HookType names a lifecycle point at which plugins are invoked.
type HookType string

const (
	HookPreCommand  HookType = "PreCommand"
	HookPostCommand HookType = "PostCommand"
	HookError       HookType = "Error"
	HookPreRun      HookType = "PreRun"
	HookPostRun     HookType = "PostRun"
	HookConfigLoad  HookType = "ConfigLoad"
	HookConfigSave  HookType = "ConfigSave"
)

// AllHookTypes lists every known hook type.
var AllHookTypes = []HookType{
	HookPreCommand,
	HookPostCommand,
	HookError,
	HookPreRun,
	HookPostRun,
	HookConfigLoad,
	HookConfigSave,
}

// Valid reports whether h is a known hook type.
func (h HookType) Valid() bool {
	for _, known := range AllHookTypes {
		if h == known {
			return true
		}
	}
	return false
}

// ParseHookType matches a hook name case-insensitively, accepting both the
// wire form ("PreCommand") and the kebab form ("pre-command").
func ParseHookType(s string) (HookType, bool) {
	norm := normalizeName(s)
	for _, h := range AllHookTypes {
		if normalizeName(string(h)) == norm {
			return h, true
		}
	}
	return "", false
}

// ExtensionPoint names a capability a plugin can provide beyond hooks.
type ExtensionPoint string

const (
	ExtCustomCommand   ExtensionPoint = "CustomCommand"
	ExtCustomFormatter ExtensionPoint = "CustomFormatter"
	ExtCustomStorage   ExtensionPoint = "CustomStorage"
	ExtCustomEncryptor ExtensionPoint = "CustomEncryptor"
)

// Platform is an operating system a plugin declares support for.
type Platform string

const (
	PlatformWindows Platform = "Windows"
	PlatformLinux   Platform = "Linux"
	PlatformMacOS   Platform = "MacOS"
)

// CurrentPlatform returns the platform of the running process.
func CurrentPlatform() Platform {
	switch runtime.GOOS {
	case "windows":
		return PlatformWindows
	case "darwin":
		return PlatformMacOS
	default:
		return PlatformLinux
	}
}

// Priority orders hook execution. Lower values run first.
type Priority int

const (
	PriorityCritical   Priority = 10
	PriorityHigh       Priority = 50
	PriorityNormal     Priority = 100
	PriorityLow        Priority = 150
	PriorityBackground Priority = 200
)

// IsCritical reports whether a failure at this priority aborts hook execution.
func (p Priority) IsCritical() bool { return p <= PriorityCritical }

// FieldType is the declared type of a configuration field.
type FieldType string

const (
	FieldString  FieldType = "String"
	FieldNumber  FieldType = "Number"
	FieldBoolean FieldType = "Boolean"
	FieldPath    FieldType = "Path"
)

// ConfigField describes one plugin setting.
type ConfigField struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"field_type"`
	Required    bool      `json:"required"`
	Default     string    `json:"default,omitempty"`
	Description string    `json:"description,omitempty"`
}

// ConfigSchema declares the settings a plugin accepts.
type ConfigSchema struct {
	Fields []ConfigField `json:"fields"`
}

// SignatureAlgorithm identifies how a plugin was signed.
type SignatureAlgorithm string

// AlgorithmEd25519 is the only supported algorithm.
const AlgorithmEd25519 SignatureAlgorithm = "Ed25519"

// Signature is produced once by an offline signing step.
type Signature struct {
	Algorithm SignatureAlgorithm `json:"algorithm"`
	PublicKey string             `json:"public_key"`
	Signature string             `json:"signature"`
	SignedAt  uint64             `json:"signed_at"`
}

// Metadata describes a plugin. The JSON encoding with Signature set to nil is
// the canonical form that signatures are computed over.
type Metadata struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Version      string           `json:"version"`
	Description  string           `json:"description,omitempty"`
	Author       string           `json:"author,omitempty"`
	Type         PluginType       `json:"plugin_type"`
	Hooks        []HookType       `json:"hooks"`
	Extensions   []ExtensionPoint `json:"extensions"`
	ConfigSchema *ConfigSchema    `json:"config_schema,omitempty"`
	Enabled      bool             `json:"enabled"`
	Dependencies []string         `json:"dependencies"`
	Platforms    []Platform       `json:"platforms"`
	HostVersion  string           `json:"envcli_version,omitempty"`
	Signature    *Signature       `json:"signature,omitempty"`
}

// Unsigned returns a copy of m with the signature cleared.
func (m Metadata) Unsigned() Metadata {
	m.Signature = nil
	return m
}

// Config is the per-plugin runtime configuration.
type Config struct {
	PluginID string            `json:"plugin_id"`
	Enabled  bool              `json:"enabled"`
	Settings map[string]string `json:"settings"`
	Path     string            `json:"path,omitempty"`
	Timeout  uint64            `json:"timeout"`
	Env      map[string]string `json:"env"`
}

// DefaultTimeout is the advisory per-call timeout in seconds.
const DefaultTimeout uint64 = 30

// MaxTimeout bounds Config.Timeout.
const MaxTimeout uint64 = 3600

// NewConfig returns the default config for a plugin id.
func NewConfig(id string) Config {
	return Config{
		PluginID: id,
		Enabled:  true,
		Settings: map[string]string{},
		Timeout:  DefaultTimeout,
		Env:      map[string]string{},
	}
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	c.Settings = maps.Clone(c.Settings)
	c.Env = maps.Clone(c.Env)
	if c.Settings == nil {
		c.Settings = map[string]string{}
	}
	if c.Env == nil {
		c.Env = map[string]string{}
	}
	return c
}

// Status tracks a plugin's runtime state.
type Status struct {
	PluginID       string     `json:"plugin_id"`
	Enabled        bool       `json:"enabled"`
	Loaded         bool       `json:"loaded"`
	LastError      string     `json:"last_error,omitempty"`
	ExecutionCount uint64     `json:"execution_count"`
	ErrorCount     uint64     `json:"error_count"`
	LastExecution  *time.Time `json:"last_execution,omitempty"`
}

// HookContext is the input to a hook invocation.
type HookContext struct {
	Command           string            `json:"command"`
	Args              []string          `json:"args"`
	Env               map[string]string `json:"env"`
	PluginData        map[string]string `json:"plugin_data"`
	ContinueExecution bool              `json:"continue_execution"`
	Error             string            `json:"error,omitempty"`
}

// NewHookContext returns a context for command with empty maps and
// ContinueExecution set.
func NewHookContext(command string, args ...string) *HookContext {
	return &HookContext{
		Command:           command,
		Args:              args,
		Env:               map[string]string{},
		PluginData:        map[string]string{},
		ContinueExecution: true,
	}
}

// Clone returns a deep copy of hc.
func (hc *HookContext) Clone() *HookContext {
	out := *hc
	out.Args = append([]string(nil), hc.Args...)
	out.Env = maps.Clone(hc.Env)
	out.PluginData = maps.Clone(hc.PluginData)
	if out.Env == nil {
		out.Env = map[string]string{}
	}
	if out.PluginData == nil {
		out.PluginData = map[string]string{}
	}
	return &out
}

// HookResult is the output of a hook invocation.
type HookResult struct {
	ModifiedEnv       map[string]string `json:"modified_env"`
	PluginData        map[string]string `json:"plugin_data"`
	ContinueExecution bool              `json:"continue_execution"`
	Message           string            `json:"message,omitempty"`
}

// Continue returns an empty result that lets execution proceed.
func Continue() *HookResult {
	return &HookResult{
		ModifiedEnv:       map[string]string{},
		PluginData:        map[string]string{},
		ContinueExecution: true,
	}
}

// Info bundles everything the manager knows about one plugin.
type Info struct {
	Metadata Metadata `json:"metadata"`
	Config   Config   `json:"config"`
	Status   Status   `json:"status"`
}
