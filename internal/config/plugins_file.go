package config

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/jiangfire/envcli-sub000/internal/plugin"
)

// GlobalSettings apply to every plugin.
type GlobalSettings struct {
	LogLevel       string `yaml:"log_level"`
	DefaultTimeout uint64 `yaml:"default_timeout"`
	EnableSandbox  bool   `yaml:"enable_sandbox"`
	PluginDir      string `yaml:"plugin_dir,omitempty"`
}

// PluginEntry is the persisted configuration of one plugin.
type PluginEntry struct {
	PluginID string            `yaml:"plugin_id"`
	Enabled  bool              `yaml:"enabled"`
	Settings map[string]string `yaml:"settings,omitempty"`
	Path     string            `yaml:"path,omitempty"`
	Timeout  uint64            `yaml:"timeout,omitempty"`
	Env      map[string]string `yaml:"env,omitempty"`
	Priority int               `yaml:"priority,omitempty"` // 0 means plugin.PriorityNormal
}

// Apply overlays the entry onto cfg. Settings and env are merged key by key.
func (e PluginEntry) Apply(cfg *plugin.Config) {
	cfg.Enabled = e.Enabled
	if cfg.Settings == nil {
		cfg.Settings = map[string]string{}
	}
	if cfg.Env == nil {
		cfg.Env = map[string]string{}
	}
	maps.Copy(cfg.Settings, e.Settings)
	maps.Copy(cfg.Env, e.Env)
	if e.Timeout > 0 {
		cfg.Timeout = e.Timeout
	}
}

// HookPriority returns the priority the plugin's hooks register with.
func (e PluginEntry) HookPriority() plugin.Priority {
	if e.Priority == 0 {
		return plugin.PriorityNormal
	}
	return plugin.Priority(e.Priority)
}

type pluginsDoc struct {
	Global  GlobalSettings `yaml:"global"`
	Plugins []PluginEntry  `yaml:"plugins"`
}

// PluginsFile is plugins.yaml: global plugin settings plus one entry per
// configured plugin. It is safe for concurrent use.
type PluginsFile struct {
	mu   sync.RWMutex
	path string
	doc  pluginsDoc
}

// DefaultGlobalSettings returns the settings of a fresh plugins.yaml.
func DefaultGlobalSettings() GlobalSettings {
	return GlobalSettings{
		LogLevel:       "info",
		DefaultTimeout: plugin.DefaultTimeout,
	}
}

// NewPluginsFile returns an empty plugins file that saves to path.
// An empty path never saves.
func NewPluginsFile(path string) *PluginsFile {
	return &PluginsFile{path: path, doc: pluginsDoc{Global: DefaultGlobalSettings()}}
}

// LoadPluginsFile reads path. A missing file yields an empty document.
func LoadPluginsFile(path string) (*PluginsFile, error) {
	pf := NewPluginsFile(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return pf, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &pf.doc); err != nil {
		return nil, &ConfigError{Message: "failed to parse plugins file: " + err.Error()}
	}
	if pf.doc.Global.DefaultTimeout == 0 {
		pf.doc.Global.DefaultTimeout = plugin.DefaultTimeout
	}
	return pf, nil
}

// Path returns the file location.
func (pf *PluginsFile) Path() string { return pf.path }

// Save writes the document back to its path.
func (pf *PluginsFile) Save() error {
	if pf.path == "" {
		return nil
	}
	pf.mu.RLock()
	data, err := yaml.Marshal(pf.doc)
	pf.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(pf.path), 0o700); err != nil {
		return err
	}
	tmp := pf.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, pf.path)
}

// Global returns the global settings.
func (pf *PluginsFile) Global() GlobalSettings {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	return pf.doc.Global
}

// SetGlobal replaces the global settings.
func (pf *PluginsFile) SetGlobal(g GlobalSettings) error {
	if g.DefaultTimeout == 0 || g.DefaultTimeout > plugin.MaxTimeout {
		return &ConfigError{Message: fmt.Sprintf("default_timeout must be in (0, %d], got %d", plugin.MaxTimeout, g.DefaultTimeout)}
	}
	pf.mu.Lock()
	defer pf.mu.Unlock()
	pf.doc.Global = g
	return nil
}

// Entry returns a copy of the entry for id.
func (pf *PluginsFile) Entry(id string) (PluginEntry, bool) {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	if i := pf.index(id); i >= 0 {
		return cloneEntry(pf.doc.Plugins[i]), true
	}
	return PluginEntry{}, false
}

// EntryOrCreate returns the entry for id, adding a default one first if
// none exists.
func (pf *PluginsFile) EntryOrCreate(id string) (PluginEntry, error) {
	var out PluginEntry
	err := pf.update(id, func(e *PluginEntry) error {
		out = cloneEntry(*e)
		return nil
	})
	return out, err
}

// SetSetting sets one setting of id.
func (pf *PluginsFile) SetSetting(id, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return &ConfigError{Message: "setting key is empty"}
	}
	return pf.update(id, func(e *PluginEntry) error {
		if e.Settings == nil {
			e.Settings = map[string]string{}
		}
		e.Settings[key] = value
		return nil
	})
}

// Setting returns one setting of id.
func (pf *PluginsFile) Setting(id, key string) (string, bool) {
	e, ok := pf.Entry(id)
	if !ok {
		return "", false
	}
	v, ok := e.Settings[key]
	return v, ok
}

// SetPath records the file the plugin is loaded from.
func (pf *PluginsFile) SetPath(id, path string) error {
	if err := plugin.ValidatePath(path); err != nil {
		return err
	}
	return pf.update(id, func(e *PluginEntry) error {
		e.Path = path
		return nil
	})
}

// SetTimeout sets the advisory call timeout in seconds.
func (pf *PluginsFile) SetTimeout(id string, seconds uint64) error {
	if seconds == 0 || seconds > plugin.MaxTimeout {
		return &ConfigError{Message: fmt.Sprintf("timeout must be in (0, %d], got %d", plugin.MaxTimeout, seconds)}
	}
	return pf.update(id, func(e *PluginEntry) error {
		e.Timeout = seconds
		return nil
	})
}

// SetEnv sets one environment override of id.
func (pf *PluginsFile) SetEnv(id, key, value string) error {
	cfg := plugin.NewConfig(id)
	cfg.Env[key] = value
	if err := plugin.ValidateConfig(cfg); err != nil {
		return err
	}
	return pf.update(id, func(e *PluginEntry) error {
		if e.Env == nil {
			e.Env = map[string]string{}
		}
		e.Env[key] = value
		return nil
	})
}

// SetPriority sets the priority id's hooks register with.
func (pf *PluginsFile) SetPriority(id string, p plugin.Priority) error {
	if p < 0 {
		return &ConfigError{Message: fmt.Sprintf("priority must not be negative, got %d", p)}
	}
	return pf.update(id, func(e *PluginEntry) error {
		e.Priority = int(p)
		return nil
	})
}

// Enable marks id enabled.
func (pf *PluginsFile) Enable(id string) error {
	return pf.update(id, func(e *PluginEntry) error {
		e.Enabled = true
		return nil
	})
}

// Disable marks id disabled.
func (pf *PluginsFile) Disable(id string) error {
	return pf.update(id, func(e *PluginEntry) error {
		e.Enabled = false
		return nil
	})
}

// Remove deletes the entry for id and reports whether it existed.
func (pf *PluginsFile) Remove(id string) bool {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	i := pf.index(id)
	if i < 0 {
		return false
	}
	pf.doc.Plugins = slices.Delete(pf.doc.Plugins, i, i+1)
	return true
}

// Reset replaces the entry for id with the defaults.
func (pf *PluginsFile) Reset(id string) error {
	if err := plugin.ValidateID(id); err != nil {
		return err
	}
	pf.mu.Lock()
	defer pf.mu.Unlock()
	fresh := pf.defaultEntry(id)
	if i := pf.index(id); i >= 0 {
		pf.doc.Plugins[i] = fresh
	} else {
		pf.doc.Plugins = append(pf.doc.Plugins, fresh)
	}
	return nil
}

// List returns every entry sorted by id.
func (pf *PluginsFile) List() []PluginEntry {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	out := make([]PluginEntry, 0, len(pf.doc.Plugins))
	for _, e := range pf.doc.Plugins {
		out = append(out, cloneEntry(e))
	}
	slices.SortFunc(out, func(a, b PluginEntry) int { return strings.Compare(a.PluginID, b.PluginID) })
	return out
}

func (pf *PluginsFile) update(id string, fn func(*PluginEntry) error) error {
	if err := plugin.ValidateID(id); err != nil {
		return err
	}
	pf.mu.Lock()
	defer pf.mu.Unlock()

	i := pf.index(id)
	if i < 0 {
		pf.doc.Plugins = append(pf.doc.Plugins, pf.defaultEntry(id))
		i = len(pf.doc.Plugins) - 1
	}
	return fn(&pf.doc.Plugins[i])
}

func (pf *PluginsFile) index(id string) int {
	return slices.IndexFunc(pf.doc.Plugins, func(e PluginEntry) bool { return e.PluginID == id })
}

func (pf *PluginsFile) defaultEntry(id string) PluginEntry {
	return PluginEntry{
		PluginID: id,
		Enabled:  true,
		Settings: map[string]string{},
		Timeout:  pf.doc.Global.DefaultTimeout,
		Env:      map[string]string{},
	}
}

func cloneEntry(e PluginEntry) PluginEntry {
	e.Settings = maps.Clone(e.Settings)
	e.Env = maps.Clone(e.Env)
	return e
}
