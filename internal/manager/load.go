package manager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/jiangfire/envcli-sub000/internal/config"
	"github.com/jiangfire/envcli-sub000/internal/plugin"
	"github.com/jiangfire/envcli-sub000/internal/plugin/loader"
)

// LoadFromPath loads the plugin file at path and registers its hooks. The
// plugin id is the file stem. Nothing is left behind when it fails.
func (m *Manager) LoadFromPath(ctx context.Context, path string) (string, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	start := m.now()
	id, err := m.loadLocked(ctx, path)
	m.finish(ctx, opLoad, id, start, err)
	return id, err
}

func (m *Manager) loadLocked(ctx context.Context, path string) (string, error) {
	if err := plugin.ValidatePath(path); err != nil {
		return "", err
	}
	id := plugin.IDFromPath(path)
	if err := plugin.ValidateID(id); err != nil {
		return id, err
	}
	if m.sandbox != "" {
		if err := config.CheckSandbox(m.sandbox, path); err != nil {
			return id, fmt.Errorf("%w: %w", plugin.ErrConfig, err)
		}
	}
	if m.plugins.Get(id) != nil {
		return id, plugin.Errorf(plugin.ErrAlreadyExists, "plugin %s is already loaded", id)
	}

	cfg, priority := m.initialConfig(id, path)
	if err := plugin.ValidateConfig(cfg); err != nil {
		return id, err
	}

	inst, err := m.loaders.Load(ctx, path, cfg)
	if err != nil {
		return id, err
	}

	meta := inst.Metadata()
	if meta.ConfigSchema != nil {
		settings, err := plugin.ValidateSettings(meta.ConfigSchema, cfg.Settings)
		if err != nil {
			m.discard(path, inst)
			return id, err
		}
		if !maps.Equal(settings, cfg.Settings) {
			cfg.Settings = settings
			if err := inst.Initialize(cfg); err != nil {
				m.discard(path, inst)
				return id, plugin.Errorf(plugin.ErrLoadFailed, "initializing %s with schema defaults: %v", id, err)
			}
		}
	}

	h := plugin.NewHandle(id, inst, m.observeHook)
	if err := m.plugins.Add(h); err != nil {
		m.discard(path, inst)
		return id, err
	}

	m.cfgMu.Lock()
	prev, hadPrev := m.configs[id]
	m.configs[id] = cfg
	m.cfgMu.Unlock()

	if err := m.registerHooks(id, h, uniqueHooks(meta.Hooks), priority, cfg.Enabled); err != nil {
		m.hooks.Unregister(id)
		m.plugins.Remove(id)
		m.cfgMu.Lock()
		if hadPrev {
			m.configs[id] = prev
		} else {
			delete(m.configs, id)
		}
		m.cfgMu.Unlock()
		m.discard(path, h)
		return id, fmt.Errorf("registering hooks of %s (rolled back): %w", id, err)
	}

	m.statusMu.Lock()
	st := m.statuses[id]
	st.PluginID = id
	st.Enabled = cfg.Enabled
	st.Loaded = true
	m.statuses[id] = st
	m.statusMu.Unlock()

	m.updateLoadedGauge()
	m.log.Info().Str("plugin", id).Str("path", path).Str("version", meta.Version).
		Int("hooks", len(meta.Hooks)).Msg("plugin loaded")
	return id, nil
}

// initialConfig builds the config a fresh instance starts with: defaults,
// then any config already held for id, then the plugins.yaml entry.
func (m *Manager) initialConfig(id, path string) (plugin.Config, plugin.Priority) {
	cfg := plugin.NewConfig(id)
	if m.pluginsFile != nil {
		cfg.Timeout = m.pluginsFile.Global().DefaultTimeout
	}

	m.cfgMu.RLock()
	if prev, ok := m.configs[id]; ok {
		cfg = prev.Clone()
	}
	m.cfgMu.RUnlock()

	cfg.PluginID = id
	cfg.Path = path

	priority := plugin.PriorityNormal
	if m.pluginsFile != nil {
		if e, ok := m.pluginsFile.Entry(id); ok {
			e.Apply(&cfg)
			priority = e.HookPriority()
		}
	}
	return cfg, priority
}

func (m *Manager) registerHooks(id string, h *plugin.Handle, hookTypes []plugin.HookType, priority plugin.Priority, enabled bool) error {
	for _, hook := range hookTypes {
		if err := m.hooks.Register(hook, id, h, priority); err != nil {
			return err
		}
		if !enabled {
			if err := m.hooks.DisableHook(hook, id); err != nil {
				return err
			}
		}
	}
	return nil
}

func uniqueHooks(in []plugin.HookType) []plugin.HookType {
	out := make([]plugin.HookType, 0, len(in))
	for _, h := range in {
		if !slices.Contains(out, h) {
			out = append(out, h)
		}
	}
	return out
}

// unloadInstance shuts p down through the loader for path and releases it.
func (m *Manager) unloadInstance(path string, p plugin.Plugin) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = plugin.Errorf(plugin.ErrExecutionFailed, "plugin shutdown panicked: %v", r)
		}
	}()

	l, lerr := m.loaders.For(path)
	if lerr != nil {
		defer plugin.Release(p)
		return p.Shutdown()
	}
	return l.Unload(p)
}

func (m *Manager) discard(path string, p plugin.Plugin) {
	if err := m.unloadInstance(path, p); err != nil {
		m.log.Warn().Err(err).Str("path", path).Msg("discarding plugin instance")
	}
}

// Unload unregisters id's hooks, shuts the instance down and forgets its
// config and status. The shutdown error, if any, is returned after cleanup.
func (m *Manager) Unload(id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	start := m.now()
	err := m.unloadLocked(id)
	m.finish(context.Background(), opUnload, id, start, err)
	return err
}

func (m *Manager) unloadLocked(id string) error {
	h := m.plugins.Get(id)
	if h == nil {
		return plugin.Errorf(plugin.ErrNotFound, "plugin %s is not loaded", id)
	}

	m.hooks.Unregister(id)
	m.plugins.Remove(id)

	m.cfgMu.Lock()
	path := m.configs[id].Path
	m.statusMu.Lock()
	delete(m.configs, id)
	delete(m.statuses, id)
	m.statusMu.Unlock()
	m.cfgMu.Unlock()

	m.updateLoadedGauge()
	if err := m.unloadInstance(path, h); err != nil {
		m.log.Warn().Err(err).Str("plugin", id).Msg("plugin shutdown failed")
		return err
	}
	m.log.Info().Str("plugin", id).Msg("plugin unloaded")
	return nil
}

// Enable turns id's hooks back on.
func (m *Manager) Enable(id string) error { return m.setEnabled(id, true) }

// Disable keeps id loaded but stops its hooks from running.
func (m *Manager) Disable(id string) error { return m.setEnabled(id, false) }

func (m *Manager) setEnabled(id string, enabled bool) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	op := opDisable
	if enabled {
		op = opEnable
	}
	start := m.now()
	err := m.setEnabledLocked(id, enabled)
	m.finish(context.Background(), op, id, start, err)
	return err
}

func (m *Manager) setEnabledLocked(id string, enabled bool) error {
	if m.plugins.Get(id) == nil {
		return plugin.Errorf(plugin.ErrNotFound, "plugin %s is not loaded", id)
	}

	m.cfgMu.Lock()
	m.statusMu.Lock()
	cfg := m.configs[id]
	cfg.Enabled = enabled
	m.configs[id] = cfg
	st := m.statuses[id]
	st.Enabled = enabled
	m.statuses[id] = st
	m.statusMu.Unlock()
	m.cfgMu.Unlock()

	for _, b := range m.hooks.Bindings(id) {
		var err error
		if enabled {
			err = m.hooks.EnableHook(b.Hook, id)
		} else {
			err = m.hooks.DisableHook(b.Hook, id)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// IsLoaded reports whether an instance with id is live.
func (m *Manager) IsLoaded(id string) bool {
	return m.plugins.Get(id) != nil
}

// LoadedIDs returns the live plugin ids in load order.
func (m *Manager) LoadedIDs() []string {
	return m.plugins.IDs()
}

// Config returns a copy of the config held for id.
func (m *Manager) Config(id string) (plugin.Config, bool) {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	cfg, ok := m.configs[id]
	if !ok {
		return plugin.Config{}, false
	}
	return cfg.Clone(), true
}

// Status returns the status held for id.
func (m *Manager) Status(id string) (plugin.Status, bool) {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	st, ok := m.statuses[id]
	return st, ok
}

// PluginInfo returns metadata, config and status of a loaded plugin.
func (m *Manager) PluginInfo(id string) (plugin.Info, error) {
	h := m.plugins.Get(id)
	if h == nil {
		return plugin.Info{}, plugin.Errorf(plugin.ErrNotFound, "plugin %s is not loaded", id)
	}
	return m.info(h), nil
}

func (m *Manager) info(h *plugin.Handle) plugin.Info {
	cfg, _ := m.Config(h.ID())
	st, _ := m.Status(h.ID())
	return plugin.Info{Metadata: h.Metadata(), Config: cfg, Status: st}
}

// ListPlugins returns every loaded plugin in load order, skipping disabled
// ones unless includeDisabled is set.
func (m *Manager) ListPlugins(includeDisabled bool) []plugin.Info {
	var out []plugin.Info
	for _, h := range m.plugins.Handles() {
		info := m.info(h)
		if !includeDisabled && !info.Config.Enabled {
			continue
		}
		out = append(out, info)
	}
	return out
}

// ScanAndLoad loads every plugin file directly inside dir whose id is not
// loaded yet. A missing dir loads nothing. Failures do not stop the scan and
// are returned joined.
func (m *Manager) ScanAndLoad(ctx context.Context, dir string) ([]string, error) {
	paths, err := m.pluginFiles(dir, false)
	if err != nil {
		return nil, err
	}
	return m.loadEach(ctx, paths)
}

func (m *Manager) loadEach(ctx context.Context, paths []string) ([]string, error) {
	var loaded []string
	var errs []error
	for _, path := range paths {
		id, err := m.LoadFromPath(ctx, path)
		if err != nil {
			m.log.Warn().Err(err).Str("path", path).Msg("skipping plugin")
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		loaded = append(loaded, id)
	}
	return loaded, errors.Join(errs...)
}

// pluginFiles lists loadable plugin files in dir whose id is not loaded.
func (m *Manager) pluginFiles(dir string, recursive bool) ([]string, error) {
	var paths []string
	keep := func(path string) {
		if loader.IsPluginFile(path) && !m.IsLoaded(plugin.IDFromPath(path)) {
			paths = append(paths, path)
		}
	}

	if !recursive {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() {
				keep(filepath.Join(dir, e.Name()))
			}
		}
		return paths, nil
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if !d.IsDir() {
			keep(path)
		}
		return nil
	})
	return paths, err
}
