package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jiangfire/envcli-sub000/internal/plugin"
	"github.com/jiangfire/envcli-sub000/internal/plugin/deps"
)

// LoadWithDependencies loads paths in dependency order. Each file is probed
// for its metadata first; already loaded plugins satisfy dependencies. If any
// load fails, every plugin loaded by this call is unloaded again.
func (m *Manager) LoadWithDependencies(ctx context.Context, paths []string) ([]string, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	metas := make(map[string]plugin.Metadata)
	for id, meta := range m.loadedMetadata() {
		// Live plugins only serve as dependency targets here.
		meta.Dependencies = nil
		metas[id] = meta
	}

	pending := make(map[string]string, len(paths))
	for _, path := range paths {
		id := plugin.IDFromPath(path)
		if m.IsLoaded(id) {
			continue
		}
		if other, dup := pending[id]; dup {
			return nil, plugin.Errorf(plugin.ErrAlreadyExists, "%s and %s both resolve to plugin id %s", other, path, id)
		}
		meta, err := m.probe(ctx, id, path)
		if err != nil {
			return nil, fmt.Errorf("reading metadata of %s: %w", path, err)
		}
		metas[id] = meta
		pending[id] = path
	}

	order, err := deps.Resolve(metas)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", plugin.ErrDependencyMissing, err)
	}

	var loaded []string
	for _, id := range order {
		path, ok := pending[id]
		if !ok {
			continue
		}
		start := m.now()
		gotID, err := m.loadLocked(ctx, path)
		m.finish(ctx, opLoad, gotID, start, err)
		if err != nil {
			for i := len(loaded) - 1; i >= 0; i-- {
				if uerr := m.unloadLocked(loaded[i]); uerr != nil {
					m.log.Warn().Err(uerr).Str("plugin", loaded[i]).Msg("batch rollback unload")
				}
			}
			return nil, fmt.Errorf("batch load failed at %s, rolled back %d plugins: %w", id, len(loaded), err)
		}
		loaded = append(loaded, gotID)
	}
	return loaded, nil
}

// probe loads path just long enough to read its metadata.
func (m *Manager) probe(ctx context.Context, id, path string) (plugin.Metadata, error) {
	if err := plugin.ValidatePath(path); err != nil {
		return plugin.Metadata{}, err
	}
	l, err := m.loaders.For(path)
	if err != nil {
		return plugin.Metadata{}, err
	}
	cfg := plugin.NewConfig(id)
	cfg.Path = path
	inst, err := l.Load(ctx, path, cfg)
	if err != nil {
		return plugin.Metadata{}, err
	}
	meta := inst.Metadata()
	if err := l.Unload(inst); err != nil {
		m.log.Debug().Err(err).Str("path", path).Msg("unloading probe instance")
	}
	return meta, nil
}

// ScanAndLoadWithDeps loads the plugin files under dir that are not loaded
// yet. With autoResolve they are loaded as one dependency-ordered batch,
// otherwise one by one in directory order.
func (m *Manager) ScanAndLoadWithDeps(ctx context.Context, dir string, recursive, autoResolve bool) ([]string, error) {
	paths, err := m.pluginFiles(dir, recursive)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, nil
	}
	if autoResolve {
		return m.LoadWithDependencies(ctx, paths)
	}
	return m.loadEach(ctx, paths)
}

// CheckDependencies splits id's declared dependencies into loaded and
// missing ones.
func (m *Manager) CheckDependencies(id string) (satisfied, missing []string, err error) {
	h := m.plugins.Get(id)
	if h == nil {
		return nil, nil, plugin.Errorf(plugin.ErrNotFound, "plugin %s is not loaded", id)
	}
	for _, dep := range h.Metadata().Dependencies {
		if m.IsLoaded(dep) {
			satisfied = append(satisfied, dep)
		} else {
			missing = append(missing, dep)
		}
	}
	return satisfied, missing, nil
}

// AutoLoadMissingDeps searches dir recursively for files named after id's
// missing dependencies and loads them, pulling in their own dependencies
// from dir as needed.
func (m *Manager) AutoLoadMissingDeps(ctx context.Context, id, dir string) ([]string, error) {
	_, missing, err := m.CheckDependencies(id)
	if err != nil || len(missing) == 0 {
		return nil, err
	}

	files, err := m.pluginFiles(dir, true)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]string, len(files))
	for _, path := range files {
		if _, seen := byID[plugin.IDFromPath(path)]; !seen {
			byID[plugin.IDFromPath(path)] = path
		}
	}

	var batch []string
	var notFound []string
	for _, dep := range missing {
		if path, ok := byID[dep]; ok {
			batch = append(batch, path)
		} else {
			notFound = append(notFound, dep)
		}
	}

	var missingErr error
	if len(notFound) > 0 {
		missingErr = plugin.Errorf(plugin.ErrDependencyMissing, "no plugin file for %s in %s", strings.Join(notFound, ", "), dir)
	}
	if len(batch) == 0 {
		return nil, missingErr
	}

	for {
		loaded, err := m.LoadWithDependencies(ctx, batch)
		var me *deps.MissingError
		if errors.As(err, &me) {
			if path, ok := byID[me.Dependency]; ok && !slices.Contains(batch, path) {
				batch = append(batch, path)
				continue
			}
		}
		return loaded, errors.Join(err, missingErr)
	}
}

// ValidateAllDependencies checks the live set for missing dependencies and
// cycles.
func (m *Manager) ValidateAllDependencies() error {
	if err := deps.Validate(m.loadedMetadata()); err != nil {
		return fmt.Errorf("%w: %w", plugin.ErrDependencyMissing, err)
	}
	return nil
}

func (m *Manager) loadedMetadata() map[string]plugin.Metadata {
	handles := m.plugins.Handles()
	out := make(map[string]plugin.Metadata, len(handles))
	for _, h := range handles {
		out[h.ID()] = h.Metadata()
	}
	return out
}
