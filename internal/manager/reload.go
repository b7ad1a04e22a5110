package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/jiangfire/envcli-sub000/internal/hooks"
	"github.com/jiangfire/envcli-sub000/internal/plugin"
	"github.com/jiangfire/envcli-sub000/internal/store"
)

// snapshot is everything needed to put a plugin back the way it was.
type snapshot struct {
	id        string
	path      string
	cfg       plugin.Config
	status    plugin.Status
	hadStatus bool
	handle    *plugin.Handle
	bindings  []hooks.Binding
	shutDown  bool
}

// Reload replaces id's instance with a fresh load of the same file.
func (m *Manager) Reload(ctx context.Context, id string) error {
	return m.ReloadWithConfig(ctx, id, false)
}

// ReloadWithConfig reloads id and, when verifySignature is set, requires the
// new instance to carry a valid signature. Any failure restores the previous
// instance, config, status and hook registrations.
func (m *Manager) ReloadWithConfig(ctx context.Context, id string, verifySignature bool) (err error) {
	if err := m.beginReload(id); err != nil {
		return err
	}
	defer m.endReload(id)

	m.opMu.Lock()
	defer m.opMu.Unlock()

	attempt := uuid.NewString()
	start := m.now()
	defer func() {
		if r := recover(); r != nil {
			err = plugin.Errorf(plugin.ErrExecutionFailed, "reload of %s panicked: %v", id, r)
		}
		d := m.now().Sub(start)
		m.perf.observe(opReload, d, err)
		m.metrics.operation(opReload, d, err)
		m.record(ctx, id, opReload, start, attempt, err)
	}()

	m.log.Info().Str("plugin", id).Str("attempt", attempt).Msg("reloading plugin")

	snap, err := m.takeSnapshot(id)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(snap.path); statErr != nil {
		return plugin.Errorf(plugin.ErrNotFound, "plugin file %s: %v", snap.path, statErr)
	}

	newID, err := m.replace(ctx, snap, verifySignature)
	if err != nil {
		m.restore(snap, newID)
		m.metrics.rolledBack()
		m.record(ctx, id, store.ActionRollback, start, attempt, err)
		if ierr := m.checkRestored(snap); ierr != nil {
			m.log.Error().Err(ierr).Str("plugin", id).Str("attempt", attempt).Msg("rollback incomplete")
			return fmt.Errorf("reload of %s failed and rollback is incomplete: %w", id, errors.Join(err, ierr))
		}
		m.log.Warn().Err(err).Str("plugin", id).Str("attempt", attempt).Msg("reload rolled back")
		return fmt.Errorf("reload of %s failed, rolled back: %w", id, err)
	}

	if newID != id {
		m.cfgMu.Lock()
		m.statusMu.Lock()
		delete(m.configs, id)
		delete(m.statuses, id)
		m.statusMu.Unlock()
		m.cfgMu.Unlock()
	}
	plugin.Release(snap.handle)

	m.log.Info().Str("plugin", newID).Str("attempt", attempt).Msg("plugin reloaded")
	return nil
}

// IsReloading reports whether a live reload marker exists for id.
func (m *Manager) IsReloading(id string) bool {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	started, ok := m.reloading[id]
	return ok && m.now().Sub(started) < reloadStaleAfter
}

func (m *Manager) beginReload(id string) error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	if started, ok := m.reloading[id]; ok {
		age := m.now().Sub(started)
		if age < reloadStaleAfter {
			return fmt.Errorf("%w: %s (started %s ago)", ErrReloadInProgress, id, age.Round(time.Second))
		}
		m.log.Warn().Str("plugin", id).Dur("age", age).Msg("discarding stale reload marker")
	}
	m.reloading[id] = m.now()
	return nil
}

func (m *Manager) endReload(id string) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	delete(m.reloading, id)
}

func (m *Manager) takeSnapshot(id string) (*snapshot, error) {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()

	cfg, ok := m.configs[id]
	h := m.plugins.Get(id)
	if !ok || h == nil {
		return nil, plugin.Errorf(plugin.ErrNotFound, "plugin %s is not loaded", id)
	}
	st, hadStatus := m.statuses[id]
	return &snapshot{
		id:        id,
		path:      cfg.Path,
		cfg:       cfg.Clone(),
		status:    st,
		hadStatus: hadStatus,
		handle:    h,
		bindings:  m.hooks.Bindings(id),
	}, nil
}

// replace tears the old instance down and loads the file again. It returns
// the id of a successfully loaded new instance, even when a later step fails.
func (m *Manager) replace(ctx context.Context, snap *snapshot, verifySignature bool) (newID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = plugin.Errorf(plugin.ErrExecutionFailed, "panic while replacing %s: %v", snap.id, r)
		}
	}()

	m.hooks.Unregister(snap.id)
	m.plugins.Remove(snap.id)
	snap.shutDown = true
	if err := snap.handle.Shutdown(); err != nil {
		return "", plugin.Errorf(plugin.ErrExecutionFailed, "shutting down %s: %v", snap.id, err)
	}

	newID, err = m.loadLocked(ctx, snap.path)
	if err != nil {
		// A failed load cleans up after itself, and newID may belong to
		// another plugin.
		return "", err
	}

	if verifySignature {
		h := m.plugins.Get(newID)
		if err := m.verifier.VerifyMetadata(h.Metadata(), false); err != nil {
			return newID, fmt.Errorf("%w: signature of reloaded %s: %w", plugin.ErrExecutionFailed, newID, err)
		}
	}
	return newID, nil
}

// restore puts snap back. It is safe to call whatever stage replace reached.
func (m *Manager) restore(snap *snapshot, newID string) {
	if newID != "" {
		if h := m.plugins.Get(newID); h != nil && h != snap.handle {
			m.hooks.Unregister(newID)
			m.plugins.Remove(newID)
			m.discard(snap.path, h)
			if newID != snap.id {
				m.cfgMu.Lock()
				m.statusMu.Lock()
				delete(m.configs, newID)
				delete(m.statuses, newID)
				m.statusMu.Unlock()
				m.cfgMu.Unlock()
			}
		}
	}

	m.cfgMu.Lock()
	m.statusMu.Lock()
	m.configs[snap.id] = snap.cfg.Clone()
	if snap.hadStatus {
		m.statuses[snap.id] = snap.status
	} else {
		delete(m.statuses, snap.id)
	}
	m.statusMu.Unlock()
	m.cfgMu.Unlock()

	if snap.shutDown {
		if err := snap.handle.Initialize(snap.cfg.Clone()); err != nil {
			m.log.Warn().Err(err).Str("plugin", snap.id).Msg("re-initializing restored instance")
		}
	}

	m.hooks.Unregister(snap.id)
	if m.plugins.Get(snap.id) == nil {
		if err := m.plugins.Add(snap.handle); err != nil {
			m.log.Error().Err(err).Str("plugin", snap.id).Msg("restoring instance")
		}
	}
	for _, b := range snap.bindings {
		if err := m.hooks.Register(b.Hook, snap.id, snap.handle, b.Priority); err != nil {
			m.log.Error().Err(err).Str("plugin", snap.id).Str("hook", string(b.Hook)).Msg("restoring hook")
			continue
		}
		if !b.Enabled {
			_ = m.hooks.DisableHook(b.Hook, snap.id)
		}
	}
	m.updateLoadedGauge()
}

func (m *Manager) checkRestored(snap *snapshot) error {
	m.cfgMu.RLock()
	_, ok := m.configs[snap.id]
	m.cfgMu.RUnlock()
	if !ok {
		return fmt.Errorf("config of %s missing after rollback", snap.id)
	}
	if len(snap.bindings) > 0 && m.plugins.Get(snap.id) == nil {
		return fmt.Errorf("instance of %s missing after rollback", snap.id)
	}
	return nil
}
