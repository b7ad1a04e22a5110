package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/jiangfire/envcli-sub000/internal/plugin"
)

// StateVersion is written into every state file.
const StateVersion = "1.0"

// State is the persisted form of the manager's configs, statuses and stats.
type State struct {
	Version   string                   `json:"version"`
	Timestamp int64                    `json:"timestamp"`
	Configs   map[string]plugin.Config `json:"plugin_configs"`
	Statuses  map[string]plugin.Status `json:"plugin_statuses"`
	Stats     *PerformanceStats        `json:"stats,omitempty"`
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() State {
	s := State{
		Version:   StateVersion,
		Timestamp: m.now().Unix(),
		Configs:   make(map[string]plugin.Config),
		Statuses:  make(map[string]plugin.Status),
	}

	m.cfgMu.RLock()
	m.statusMu.RLock()
	for id, cfg := range m.configs {
		s.Configs[id] = cfg.Clone()
	}
	for id, st := range m.statuses {
		s.Statuses[id] = st
	}
	m.statusMu.RUnlock()
	m.cfgMu.RUnlock()

	stats := m.perf.snapshot()
	s.Stats = &stats
	return s
}

// SaveState writes the current state to path as JSON.
func (m *Manager) SaveState(path string) error {
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding plugin state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing plugin state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("writing plugin state: %w", err)
	}
	m.log.Debug().Str("path", path).Int("plugins", len(snap.Configs)).Msg("plugin state saved")
	return nil
}

// LoadState restores configs and statuses of ids that are not loaded, plus
// the saved stats. A missing file restores nothing. It returns how many
// plugin ids were restored.
func (m *Manager) LoadState(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading plugin state: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return 0, fmt.Errorf("%w: parsing plugin state %s: %v", plugin.ErrConfig, path, err)
	}
	if s.Version != "" && s.Version != StateVersion {
		m.log.Warn().Str("path", path).Str("version", s.Version).Msg("unexpected plugin state version")
	}

	restored := 0
	m.cfgMu.Lock()
	m.statusMu.Lock()
	for id, cfg := range s.Configs {
		if m.plugins.Get(id) != nil {
			continue
		}
		cfg.PluginID = id
		if cfg.Timeout == 0 {
			cfg.Timeout = plugin.DefaultTimeout
		}
		if err := plugin.ValidateConfig(cfg); err != nil {
			m.log.Warn().Err(err).Str("plugin", id).Msg("skipping invalid saved config")
			continue
		}
		m.configs[id] = cfg.Clone()
		restored++
	}
	for id, st := range s.Statuses {
		if m.plugins.Get(id) != nil {
			continue
		}
		st.PluginID = id
		st.Loaded = false
		m.statuses[id] = st
	}
	m.statusMu.Unlock()
	m.cfgMu.Unlock()

	if s.Stats != nil {
		m.perf.restore(*s.Stats)
	}

	ts := time.Unix(s.Timestamp, 0)
	m.log.Debug().Str("path", path).Int("restored", restored).Time("saved_at", ts).Msg("plugin state loaded")
	return restored, nil
}
