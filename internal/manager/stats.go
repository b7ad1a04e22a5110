package manager

import (
	"maps"
	"sync"
	"time"

	"github.com/jiangfire/envcli-sub000/internal/hooks"
	"github.com/jiangfire/envcli-sub000/internal/store"
)

// Operation names used by stats, metrics and the journal.
const (
	opLoad         = store.ActionLoad
	opUnload       = store.ActionUnload
	opReload       = store.ActionReload
	opEnable       = store.ActionEnable
	opDisable      = store.ActionDisable
	opVerify       = store.ActionVerify
	opSign         = store.ActionSign
	opExecuteHooks = "execute_hooks"
)

// OperationStats aggregates the durations of one operation.
type OperationStats struct {
	Count   uint64        `json:"count"`
	Total   time.Duration `json:"total"`
	Average time.Duration `json:"average"`
	Max     time.Duration `json:"max"`
}

// PerformanceStats is a point-in-time copy of the manager's counters.
type PerformanceStats struct {
	Operations   map[string]OperationStats `json:"operations"`
	Loads        uint64                    `json:"loads"`
	Unloads      uint64                    `json:"unloads"`
	Reloads      uint64                    `json:"reloads"`
	Verification uint64                    `json:"verifications"`
	Errors       uint64                    `json:"errors"`
	LastReset    time.Time                 `json:"last_reset"`
}

// Stats summarizes the live plugin set.
type Stats struct {
	Total    int         `json:"total"` // configs held, loaded or restored from state
	Loaded   int         `json:"loaded"`
	Enabled  int         `json:"enabled"`
	Disabled int         `json:"disabled"`
	Hooks    hooks.Stats `json:"hooks"`
}

type perfTracker struct {
	mu    sync.Mutex
	now   func() time.Time
	stats PerformanceStats
}

func newPerfTracker(now func() time.Time) *perfTracker {
	t := &perfTracker{now: now}
	t.reset()
	return t
}

func (t *perfTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats = PerformanceStats{
		Operations: make(map[string]OperationStats),
		LastReset:  t.now(),
	}
}

func (t *perfTracker) observe(op string, d time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stats.Operations[op]
	s.Count++
	s.Total += d
	s.Average = s.Total / time.Duration(s.Count)
	if d > s.Max {
		s.Max = d
	}
	t.stats.Operations[op] = s

	switch op {
	case opLoad:
		t.stats.Loads++
	case opUnload:
		t.stats.Unloads++
	case opReload:
		t.stats.Reloads++
	case opVerify:
		t.stats.Verification++
	}
	if err != nil {
		t.stats.Errors++
	}
}

func (t *perfTracker) snapshot() PerformanceStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.stats
	out.Operations = maps.Clone(t.stats.Operations)
	return out
}

func (t *perfTracker) restore(s PerformanceStats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.Operations == nil {
		s.Operations = make(map[string]OperationStats)
	}
	if s.LastReset.IsZero() {
		s.LastReset = t.now()
	}
	t.stats = s
}

// PerformanceStats returns the operation counters since the last reset.
func (m *Manager) PerformanceStats() PerformanceStats {
	return m.perf.snapshot()
}

// ResetStats clears the operation counters.
func (m *Manager) ResetStats() {
	m.perf.reset()
}

// RestoreStats replaces the operation counters with s.
func (m *Manager) RestoreStats(s PerformanceStats) {
	m.perf.restore(s)
}

// Stats returns plugin totals and the dispatcher's registration counts.
func (m *Manager) Stats() Stats {
	ids := m.plugins.IDs()
	s := Stats{Loaded: len(ids)}

	m.cfgMu.RLock()
	s.Total = len(m.configs)
	for _, id := range ids {
		if m.configs[id].Enabled {
			s.Enabled++
		} else {
			s.Disabled++
		}
	}
	m.cfgMu.RUnlock()

	s.Hooks = m.hooks.Stats()
	return s
}
