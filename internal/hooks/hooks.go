// Package hooks dispatches plugin lifecycle hooks in priority order.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/jiangfire/envcli-sub000/internal/logging"
	"github.com/jiangfire/envcli-sub000/internal/plugin"
)

// Registration is one plugin's participation in one hook type.
type Registration struct {
	PluginID string
	Plugin   plugin.Plugin
	Priority plugin.Priority
	Enabled  bool
	seq      uint64
}

// Binding describes a registration without the plugin instance.
type Binding struct {
	Hook     plugin.HookType `json:"hook"`
	Priority plugin.Priority `json:"priority"`
	Enabled  bool            `json:"enabled"`
}

// Stats counts registrations.
type Stats struct {
	Total       int                     `json:"total"`
	Enabled     int                     `json:"enabled"`
	PreCommand  int                     `json:"pre_command"`
	PostCommand int                     `json:"post_command"`
	Error       int                     `json:"error"`
	ByHook      map[plugin.HookType]int `json:"by_hook"`
}

// Dispatcher keeps, per hook type, registrations sorted ascending by
// priority and then by registration order.
type Dispatcher struct {
	mu     sync.RWMutex
	byHook map[plugin.HookType][]Registration
	seq    uint64
	log    *logging.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		byHook: make(map[plugin.HookType][]Registration),
		log:    log.Sub("hooks"),
	}
}

// Register adds p under id for hook at the given priority.
func (d *Dispatcher) Register(hook plugin.HookType, id string, p plugin.Plugin, priority plugin.Priority) error {
	if !hook.Valid() {
		return plugin.Errorf(plugin.ErrUnsupported, "unknown hook type %q", hook)
	}
	if p == nil {
		return plugin.Errorf(plugin.ErrConfig, "nil plugin for hook %s", hook)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	regs := d.byHook[hook]
	for _, r := range regs {
		if r.PluginID == id {
			return plugin.Errorf(plugin.ErrAlreadyExists, "plugin %s already registered for %s", id, hook)
		}
	}

	d.seq++
	regs = append(regs, Registration{PluginID: id, Plugin: p, Priority: priority, Enabled: true, seq: d.seq})
	slices.SortStableFunc(regs, func(a, b Registration) int {
		if a.Priority != b.Priority {
			return int(a.Priority) - int(b.Priority)
		}
		return int(a.seq) - int(b.seq)
	})
	d.byHook[hook] = regs

	d.log.Debug().Str("hook", string(hook)).Str("plugin", id).Int("priority", int(priority)).Msg("hook registered")
	return nil
}

// Unregister removes every registration of id and returns how many there were.
// Hook types left without registrations are pruned.
func (d *Dispatcher) Unregister(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for hook, regs := range d.byHook {
		kept := regs[:0:0]
		for _, r := range regs {
			if r.PluginID == id {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(d.byHook, hook)
		} else {
			d.byHook[hook] = kept
		}
	}
	if removed > 0 {
		d.log.Debug().Str("plugin", id).Int("count", removed).Msg("hooks unregistered")
	}
	return removed
}

// EnableHook re-enables a registration.
func (d *Dispatcher) EnableHook(hook plugin.HookType, id string) error {
	return d.setEnabled(hook, id, true)
}

// DisableHook keeps a registration but skips it during execution.
func (d *Dispatcher) DisableHook(hook plugin.HookType, id string) error {
	return d.setEnabled(hook, id, false)
}

func (d *Dispatcher) setEnabled(hook plugin.HookType, id string, enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	regs := d.byHook[hook]
	for i := range regs {
		if regs[i].PluginID == id {
			regs[i].Enabled = enabled
			return nil
		}
	}
	return plugin.Errorf(plugin.ErrNotFound, "no %s registration for plugin %s", hook, id)
}

// Execute runs every enabled registration for hook in order and collects the
// results. Execution stops after a result with ContinueExecution=false. A
// failing non-critical registration yields a synthetic result; a failing
// critical one aborts with its error.
func (d *Dispatcher) Execute(ctx context.Context, hook plugin.HookType, hc *plugin.HookContext) ([]plugin.HookResult, error) {
	var results []plugin.HookResult
	for _, r := range d.snapshot(hook) {
		res, err := d.invoke(ctx, hook, r, hc)
		if err != nil {
			return results, err
		}
		if res == nil {
			continue
		}
		results = append(results, *res)
		if !res.ContinueExecution {
			break
		}
	}
	return results, nil
}

// ExecuteWithContext is Execute with the context threaded through: each
// result's env and plugin data are merged into hc before the next plugin
// runs, and once ContinueExecution turns false it stays false.
// hc is updated in place.
func (d *Dispatcher) ExecuteWithContext(ctx context.Context, hook plugin.HookType, hc *plugin.HookContext) ([]plugin.HookResult, error) {
	if hc.Env == nil {
		hc.Env = map[string]string{}
	}
	if hc.PluginData == nil {
		hc.PluginData = map[string]string{}
	}

	var results []plugin.HookResult
	for _, r := range d.snapshot(hook) {
		if !hc.ContinueExecution {
			break
		}
		res, err := d.invoke(ctx, hook, r, hc)
		if err != nil {
			return results, err
		}
		if res == nil {
			continue
		}
		maps.Copy(hc.Env, res.ModifiedEnv)
		maps.Copy(hc.PluginData, res.PluginData)
		if !res.ContinueExecution {
			hc.ContinueExecution = false
		}
		results = append(results, *res)
	}
	return results, nil
}

// invoke runs one registration. It returns a nil result and no error when the
// registration's instance was closed after the snapshot was taken.
func (d *Dispatcher) invoke(ctx context.Context, hook plugin.HookType, r Registration, hc *plugin.HookContext) (*plugin.HookResult, error) {
	res, err := call(ctx, hook, r.Plugin, hc)
	if errors.Is(err, plugin.ErrClosed) {
		d.log.Debug().Str("hook", string(hook)).Str("plugin", r.PluginID).Msg("skipping closed plugin")
		return nil, nil
	}
	if err == nil && res == nil {
		res = plugin.Continue()
	}
	if err == nil {
		return res, nil
	}

	if r.Priority.IsCritical() {
		d.log.Error().Err(err).Str("hook", string(hook)).Str("plugin", r.PluginID).Msg("critical hook failed")
		return nil, fmt.Errorf("critical hook %s of plugin %s: %w", hook, r.PluginID, err)
	}

	d.log.Warn().Err(err).Str("hook", string(hook)).Str("plugin", r.PluginID).Msg("hook failed")
	return &plugin.HookResult{
		ModifiedEnv:       map[string]string{},
		PluginData:        map[string]string{},
		ContinueExecution: true,
		Message:           "Hook failed: " + err.Error(),
	}, nil
}

// call runs p's hook, turning a panic into ErrExecutionFailed.
func call(ctx context.Context, hook plugin.HookType, p plugin.Plugin, hc *plugin.HookContext) (res *plugin.HookResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, plugin.Errorf(plugin.ErrExecutionFailed, "hook %s panicked: %v", hook, r)
		}
	}()
	return p.ExecuteHook(ctx, hook, hc)
}

// snapshot copies the enabled registrations for hook so plugins run without
// the dispatcher lock held.
func (d *Dispatcher) snapshot(hook plugin.HookType) []Registration {
	d.mu.RLock()
	defer d.mu.RUnlock()

	regs := d.byHook[hook]
	out := make([]Registration, 0, len(regs))
	for _, r := range regs {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// Registrations returns the registrations for hook in execution order,
// disabled ones included.
func (d *Dispatcher) Registrations(hook plugin.HookType) []Registration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.byHook[hook])
}

// Bindings returns every registration held by id.
func (d *Dispatcher) Bindings(id string) []Binding {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Binding
	for _, hook := range plugin.AllHookTypes {
		for _, r := range d.byHook[hook] {
			if r.PluginID == id {
				out = append(out, Binding{Hook: hook, Priority: r.Priority, Enabled: r.Enabled})
			}
		}
	}
	return out
}

// HasHooks reports whether any registration exists for hook.
func (d *Dispatcher) HasHooks(hook plugin.HookType) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byHook[hook]) > 0
}

// HookTypes returns the hook types with at least one registration.
func (d *Dispatcher) HookTypes() []plugin.HookType {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []plugin.HookType
	for _, hook := range plugin.AllHookTypes {
		if len(d.byHook[hook]) > 0 {
			out = append(out, hook)
		}
	}
	return out
}

// Clear drops every registration.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.byHook)
}

// Stats counts registrations.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := Stats{ByHook: make(map[plugin.HookType]int, len(d.byHook))}
	for hook, regs := range d.byHook {
		s.Total += len(regs)
		s.ByHook[hook] = len(regs)
		for _, r := range regs {
			if r.Enabled {
				s.Enabled++
			}
		}
	}
	s.PreCommand = s.ByHook[plugin.HookPreCommand]
	s.PostCommand = s.ByHook[plugin.HookPostCommand]
	s.Error = s.ByHook[plugin.HookError]
	return s
}
