// Package manager owns the live plugin set: loading, unloading, transactional
// reload, dependency-ordered batch loads, compatibility checks and the
// bookkeeping that surrounds them.
package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jiangfire/envcli-sub000/internal/config"
	"github.com/jiangfire/envcli-sub000/internal/hooks"
	"github.com/jiangfire/envcli-sub000/internal/logging"
	"github.com/jiangfire/envcli-sub000/internal/plugin"
	"github.com/jiangfire/envcli-sub000/internal/plugin/loader"
	"github.com/jiangfire/envcli-sub000/internal/plugin/signature"
	"github.com/jiangfire/envcli-sub000/internal/store"
	"github.com/jiangfire/envcli-sub000/internal/version"
)

// ErrReloadInProgress is returned while another reload of the same plugin
// is running.
var ErrReloadInProgress = plugin.ErrReloadInProgress

// A reload marker older than this no longer blocks a new attempt.
const reloadStaleAfter = 5 * time.Minute

// Journal receives one event per lifecycle outcome.
type Journal interface {
	Record(ctx context.Context, ev store.Event) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLoaders replaces the default loader set.
func WithLoaders(s *loader.Set) Option {
	return func(m *Manager) { m.loaders = s }
}

// WithVerifier replaces the default signature verifier.
func WithVerifier(v *signature.Verifier) Option {
	return func(m *Manager) { m.verifier = v }
}

// WithPluginsFile makes loads apply the matching plugins.yaml entry.
func WithPluginsFile(pf *config.PluginsFile) Option {
	return func(m *Manager) { m.pluginsFile = pf }
}

// WithJournal records lifecycle events to j.
func WithJournal(j Journal) Option {
	return func(m *Manager) { m.journal = j }
}

// WithHostVersion overrides the version compatibility checks compare against.
func WithHostVersion(v string) Option {
	return func(m *Manager) { m.hostVersion = v }
}

// WithMetrics exports manager metrics through mt.
func WithMetrics(mt *Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithSandbox rejects plugin files that do not resolve to a location under base.
func WithSandbox(base string) Option {
	return func(m *Manager) { m.sandbox = base }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager is safe for concurrent use. Lock order: cfgMu, statusMu, the
// registry, a handle, the dispatcher. opMu serializes structural changes.
type Manager struct {
	log         *logging.Logger
	loaders     *loader.Set
	verifier    *signature.Verifier
	hooks       *hooks.Dispatcher
	plugins     *plugin.Registry
	pluginsFile *config.PluginsFile
	journal     Journal
	metrics     *Metrics
	hostVersion string
	sandbox     string
	now         func() time.Time

	opMu sync.Mutex

	cfgMu   sync.RWMutex
	configs map[string]plugin.Config

	statusMu sync.RWMutex
	statuses map[string]plugin.Status

	reloadMu  sync.Mutex
	reloading map[string]time.Time

	perf *perfTracker
}

// New creates an empty manager.
func New(log *logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		log:         log.Sub("manager"),
		hostVersion: version.Host(),
		now:         time.Now,
		configs:     make(map[string]plugin.Config),
		statuses:    make(map[string]plugin.Status),
		reloading:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.loaders == nil {
		m.loaders = loader.NewSet(log)
	}
	if m.verifier == nil {
		m.verifier = signature.New()
	}
	m.hooks = hooks.NewDispatcher(log)
	m.plugins = plugin.NewRegistry(log)
	m.perf = newPerfTracker(m.now)
	return m
}

// Dispatcher returns the hook dispatcher.
func (m *Manager) Dispatcher() *hooks.Dispatcher { return m.hooks }

// Verifier returns the signature verifier.
func (m *Manager) Verifier() *signature.Verifier { return m.verifier }

// HostVersion returns the version compatibility checks compare against.
func (m *Manager) HostVersion() string { return m.hostVersion }

// ExecuteHooks runs hook for every enabled registration.
func (m *Manager) ExecuteHooks(ctx context.Context, hook plugin.HookType, hc *plugin.HookContext) ([]plugin.HookResult, error) {
	start := m.now()
	res, err := m.hooks.Execute(ctx, hook, hc)
	m.perf.observe(opExecuteHooks, m.now().Sub(start), err)
	return res, err
}

// ExecuteHooksWithContext runs hook, merging each result into hc before the
// next registration runs.
func (m *Manager) ExecuteHooksWithContext(ctx context.Context, hook plugin.HookType, hc *plugin.HookContext) ([]plugin.HookResult, error) {
	start := m.now()
	res, err := m.hooks.ExecuteWithContext(ctx, hook, hc)
	m.perf.observe(opExecuteHooks, m.now().Sub(start), err)
	return res, err
}

// ExecuteExtension runs ext on id with input. Disabled plugins and plugins
// that do not declare ext are rejected.
func (m *Manager) ExecuteExtension(ctx context.Context, id string, ext plugin.ExtensionPoint, input []byte) ([]byte, error) {
	h := m.plugins.Get(id)
	if h == nil {
		return nil, plugin.Errorf(plugin.ErrNotFound, "plugin %s is not loaded", id)
	}
	if cfg, ok := m.Config(id); ok && !cfg.Enabled {
		return nil, plugin.Errorf(plugin.ErrExecutionFailed, "plugin %s is disabled", id)
	}
	if !h.SupportsExtension(ext) {
		return nil, plugin.Errorf(plugin.ErrUnsupported, "plugin %s does not provide %s", id, ext)
	}
	out, err := h.ExecuteExtension(ctx, ext, input)
	if err != nil && !errors.Is(err, plugin.ErrExecutionFailed) {
		err = fmt.Errorf("%w: %s %s: %w", plugin.ErrExecutionFailed, id, ext, err)
	}
	return out, err
}

// Shutdown unloads every plugin in reverse load order and returns the
// joined shutdown errors.
func (m *Manager) Shutdown() error {
	ids := m.plugins.IDs()
	slices.Reverse(ids)

	var errs []error
	for _, id := range ids {
		if err := m.Unload(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// observeHook is the Handle observer. It runs without any handle lock held.
func (m *Manager) observeHook(id string, hook plugin.HookType, err error) {
	now := m.now()

	m.statusMu.Lock()
	if st, ok := m.statuses[id]; ok {
		st.ExecutionCount++
		st.LastExecution = &now
		if err != nil {
			st.ErrorCount++
			st.LastError = err.Error()
		}
		m.statuses[id] = st
	}
	m.statusMu.Unlock()

	m.metrics.hookExecuted(hook, err)
}

func (m *Manager) record(ctx context.Context, id, action string, start time.Time, attempt string, err error) {
	if m.journal == nil {
		return
	}
	ev := store.Event{
		PluginID:  id,
		Action:    action,
		Success:   err == nil,
		AttemptID: attempt,
		Duration:  m.now().Sub(start),
		CreatedAt: m.now(),
	}
	if err != nil {
		ev.Detail = err.Error()
	}
	if jerr := m.journal.Record(context.WithoutCancel(ctx), ev); jerr != nil {
		m.log.Warn().Err(jerr).Str("plugin", id).Str("action", action).Msg("journal write failed")
	}
}

// finish closes out one lifecycle operation: stats, metrics and journal.
func (m *Manager) finish(ctx context.Context, op, id string, start time.Time, err error) {
	d := m.now().Sub(start)
	m.perf.observe(op, d, err)
	m.metrics.operation(op, d, err)
	m.record(ctx, id, op, start, "", err)
}

func (m *Manager) updateLoadedGauge() {
	m.metrics.setLoaded(m.plugins.Len())
}
