package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync/atomic"

	"github.com/jiangfire/envcli-sub000/internal/config"
	"github.com/jiangfire/envcli-sub000/internal/logging"
	"github.com/jiangfire/envcli-sub000/internal/manager"
	"github.com/jiangfire/envcli-sub000/internal/plugin"
	"github.com/jiangfire/envcli-sub000/internal/plugin/signature"
	"github.com/jiangfire/envcli-sub000/internal/store"
)

// runtime is the plugin stack of one envcli invocation. Plugins that were
// loaded by earlier invocations are loaded again from the saved state, and
// the state is written back on close when the command changed anything.
type runtime struct {
	cfg         config.Config
	pluginsFile *config.PluginsFile
	db          *store.DB
	journal     *sessionJournal
	metrics     *manager.Metrics
	mgr         *manager.Manager

	// set by commands that change plugin state
	dirty bool
}

// sessionJournal drops events while muted so restoring and tearing down the
// session does not flood the history.
type sessionJournal struct {
	j     *store.Journal
	muted atomic.Bool
}

func (s *sessionJournal) Record(ctx context.Context, ev store.Event) error {
	if s.muted.Load() {
		return nil
	}
	return s.j.Record(ctx, ev)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return cfg, err
	}
	if issues := config.Validate(&cfg); len(issues) > 0 {
		for _, issue := range issues {
			log.Error().Str("path", issue.Path).Msg(issue.Message)
		}
		return cfg, fmt.Errorf("config validation failed with %d issue(s)", len(issues))
	}
	cfg.ResolveFiles(paths)
	if pluginDir != "" {
		cfg.Plugins.Dir = pluginDir
	}
	if logLevel == "" {
		log = logging.NewWithOptions(logging.Options{Level: cfg.Logging.Level, Style: cfg.Logging.ConsoleStyle})
	}
	return cfg, nil
}

func newVerifier(cfg config.PluginsConfig) (*signature.Verifier, error) {
	policy, err := signature.PolicyByName(cfg.SignaturePolicy)
	if err != nil {
		return nil, err
	}
	opts := []signature.Option{signature.WithPolicy(policy)}
	if cfg.ReplayProtection {
		opts = append(opts, signature.WithReplayCache(signature.DefaultReplayCache()))
	}
	return signature.New(opts...), nil
}

// openRuntime builds the manager and restores the previous session.
func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	verifier, err := newVerifier(cfg.Plugins)
	if err != nil {
		return nil, err
	}
	pf, err := config.LoadPluginsFile(paths.PluginsFile)
	if err != nil {
		return nil, fmt.Errorf("loading plugins file: %w", err)
	}
	db, err := store.Open(cfg.Plugins.Journal, log)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	rt := &runtime{
		cfg:         cfg,
		pluginsFile: pf,
		db:          db,
		journal:     &sessionJournal{j: store.NewJournal(db)},
		metrics:     manager.NewMetrics(),
	}
	opts := []manager.Option{
		manager.WithVerifier(verifier),
		manager.WithPluginsFile(pf),
		manager.WithJournal(rt.journal),
		manager.WithMetrics(rt.metrics),
	}
	if g := pf.Global(); g.EnableSandbox {
		base := g.PluginDir
		if base == "" {
			base = cfg.Plugins.Dir
		}
		opts = append(opts, manager.WithSandbox(base))
	}
	rt.mgr = manager.New(log, opts...)

	if err := rt.restore(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return rt, nil
}

// restore reloads the plugins recorded in the state file and plugins.yaml.
// A plugin that no longer loads is reported and skipped.
func (rt *runtime) restore(ctx context.Context) error {
	if _, err := rt.mgr.LoadState(rt.cfg.Plugins.StateFile); err != nil {
		return err
	}
	stats := rt.mgr.PerformanceStats()

	rt.journal.muted.Store(true)
	defer rt.journal.muted.Store(false)

	known := map[string]struct{}{}
	for _, cfg := range rt.mgr.Snapshot().Configs {
		if cfg.Path != "" {
			known[cfg.Path] = struct{}{}
		}
	}
	for _, e := range rt.pluginsFile.List() {
		if e.Path != "" {
			known[e.Path] = struct{}{}
		}
	}
	var files []string
	for p := range known {
		if _, err := os.Stat(p); err == nil {
			files = append(files, p)
		}
	}
	sort.Strings(files)

	if len(files) > 0 {
		if _, err := rt.mgr.LoadWithDependencies(ctx, files); err != nil {
			log.Debug().Err(err).Msg("batch restore failed, loading plugins one by one")
			for _, p := range files {
				if _, err := rt.mgr.LoadFromPath(ctx, p); err != nil && !errors.Is(err, plugin.ErrAlreadyExists) {
					log.Warn().Err(err).Str("path", p).Msg("could not restore plugin")
				}
			}
		}
	}

	rt.mgr.RestoreStats(stats)
	return nil
}

// close saves the session when dirty and shuts every plugin down.
func (rt *runtime) close() error {
	var errs []error
	if rt.dirty {
		if err := rt.mgr.SaveState(rt.cfg.Plugins.StateFile); err != nil {
			errs = append(errs, err)
		}
	}
	rt.journal.muted.Store(true)
	if err := rt.mgr.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("plugin shutdown reported errors")
	}
	if err := rt.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// withRuntime runs fn against an open runtime and closes it afterwards.
func withRuntime(ctx context.Context, fn func(*runtime) error) (err error) {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(rt)
}
