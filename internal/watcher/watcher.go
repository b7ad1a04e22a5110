// Package watcher reloads plugins when their files change on disk.
//
// Events from fsnotify are debounced per path. When a timer fires the file
// is checked again: if it still exists the plugin is reloaded with retries,
// otherwise it is dropped from the watch list. Editors that save by writing
// a temporary file and renaming it over the original therefore produce a
// single reload.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jiangfire/envcli-sub000/internal/config"
	"github.com/jiangfire/envcli-sub000/internal/logging"
	"github.com/jiangfire/envcli-sub000/internal/plugin"
)

// ErrReloadInProgress is reported when a change arrives for a plugin whose
// previous reload has not finished, here or in the Reloader.
var ErrReloadInProgress = plugin.ErrReloadInProgress

// Reloader is the part of the plugin manager the watcher drives.
type Reloader interface {
	ReloadWithConfig(ctx context.Context, id string, verifySignature bool) error
	VerifyPluginSignature(id string, trustUnsigned bool) error
	Unload(id string) error
}

// Config tunes debounce and retry behaviour.
type Config struct {
	Debounce          time.Duration
	VerifySignature   bool
	RollbackOnFailure bool
	MaxRetries        int
	RetryInterval     time.Duration
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		Debounce:          500 * time.Millisecond,
		VerifySignature:   true,
		RollbackOnFailure: true,
		MaxRetries:        3,
		RetryInterval:     time.Second,
	}
}

// FromConfig converts the autoReload section of the config file. Zero
// durations and counts fall back to the defaults.
func FromConfig(c config.AutoReloadConfig) Config {
	cfg := DefaultConfig()
	if c.DebounceMs > 0 {
		cfg.Debounce = time.Duration(c.DebounceMs) * time.Millisecond
	}
	if c.MaxRetries > 0 {
		cfg.MaxRetries = c.MaxRetries
	}
	if c.RetryIntervalMs > 0 {
		cfg.RetryInterval = time.Duration(c.RetryIntervalMs) * time.Millisecond
	}
	cfg.VerifySignature = c.VerifySignature
	cfg.RollbackOnFailure = c.RollbackOnFailure
	return cfg
}

// ChangeKind classifies a file change.
type ChangeKind int

const (
	Modified ChangeKind = iota
	Created
	Deleted
	Renamed
)

func (k ChangeKind) String() string {
	switch k {
	case Modified:
		return "modified"
	case Created:
		return "created"
	case Deleted:
		return "deleted"
	case Renamed:
		return "renamed"
	}
	return fmt.Sprintf("ChangeKind(%d)", int(k))
}

// FileChangeEvent describes one change. To is only set for Renamed.
type FileChangeEvent struct {
	Kind ChangeKind
	Path string
	To   string
}

// ReloadResult is the outcome of handling a change.
type ReloadResult struct {
	PluginID   string        `json:"plugin_id"`
	Success    bool          `json:"success"`
	Handled    bool          `json:"handled"`
	Unwatched  bool          `json:"unwatched,omitempty"`
	Unloaded   bool          `json:"unloaded,omitempty"`
	Err        error         `json:"-"`
	Error      string        `json:"error,omitempty"`
	RetryCount int           `json:"retry_count"`
	Duration   time.Duration `json:"duration"`
}

// Watcher maps plugin files to ids and reloads plugins when files change.
type Watcher struct {
	reloader Reloader
	log      *logging.Logger
	cfg      Config
	results  chan ReloadResult

	mu       sync.Mutex
	paths    map[string]string // id -> path
	dirs     map[string]int    // watched dir -> number of watched files in it
	debounce map[string]*time.Timer
	active   map[string]bool
	fsw      *fsnotify.Watcher
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a watcher. It does not touch the filesystem until Start.
func New(reloader Reloader, log *logging.Logger, cfg Config) *Watcher {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Watcher{
		reloader: reloader,
		log:      log.Sub("watcher"),
		cfg:      cfg,
		results:  make(chan ReloadResult, 16),
		paths:    make(map[string]string),
		dirs:     make(map[string]int),
		debounce: make(map[string]*time.Timer),
		active:   make(map[string]bool),
	}
}

// Config returns the settings in use.
func (w *Watcher) Config() Config { return w.cfg }

// Results delivers the outcome of every change handled by the fsnotify loop.
// Results are dropped when nobody drains the channel.
func (w *Watcher) Results() <-chan ReloadResult { return w.results }

// Watch associates id with path. The file must exist.
func (w *Watcher) Watch(id, path string) error {
	if id == "" {
		return plugin.Errorf(plugin.ErrConfig, "plugin id is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return plugin.Errorf(plugin.ErrConfig, "resolving %s: %v", path, err)
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return plugin.Errorf(plugin.ErrNotFound, "plugin file %s", abs)
		}
		return plugin.Errorf(plugin.ErrExecutionFailed, "stat %s: %v", abs, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if old, ok := w.paths[id]; ok {
		if old == abs {
			return nil
		}
		w.releaseDirLocked(filepath.Dir(old))
	}
	w.paths[id] = abs
	if err := w.addDirLocked(filepath.Dir(abs)); err != nil {
		delete(w.paths, id)
		return err
	}
	w.log.Debug().Str("plugin", id).Str("path", abs).Msg("watching plugin file")
	return nil
}

// Unwatch stops watching id. Unknown ids are ignored.
func (w *Watcher) Unwatch(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unwatchLocked(id)
}

func (w *Watcher) unwatchLocked(id string) bool {
	path, ok := w.paths[id]
	if !ok {
		return false
	}
	delete(w.paths, id)
	if t, ok := w.debounce[path]; ok {
		t.Stop()
		delete(w.debounce, path)
	}
	w.releaseDirLocked(filepath.Dir(path))
	w.log.Debug().Str("plugin", id).Msg("stopped watching plugin file")
	return true
}

// Watched returns id -> path for every watched plugin.
func (w *Watcher) Watched() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]string, len(w.paths))
	for id, p := range w.paths {
		out[id] = p
	}
	return out
}

// WatchedIDs returns the watched ids in sorted order.
func (w *Watcher) WatchedIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.paths))
	for id := range w.paths {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsRunning reports whether the fsnotify loop is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fsw != nil
}

// Start begins watching the parent directories of all watched files. The
// loop stops when ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw != nil {
		return plugin.Errorf(plugin.ErrExecutionFailed, "watcher already running")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return plugin.Errorf(plugin.ErrExecutionFailed, "creating file watcher: %v", err)
	}
	for dir := range w.dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return plugin.Errorf(plugin.ErrExecutionFailed, "watching %s: %v", dir, err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.fsw = fsw
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.watchLoop(loopCtx, fsw, w.done)

	w.log.Info().Int("plugins", len(w.paths)).Int("dirs", len(w.dirs)).Msg("file watcher started")
	return nil
}

// Stop ends the fsnotify loop and cancels pending debounce timers. It waits
// for the loop to exit but not for a reload that is already running.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.fsw == nil {
		w.mu.Unlock()
		return
	}
	w.cancel()
	w.fsw.Close()
	w.fsw = nil
	for path, t := range w.debounce {
		t.Stop()
		delete(w.debounce, path)
	}
	done := w.done
	w.mu.Unlock()

	<-done
	w.log.Info().Msg("file watcher stopped")
}

func (w *Watcher) addDirLocked(dir string) error {
	w.dirs[dir]++
	if w.dirs[dir] > 1 || w.fsw == nil {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		w.releaseDirLocked(dir)
		return plugin.Errorf(plugin.ErrExecutionFailed, "watching %s: %v", dir, err)
	}
	return nil
}

func (w *Watcher) releaseDirLocked(dir string) {
	w.dirs[dir]--
	if w.dirs[dir] > 0 {
		return
	}
	delete(w.dirs, dir)
	if w.fsw != nil {
		if err := w.fsw.Remove(dir); err != nil {
			w.log.Debug().Err(err).Str("dir", dir).Msg("removing directory watch")
		}
	}
}

func (w *Watcher) watchLoop(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleFSEvent(ctx, event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("file watcher error")
		}
	}
}

// handleFSEvent restarts the debounce timer of a watched path.
func (w *Watcher) handleFSEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	path := filepath.Clean(event.Name)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.idForPathLocked(path); !ok {
		return
	}
	if t, ok := w.debounce[path]; ok {
		t.Stop()
	}
	w.debounce[path] = time.AfterFunc(w.cfg.Debounce, func() {
		w.processFileChange(ctx, path)
	})
}

// processFileChange runs after the debounce period for path.
func (w *Watcher) processFileChange(ctx context.Context, path string) {
	w.mu.Lock()
	delete(w.debounce, path)
	w.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	kind := Modified
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		kind = Deleted
	}
	res := w.HandleFileChange(ctx, FileChangeEvent{Kind: kind, Path: path})
	if !res.Handled {
		return
	}

	select {
	case w.results <- res:
	default:
		w.log.Warn().Str("plugin", res.PluginID).Msg("reload result dropped, channel full")
	}
}

func (w *Watcher) idForPathLocked(path string) (string, bool) {
	for id, p := range w.paths {
		if p == path {
			return id, true
		}
	}
	return "", false
}

func (w *Watcher) idForPath(path string) (string, bool) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.idForPathLocked(path)
}

// HandleFileChange applies one change synchronously. Changes to files that
// are not watched come back with Handled false.
func (w *Watcher) HandleFileChange(ctx context.Context, ev FileChangeEvent) ReloadResult {
	id, ok := w.idForPath(ev.Path)
	if !ok {
		return ReloadResult{}
	}

	switch ev.Kind {
	case Modified:
		return w.ReloadWithRetry(ctx, id)

	case Created:
		return ReloadResult{PluginID: id, Handled: true, Success: true}

	case Deleted:
		w.log.Warn().Str("plugin", id).Str("path", ev.Path).Msg("plugin file deleted, no longer watching")
		w.Unwatch(id)
		return ReloadResult{PluginID: id, Handled: true, Success: true, Unwatched: true}

	case Renamed:
		if err := w.Watch(id, ev.To); err != nil {
			w.Unwatch(id)
			return w.failed(id, err, 0)
		}
		w.log.Info().Str("plugin", id).Str("to", ev.To).Msg("plugin file renamed")
		return w.ReloadWithRetry(ctx, id)
	}

	return w.failed(id, plugin.Errorf(plugin.ErrUnsupported, "change kind %s", ev.Kind), 0)
}

// ReloadWithRetry reloads id, retrying up to MaxRetries times. When
// VerifySignature is set the installed plugin is verified first; a failure
// there is final since retrying cannot change it.
func (w *Watcher) ReloadWithRetry(ctx context.Context, id string) ReloadResult {
	if !w.begin(id) {
		return w.failed(id, ErrReloadInProgress, 0)
	}
	defer w.end(id)

	start := time.Now()
	res := w.reload(ctx, id)
	res.Duration = time.Since(start)

	log := w.log.Plugin(id)
	if res.Success {
		log.Info().Int("retries", res.RetryCount).Dur("took", res.Duration).Msg("plugin reloaded")
		return res
	}
	if errors.Is(res.Err, ErrReloadInProgress) {
		log.Info().Msg("reload already running, change skipped")
		return res
	}
	log.Error().Err(res.Err).Int("retries", res.RetryCount).Msg("plugin reload failed")

	if !w.cfg.RollbackOnFailure {
		if err := w.reloader.Unload(id); err != nil && !errors.Is(err, plugin.ErrNotFound) {
			log.Error().Err(err).Msg("unloading plugin after failed reload")
		} else {
			res.Unloaded = true
			log.Warn().Msg("plugin unloaded after failed reload")
		}
		w.Unwatch(id)
		res.Unwatched = true
	}
	return res
}

func (w *Watcher) reload(ctx context.Context, id string) ReloadResult {
	if w.cfg.VerifySignature {
		if err := w.reloader.VerifyPluginSignature(id, false); err != nil {
			return w.failed(id, fmt.Errorf("signature check before reload: %w", err), 0)
		}
	}

	var err error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if werr := sleep(ctx, w.cfg.RetryInterval); werr != nil {
				return w.failed(id, errors.Join(err, werr), attempt-1)
			}
			w.log.Debug().Str("plugin", id).Int("attempt", attempt).Msg("retrying reload")
		}

		err = w.reloader.ReloadWithConfig(ctx, id, w.cfg.VerifySignature)
		if err == nil {
			return ReloadResult{PluginID: id, Handled: true, Success: true, RetryCount: attempt}
		}
		if terminal(err) {
			return w.failed(id, err, attempt)
		}
	}
	return w.failed(id, err, w.cfg.MaxRetries)
}

// terminal reports errors that another attempt cannot fix.
func terminal(err error) bool {
	return errors.Is(err, plugin.ErrNotFound) || errors.Is(err, ErrReloadInProgress) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (w *Watcher) failed(id string, err error, retries int) ReloadResult {
	return ReloadResult{
		PluginID:   id,
		Handled:    true,
		Err:        err,
		Error:      err.Error(),
		RetryCount: retries,
	}
}

func (w *Watcher) begin(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active[id] {
		return false
	}
	w.active[id] = true
	return true
}

func (w *Watcher) end(id string) {
	w.mu.Lock()
	delete(w.active, id)
	w.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
