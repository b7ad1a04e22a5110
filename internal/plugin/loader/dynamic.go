package loader

import (
	"context"
	"fmt"
	"os"
	goplugin "plugin"
	"sync"
	"sync/atomic"

	"github.com/jiangfire/envcli-sub000/internal/logging"
	"github.com/jiangfire/envcli-sub000/internal/plugin"
)

// Symbols a shared-library plugin exports.
const (
	FactorySymbol    = "NewPlugin"     // func() plugin.Plugin
	DestructorSymbol = "DestroyPlugin" // optional func(plugin.Plugin)
)

type symbolTable interface {
	Lookup(name string) (goplugin.Symbol, error)
}

// openLibrary is swapped in tests; the real loader needs a cgo build.
var openLibrary = func(path string) (symbolTable, error) {
	p, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Library is a loaded shared object shared by every wrapper created from it.
// When the last reference is released the destructor runs and the symbol
// table is dropped. The Go runtime never unmaps a shared object, so this is
// the point after which nothing can reach the library again.
type Library struct {
	path     string
	mu       sync.Mutex
	syms     symbolTable
	destroy  func(plugin.Plugin)
	instance plugin.Plugin
	refs     atomic.Int64
	released atomic.Bool
}

// Path returns the file the library was loaded from.
func (l *Library) Path() string { return l.path }

// RefCount returns the number of live wrappers.
func (l *Library) RefCount() int64 { return l.refs.Load() }

// Released reports whether the last reference has been dropped.
func (l *Library) Released() bool { return l.released.Load() }

func (l *Library) acquire() {
	l.refs.Add(1)
}

func (l *Library) release() {
	if l.refs.Add(-1) != 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released.Load() {
		return
	}
	if l.destroy != nil && l.instance != nil {
		l.destroy(l.instance)
	}
	l.instance = nil
	l.syms = nil
	l.released.Store(true)
}

// DynamicPlugin is one reference to a plugin instance living in a Library.
type DynamicPlugin struct {
	lib   *Library
	inner plugin.Plugin
	once  sync.Once
}

// Library returns the shared library backing p.
func (p *DynamicPlugin) Library() *Library { return p.lib }

// Share returns another wrapper over the same instance holding its own
// library reference.
func (p *DynamicPlugin) Share() *DynamicPlugin {
	p.lib.acquire()
	return &DynamicPlugin{lib: p.lib, inner: p.inner}
}

// Release drops this wrapper's library reference. Later calls are no-ops.
func (p *DynamicPlugin) Release() {
	p.once.Do(p.lib.release)
}

func (p *DynamicPlugin) Metadata() plugin.Metadata { return p.inner.Metadata() }

func (p *DynamicPlugin) Initialize(cfg plugin.Config) error { return p.inner.Initialize(cfg) }

func (p *DynamicPlugin) ExecuteHook(ctx context.Context, hook plugin.HookType, hc *plugin.HookContext) (*plugin.HookResult, error) {
	return p.inner.ExecuteHook(ctx, hook, hc)
}

func (p *DynamicPlugin) SupportsExtension(ext plugin.ExtensionPoint) bool {
	return p.inner.SupportsExtension(ext)
}

func (p *DynamicPlugin) ExecuteExtension(ctx context.Context, ext plugin.ExtensionPoint, input []byte) ([]byte, error) {
	return p.inner.ExecuteExtension(ctx, ext, input)
}

func (p *DynamicPlugin) Shutdown() error { return p.inner.Shutdown() }

// DynamicLoader loads Go plugins built with -buildmode=plugin.
type DynamicLoader struct {
	log *logging.Logger
}

// NewDynamicLoader creates the shared-library loader.
func NewDynamicLoader(log *logging.Logger) *DynamicLoader {
	return &DynamicLoader{log: log.Sub("loader.dynamic")}
}

func (l *DynamicLoader) Type() plugin.PluginType { return plugin.TypeDynamicLibrary }

func (l *DynamicLoader) Load(_ context.Context, path string, cfg plugin.Config) (plugin.Plugin, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, plugin.Errorf(plugin.ErrLoadFailed, "plugin file %s: %v", path, err)
	}

	syms, err := openLibrary(path)
	if err != nil {
		return nil, plugin.Errorf(plugin.ErrLoadFailed, "opening %s: %v", path, err)
	}

	factory, err := lookupFactory(syms)
	if err != nil {
		return nil, plugin.Errorf(plugin.ErrLoadFailed, "%s: %v", path, err)
	}

	inner, err := construct(factory)
	if err != nil {
		return nil, plugin.Errorf(plugin.ErrLoadFailed, "%s: %v", path, err)
	}

	lib := &Library{path: path, syms: syms, destroy: lookupDestructor(syms), instance: inner}
	lib.acquire()
	p := &DynamicPlugin{lib: lib, inner: inner}

	if err := p.Initialize(cfg); err != nil {
		p.Release()
		return nil, plugin.Errorf(plugin.ErrLoadFailed, "initializing %s: %v", path, err)
	}

	l.log.Debug().Str("path", path).Str("plugin", inner.Metadata().ID).Msg("shared library loaded")
	return p, nil
}

func (l *DynamicLoader) Unload(p plugin.Plugin) error {
	return unload(p)
}

func lookupFactory(syms symbolTable) (func() plugin.Plugin, error) {
	sym, err := syms.Lookup(FactorySymbol)
	if err != nil {
		return nil, fmt.Errorf("missing entry point %s: %w", FactorySymbol, err)
	}
	switch f := sym.(type) {
	case func() plugin.Plugin:
		return f, nil
	case *func() plugin.Plugin:
		if f == nil || *f == nil {
			return nil, fmt.Errorf("entry point %s is nil", FactorySymbol)
		}
		return *f, nil
	default:
		return nil, fmt.Errorf("entry point %s has type %T, want func() plugin.Plugin", FactorySymbol, sym)
	}
}

func lookupDestructor(syms symbolTable) func(plugin.Plugin) {
	sym, err := syms.Lookup(DestructorSymbol)
	if err != nil {
		return nil
	}
	switch f := sym.(type) {
	case func(plugin.Plugin):
		return f
	case *func(plugin.Plugin):
		if f != nil {
			return *f
		}
	}
	return nil
}

func construct(factory func() plugin.Plugin) (p plugin.Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("entry point %s panicked: %v", FactorySymbol, r)
		}
	}()
	p = factory()
	if p == nil {
		return nil, fmt.Errorf("entry point %s returned nil", FactorySymbol)
	}
	return p, nil
}
