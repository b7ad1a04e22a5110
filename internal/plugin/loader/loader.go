// Package loader turns plugin files into live plugin instances.
package loader

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jiangfire/envcli-sub000/internal/logging"
	"github.com/jiangfire/envcli-sub000/internal/plugin"
)

// Loader loads one kind of plugin file.
type Loader interface {
	Type() plugin.PluginType
	// Load opens path and returns an initialized instance.
	Load(ctx context.Context, path string, cfg plugin.Config) (plugin.Plugin, error)
	// Unload shuts p down and releases what Load acquired.
	Unload(p plugin.Plugin) error
}

var extensionTypes = map[string]plugin.PluginType{
	"so":    plugin.TypeDynamicLibrary,
	"dll":   plugin.TypeDynamicLibrary,
	"dylib": plugin.TypeDynamicLibrary,
	"exe":   plugin.TypeExternalExecutable,
	"bin":   plugin.TypeExternalExecutable,
	"py":    plugin.TypeExternalExecutable,
	"sh":    plugin.TypeExternalExecutable,
	"js":    plugin.TypeExternalExecutable,
	"ts":    plugin.TypeExternalExecutable,
	"wasm":  plugin.TypeWasm,
}

// DetectType maps a file extension to a plugin type.
func DetectType(path string) (plugin.PluginType, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if ext == "" {
		return "", plugin.Errorf(plugin.ErrUnsupported, "cannot detect plugin type of %s: no extension", path)
	}
	t, ok := extensionTypes[ext]
	if !ok {
		return "", plugin.Errorf(plugin.ErrUnsupported, "unknown plugin extension %q", ext)
	}
	return t, nil
}

// IsPluginFile reports whether path has a recognised plugin extension.
func IsPluginFile(path string) bool {
	t, err := DetectType(path)
	return err == nil && t != plugin.TypeWasm
}

// Set routes plugin files to the loader for their type.
type Set struct {
	mu      sync.RWMutex
	loaders map[plugin.PluginType]Loader
}

// NewSet returns a set with the dynamic-library and executable loaders.
func NewSet(log *logging.Logger) *Set {
	s := &Set{loaders: make(map[plugin.PluginType]Loader)}
	s.Register(NewDynamicLoader(log))
	s.Register(NewExecutableLoader(log))
	return s
}

// NewEmptySet returns a set with no loaders.
func NewEmptySet() *Set {
	return &Set{loaders: make(map[plugin.PluginType]Loader)}
}

// Register installs l for its type, replacing any previous loader.
func (s *Set) Register(l Loader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaders[l.Type()] = l
}

// For returns the loader responsible for path.
func (s *Set) For(path string) (Loader, error) {
	t, err := DetectType(path)
	if err != nil {
		return nil, err
	}
	return s.ForType(t)
}

// ForType returns the loader for t.
func (s *Set) ForType(t plugin.PluginType) (Loader, error) {
	if t == plugin.TypeWasm {
		return nil, plugin.Errorf(plugin.ErrUnsupported, "WASM plugins are not supported")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.loaders[t]
	if !ok {
		return nil, plugin.Errorf(plugin.ErrUnsupported, "no loader for %s plugins", t)
	}
	return l, nil
}

// Load detects the type of path and loads it.
func (s *Set) Load(ctx context.Context, path string, cfg plugin.Config) (plugin.Plugin, error) {
	l, err := s.For(path)
	if err != nil {
		return nil, err
	}
	return l.Load(ctx, path, cfg)
}

// unload shuts p down, then releases it whatever the shutdown outcome.
func unload(p plugin.Plugin) error {
	defer plugin.Release(p)
	if err := p.Shutdown(); err != nil {
		return plugin.Errorf(plugin.ErrExecutionFailed, "shutdown: %v", err)
	}
	return nil
}
