// Package plugintest provides an in-memory plugin for tests.
package plugintest

import (
	"context"
	"sync"

	"github.com/jiangfire/envcli-sub000/internal/plugin"
)

// HookFunc handles one hook call on a Fake.
type HookFunc func(ctx context.Context, hook plugin.HookType, hc *plugin.HookContext) (*plugin.HookResult, error)

// Fake is a configurable plugin that records how it was called.
type Fake struct {
	mu sync.Mutex

	Meta          plugin.Metadata
	InitErr       error
	ShutdownErr   error
	ShutdownPanic any
	OnHook        HookFunc

	inits     int
	shutdowns int
	calls     int
	releases  int
	lastCfg   plugin.Config
}

// New returns a Fake with well-formed metadata declaring hooks.
func New(id string, hooks ...plugin.HookType) *Fake {
	return &Fake{
		Meta: plugin.Metadata{
			ID:         id,
			Name:       id,
			Version:    "1.0.0",
			Type:       plugin.TypeDynamicLibrary,
			Hooks:      hooks,
			Extensions: []plugin.ExtensionPoint{},
			Enabled:    true,
			Platforms: []plugin.Platform{
				plugin.PlatformLinux, plugin.PlatformMacOS, plugin.PlatformWindows,
			},
			Dependencies: []string{},
		},
	}
}

// WithDeps sets the declared dependencies.
func (f *Fake) WithDeps(deps ...string) *Fake {
	f.Meta.Dependencies = deps
	return f
}

func (f *Fake) Metadata() plugin.Metadata {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Meta
}

func (f *Fake) Initialize(cfg plugin.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	f.lastCfg = cfg
	return f.InitErr
}

func (f *Fake) ExecuteHook(ctx context.Context, hook plugin.HookType, hc *plugin.HookContext) (*plugin.HookResult, error) {
	f.mu.Lock()
	f.calls++
	fn := f.OnHook
	f.mu.Unlock()

	if fn == nil {
		return plugin.Continue(), nil
	}
	return fn(ctx, hook, hc)
}

func (f *Fake) SupportsExtension(ext plugin.ExtensionPoint) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.Meta.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

func (f *Fake) ExecuteExtension(_ context.Context, ext plugin.ExtensionPoint, input []byte) ([]byte, error) {
	if !f.SupportsExtension(ext) {
		return nil, plugin.Errorf(plugin.ErrUnsupported, "extension %s", ext)
	}
	return input, nil
}

func (f *Fake) Shutdown() error {
	f.mu.Lock()
	f.shutdowns++
	p := f.ShutdownPanic
	err := f.ShutdownErr
	f.mu.Unlock()

	if p != nil {
		panic(p)
	}
	return err
}

// Release counts releases.
func (f *Fake) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
}

// Inits returns how many times Initialize ran.
func (f *Fake) Inits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inits
}

// Shutdowns returns how many times Shutdown ran.
func (f *Fake) Shutdowns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdowns
}

// Calls returns how many hook calls were made.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Releases returns how many times Release ran.
func (f *Fake) Releases() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases
}

// LastConfig returns the config most recently passed to Initialize.
func (f *Fake) LastConfig() plugin.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCfg
}
