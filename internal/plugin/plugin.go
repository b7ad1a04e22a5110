// Package plugin defines the envcli plugin contract and the data model shared
// by the loaders, the hook dispatcher and the manager.
package plugin

import (
	"context"
)

// Plugin is the contract every envcli plugin implements, whether it lives in
// a shared library loaded into the process or in an external executable.
type Plugin interface {
	// Metadata describes the plugin. It must be cheap and side-effect free.
	Metadata() Metadata

	// Initialize applies the plugin configuration. It is called once after
	// loading and again if a shut-down instance is restored.
	Initialize(cfg Config) error

	// ExecuteHook runs the plugin's handler for one lifecycle hook.
	ExecuteHook(ctx context.Context, hook HookType, hc *HookContext) (*HookResult, error)

	// SupportsExtension reports whether the plugin implements an extension point.
	SupportsExtension(ext ExtensionPoint) bool

	// ExecuteExtension runs an extension point with opaque input.
	ExecuteExtension(ctx context.Context, ext ExtensionPoint, input []byte) ([]byte, error)

	// Shutdown releases plugin-side resources.
	Shutdown() error
}

// Releaser is implemented by instances that hold a shared resource which must
// be handed back when the instance is discarded.
type Releaser interface {
	Release()
}

// Release hands back p's shared resources if it holds any.
func Release(p Plugin) {
	if r, ok := p.(Releaser); ok {
		r.Release()
	}
}
