package plugin

import (
	"context"
	"sync"
)

// Observer is told the outcome of every hook call made through a Handle.
// It runs after the instance lock is released.
type Observer func(id string, hook HookType, err error)

// Handle serializes access to one plugin instance so the manager and the hook
// dispatcher can share it.
//
// A handle is closed by Shutdown and reopened by a successful Initialize.
// Release closes it for good. Calls on a closed handle fail with ErrClosed
// and never reach the instance.
type Handle struct {
	mu       sync.Mutex
	id       string
	inner    Plugin
	observe  Observer
	closed   bool
	released bool
}

// NewHandle wraps p under the given id. observe may be nil.
func NewHandle(id string, p Plugin, observe Observer) *Handle {
	return &Handle{id: id, inner: p, observe: observe}
}

// ID returns the id the manager knows the instance by.
func (h *Handle) ID() string { return h.id }

// Unwrap returns the wrapped instance.
func (h *Handle) Unwrap() Plugin { return h.inner }

// Closed reports whether calls are currently refused.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) Metadata() Metadata {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inner.Metadata()
}

func (h *Handle) Initialize(cfg Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return Errorf(ErrClosed, "plugin %s has been released", h.id)
	}
	if err := h.inner.Initialize(cfg); err != nil {
		return err
	}
	h.closed = false
	return nil
}

func (h *Handle) ExecuteHook(ctx context.Context, hook HookType, hc *HookContext) (*HookResult, error) {
	res, ran, err := h.executeHook(ctx, hook, hc)
	if ran && h.observe != nil {
		h.observe(h.id, hook, err)
	}
	return res, err
}

func (h *Handle) executeHook(ctx context.Context, hook HookType, hc *HookContext) (res *HookResult, ran bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false, Errorf(ErrClosed, "plugin %s", h.id)
	}
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, Errorf(ErrExecutionFailed, "hook %s of %s panicked: %v", hook, h.id, r)
		}
	}()
	res, err = h.inner.ExecuteHook(ctx, hook, hc)
	return res, true, err
}

func (h *Handle) SupportsExtension(ext ExtensionPoint) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed && h.inner.SupportsExtension(ext)
}

func (h *Handle) ExecuteExtension(ctx context.Context, ext ExtensionPoint, input []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, Errorf(ErrClosed, "plugin %s", h.id)
	}
	return h.inner.ExecuteExtension(ctx, ext, input)
}

// Shutdown closes the handle and shuts the instance down. It waits for a call
// already inside the instance to return. Shutting down a released handle is
// a no-op.
func (h *Handle) Shutdown() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.closed = true
	return h.inner.Shutdown()
}

// Release closes the handle permanently and hands back the wrapped instance's
// shared resources. Later calls are no-ops.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.closed = true
	h.released = true
	Release(h.inner)
}
