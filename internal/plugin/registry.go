package plugin

import (
	"fmt"
	"sync"

	"github.com/jiangfire/envcli-sub000/internal/logging"
)

// Registry holds the live plugin instances.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
	order   []string // insertion order for deterministic shutdown
	log     *logging.Logger
}

// NewRegistry creates an empty instance registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		handles: make(map[string]*Handle),
		log:     log.Sub("plugins"),
	}
}

// Add inserts h. It fails if an instance with the same id is present.
func (r *Registry) Add(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handles[h.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, h.ID())
	}

	r.handles[h.ID()] = h
	r.order = append(r.order, h.ID())

	r.log.Debug().Str("plugin", h.ID()).Msg("instance added")
	return nil
}

// Remove deletes and returns the instance for id, or nil if absent.
func (r *Registry) Remove(id string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[id]
	if !ok {
		return nil
	}
	delete(r.handles, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	r.log.Debug().Str("plugin", id).Msg("instance removed")
	return h
}

// Get returns the instance for id, or nil if not found.
func (r *Registry) Get(id string) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handles[id]
}

// IDs returns the instance ids in insertion order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Handles returns the instances in insertion order.
func (r *Registry) Handles() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.handles[id])
	}
	return out
}

// Len returns the number of live instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
