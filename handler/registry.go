package handler

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the handler interface table keyed by node type. It is safe for
// concurrent use; registration normally happens once at process start.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Duplicate types are rejected.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("handler is required")
	}
	typ := h.Type()
	if typ == "" {
		return fmt.Errorf("handler type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[typ]; dup {
		return fmt.Errorf("handler %q already registered", typ)
	}
	r.handlers[typ] = h
	return nil
}

// MustRegister registers like Register and panics on error. Intended for
// package-level wiring of built-in handlers.
func (r *Registry) MustRegister(hs ...Handler) {
	for _, h := range hs {
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the handler for the given node type.
func (r *Registry) Lookup(nodeType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[nodeType]
	return h, ok
}

// Types returns the registered node types in lexicographic order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Snapshot returns an immutable copy of the registry contents. The plan
// builder validates against a snapshot so registration changes cannot race
// an in-flight build.
func (r *Registry) Snapshot() map[string]Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := make(map[string]Handler, len(r.handlers))
	for t, h := range r.handlers {
		cp[t] = h
	}
	return cp
}
