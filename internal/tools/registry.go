package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry errors.
var (
	ErrNotFound = errors.New("tool not found")
	ErrConflict = errors.New("tool already registered with a different descriptor")
)

// registration pairs a descriptor with its handler.
type registration struct {
	desc    Descriptor
	handler Handler
}

// Registry manages available tools with thread-safe registration and
// lookup. Names are unique; re-registering an identical descriptor is a
// no-op, while a conflicting one fails.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registration
}

// NewRegistry creates an empty registry ready for tool registration.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registration)}
}

// Register adds a tool. Registration is idempotent by name: an identical
// descriptor is accepted silently, a differing one returns ErrConflict.
func (r *Registry) Register(desc Descriptor, handler Handler) error {
	if desc.Name == "" {
		return errors.New("tool descriptor requires a name")
	}
	if handler == nil {
		return fmt.Errorf("tool %s requires a handler", desc.Name)
	}
	if len(desc.InputSchema) > 0 {
		if _, err := compileSchema(desc.InputSchema); err != nil {
			return fmt.Errorf("tool %s schema invalid: %w", desc.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tools[desc.Name]; ok {
		if existing.desc.Equal(desc) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrConflict, desc.Name)
	}
	r.tools[desc.Name] = registration{desc: desc, handler: handler}
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the descriptor and handler for a tool.
func (r *Registry) Get(name string) (Descriptor, Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg.desc, reg.handler, ok
}

// List returns all registered descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, reg.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SchemaFor returns the input schema for a tool.
func (r *Registry) SchemaFor(name string) (json.RawMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return reg.desc.InputSchema, nil
}
