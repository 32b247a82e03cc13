// Package registry holds the set of tools available to a session.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vinayprograms/agentcore/internal/tool"
)

var (
	// ErrDuplicateTool is returned when a tool name is registered twice.
	ErrDuplicateTool = errors.New("tool already registered")
	// ErrToolNotFound is returned for lookups of unregistered names.
	ErrToolNotFound = errors.New("tool not found")
	// ErrInvalidDescriptor is returned when a descriptor fails boundary checks.
	ErrInvalidDescriptor = errors.New("invalid tool descriptor")
)

// Registry maps tool names to implementations. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]tool.Tool
	descs   map[string]tool.Descriptor
	schemas map[string]*tool.Schema
	order   []string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tools:   make(map[string]tool.Tool),
		descs:   make(map[string]tool.Descriptor),
		schemas: make(map[string]*tool.Schema),
	}
}

// Register adds a tool. The descriptor is captured once and never re-read.
func (r *Registry) Register(t tool.Tool) error {
	if t == nil {
		return fmt.Errorf("%w: nil tool", ErrInvalidDescriptor)
	}
	desc := t.Descriptor()
	if desc.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDescriptor)
	}
	if !desc.Category.Valid() {
		return fmt.Errorf("%w: %q has unknown category %q", ErrInvalidDescriptor, desc.Name, desc.Category)
	}
	schema, err := tool.CompileSchema(desc.Schema)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidDescriptor, desc.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[desc.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, desc.Name)
	}
	r.tools[desc.Name] = t
	r.descs[desc.Name] = desc
	r.schemas[desc.Name] = schema
	r.order = append(r.order, desc.Name)
	return nil
}

// MustRegister registers every tool and panics on the first failure.
func (r *Registry) MustRegister(tools ...tool.Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (tool.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}
	return t, nil
}

// Descriptor returns the descriptor captured at registration.
func (r *Registry) Descriptor(name string) (tool.Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descs[name]
	if !ok {
		return tool.Descriptor{}, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}
	return d, nil
}

// Validate checks params against the tool's schema. The error is non-nil only
// when the tool is unknown; schema violations are returned as the list.
func (r *Registry) Validate(name string, params map[string]interface{}) ([]tool.FieldError, error) {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}
	return schema.Validate(params), nil
}

// Descriptors returns all descriptors in registration order.
func (r *Registry) Descriptors() []tool.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]tool.Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.descs[name])
	}
	return out
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
