// Package toolregistry is the single source of truth for tool definitions
// and their executable handlers. One consolidated ToolDefinition shape is
// used everywhere a tool crosses a component boundary (the LLM back-end, the
// wire adapter, the pipeline orchestrator) rather than the three near-duplicate
// shapes a larger multi-provider codebase tends to accumulate.
package toolregistry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownTool is wrapped into Execute's returned error when name isn't
// registered, so callers can distinguish it from a handler-side failure with
// errors.Is.
var ErrUnknownTool = errors.New("toolregistry: unknown tool")

// ToolDefinition describes a tool's name, natural-language purpose, and JSON
// Schema parameters, in the shape every back-end adapter advertises to its
// provider.
type ToolDefinition struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object describing the tool's arguments.
	Parameters map[string]any
}

// Handler executes a tool call and returns its result as a string suitable
// for feeding back to the LLM as a tool message's content.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool pairs a definition with the handler that executes it.
type Tool struct {
	Definition ToolDefinition
	Execute    Handler
}

// Registry is a concurrency-safe, insertion-ordered collection of tools.
// Insertion order is preserved in Definitions so that a back-end adapter's
// tool list is deterministic across calls.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]Tool
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool by name. Replacing an existing name keeps
// its original position in insertion order.
func (r *Registry) Register(t Tool) error {
	if t.Definition.Name == "" {
		return fmt.Errorf("toolregistry: register: tool name must not be empty")
	}
	if t.Execute == nil {
		return fmt.Errorf("toolregistry: register %q: handler must not be nil", t.Definition.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Definition.Name]; !exists {
		r.order = append(r.order, t.Definition.Name)
	}
	r.tools[t.Definition.Name] = t
	return nil
}

// Unregister removes a tool by name. It is a no-op if the name is unknown.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Execute runs the named tool's handler, returning an error that identifies
// an unknown tool name distinctly from a handler-side failure.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	result, err := t.Execute(ctx, args)
	if err != nil {
		return "", fmt.Errorf("toolregistry: execute %q: %w", name, err)
	}
	return result, nil
}

// Definitions returns the registered tools' definitions in insertion order,
// suitable for passing straight to an LLM back-end's tool list.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// Names returns the registered tool names, sorted, for diagnostics and tests.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
