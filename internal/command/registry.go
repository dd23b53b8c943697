// Package command is the host's invocable operation surface: a registry
// mapping operation names to handlers that the UI layer calls by name.
package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownCommand is returned by Invoke for unregistered names.
var ErrUnknownCommand = errors.New("unknown command")

// Args are the named arguments passed by the caller.
type Args map[string]string

// Handler runs one command.
type Handler func(ctx context.Context, args Args) (string, error)

// Registry manages handler registration by exact command name.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Names are unique; registering a name twice is an error.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("command name is required")
	}
	if h == nil {
		return fmt.Errorf("command %q: nil handler", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("command %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Invoke runs the named command.
func (r *Registry) Invoke(ctx context.Context, name string, args Args) (string, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return h(ctx, args)
}

// Has returns true if a handler is registered for the name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// List returns all registered command names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Greet is the host's built-in greeting command.
func Greet(_ context.Context, args Args) (string, error) {
	name := args["name"]
	if name == "" {
		name = "World"
	}
	return fmt.Sprintf("Hello, %s! You've been greeted from Go!", name), nil
}
