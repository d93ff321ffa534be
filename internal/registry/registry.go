// Package registry resolves function names and versions to invocable units.
package registry

import (
	"context"
	"sync"

	"github.com/forrst-rpc/forrstd/internal/stream"
	"github.com/forrst-rpc/forrstd/model"
)

// Handler is a unary function implementation. It receives validated
// arguments and returns the success payload or an error that the
// orchestrator maps onto the wire taxonomy.
type Handler func(ctx context.Context, rctx *model.RequestContext, args map[string]any) (any, error)

// Function is one registered invocable unit. A function with a non-nil
// Stream producer factory is stream-capable; Handler remains the unary path
// for clients that did not request a stream.
type Function struct {
	Name    model.URN
	Version string
	Handler Handler
	// Stream, when non-nil, builds the chunk producer for a streamed
	// invocation of this function.
	Stream func(rctx *model.RequestContext, args map[string]any) stream.Producer
}

// StreamCapable reports whether the function can produce a chunked response.
func (f Function) StreamCapable() bool { return f.Stream != nil }

// Registry maps function name and version to registered functions. It is
// populated at startup and safe for concurrent reads afterwards.
type Registry struct {
	mu        sync.RWMutex
	functions map[model.URN]map[string]Function
	latest    map[model.URN]string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		functions: make(map[model.URN]map[string]Function),
		latest:    make(map[model.URN]string),
	}
}

// Register adds a function. Registering the same name and version twice
// replaces the earlier registration; the most recently registered version
// becomes the default for version-less calls.
func (r *Registry) Register(fn Function) {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.functions[fn.Name]
	if !ok {
		versions = make(map[string]Function)
		r.functions[fn.Name] = versions
	}
	versions[fn.Version] = fn
	r.latest[fn.Name] = fn.Version
}

// Resolve finds the function for a name and optional version. An empty
// version resolves to the most recently registered one.
func (r *Registry) Resolve(name model.URN, version string) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.functions[name]
	if !ok {
		return Function{}, false
	}
	if version == "" {
		version = r.latest[name]
	}
	fn, ok := versions[version]
	return fn, ok
}

// Names returns all registered function names. For diagnostics.
func (r *Registry) Names() []model.URN {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]model.URN, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	return names
}
