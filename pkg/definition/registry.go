package definition

import (
	"fmt"
	"sync"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Registry holds compiled definitions keyed by reference. Registration is
// all-or-nothing: a definition that fails to compile leaves no trace.
type Registry struct {
	mu       sync.RWMutex
	compiler *Compiler
	graphs   map[string]*Graph
}

// NewRegistry creates an empty registry using the given compiler.
func NewRegistry(compiler *Compiler) *Registry {
	return &Registry{
		compiler: compiler,
		graphs:   make(map[string]*Graph),
	}
}

// Register compiles and stores a definition. Re-registering the same
// reference replaces the previous graph; compilation is deterministic, so
// re-compilation across restarts is safe.
func (r *Registry) Register(def *ProcessDefinition) (*Graph, error) {
	graph, err := r.compiler.Compile(def)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.graphs[def.Ref] = graph
	r.mu.Unlock()
	return graph, nil
}

// Get returns the compiled graph for a reference.
func (r *Registry) Get(ref string) (*Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	graph, ok := r.graphs[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sdkerrors.ErrDefinitionNotFound, ref)
	}
	return graph, nil
}

// Refs returns the references of all registered definitions.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.graphs))
	for ref := range r.graphs {
		refs = append(refs, ref)
	}
	return refs
}

// Definitions returns all registered definitions.
func (r *Registry) Definitions() []*ProcessDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*ProcessDefinition, 0, len(r.graphs))
	for _, graph := range r.graphs {
		defs = append(defs, graph.Definition)
	}
	return defs
}
