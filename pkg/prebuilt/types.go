package prebuilt

import (
	"context"
	"fmt"
	"sort"

	"github.com/lockstep/lockstep/internal/core/injector"
	"github.com/lockstep/lockstep/internal/core/process"
)

// Graph is a built topology. Roots reach every process through connections.
type Graph struct {
	Name      string
	Injectors []*injector.Injector
	Sinks     []*process.Process
	Roots     []*process.Process
}

// Injector returns the injector with the given name, or nil.
func (g *Graph) Injector(name string) *injector.Injector {
	for _, inj := range g.Injectors {
		if inj.Name() == name {
			return inj
		}
	}
	return nil
}

// Builder constructs a Graph from a typed configuration.
// Implementations should be pure (no side effects) and return
// a fully connected graph.
type Builder interface {
	Name() string
	Build(ctx context.Context, cfg any) (*Graph, error)
}

// BuildFunc is a convenience adapter to implement Builder via functions.
type BuildFunc struct {
	NameStr string
	Fn      func(ctx context.Context, cfg any) (*Graph, error)
}

func (b BuildFunc) Name() string { return b.NameStr }
func (b BuildFunc) Build(ctx context.Context, cfg any) (*Graph, error) {
	return b.Fn(ctx, cfg)
}

// NewBuildFunc creates a Builder from a function.
func NewBuildFunc(name string, fn func(ctx context.Context, cfg any) (*Graph, error)) BuildFunc {
	return BuildFunc{NameStr: name, Fn: fn}
}

// Registry holds named prebuilts.
type Registry struct {
	builders map[string]Builder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds or replaces a prebuilt builder.
func (r *Registry) Register(b Builder) {
	r.builders[b.Name()] = b
}

// MustRegister panics on duplicate names; useful during init() setup.
func (r *Registry) MustRegister(b Builder) {
	if _, exists := r.builders[b.Name()]; exists {
		panic(fmt.Sprintf("prebuilt already registered: %s", b.Name()))
	}
	r.builders[b.Name()] = b
}

// Get retrieves a named prebuilt.
func (r *Registry) Get(name string) (Builder, bool) {
	b, ok := r.builders[name]
	return b, ok
}

// Names lists registered prebuilts in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry is a singleton for convenience. Projects can also
// construct their own Registry if they want isolation.
var DefaultRegistry = NewRegistry()

func init() {
	DefaultRegistry.MustRegister(NewChain())
	DefaultRegistry.MustRegister(NewLanes())
}
