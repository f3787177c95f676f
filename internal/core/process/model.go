package process

import (
	"context"
	"fmt"
	"sync"

	"github.com/lockstep/lockstep/internal/core/protocol"
)

// Model is the per-process behavior executed by an actor, once per phase.
// Implementations read input ports, write output ports and mutate vars.
type Model interface {
	PhaseStep(ctx context.Context, phase protocol.Phase) error
}

// ModelFunc adapts a plain function to Model.
type ModelFunc func(ctx context.Context, phase protocol.Phase) error

// PhaseStep calls f.
func (f ModelFunc) PhaseStep(ctx context.Context, phase protocol.Phase) error { return f(ctx, phase) }

// Controller is the run control surface handed to models that need it.
type Controller interface {
	// Wait blocks until the current run completes
	Wait(ctx context.Context) error
	// Stop ends the run and tears the graph down
	Stop() error
}

// Starter is implemented by models that must know when their actor first
// receives START.
type Starter interface {
	Started(ctl Controller)
}

// Well-known resources and capability tags.
const (
	ResourceCPU = "cpu"

	TagFloatingPt = "floating_pt"
	TagFixedPt    = "fixed_pt"
)

// Factory builds a model bound to a declared process.
type Factory func(p *Process) (Model, error)

// Variant is one implementation of a process type for a resource.
type Variant struct {
	Resource string
	Tags     []string
	New      Factory
}

func (v Variant) hasTag(tag string) bool {
	for _, t := range v.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Selector picks a variant. Empty Resource means cpu; empty Tag matches any.
type Selector struct {
	Resource string
	Tag      string
}

func (s Selector) resource() string {
	if s.Resource == "" {
		return ResourceCPU
	}
	return s.Resource
}

// Registry maps process types to their capability-tagged variants.
// PRINCIPLES:
// - Resolution happens once per process at build time
// - First registered match wins, so registration order expresses preference
type Registry struct {
	mu       sync.RWMutex
	variants map[string][]Variant
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{variants: make(map[string][]Variant)}
}

// DefaultRegistry collects variants registered by packages at init time.
var DefaultRegistry = NewRegistry()

// Register adds a variant for procType.
func (r *Registry) Register(procType string, v Variant) error {
	if procType == "" {
		return fmt.Errorf("%w: empty process type", ErrInvalidVariant)
	}
	if v.New == nil {
		return fmt.Errorf("%w: %s has no factory", ErrInvalidVariant, procType)
	}
	if v.Resource == "" {
		v.Resource = ResourceCPU
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.variants[procType] = append(r.variants[procType], v)
	return nil
}

// MustRegister is Register that panics, for use from init functions.
func (r *Registry) MustRegister(procType string, v Variant) {
	if err := r.Register(procType, v); err != nil {
		panic(err)
	}
}

// Resolve returns the model for p: its pinned model if set, otherwise the
// first variant of p.Type matching sel.
func (r *Registry) Resolve(p *Process, sel Selector) (Model, error) {
	if m := p.Model(); m != nil {
		return m, nil
	}
	r.mu.RLock()
	candidates := append([]Variant(nil), r.variants[p.Type]...)
	r.mu.RUnlock()

	for _, v := range candidates {
		if v.Resource != sel.resource() {
			continue
		}
		if sel.Tag != "" && !v.hasTag(sel.Tag) {
			continue
		}
		m, err := v.New(p)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s model for %s: %w", p.Type, p.Name, err)
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: process %s of type %q on %s (tag %q)", ErrNoModel, p.Name, p.Type, sel.resource(), sel.Tag)
}

// Types lists registered process types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.variants))
	for t := range r.variants {
		out = append(out, t)
	}
	return out
}
