// Package process declares the static structure of a simulation graph:
// processes, their typed ports and vars, and the connections between them.
// Models attach behavior to a process; actors execute models.
package process

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/lockstep/lockstep/internal/core/channel"
)

// Process is a node of the simulation graph.
// PRINCIPLES:
// - Declarative: ports, vars and connections are fixed before any run
// - Behavior lives in a Model, resolved once at build time
type Process struct {
	ID   uuid.UUID
	Name string
	Type string

	mu       sync.RWMutex
	inPorts  []*InPort
	outPorts []*OutPort
	vars     []*Var
	model    Model
}

// New declares a process. procType selects model variants in a Registry.
func New(name, procType string) *Process {
	return &Process{ID: uuid.New(), Name: name, Type: procType}
}

// AddInPort declares an input port.
func (p *Process) AddInPort(name string, shape channel.Shape, dtype channel.DType) (*InPort, error) {
	pt, err := p.declare(name, shape, dtype)
	if err != nil {
		return nil, err
	}
	in := &InPort{port: pt}
	p.mu.Lock()
	p.inPorts = append(p.inPorts, in)
	p.mu.Unlock()
	return in, nil
}

// AddOutPort declares an output port.
func (p *Process) AddOutPort(name string, shape channel.Shape, dtype channel.DType) (*OutPort, error) {
	pt, err := p.declare(name, shape, dtype)
	if err != nil {
		return nil, err
	}
	out := &OutPort{port: pt}
	p.mu.Lock()
	p.outPorts = append(p.outPorts, out)
	p.mu.Unlock()
	return out, nil
}

// AddVar declares a state var. init may be nil for zeros.
func (p *Process) AddVar(name string, shape channel.Shape, init []float64) (*Var, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty var name on %s", ErrInvalidName, p.Name)
	}
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if p.Var(name) != nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrDuplicateName, p.Name, name)
	}
	v := &Var{name: name, shape: append(channel.Shape(nil), shape...), data: make([]float64, shape.Size())}
	if init != nil {
		if err := v.Set(init); err != nil {
			return nil, err
		}
	}
	p.mu.Lock()
	p.vars = append(p.vars, v)
	p.mu.Unlock()
	return v, nil
}

func (p *Process) declare(name string, shape channel.Shape, dtype channel.DType) (port, error) {
	if name == "" {
		return port{}, fmt.Errorf("%w: empty port name on %s", ErrInvalidName, p.Name)
	}
	if err := shape.Validate(); err != nil {
		return port{}, err
	}
	if dtype == "" {
		dtype = channel.DTypeFloat
	}
	if err := dtype.Validate(); err != nil {
		return port{}, err
	}
	if p.InPort(name) != nil || p.OutPort(name) != nil {
		return port{}, fmt.Errorf("%w: %s.%s", ErrDuplicateName, p.Name, name)
	}
	return port{name: name, proc: p, shape: append(channel.Shape(nil), shape...), dtype: dtype}, nil
}

// InPorts returns declared input ports in declaration order.
func (p *Process) InPorts() []*InPort {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*InPort(nil), p.inPorts...)
}

// OutPorts returns declared output ports in declaration order.
func (p *Process) OutPorts() []*OutPort {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*OutPort(nil), p.outPorts...)
}

// Vars returns declared vars in declaration order.
func (p *Process) Vars() []*Var {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*Var(nil), p.vars...)
}

// InPort looks up an input port by name.
func (p *Process) InPort(name string) *InPort {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, in := range p.inPorts {
		if in.name == name {
			return in
		}
	}
	return nil
}

// OutPort looks up an output port by name.
func (p *Process) OutPort(name string) *OutPort {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, out := range p.outPorts {
		if out.name == name {
			return out
		}
	}
	return nil
}

// Var looks up a var by name.
func (p *Process) Var(name string) *Var {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, v := range p.vars {
		if v.name == name {
			return v
		}
	}
	return nil
}

// SetModel pins a model instance, bypassing registry resolution.
func (p *Process) SetModel(m Model) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.model = m
}

// Model returns the pinned model, if any.
func (p *Process) Model() Model {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

// Neighbors returns the processes directly connected through any port.
func (p *Process) Neighbors() []*Process {
	var out []*Process
	for _, in := range p.InPorts() {
		if peer := in.Peer(); peer != nil {
			out = append(out, peer.proc)
		}
	}
	for _, o := range p.OutPorts() {
		if peer := o.Peer(); peer != nil {
			out = append(out, peer.proc)
		}
	}
	return out
}

// Snapshot copies every var value keyed by var name.
func (p *Process) Snapshot() map[string][]float64 {
	vars := p.Vars()
	out := make(map[string][]float64, len(vars))
	for _, v := range vars {
		out[v.name] = v.Get()
	}
	return out
}

// Restore writes values back into the named vars. Unknown names are ignored.
func (p *Process) Restore(values map[string][]float64) error {
	for name, data := range values {
		if v := p.Var(name); v != nil {
			if err := v.Set(data); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Process) String() string { return p.Name }
