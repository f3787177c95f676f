package prebuilt

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/lockstep/lockstep/internal/core/channel"
	"github.com/lockstep/lockstep/internal/core/injector"
	"github.com/lockstep/lockstep/internal/core/process"
	"github.com/lockstep/lockstep/pkg/validation"
)

// Prebuilt names
const (
	ChainName = "chain"
	LanesName = "lanes"
)

// InjectorOptions carries the injector knobs shared by every topology.
type InjectorOptions struct {
	BufferSize int                 `json:"buffer_size" validate:"gte=0"`
	Reducer    channel.ReducerType `json:"reducer"`
	Overflow   injector.Overflow   `json:"overflow"`
	Logger     logr.Logger         `json:"-"`
}

// ChainConfig defines inputs to the chain builder:
// injector -> relay_1 -> ... -> relay_n -> sink.
type ChainConfig struct {
	Name     string        `json:"name" validate:"omitempty,identifier"`
	Shape    channel.Shape `json:"shape" validate:"shape"`
	Relays   int           `json:"relays" validate:"gte=0,lte=1024"`
	Injector InjectorOptions
}

// LanesConfig defines inputs to the lanes builder: Lanes independent
// injector -> sink pipelines run under one orchestrator.
type LanesConfig struct {
	Name     string        `json:"name" validate:"omitempty,identifier"`
	Shape    channel.Shape `json:"shape" validate:"shape"`
	Lanes    int           `json:"lanes" validate:"gte=1,lte=1024"`
	Injector InjectorOptions
}

// NewChain returns the chain builder.
func NewChain() Builder {
	return NewBuildFunc(ChainName, func(_ context.Context, cfg any) (*Graph, error) {
		c, ok := cfg.(ChainConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for %s, expected ChainConfig", ChainName)
		}
		if err := validation.ValidateWithPlayground(c); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		name := c.Name
		if name == "" {
			name = ChainName
		}

		inj, err := newInjector(name+"_in", c.Shape, c.Injector)
		if err != nil {
			return nil, err
		}
		g := &Graph{Name: name, Injectors: []*injector.Injector{inj}, Roots: []*process.Process{inj.Process()}}

		connect := inj.Connect
		for i := 1; i <= c.Relays; i++ {
			relay, err := NewRelay(fmt.Sprintf("%s_relay_%d", name, i), c.Shape)
			if err != nil {
				return nil, err
			}
			if err := connect(relay.InPort(InPortName)); err != nil {
				return nil, err
			}
			connect = relay.OutPort(OutPortName).Connect
		}

		sink, err := NewSink(name+"_sink", c.Shape)
		if err != nil {
			return nil, err
		}
		if err := connect(sink.InPort(InPortName)); err != nil {
			return nil, err
		}
		g.Sinks = append(g.Sinks, sink)
		return g, nil
	})
}

// NewLanes returns the lanes builder.
func NewLanes() Builder {
	return NewBuildFunc(LanesName, func(_ context.Context, cfg any) (*Graph, error) {
		c, ok := cfg.(LanesConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for %s, expected LanesConfig", LanesName)
		}
		if err := validation.ValidateWithPlayground(c); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		name := c.Name
		if name == "" {
			name = LanesName
		}

		g := &Graph{Name: name}
		for i := 0; i < c.Lanes; i++ {
			inj, err := newInjector(fmt.Sprintf("%s_%d_in", name, i), c.Shape, c.Injector)
			if err != nil {
				return nil, err
			}
			sink, err := NewSink(fmt.Sprintf("%s_%d_sink", name, i), c.Shape)
			if err != nil {
				return nil, err
			}
			if err := inj.Connect(sink.InPort(InPortName)); err != nil {
				return nil, err
			}
			g.Injectors = append(g.Injectors, inj)
			g.Sinks = append(g.Sinks, sink)
			g.Roots = append(g.Roots, inj.Process())
		}
		return g, nil
	})
}

func newInjector(name string, shape channel.Shape, opts InjectorOptions) (*injector.Injector, error) {
	return injector.New(injector.Config{
		Name:       name,
		Shape:      shape,
		BufferSize: opts.BufferSize,
		Reducer:    opts.Reducer,
		Overflow:   opts.Overflow,
		Logger:     opts.Logger,
	})
}
