package main

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/lockstep/lockstep/internal/config"
	"github.com/lockstep/lockstep/internal/core/channel"
	"github.com/lockstep/lockstep/internal/core/injector"
	"github.com/lockstep/lockstep/internal/core/process"
	"github.com/lockstep/lockstep/pkg/prebuilt"
)

// graphOptions selects and sizes the prebuilt topology a command runs.
type graphOptions struct {
	prebuilt   string
	width      int
	relays     int
	lanes      int
	fixedPoint bool
}

func addGraphFlags(cmd *cobra.Command, g *graphOptions) {
	cmd.Flags().StringVar(&g.prebuilt, "prebuilt", prebuilt.ChainName, "Topology: chain or lanes")
	cmd.Flags().IntVar(&g.width, "width", 1, "Elements per message")
	cmd.Flags().IntVar(&g.relays, "relays", 0, "Relays between injector and sink (chain)")
	cmd.Flags().IntVar(&g.lanes, "lanes", 1, "Independent injector-sink pipelines (lanes)")
	cmd.Flags().BoolVar(&g.fixedPoint, "fixed-point", false, "Select fixed_pt model variants")
}

func (g graphOptions) selector() process.Selector {
	if g.fixedPoint {
		return process.Selector{Tag: process.TagFixedPt}
	}
	return process.Selector{}
}

func (g graphOptions) build(ctx context.Context, s *config.Settings, log logr.Logger) (*prebuilt.Graph, error) {
	b, ok := prebuilt.DefaultRegistry.Get(g.prebuilt)
	if !ok {
		return nil, fmt.Errorf("unknown prebuilt %q (available: %v)", g.prebuilt, prebuilt.DefaultRegistry.Names())
	}
	opts := prebuilt.InjectorOptions{
		BufferSize: s.Injector.BufferSize,
		Reducer:    channel.ReducerType(s.Injector.Reducer),
		Overflow:   injector.Overflow(s.Injector.Overflow),
		Logger:     log,
	}
	shape := channel.Shape{g.width}

	switch g.prebuilt {
	case prebuilt.LanesName:
		return b.Build(ctx, prebuilt.LanesConfig{Shape: shape, Lanes: g.lanes, Injector: opts})
	default:
		return b.Build(ctx, prebuilt.ChainConfig{Shape: shape, Relays: g.relays, Injector: opts})
	}
}

// sinkReport is the printable state of one sink.
type sinkReport struct {
	Name  string    `json:"name"`
	Total []float64 `json:"total"`
	Last  []float64 `json:"last"`
}

func reportSinks(g *prebuilt.Graph) []sinkReport {
	out := make([]sinkReport, 0, len(g.Sinks))
	for _, s := range g.Sinks {
		out = append(out, sinkReport{
			Name:  s.Name,
			Total: s.Var(prebuilt.VarTotal).Get(),
			Last:  s.Var(prebuilt.VarLast).Get(),
		})
	}
	return out
}
