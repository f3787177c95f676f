package prebuilt

import (
	"context"
	"fmt"
	"math"

	"github.com/lockstep/lockstep/internal/core/channel"
	"github.com/lockstep/lockstep/internal/core/process"
	"github.com/lockstep/lockstep/internal/core/protocol"
)

// Process types
const (
	SinkType  = "Sink"
	RelayType = "Relay"
)

// Port and var names shared by the prebuilt process types.
const (
	InPortName  = "in"
	OutPortName = "out"

	VarTotal = "total"
	VarLast  = "last"
	VarHeld  = "held"
)

func init() {
	process.DefaultRegistry.MustRegister(SinkType, process.Variant{
		Tags: []string{process.TagFloatingPt},
		New:  sinkFactory(identity),
	})
	process.DefaultRegistry.MustRegister(SinkType, process.Variant{
		Tags: []string{process.TagFixedPt},
		New:  sinkFactory(math.Round),
	})
	process.DefaultRegistry.MustRegister(RelayType, process.Variant{
		Tags: []string{process.TagFloatingPt},
		New:  relayFactory(identity),
	})
	process.DefaultRegistry.MustRegister(RelayType, process.Variant{
		Tags: []string{process.TagFixedPt},
		New:  relayFactory(math.Round),
	})
}

func identity(v float64) float64 { return v }

// NewSink declares a sink process. Each timestep it receives one message in
// the compute phase, adds it to Var "total" and keeps it in Var "last".
func NewSink(name string, shape channel.Shape) (*process.Process, error) {
	p := process.New(name, SinkType)
	if _, err := p.AddInPort(InPortName, shape, channel.DTypeFloat); err != nil {
		return nil, err
	}
	if _, err := p.AddVar(VarTotal, shape, nil); err != nil {
		return nil, err
	}
	if _, err := p.AddVar(VarLast, shape, nil); err != nil {
		return nil, err
	}
	return p, nil
}

// NewRelay declares a relay process. It sends Var "held" during exchange and
// replaces it with the received message during compute, so data crosses a
// relay with one timestep of delay.
func NewRelay(name string, shape channel.Shape) (*process.Process, error) {
	p := process.New(name, RelayType)
	if _, err := p.AddInPort(InPortName, shape, channel.DTypeFloat); err != nil {
		return nil, err
	}
	if _, err := p.AddOutPort(OutPortName, shape, channel.DTypeFloat); err != nil {
		return nil, err
	}
	if _, err := p.AddVar(VarHeld, shape, nil); err != nil {
		return nil, err
	}
	return p, nil
}

type sinkModel struct {
	in          *process.InPort
	total, last *process.Var
	quantize    func(float64) float64
}

func sinkFactory(quantize func(float64) float64) process.Factory {
	return func(p *process.Process) (process.Model, error) {
		m := &sinkModel{
			in:       p.InPort(InPortName),
			total:    p.Var(VarTotal),
			last:     p.Var(VarLast),
			quantize: quantize,
		}
		if m.in == nil || m.total == nil || m.last == nil {
			return nil, fmt.Errorf("%w: %s is not a declared sink", process.ErrNoModel, p.Name)
		}
		return m, nil
	}
}

func (m *sinkModel) PhaseStep(ctx context.Context, phase protocol.Phase) error {
	if phase != protocol.PhaseCompute {
		return nil
	}
	msg, err := m.in.Recv(ctx)
	if err != nil {
		return err
	}
	data := msg.Dense()
	for i := range data {
		data[i] = m.quantize(data[i])
	}
	m.total.Update(func(acc []float64) {
		for i := range acc {
			acc[i] += data[i]
		}
	})
	return m.last.Set(data)
}

type relayModel struct {
	in       *process.InPort
	out      *process.OutPort
	held     *process.Var
	quantize func(float64) float64
}

func relayFactory(quantize func(float64) float64) process.Factory {
	return func(p *process.Process) (process.Model, error) {
		m := &relayModel{
			in:       p.InPort(InPortName),
			out:      p.OutPort(OutPortName),
			held:     p.Var(VarHeld),
			quantize: quantize,
		}
		if m.in == nil || m.out == nil || m.held == nil {
			return nil, fmt.Errorf("%w: %s is not a declared relay", process.ErrNoModel, p.Name)
		}
		return m, nil
	}
}

func (m *relayModel) PhaseStep(ctx context.Context, phase protocol.Phase) error {
	switch phase {
	case protocol.PhaseExchange:
		return m.out.SendDense(ctx, m.held.Get())
	case protocol.PhaseCompute:
		msg, err := m.in.Recv(ctx)
		if err != nil {
			return err
		}
		data := msg.Dense()
		for i := range data {
			data[i] = m.quantize(data[i])
		}
		return m.held.Set(data)
	}
	return nil
}
