// Package injector bridges an externally paced producer into the lock-stepped
// simulation. Any goroutine may push payloads with SendData; once per
// timestep, in the exchange phase, the injector drains everything pending,
// reduces it to one message and sends it downstream.
package injector

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/lockstep/lockstep/internal/core/channel"
	"github.com/lockstep/lockstep/internal/core/errs"
	"github.com/lockstep/lockstep/internal/core/process"
	"github.com/lockstep/lockstep/internal/core/protocol"
	imetrics "github.com/lockstep/lockstep/internal/infrastructure/metrics"
	"github.com/lockstep/lockstep/pkg/validation"
)

const (
	// DefaultBufferSize is the number of pending payloads held before
	// the overflow policy applies
	DefaultBufferSize = 10

	// ProcessType is the type name of the process an injector declares
	ProcessType = "AsyncInjector"

	// OutPortName is the name of the injector's only port
	OutPortName = "out"
)

// Overflow selects what SendData does when the buffer is full.
type Overflow string

const (
	// OverflowBlock parks the producer until the next drain
	OverflowBlock Overflow = "block"
	// OverflowDropOldest evicts the oldest pending payload
	OverflowDropOldest Overflow = "drop_oldest"
	// OverflowReject returns ErrBufferFull
	OverflowReject Overflow = "reject"
)

// State is the injector's position in its arm/drain cycle.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateDraining:
		return "draining"
	default:
		return "idle"
	}
}

// Config holds configuration for an injector
type Config struct {
	Name       string              `json:"name" validate:"omitempty,identifier"`
	Shape      channel.Shape       `json:"shape" validate:"shape"`
	DType      channel.DType       `json:"dtype" validate:"omitempty,oneof=float int bool"`
	BufferSize int                 `json:"buffer_size"`
	Reducer    channel.ReducerType `json:"reducer"`
	Overflow   Overflow            `json:"overflow"`
	Logger     logr.Logger         `json:"-"`
}

// Injector is an AsyncInjector process and its model in one value.
// PRINCIPLES:
// - The buffer is the only state shared with the producer; every access holds mu
// - A drain takes the whole buffer at once, so a racing push lands in this
//   timestep or the next, never both
// - Exactly one message leaves per timestep, zeros when nothing arrived
type Injector struct {
	name     string
	shape    channel.Shape
	dtype    channel.DType
	size     int
	reducer  channel.Reducer
	overflow Overflow
	log      logr.Logger

	proc *process.Process
	out  *process.OutPort

	mu      sync.Mutex
	buffer  [][]float64
	state   State
	started bool
	closed  bool
	ctl     process.Controller
	notify  chan struct{}
}

// New validates cfg and declares the injector process with one out port.
func New(cfg Config) (*Injector, error) {
	if err := cfg.Shape.Validate(); err != nil {
		return nil, fmt.Errorf("injector: %w", err)
	}
	if cfg.BufferSize < 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSize, cfg.BufferSize)
	}
	if err := validation.ValidateWithPlayground(cfg); err != nil {
		return nil, fmt.Errorf("%w: injector %q: %v", errs.ErrConfiguration, cfg.Name, err)
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.DType == "" {
		cfg.DType = channel.DTypeFloat
	}
	if cfg.Name == "" {
		cfg.Name = "injector"
	}
	switch cfg.Overflow {
	case "":
		cfg.Overflow = OverflowBlock
	case OverflowBlock, OverflowDropOldest, OverflowReject:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOverflow, string(cfg.Overflow))
	}
	if cfg.Reducer == "" {
		cfg.Reducer = channel.DefaultReducer(cfg.DType)
	}
	if err := channel.CheckReducer(cfg.Reducer, cfg.DType); err != nil {
		return nil, fmt.Errorf("injector %q: %w", cfg.Name, err)
	}
	reducer, err := channel.NewReducer(cfg.Reducer)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	proc := process.New(cfg.Name, ProcessType)
	out, err := proc.AddOutPort(OutPortName, cfg.Shape, cfg.DType)
	if err != nil {
		return nil, err
	}
	inj := &Injector{
		name:     cfg.Name,
		shape:    append(channel.Shape(nil), cfg.Shape...),
		dtype:    cfg.DType,
		size:     cfg.BufferSize,
		reducer:  reducer,
		overflow: cfg.Overflow,
		log:      log.WithValues("injector", cfg.Name),
		proc:     proc,
		out:      out,
		notify:   make(chan struct{}),
	}
	proc.SetModel(inj)
	return inj, nil
}

func (i *Injector) Name() string              { return i.name }
func (i *Injector) Process() *process.Process { return i.proc }
func (i *Injector) OutPort() *process.OutPort { return i.out }
func (i *Injector) Shape() channel.Shape      { return append(channel.Shape(nil), i.shape...) }
func (i *Injector) DType() channel.DType      { return i.dtype }
func (i *Injector) Overflow() Overflow        { return i.overflow }
func (i *Injector) Capacity() int             { return i.size }

// State returns the current arm/drain state.
func (i *Injector) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Pending returns the number of buffered payloads.
func (i *Injector) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.buffer)
}

// Connect declares the injector's output as feeding in.
func (i *Injector) Connect(in *process.InPort) error {
	return i.out.Connect(in)
}

// SendData queues one payload for the next drain. It is safe to call from
// any goroutine. The payload is copied. Payloads of the wrong length or with
// values outside the injector's dtype are rejected before they are queued.
func (i *Injector) SendData(ctx context.Context, data []float64) error {
	if len(data) != i.shape.Size() {
		return fmt.Errorf("%w: got %d values, shape %s needs %d", ErrInvalidShape, len(data), i.shape, i.shape.Size())
	}
	for k, v := range data {
		if !i.dtype.Accepts(v) {
			return fmt.Errorf("%w: value %v at %d is not a valid %s", ErrInvalidValue, v, k, i.dtype)
		}
	}
	payload := append([]float64(nil), data...)

	for {
		i.mu.Lock()
		if i.closed || !i.started {
			i.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotRunning, i.name)
		}
		if len(i.buffer) < i.size {
			i.accept(payload)
			i.mu.Unlock()
			return nil
		}
		switch i.overflow {
		case OverflowDropOldest:
			i.buffer[0] = nil
			i.buffer = i.buffer[1:]
			i.accept(payload)
			i.mu.Unlock()
			imetrics.InjectorDropped(i.name, string(i.overflow), 1)
			i.log.V(2).Info("dropped oldest payload")
			return nil
		case OverflowReject:
			i.mu.Unlock()
			imetrics.InjectorDropped(i.name, string(i.overflow), 1)
			return fmt.Errorf("%w: %s holds %d payloads", ErrBufferFull, i.name, i.size)
		}
		ch := i.notify
		i.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// accept must be called with i.mu held and room in the buffer.
func (i *Injector) accept(payload []float64) {
	i.buffer = append(i.buffer, payload)
	if i.state == StateIdle {
		i.state = StateArmed
	}
	imetrics.InjectorPushed(i.name, 1)
}

// drain atomically takes every pending payload and wakes parked producers.
func (i *Injector) drain() ([][]float64, State) {
	i.mu.Lock()
	defer i.mu.Unlock()
	payloads, prev := i.buffer, i.state
	i.buffer = make([][]float64, 0, i.size)
	i.state = StateDraining
	i.signal()
	return payloads, prev
}

// PhaseStep emits one reduced message in the exchange phase and does
// nothing in every other phase.
func (i *Injector) PhaseStep(ctx context.Context, phase protocol.Phase) error {
	if phase != protocol.PhaseExchange {
		return nil
	}
	payloads, prev := i.drain()
	defer func() {
		i.mu.Lock()
		if i.state == StateDraining {
			i.state = prev
		}
		i.mu.Unlock()
	}()

	msg, err := channel.Accumulate(i.reducer, i.shape, i.dtype, payloads)
	if err != nil {
		return err
	}
	if len(payloads) > 0 {
		imetrics.InjectorDrained(i.name, len(payloads))
	}
	i.log.V(2).Info("drained", "payloads", len(payloads))
	return i.out.Send(ctx, msg)
}

// Started arms the injector when its actor first receives START.
func (i *Injector) Started(ctl process.Controller) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.started = true
	i.ctl = ctl
}

// Wait blocks until the current run completes.
func (i *Injector) Wait(ctx context.Context) error {
	ctl := i.controller()
	if ctl == nil {
		return fmt.Errorf("%w: %s", ErrNotRunning, i.name)
	}
	return ctl.Wait(ctx)
}

// Stop releases the buffer and stops the run that owns the injector.
func (i *Injector) Stop() error {
	ctl := i.controller()
	_ = i.Close()
	if ctl == nil {
		return nil
	}
	return ctl.Stop()
}

// Close releases the buffer. Parked producers return ErrNotRunning and
// later calls to SendData fail the same way. Close is idempotent.
func (i *Injector) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	i.buffer = nil
	i.signal()
	return nil
}

func (i *Injector) controller() process.Controller {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ctl
}

// signal wakes every parked producer. Must be called with i.mu held.
func (i *Injector) signal() {
	old := i.notify
	i.notify = make(chan struct{})
	close(old)
}
