package process

import (
	"context"
	"fmt"
	"sync"

	"github.com/lockstep/lockstep/internal/core/channel"
)

type port struct {
	name  string
	proc  *Process
	shape channel.Shape
	dtype channel.DType
}

func (p port) Name() string         { return p.name }
func (p port) Process() *Process    { return p.proc }
func (p port) Shape() channel.Shape { return append(channel.Shape(nil), p.shape...) }
func (p port) DType() channel.DType { return p.dtype }
func (p port) FullName() string     { return p.proc.Name + "." + p.name }
func (p port) matches(o port) bool  { return p.shape.Equal(o.shape) && p.dtype == o.dtype }
func (p port) typeString() string   { return string(p.dtype) + p.shape.String() }

// InPort receives messages from exactly one OutPort.
type InPort struct {
	port

	mu   sync.RWMutex
	peer *OutPort
	recv *channel.RecvPort
}

// OutPort sends messages to exactly one InPort.
type OutPort struct {
	port

	mu   sync.RWMutex
	peer *InPort
	send *channel.SendPort
}

// Connect declares a connection from o to in. It must be called while the
// graph is being built, before any run.
func (o *OutPort) Connect(in *InPort) error {
	if !o.matches(in.port) {
		return fmt.Errorf("%w: %s is %s, %s is %s", channel.ErrShapeMismatch,
			o.FullName(), o.typeString(), in.FullName(), in.typeString())
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	in.mu.Lock()
	defer in.mu.Unlock()

	if o.peer == in && in.peer == o {
		return nil
	}
	if o.peer != nil {
		return fmt.Errorf("%w: %s -> %s", ErrAlreadyConnected, o.FullName(), o.peer.FullName())
	}
	if in.peer != nil {
		return fmt.Errorf("%w: %s <- %s", ErrAlreadyConnected, in.FullName(), in.peer.FullName())
	}
	o.peer = in
	in.peer = o
	return nil
}

// Peer returns the connected input port, if any.
func (o *OutPort) Peer() *InPort {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.peer
}

// Bind attaches the send endpoint of a channel. Each port binds once.
func (o *OutPort) Bind(ep *channel.SendPort) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.send != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyWired, o.FullName())
	}
	if err := ep.Claim(); err != nil {
		return err
	}
	o.send = ep
	return nil
}

// Bound reports whether a channel endpoint is attached.
func (o *OutPort) Bound() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.send != nil
}

// Send forwards m to the bound channel.
func (o *OutPort) Send(ctx context.Context, m channel.Message) error {
	o.mu.RLock()
	ep := o.send
	o.mu.RUnlock()
	if ep == nil {
		return fmt.Errorf("%w: %s", ErrUnboundPort, o.FullName())
	}
	return ep.Send(ctx, m)
}

// SendDense wraps data as a dense message of the port's type and sends it.
func (o *OutPort) SendDense(ctx context.Context, data []float64) error {
	m, err := channel.NewDense(o.shape, o.dtype, data)
	if err != nil {
		return err
	}
	return o.Send(ctx, m)
}

// Peer returns the connected output port, if any.
func (in *InPort) Peer() *OutPort {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.peer
}

// Bind attaches the receive endpoint of a channel. Each port binds once.
func (in *InPort) Bind(ep *channel.RecvPort) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.recv != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyWired, in.FullName())
	}
	if err := ep.Claim(); err != nil {
		return err
	}
	in.recv = ep
	return nil
}

// Bound reports whether a channel endpoint is attached.
func (in *InPort) Bound() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.recv != nil
}

func (in *InPort) endpoint() (*channel.RecvPort, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.recv == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnboundPort, in.FullName())
	}
	return in.recv, nil
}

// Recv blocks until a message arrives on the bound channel.
func (in *InPort) Recv(ctx context.Context) (channel.Message, error) {
	ep, err := in.endpoint()
	if err != nil {
		return channel.Message{}, err
	}
	return ep.Recv(ctx)
}

// Probe reports whether a message is waiting. Unbound ports report false.
func (in *InPort) Probe() bool {
	ep, err := in.endpoint()
	if err != nil {
		return false
	}
	return ep.Probe()
}

// TryRecv dequeues a waiting message without blocking.
func (in *InPort) TryRecv() (channel.Message, bool, error) {
	ep, err := in.endpoint()
	if err != nil {
		return channel.Message{}, false, err
	}
	return ep.TryRecv()
}
