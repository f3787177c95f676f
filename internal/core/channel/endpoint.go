package channel

import (
	"context"
	"fmt"
	"sync/atomic"
)

// SendPort is the single writer endpoint of a channel.
type SendPort struct {
	ch      Channel
	claimed atomic.Bool
}

// RecvPort is the single reader endpoint of a channel.
type RecvPort struct {
	ch      Channel
	claimed atomic.Bool
}

func newEndpoints(ch Channel) (*SendPort, *RecvPort) {
	return &SendPort{ch: ch}, &RecvPort{ch: ch}
}

// Claim binds the endpoint to its writer. A second claim is a wiring error.
func (p *SendPort) Claim() error {
	if !p.claimed.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: send port of %s", ErrEndpointClaimed, p.ch.Name())
	}
	return nil
}

// Send forwards to the underlying channel.
func (p *SendPort) Send(ctx context.Context, m Message) error { return p.ch.Send(ctx, m) }

// Channel returns the channel this endpoint belongs to.
func (p *SendPort) Channel() Channel { return p.ch }

// Claim binds the endpoint to its reader. A second claim is a wiring error.
func (p *RecvPort) Claim() error {
	if !p.claimed.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: receive port of %s", ErrEndpointClaimed, p.ch.Name())
	}
	return nil
}

// Recv forwards to the underlying channel.
func (p *RecvPort) Recv(ctx context.Context) (Message, error) { return p.ch.Receive(ctx) }

// Probe reports whether a message is waiting.
func (p *RecvPort) Probe() bool { return p.ch.Probe() }

// TryRecv dequeues without blocking.
func (p *RecvPort) TryRecv() (Message, bool, error) { return p.ch.TryReceive() }

// Channel returns the channel this endpoint belongs to.
func (p *RecvPort) Channel() Channel { return p.ch }
