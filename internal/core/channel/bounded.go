package channel

import (
	"context"
	"sync"
	"time"

	imetrics "github.com/lockstep/lockstep/internal/infrastructure/metrics"
)

// BoundedChannel is the in-process ("shmem") backend: a fixed-capacity FIFO
// guarded by a mutex with a broadcast notify channel for parked callers.
// PRINCIPLES:
// - KISS: Simple queue-based implementation
// - Thread-safe: every state change signals all waiters
type BoundedChannel struct {
	name     string
	shape    Shape
	dtype    DType
	backend  Backend
	buffer   []Message
	capacity int
	closed   bool
	timeout  time.Duration
	mu       sync.RWMutex
	notify   chan struct{}

	src *SendPort
	dst *RecvPort
}

// NewBoundedChannel creates a bounded channel. cfg is expected to be validated.
func NewBoundedChannel(cfg Config) *BoundedChannel {
	cfg = cfg.withDefaults()
	c := &BoundedChannel{
		name:     cfg.Name,
		shape:    cloneShape(cfg.Shape),
		dtype:    cfg.DType,
		backend:  BackendShmem,
		buffer:   make([]Message, 0, cfg.Capacity),
		capacity: cfg.Capacity,
		timeout:  cfg.Timeout,
		notify:   make(chan struct{}),
	}
	c.src, c.dst = newEndpoints(c)
	return c
}

// Send enqueues message, parking while the queue is full.
func (c *BoundedChannel) Send(ctx context.Context, message Message) error {
	if err := checkType(c.name, c.shape, c.dtype, &message); err != nil {
		return err
	}
	return c.push(ctx, message)
}

// push skips the type check; the socket backend uses it for decoded frames.
func (c *BoundedChannel) push(ctx context.Context, message Message) error {
	timer, stop := deadline(c.timeout)
	defer stop()
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrChannelClosed
		}
		if len(c.buffer) < c.capacity {
			c.buffer = append(c.buffer, message)
			imetrics.ChannelSent(string(c.backend), 1)
			c.signal()
			c.mu.Unlock()
			return nil
		}
		ch := c.notify
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-timer:
			return ErrTimeout
		}
	}
}

// Receive dequeues the oldest message, parking while the queue is empty.
// Messages queued before Close are still delivered.
func (c *BoundedChannel) Receive(ctx context.Context) (Message, error) {
	timer, stop := deadline(c.timeout)
	defer stop()
	for {
		c.mu.Lock()
		if len(c.buffer) > 0 {
			message := c.pop()
			c.mu.Unlock()
			return message, nil
		}
		if c.closed {
			c.mu.Unlock()
			return Message{}, ErrChannelClosed
		}
		ch := c.notify
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-timer:
			return Message{}, ErrTimeout
		}
	}
}

// Probe reports whether a message is queued.
func (c *BoundedChannel) Probe() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.buffer) > 0
}

// TryReceive dequeues a message if one is queued.
func (c *BoundedChannel) TryReceive() (Message, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffer) > 0 {
		return c.pop(), true, nil
	}
	if c.closed {
		return Message{}, false, ErrChannelClosed
	}
	return Message{}, false, nil
}

// pop must be called with c.mu held and a non-empty buffer.
func (c *BoundedChannel) pop() Message {
	message := c.buffer[0]
	c.buffer[0] = Message{}
	c.buffer = c.buffer[1:]
	imetrics.ChannelReceived(string(c.backend), 1)
	c.signal()
	return message
}

// Close closes the channel
func (c *BoundedChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.signal()
	return nil
}

// Len returns the number of messages currently queued
func (c *BoundedChannel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.buffer)
}

// Cap returns the capacity of the channel
func (c *BoundedChannel) Cap() int { return c.capacity }

// IsClosed returns whether the channel is closed
func (c *BoundedChannel) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *BoundedChannel) Name() string       { return c.name }
func (c *BoundedChannel) Shape() Shape       { return cloneShape(c.shape) }
func (c *BoundedChannel) DType() DType       { return c.dtype }
func (c *BoundedChannel) Backend() Backend   { return c.backend }
func (c *BoundedChannel) SrcPort() *SendPort { return c.src }
func (c *BoundedChannel) DstPort() *RecvPort { return c.dst }

// Stats returns channel statistics
func (c *BoundedChannel) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Name: c.name, Backend: c.backend, Length: len(c.buffer), Capacity: c.capacity, Closed: c.closed}
}

// signal wakes every current waiter. Must be called with c.mu held.
func (c *BoundedChannel) signal() {
	old := c.notify
	c.notify = make(chan struct{})
	close(old)
}

// Stats provides channel statistics
type Stats struct {
	Name     string  `json:"name"`
	Backend  Backend `json:"backend"`
	Length   int     `json:"length"`
	Capacity int     `json:"capacity"`
	Closed   bool    `json:"closed"`
}
