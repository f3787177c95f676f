// Package channel provides communication abstractions for lock-stepped actors
package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/lockstep/lockstep/internal/core/errs"
	"github.com/lockstep/lockstep/pkg/validation"
)

// Channel is a bounded, typed, single-producer/single-consumer conduit.
// PRINCIPLES:
// - Send and Receive are the only suspension points
// - FIFO within one channel, no ordering across channels
// - Close unblocks every parked caller with ErrChannelClosed
type Channel interface {
	// Send enqueues a message, blocking while the queue is full
	Send(ctx context.Context, message Message) error

	// Receive dequeues the oldest message, blocking until one is available
	Receive(ctx context.Context) (Message, error)

	// Probe reports whether Receive would return without blocking
	Probe() bool

	// TryReceive dequeues a message if one is queued, never blocking
	TryReceive() (Message, bool, error)

	// Close closes the channel; safe to call more than once
	Close() error

	Len() int
	Cap() int
	Name() string
	Shape() Shape
	DType() DType
	Backend() Backend

	SrcPort() *SendPort
	DstPort() *RecvPort
}

// Backend names a channel implementation.
type Backend string

const (
	// BackendShmem is an in-process bounded queue
	BackendShmem Backend = "shmem"
	// BackendSocket streams msgpack frames over a connected stream pair
	BackendSocket Backend = "socket"
)

// Config holds configuration for a channel
type Config struct {
	Name     string        `json:"name" validate:"max=256"`
	Shape    Shape         `json:"shape" validate:"shape"`
	DType    DType         `json:"dtype" validate:"omitempty,oneof=float int bool"`
	Capacity int           `json:"capacity" validate:"gte=0"`
	Backend  Backend       `json:"backend"`
	Timeout  time.Duration `json:"timeout" validate:"gte=0"` // 0 blocks until ctx or close
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = defaultRuntimeConfig.capacity()
	}
	if c.DType == "" {
		c.DType = DTypeFloat
	}
	if c.Backend == "" {
		c.Backend = defaultRuntimeConfig.backend()
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultRuntimeConfig.Timeout
	}
	if c.Name == "" {
		c.Name = "channel"
	}
	return c
}

// New validates cfg and builds a channel on the configured backend.
func New(cfg Config) (Channel, error) {
	if err := cfg.Shape.Validate(); err != nil {
		return nil, err
	}
	if err := validation.ValidateWithPlayground(cfg); err != nil {
		return nil, fmt.Errorf("%w: channel %q: %v", errs.ErrConfiguration, cfg.Name, err)
	}
	cfg = cfg.withDefaults()
	switch cfg.Backend {
	case BackendShmem:
		return NewBoundedChannel(cfg), nil
	case BackendSocket:
		return NewSocketChannel(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, string(cfg.Backend))
	}
}

// checkType rejects messages whose tag does not match the channel's type.
func checkType(name string, shape Shape, dtype DType, m *Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if !m.Shape.Equal(shape) || m.DType != dtype {
		return fmt.Errorf("%w: channel %s carries %s%s, got %s%s", ErrShapeMismatch, name, dtype, shape, m.DType, m.Shape)
	}
	return nil
}

// deadline returns a timer channel for timeout, or nil when no timeout is set.
func deadline(timeout time.Duration) (<-chan time.Time, func()) {
	if timeout <= 0 {
		return nil, func() {}
	}
	t := time.NewTimer(timeout)
	return t.C, func() { t.Stop() }
}
