package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/semaphore"
)

// PairFunc returns two connected stream ends. The first is written by the
// sender, the second is read by the receiver.
type PairFunc func() (net.Conn, net.Conn, error)

// PipePair connects both ends in memory.
func PipePair() (net.Conn, net.Conn, error) {
	a, b := net.Pipe()
	return a, b, nil
}

// DefaultPair is used by NewSocketChannel. Tests and deployments may swap it
// for a loopback TCP pair.
var DefaultPair PairFunc = PipePair

// SocketChannel streams msgpack-encoded messages across a connected stream
// pair. Capacity is enforced with credits: a sender holds one credit per
// message in flight and the receiver returns it on dequeue.
// PRINCIPLES:
// - Same observable contract as BoundedChannel
// - One writer goroutine (the caller), one reader goroutine (decoder)
type SocketChannel struct {
	name    string
	shape   Shape
	dtype   DType
	timeout time.Duration

	credits *semaphore.Weighted
	queue   *BoundedChannel

	writeMu sync.Mutex
	wconn   net.Conn
	rconn   net.Conn
	enc     *msgpack.Encoder

	closeCtx  context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup

	src *SendPort
	dst *RecvPort
}

// NewSocketChannel opens a stream pair via DefaultPair and starts the decoder.
func NewSocketChannel(cfg Config) (*SocketChannel, error) {
	return NewSocketChannelWithPair(cfg, DefaultPair)
}

// NewSocketChannelWithPair is NewSocketChannel with an explicit pair constructor.
func NewSocketChannelWithPair(cfg Config, pair PairFunc) (*SocketChannel, error) {
	cfg = cfg.withDefaults()
	wconn, rconn, err := pair()
	if err != nil {
		return nil, fmt.Errorf("failed to open socket pair for %s: %w", cfg.Name, err)
	}

	queueCfg := cfg
	queueCfg.Timeout = 0
	queue := NewBoundedChannel(queueCfg)
	queue.backend = BackendSocket

	ctx, cancel := context.WithCancel(context.Background())
	c := &SocketChannel{
		name:     cfg.Name,
		shape:    cloneShape(cfg.Shape),
		dtype:    cfg.DType,
		timeout:  cfg.Timeout,
		credits:  semaphore.NewWeighted(int64(cfg.Capacity)),
		queue:    queue,
		wconn:    wconn,
		rconn:    rconn,
		enc:      msgpack.NewEncoder(wconn),
		closeCtx: ctx,
		cancel:   cancel,
	}
	c.src, c.dst = newEndpoints(c)

	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

func (c *SocketChannel) readLoop() {
	defer c.wg.Done()
	defer c.queue.Close()
	dec := msgpack.NewDecoder(c.rconn)
	for {
		var m Message
		if err := dec.Decode(&m); err != nil {
			return
		}
		if err := c.queue.push(context.Background(), m); err != nil {
			return
		}
	}
}

// Send encodes message onto the stream, parking while all credits are held.
func (c *SocketChannel) Send(ctx context.Context, message Message) error {
	if err := checkType(c.name, c.shape, c.dtype, &message); err != nil {
		return err
	}
	if c.closeCtx.Err() != nil {
		return ErrChannelClosed
	}

	wctx, cancel := c.waitContext(ctx)
	defer cancel()
	if err := c.credits.Acquire(wctx, 1); err != nil {
		return c.waitError(ctx, wctx)
	}

	c.writeMu.Lock()
	err := c.enc.Encode(&message)
	c.writeMu.Unlock()
	if err != nil {
		c.credits.Release(1)
		if c.closeCtx.Err() != nil {
			return ErrChannelClosed
		}
		return fmt.Errorf("failed to encode message on %s: %w", c.name, err)
	}
	return nil
}

// Receive dequeues the oldest decoded message and returns its credit.
func (c *SocketChannel) Receive(ctx context.Context) (Message, error) {
	rctx, cancel := ctx, context.CancelFunc(func() {})
	if c.timeout > 0 {
		rctx, cancel = context.WithTimeoutCause(ctx, c.timeout, ErrTimeout)
	}
	defer cancel()

	m, err := c.queue.Receive(rctx)
	if err != nil {
		if errors.Is(context.Cause(rctx), ErrTimeout) && ctx.Err() == nil {
			return Message{}, ErrTimeout
		}
		return Message{}, err
	}
	c.credits.Release(1)
	return m, nil
}

// Probe reports whether a decoded message is waiting.
func (c *SocketChannel) Probe() bool { return c.queue.Probe() }

// TryReceive dequeues a decoded message if one is waiting.
func (c *SocketChannel) TryReceive() (Message, bool, error) {
	m, ok, err := c.queue.TryReceive()
	if ok {
		c.credits.Release(1)
	}
	return m, ok, err
}

// Close tears down both stream ends and waits for the decoder to exit.
func (c *SocketChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.writeMu.Lock()
		err = c.wconn.Close()
		c.writeMu.Unlock()
		if rerr := c.rconn.Close(); err == nil {
			err = rerr
		}
		c.wg.Wait()
		_ = c.queue.Close()
	})
	return err
}

// waitContext derives a context that ends on caller cancel, Close, or timeout.
func (c *SocketChannel) waitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	wctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(c.closeCtx, func() { cancel(ErrChannelClosed) })
	var timer *time.Timer
	if c.timeout > 0 {
		timer = time.AfterFunc(c.timeout, func() { cancel(ErrTimeout) })
	}
	return wctx, func() {
		stop()
		if timer != nil {
			timer.Stop()
		}
		cancel(nil)
	}
}

func (c *SocketChannel) waitError(parent, wctx context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	if cause := context.Cause(wctx); cause != nil {
		return cause
	}
	return ErrChannelClosed
}

func (c *SocketChannel) Len() int           { return c.queue.Len() }
func (c *SocketChannel) Cap() int           { return c.queue.Cap() }
func (c *SocketChannel) Name() string       { return c.name }
func (c *SocketChannel) Shape() Shape       { return cloneShape(c.shape) }
func (c *SocketChannel) DType() DType       { return c.dtype }
func (c *SocketChannel) Backend() Backend   { return BackendSocket }
func (c *SocketChannel) SrcPort() *SendPort { return c.src }
func (c *SocketChannel) DstPort() *RecvPort { return c.dst }
