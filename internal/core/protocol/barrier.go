package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Barrier is the countdown rendezvous for one phase of one timestep.
// PRINCIPLES:
// - Bulk synchronous: no party observes phase k+1 before all finished k
// - Fail fast: the first reported error releases Wait immediately
type Barrier struct {
	Timestep  int64
	Phase     Phase
	StartTime time.Time
	EndTime   time.Time

	mu      sync.Mutex
	pending map[string]bool
	arrived int
	err     error
	done    chan struct{}
	closed  bool
}

// NewBarrier creates a barrier expecting exactly the named parties.
func NewBarrier(timestep int64, phase Phase, parties ...string) *Barrier {
	b := &Barrier{
		Timestep:  timestep,
		Phase:     phase,
		StartTime: time.Now(),
		pending:   make(map[string]bool, len(parties)),
		done:      make(chan struct{}),
	}
	for _, p := range parties {
		b.pending[p] = true
	}
	if len(b.pending) == 0 {
		b.release()
	}
	return b
}

// Arrive records that party finished the phase. A non-nil err fails the
// barrier. Arriving twice is ignored.
func (b *Barrier) Arrive(party string, err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stillPending, known := b.pending[party]
	if !known {
		return fmt.Errorf("%w: %q at %s of timestep %d", ErrUnknownParty, party, b.Phase, b.Timestep)
	}
	if !stillPending {
		return nil
	}
	b.pending[party] = false
	b.arrived++

	if err != nil && b.err == nil {
		b.err = err
		b.release()
		return nil
	}
	if b.arrived == len(b.pending) {
		b.release()
	}
	return nil
}

// release must be called with b.mu held (or before b is shared).
func (b *Barrier) release() {
	if b.closed {
		return
	}
	b.closed = true
	b.EndTime = time.Now()
	close(b.done)
}

// Wait blocks until every party arrived, any party failed, or ctx ends.
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the barrier is released.
func (b *Barrier) Done() <-chan struct{} { return b.done }

// Pending returns the parties that have not arrived yet.
func (b *Barrier) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for p, waiting := range b.pending {
		if waiting {
			out = append(out, p)
		}
	}
	return out
}

// Duration is the time between creation and release.
func (b *Barrier) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		return time.Since(b.StartTime)
	}
	return b.EndTime.Sub(b.StartTime)
}
