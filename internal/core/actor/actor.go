// Package actor runs one process model on its own goroutine and exposes the
// command/status protocol the orchestrator uses to drive it.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/lockstep/lockstep/internal/core/channel"
	"github.com/lockstep/lockstep/internal/core/process"
	"github.com/lockstep/lockstep/internal/core/protocol"
	imetrics "github.com/lockstep/lockstep/internal/infrastructure/metrics"
)

// InboxSize is the number of commands an actor queues while busy in a phase.
const InboxSize = 16

// Config holds configuration for an actor
type Config struct {
	Name       string
	Model      process.Model
	Process    *process.Process   // optional, for diagnostics and snapshots
	Controller process.Controller // handed to models implementing process.Starter
	Logger     logr.Logger
}

// envelope carries a command and, for Apply, the channel closed once the
// actor has acted on it.
type envelope struct {
	cmd Command
	ack chan struct{}
}

// Request hands one phase of one timestep to an actor. The actor arrives at
// Barrier when the phase is done, failed or aborted.
type Request struct {
	Timestep int64
	Phase    protocol.Phase
	Barrier  *protocol.Barrier
}

// Actor is an independently scheduled execution context for one model.
// PRINCIPLES:
// - Commands are observed only between phases, never mid-phase
// - ERROR and STOPPED are terminal
// - Faults are reported through status, not retried
type Actor struct {
	id    uuid.UUID
	name  string
	model process.Model
	proc  *process.Process
	ctl   process.Controller
	log   logr.Logger

	commands chan envelope
	phases   chan Request
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	mu       sync.RWMutex
	status   Status
	stopping atomic.Bool
	started  bool

	spawnOnce sync.Once
}

// New creates an actor. It does nothing until Spawn and START.
func New(cfg Config) (*Actor, error) {
	if cfg.Model == nil {
		return nil, ErrNilModel
	}
	id := uuid.New()
	name := cfg.Name
	if name == "" && cfg.Process != nil {
		name = cfg.Process.Name
	}
	if name == "" {
		name = id.String()
	}
	log := cfg.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Actor{
		id:       id,
		name:     name,
		model:    cfg.Model,
		proc:     cfg.Process,
		ctl:      cfg.Controller,
		log:      log.WithValues("actor", name),
		commands: make(chan envelope, InboxSize),
		phases:   make(chan Request),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		status:   Status{State: StateCreated},
	}, nil
}

func (a *Actor) ID() uuid.UUID             { return a.id }
func (a *Actor) Name() string              { return a.name }
func (a *Actor) Process() *process.Process { return a.proc }
func (a *Actor) Model() process.Model      { return a.model }
func (a *Actor) Done() <-chan struct{}     { return a.done }
func (a *Actor) Party() string             { return a.id.String() }

// Spawn starts the actor goroutine. Calling it again is a no-op.
func (a *Actor) Spawn() {
	a.spawnOnce.Do(func() {
		imetrics.AddActiveActors(1)
		go a.loop()
	})
}

// Dispatch enqueues a lifecycle command. It returns before the actor acts.
// STOP never blocks: when the inbox is full the actor still observes the
// stop request before its next phase.
func (a *Actor) Dispatch(cmd Command) error {
	if cmd == CmdStop {
		a.stopping.Store(true)
	}
	select {
	case <-a.done:
		return fmt.Errorf("%w: %s", ErrActorTerminated, a.name)
	default:
	}
	if cmd == CmdStop {
		select {
		case a.commands <- envelope{cmd: cmd}:
		default:
		}
		return nil
	}
	select {
	case a.commands <- envelope{cmd: cmd}:
		return nil
	case <-a.done:
		return fmt.Errorf("%w: %s", ErrActorTerminated, a.name)
	}
}

// Apply enqueues cmd and waits until the actor has acted on it. A START
// applied this way has armed every process.Starter by the time Apply
// returns.
func (a *Actor) Apply(ctx context.Context, cmd Command) error {
	if cmd == CmdStop {
		a.stopping.Store(true)
	}
	ack := make(chan struct{})
	select {
	case a.commands <- envelope{cmd: cmd, ack: ack}:
	case <-a.done:
		return fmt.Errorf("%w: %s", ErrActorTerminated, a.name)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-a.done:
		select {
		case <-ack:
			return nil
		default:
		}
		if cmd == CmdStop {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrActorTerminated, a.name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the latest reported status.
func (a *Actor) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// Execute hands one phase to the actor. It returns once the actor accepted
// the request; completion is signaled on req.Barrier.
func (a *Actor) Execute(ctx context.Context, req Request) error {
	select {
	case a.phases <- req:
		return nil
	case <-a.done:
		return fmt.Errorf("%w: %s", ErrActorTerminated, a.name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill cancels the actor's context, aborting any blocking call inside the
// model, and marks it as stopping.
func (a *Actor) Kill() {
	a.stopping.Store(true)
	a.cancel()
}

// Wait blocks until the actor goroutine exits or ctx ends.
func (a *Actor) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) loop() {
	defer close(a.done)
	defer imetrics.AddActiveActors(-1)
	defer a.cancel()

	for {
		// Pending commands take priority over the next phase.
		select {
		case env := <-a.commands:
			if a.handle(env) {
				return
			}
			continue
		default:
		}
		if a.stopping.Load() {
			a.setState(StateStopped)
			a.log.V(1).Info("actor stopped")
			return
		}

		var phases chan Request
		if a.Status().State == StateRunning {
			phases = a.phases
		}

		select {
		case env := <-a.commands:
			if a.handle(env) {
				return
			}
		case req := <-phases:
			if a.runPhase(req) {
				return
			}
		case <-a.ctx.Done():
			a.setState(StateStopped)
			a.log.V(1).Info("actor killed")
			return
		}
	}
}

// handle applies env and acknowledges it.
func (a *Actor) handle(env envelope) bool {
	terminated := a.apply(env.cmd)
	if env.ack != nil {
		close(env.ack)
	}
	return terminated
}

// apply handles one command and reports whether the actor terminated.
func (a *Actor) apply(cmd Command) bool {
	state := a.Status().State
	switch cmd {
	case CmdStart:
		if state == StateCreated || state == StatePaused {
			a.setState(StateRunning)
			a.log.V(1).Info("actor running", "from", state.String())
			if !a.started {
				a.started = true
				if s, ok := a.model.(process.Starter); ok && a.ctl != nil {
					s.Started(a.ctl)
				}
			}
		}
	case CmdPause:
		if state == StateRunning {
			a.setState(StatePaused)
			a.log.V(1).Info("actor paused")
		}
	case CmdStop:
		a.setState(StateStopped)
		a.log.V(1).Info("actor stopped")
		return true
	}
	return false
}

// runPhase executes one phase and reports whether the actor terminated.
func (a *Actor) runPhase(req Request) bool {
	err := a.step(req)
	if err == nil {
		a.mu.Lock()
		a.status.Timestep = req.Timestep
		a.mu.Unlock()
		imetrics.IncPhaseExecs(req.Phase.String())
		a.arrive(req, nil)
		return false
	}

	if a.stopping.Load() && isShutdown(err) {
		a.setState(StateStopped)
		a.log.V(1).Info("actor stopped mid-phase", "phase", req.Phase.String(), "timestep", req.Timestep)
		a.arrive(req, fmt.Errorf("%w: %s", ErrActorStopped, a.name))
		return true
	}

	failure := &ActorFailure{Actor: a.name, Phase: req.Phase, Timestep: req.Timestep, Cause: err}
	a.mu.Lock()
	a.status = Status{State: StateError, Err: failure, Timestep: a.status.Timestep, FailedAt: time.Now()}
	a.mu.Unlock()
	imetrics.IncActorFailures()
	a.log.Error(err, "actor failed", "phase", req.Phase.String(), "timestep", req.Timestep)
	a.arrive(req, failure)
	return true
}

func (a *Actor) step(req Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	a.log.V(2).Info("phase", "phase", req.Phase.String(), "timestep", req.Timestep)
	return a.model.PhaseStep(a.ctx, req.Phase)
}

func (a *Actor) arrive(req Request, err error) {
	if req.Barrier == nil {
		return
	}
	if aerr := req.Barrier.Arrive(a.Party(), err); aerr != nil {
		a.log.Error(aerr, "barrier rejected arrival")
	}
}

func (a *Actor) setState(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.State = s
	if s != StateError {
		a.status.Err = nil
	}
}

func isShutdown(err error) bool {
	return errors.Is(err, channel.ErrChannelClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
