// Package orchestrator owns the actors and channels of a running graph and
// drives them through the synchronization protocol, one barrier per phase
// per timestep.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/lockstep/lockstep/internal/core/actor"
	"github.com/lockstep/lockstep/internal/core/channel"
	"github.com/lockstep/lockstep/internal/core/checkpoint"
	"github.com/lockstep/lockstep/internal/core/process"
	"github.com/lockstep/lockstep/internal/core/protocol"
	"github.com/lockstep/lockstep/internal/core/runcond"
	imetrics "github.com/lockstep/lockstep/internal/infrastructure/metrics"
)

// DefaultJoinTimeout bounds how long Teardown waits for actors to exit.
const DefaultJoinTimeout = 10 * time.Second

// Config holds configuration for an orchestrator
type Config struct {
	Protocol        protocol.Protocol
	ChannelCapacity int
	ChannelBackend  channel.Backend
	ChannelTimeout  time.Duration
	PhaseTimeout    time.Duration // 0 waits until every party arrives
	JoinTimeout     time.Duration

	Registry *process.Registry // defaults to process.DefaultRegistry
	Selector process.Selector

	Saver         checkpoint.Saver // optional
	SnapshotEvery int64            // periodic snapshots, 0 disables

	Logger logr.Logger
}

// Orchestrator spawns actors, wires channels and runs timesteps.
// PRINCIPLES:
// - Phase k+1 starts for any actor only after every actor finished phase k
// - The first actor failure aborts the run; surviving actors stay queryable
// - Teardown is idempotent and unblocks every parked send and receive
type Orchestrator struct {
	cfg Config
	log logr.Logger

	mu       sync.Mutex
	actors   []*actor.Actor
	byProc   map[*process.Process]*actor.Actor
	procs    []*process.Process
	channels []channel.Channel
	loaded   bool
	tornDown bool

	runID     string
	running   bool
	runCancel context.CancelCauseFunc
	runDone   chan struct{}
	runErr    error
	failure   error

	timestep atomic.Int64

	teardownOnce sync.Once
	teardownErr  error
}

// New creates an empty orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Protocol.IsZero() {
		cfg.Protocol = protocol.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = process.DefaultRegistry
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	log := cfg.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Orchestrator{
		cfg:    cfg,
		log:    log,
		byProc: make(map[*process.Process]*actor.Actor),
	}
}

// Spawn creates and starts one actor goroutine per config. Actors stay
// CREATED until the first run broadcasts START.
func (o *Orchestrator) Spawn(cfgs ...actor.Config) ([]*actor.Actor, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.tornDown {
		return nil, ErrTornDown
	}

	spawned := make([]*actor.Actor, 0, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.Controller == nil {
			cfg.Controller = o
		}
		if cfg.Logger.GetSink() == nil {
			cfg.Logger = o.log
		}
		a, err := actor.New(cfg)
		if err != nil {
			return spawned, err
		}
		a.Spawn()
		o.actors = append(o.actors, a)
		if cfg.Process != nil {
			o.byProc[cfg.Process] = a
			o.procs = append(o.procs, cfg.Process)
		}
		spawned = append(spawned, a)
	}
	return spawned, nil
}

// Wire allocates a channel for out -> in and binds both endpoints.
func (o *Orchestrator) Wire(out *process.OutPort, in *process.InPort) (channel.Channel, error) {
	if out.Bound() || in.Bound() {
		return nil, fmt.Errorf("%w: %s -> %s", process.ErrAlreadyWired, out.FullName(), in.FullName())
	}
	if err := out.Connect(in); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.tornDown {
		return nil, ErrTornDown
	}
	ch, err := channel.New(channel.Config{
		Name:     out.FullName() + "->" + in.FullName(),
		Shape:    out.Shape(),
		DType:    out.DType(),
		Capacity: o.cfg.ChannelCapacity,
		Backend:  o.cfg.ChannelBackend,
		Timeout:  o.cfg.ChannelTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := out.Bind(ch.SrcPort()); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := in.Bind(ch.DstPort()); err != nil {
		_ = ch.Close()
		return nil, err
	}
	o.channels = append(o.channels, ch)
	o.log.V(1).Info("wired channel", "channel", ch.Name(), "backend", string(ch.Backend()))
	return ch, nil
}

// Load discovers every process connected to procs, resolves one model per
// process, spawns its actor and wires every declared connection. Any
// declared port left unbound is a configuration error. A failed Load tears
// the orchestrator down.
func (o *Orchestrator) Load(procs ...*process.Process) (err error) {
	o.mu.Lock()
	if o.loaded {
		o.mu.Unlock()
		return ErrAlreadyLoaded
	}
	o.loaded = true
	o.mu.Unlock()

	defer func() {
		if err != nil {
			_ = o.Teardown()
		}
	}()

	graph := discover(procs)
	specs := make([]actor.Config, 0, len(graph))
	for _, p := range graph {
		model, err := o.cfg.Registry.Resolve(p, o.cfg.Selector)
		if err != nil {
			return err
		}
		specs = append(specs, actor.Config{Name: p.Name, Model: model, Process: p})
	}
	if _, err := o.Spawn(specs...); err != nil {
		return err
	}

	for _, p := range graph {
		for _, out := range p.OutPorts() {
			in := out.Peer()
			if in == nil || out.Bound() {
				continue
			}
			if _, err := o.Wire(out, in); err != nil {
				return err
			}
		}
	}
	for _, p := range graph {
		for _, in := range p.InPorts() {
			if !in.Bound() {
				return fmt.Errorf("%w: %s", process.ErrUnboundPort, in.FullName())
			}
		}
		for _, out := range p.OutPorts() {
			if !out.Bound() {
				return fmt.Errorf("%w: %s", process.ErrUnboundPort, out.FullName())
			}
		}
	}
	o.log.Info("graph loaded", "processes", len(graph), "channels", len(o.Channels()))
	return nil
}

// discover walks connections breadth first, keeping first-seen order.
func discover(roots []*process.Process) []*process.Process {
	seen := make(map[*process.Process]bool)
	var order []*process.Process
	queue := append([]*process.Process(nil), roots...)
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if p == nil || seen[p] {
			continue
		}
		seen[p] = true
		order = append(order, p)
		queue = append(queue, p.Neighbors()...)
	}
	return order
}

// Broadcast dispatches cmd to every actor and aggregates dispatch errors.
func (o *Orchestrator) Broadcast(cmd actor.Command) error {
	var err error
	for _, a := range o.Actors() {
		err = multierr.Append(err, a.Dispatch(cmd))
	}
	return err
}

// BroadcastWait applies cmd to every actor and waits until each one has
// acted on it.
func (o *Orchestrator) BroadcastWait(ctx context.Context, cmd actor.Command) error {
	var err error
	for _, a := range o.Actors() {
		err = multierr.Append(err, a.Apply(ctx, cmd))
	}
	return err
}

// Aggregate is the combined status of every actor.
type Aggregate struct {
	State    actor.State
	Counts   map[actor.State]int
	Statuses []NamedStatus
	Err      error // the earliest failure
}

// NamedStatus pairs an actor name with its status.
type NamedStatus struct {
	Name   string
	Status actor.Status
}

// CollectStatus snapshots every actor's status. Any ERROR makes the
// aggregate ERROR and Err the failure that happened first.
func (o *Orchestrator) CollectStatus() Aggregate {
	agg := Aggregate{Counts: make(map[actor.State]int)}
	actors := o.Actors()
	var firstAt time.Time
	for _, a := range actors {
		st := a.Status()
		agg.Counts[st.State]++
		agg.Statuses = append(agg.Statuses, NamedStatus{Name: a.Name(), Status: st})
		if st.State == actor.StateError && (agg.Err == nil || st.FailedAt.Before(firstAt)) {
			agg.Err, firstAt = st.Err, st.FailedAt
		}
	}

	switch n := len(actors); {
	case agg.Counts[actor.StateError] > 0:
		agg.State = actor.StateError
	case n > 0 && agg.Counts[actor.StateStopped] == n:
		agg.State = actor.StateStopped
	case agg.Counts[actor.StateRunning] > 0:
		agg.State = actor.StateRunning
	case n > 0 && agg.Counts[actor.StatePaused] == n:
		agg.State = actor.StatePaused
	default:
		agg.State = actor.StateCreated
	}
	return agg
}

// runnable reports why no run may start now. Must be called with o.mu held.
func (o *Orchestrator) runnable() error {
	switch {
	case o.tornDown:
		return ErrTornDown
	case o.running:
		return ErrRunInProgress
	case o.failure != nil:
		return o.failure
	case len(o.actors) == 0:
		return ErrNothingToRun
	}
	return nil
}

// Start moves every actor out of CREATED and leaves it PAUSED at the
// current timestep. Injectors accept data once Start returns, so a caller
// can feed the very first timestep. Run starts the actors by itself;
// calling Start is only needed to push data before the first run.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if err := o.runnable(); err != nil {
		o.mu.Unlock()
		return err
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	if err := o.BroadcastWait(ctx, actor.CmdStart); err != nil {
		return err
	}
	return o.BroadcastWait(ctx, actor.CmdPause)
}

// Run starts a run under cond. Every actor has acknowledged START when Run
// returns, so injectors accept data right away. Blocking conditions return
// after the last timestep; non-blocking ones return immediately and Wait
// joins the run. Timesteps continue from where the previous run ended.
//
// Cancelling ctx of a blocking run takes effect at the next timestep
// boundary: the timestep in flight completes, the actors are paused and
// Run returns the cancellation error. A later run resumes from there.
func (o *Orchestrator) Run(ctx context.Context, cond runcond.RunCondition) error {
	if !cond.Valid() {
		return fmt.Errorf("%w: %s", runcond.ErrInvalidRunCondition, cond)
	}

	o.mu.Lock()
	if err := o.runnable(); err != nil {
		o.mu.Unlock()
		return err
	}

	parent := ctx
	if !cond.Blocking() {
		parent = context.WithoutCancel(ctx)
	}
	runCtx, cancel := context.WithCancelCause(parent)
	o.running = true
	o.runID = uuid.NewString()
	o.runCancel = cancel
	o.runDone = make(chan struct{})
	o.runErr = nil
	done, runID := o.runDone, o.runID
	o.mu.Unlock()

	if err := o.BroadcastWait(ctx, actor.CmdStart); err != nil {
		cancel(err)
		o.finish(err, false)
		close(done)
		return err
	}

	o.log.Info("run started", "run", runID, "condition", cond.String(), "protocol", o.cfg.Protocol.String())
	go o.drive(runCtx, cond, done)

	if !cond.Blocking() {
		return nil
	}
	<-done
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runErr
}

// drive runs timesteps until cond is met. Caller cancellation is only
// observed between timesteps; a timestep is aborted midway by Stop or by a
// failure, and such an abort leaves the graph unable to run again.
func (o *Orchestrator) drive(ctx context.Context, cond runcond.RunCondition, done chan struct{}) {
	defer close(done)

	stepCtx, stepCancel := context.WithCancelCause(context.WithoutCancel(ctx))
	defer stepCancel(nil)
	stopStep := context.AfterFunc(ctx, func() {
		if errors.Is(context.Cause(ctx), errStopped) {
			stepCancel(errStopped)
		}
	})
	defer stopStep()

	start := o.timestep.Load()
	var cancelled, aborted error
	for t := start + 1; !cond.Done(t - start); t++ {
		if ctx.Err() != nil {
			cancelled = context.Cause(ctx)
			break
		}
		if aborted = o.step(stepCtx, t); aborted != nil {
			break
		}
		o.timestep.Store(t)
		imetrics.IncTimesteps()
		if every := o.cfg.SnapshotEvery; every > 0 && t%every == 0 {
			o.snapshot(stepCtx, t, checkpoint.SourcePeriodic)
		}
	}

	switch {
	case errors.Is(context.Cause(ctx), errStopped):
		o.log.Info("run stopped", "timestep", o.Timestep())
		o.finish(nil, false)
		return
	case aborted != nil:
		o.log.Error(aborted, "run aborted mid-timestep", "timestep", o.Timestep()+1)
		o.finish(aborted, true)
		return
	}

	pctx, cancel := context.WithTimeout(context.Background(), o.cfg.JoinTimeout)
	defer cancel()
	if perr := o.BroadcastWait(pctx, actor.CmdPause); perr != nil {
		o.log.Error(perr, "failed to pause actors")
	}
	if cancelled != nil {
		o.log.Info("run cancelled", "timestep", o.Timestep(), "cause", cancelled.Error())
		o.finish(cancelled, false)
		return
	}
	o.snapshot(stepCtx, o.Timestep(), checkpoint.SourceRunEnd)
	o.log.Info("run completed", "timestep", o.Timestep())
	o.finish(nil, false)
}

// step drives every phase of timestep t.
func (o *Orchestrator) step(ctx context.Context, t int64) error {
	actors := o.Actors()
	parties := make([]string, len(actors))
	for i, a := range actors {
		parties[i] = a.Party()
	}

	for _, phase := range o.cfg.Protocol.Phases() {
		b := protocol.NewBarrier(t, phase, parties...)
		for _, a := range actors {
			req := actor.Request{Timestep: t, Phase: phase, Barrier: b}
			if err := a.Execute(ctx, req); err != nil {
				if st := a.Status(); st.Err != nil {
					return st.Err
				}
				return err
			}
		}

		wctx, cancel := ctx, context.CancelFunc(func() {})
		if o.cfg.PhaseTimeout > 0 {
			wctx, cancel = context.WithTimeoutCause(ctx, o.cfg.PhaseTimeout, ErrPhaseTimeout)
		}
		err := b.Wait(wctx)
		cancel()
		if err != nil {
			if errors.Is(context.Cause(wctx), ErrPhaseTimeout) && ctx.Err() == nil {
				return fmt.Errorf("%w: %s of timestep %d, pending %v", ErrPhaseTimeout, phase, t, b.Pending())
			}
			return err
		}
		imetrics.ObservePhase(phase.String(), b.Duration())
		o.log.V(2).Info("phase complete", "timestep", t, "phase", phase.String())
	}
	return nil
}

// finish records the outcome of the current run. A sticky error is
// returned by every later Run.
func (o *Orchestrator) finish(err error, sticky bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = false
	o.runErr = err
	if sticky && o.failure == nil {
		o.failure = err
	}
}

// Wait blocks until the current or last run ends and returns its error.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	done := o.runDone
	o.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runErr
}

// Stop ends any active run and tears the graph down. It must not be
// called from inside a model's phase.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	cancel, done := o.runCancel, o.runDone
	o.mu.Unlock()

	if cancel != nil {
		cancel(errStopped)
	}
	err := o.Teardown()
	if done != nil {
		<-done
	}
	return err
}

// Teardown stops every actor, closes every channel and waits for the actor
// goroutines to exit. Calling it again returns the first result.
func (o *Orchestrator) Teardown() error {
	o.teardownOnce.Do(func() {
		o.mu.Lock()
		o.tornDown = true
		actors := append([]*actor.Actor(nil), o.actors...)
		channels := append([]channel.Channel(nil), o.channels...)
		o.mu.Unlock()

		var err error
		for _, a := range actors {
			if derr := a.Dispatch(actor.CmdStop); derr != nil && !errors.Is(derr, actor.ErrActorTerminated) {
				err = multierr.Append(err, derr)
			}
			if c, ok := a.Model().(io.Closer); ok {
				err = multierr.Append(err, c.Close())
			}
		}
		for _, ch := range channels {
			err = multierr.Append(err, ch.Close())
		}

		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.JoinTimeout)
		defer cancel()
		g, gctx := errgroup.WithContext(ctx)
		for _, a := range actors {
			a.Kill()
			g.Go(func() error {
				if werr := a.Wait(gctx); werr != nil {
					return fmt.Errorf("actor %s did not exit: %w", a.Name(), werr)
				}
				return nil
			})
		}
		err = multierr.Append(err, g.Wait())

		o.teardownErr = err
		o.log.Info("graph torn down", "actors", len(actors), "channels", len(channels))
	})
	return o.teardownErr
}

// Snapshot persists every process's vars at the current timestep.
func (o *Orchestrator) Snapshot(ctx context.Context) error {
	return o.snapshot(ctx, o.Timestep(), checkpoint.SourceRunEnd)
}

func (o *Orchestrator) snapshot(ctx context.Context, t int64, source string) error {
	if o.cfg.Saver == nil {
		return nil
	}
	o.mu.Lock()
	procs := append([]*process.Process(nil), o.procs...)
	runID := o.runID
	o.mu.Unlock()
	if runID == "" {
		runID = "unstarted"
	}

	var err error
	meta := checkpoint.Metadata{Source: source, Protocol: o.cfg.Protocol.String()}
	for _, p := range procs {
		if len(p.Vars()) == 0 {
			continue
		}
		cp := checkpoint.New(runID, p.Name, t, p.Snapshot(), meta)
		err = multierr.Append(err, o.cfg.Saver.Save(ctx, cp))
	}
	if err != nil {
		o.log.Error(err, "snapshot failed", "timestep", t, "source", source)
	}
	return err
}

// Restore loads the newest checkpoint of run for every process and writes
// it back into the process vars. Processes without a checkpoint are left
// unchanged.
func (o *Orchestrator) Restore(ctx context.Context, runID string) error {
	if o.cfg.Saver == nil {
		return fmt.Errorf("%w: no snapshot saver configured", checkpoint.ErrLoadFailed)
	}
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrRunInProgress
	}
	procs := append([]*process.Process(nil), o.procs...)
	o.mu.Unlock()

	var err error
	for _, p := range procs {
		found, lerr := o.cfg.Saver.List(ctx, checkpoint.Filter{RunID: runID, Process: p.Name, Limit: 1})
		if lerr != nil {
			err = multierr.Append(err, lerr)
			continue
		}
		if len(found) == 0 {
			continue
		}
		err = multierr.Append(err, p.Restore(found[0].Vars))
	}
	return err
}

// Timestep returns the last fully completed timestep.
func (o *Orchestrator) Timestep() int64 { return o.timestep.Load() }

// RunID returns the id of the current or last run.
func (o *Orchestrator) RunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runID
}

// Running reports whether a run is in progress.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Actors returns the managed actors in spawn order.
func (o *Orchestrator) Actors() []*actor.Actor {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*actor.Actor(nil), o.actors...)
}

// Channels returns the wired channels in wiring order.
func (o *Orchestrator) Channels() []channel.Channel {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]channel.Channel(nil), o.channels...)
}

// ActorFor returns the actor running p, or nil.
func (o *Orchestrator) ActorFor(p *process.Process) *actor.Actor {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.byProc[p]
}
