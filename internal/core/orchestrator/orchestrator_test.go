package orchestrator

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockstep/lockstep/internal/core/actor"
	"github.com/lockstep/lockstep/internal/core/channel"
	"github.com/lockstep/lockstep/internal/core/checkpoint"
	"github.com/lockstep/lockstep/internal/core/errs"
	"github.com/lockstep/lockstep/internal/core/injector"
	"github.com/lockstep/lockstep/internal/core/process"
	"github.com/lockstep/lockstep/internal/core/protocol"
	"github.com/lockstep/lockstep/internal/core/runcond"
)

// sink receives one message per timestep in the compute phase
type sink struct {
	proc  *process.Process
	in    *process.InPort
	total *process.Var
	last  *process.Var
	count atomic.Int64
}

func newSink(t *testing.T, name string, shape channel.Shape) *sink {
	t.Helper()
	s := &sink{proc: process.New(name, "Sink")}
	var err error
	s.in, err = s.proc.AddInPort("in", shape, channel.DTypeFloat)
	require.NoError(t, err)
	s.total, err = s.proc.AddVar("total", shape, nil)
	require.NoError(t, err)
	s.last, err = s.proc.AddVar("last", shape, nil)
	require.NoError(t, err)
	s.proc.SetModel(s)
	return s
}

func (s *sink) PhaseStep(ctx context.Context, phase protocol.Phase) error {
	if phase != protocol.PhaseCompute {
		return nil
	}
	m, err := s.in.Recv(ctx)
	if err != nil {
		return err
	}
	data := m.Dense()
	s.total.Update(func(acc []float64) {
		for i := range acc {
			acc[i] += data[i]
		}
	})
	s.count.Add(1)
	return s.last.Set(data)
}

// newPipeline builds injector -> sink and loads it
func newPipeline(t *testing.T, cfg Config) (*Orchestrator, *injector.Injector, *sink) {
	t.Helper()
	inj, err := injector.New(injector.Config{Name: "inj", Shape: channel.Shape{1}})
	require.NoError(t, err)
	s := newSink(t, "sink", channel.Shape{1})
	require.NoError(t, inj.Connect(s.in))

	o := New(cfg)
	t.Cleanup(func() { _ = o.Stop() })
	require.NoError(t, o.Load(inj.Process()))
	return o, inj, s
}

func steps(t *testing.T, n int64, blocking bool) runcond.RunCondition {
	t.Helper()
	c, err := runcond.Steps(n, blocking)
	require.NoError(t, err)
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestLoad(t *testing.T) {
	o, inj, s := newPipeline(t, Config{})
	assert.Len(t, o.Actors(), 2, "the sink is discovered through the connection")
	assert.Len(t, o.Channels(), 1)
	assert.Equal(t, "inj.out->sink.in", o.Channels()[0].Name())
	assert.NotNil(t, o.ActorFor(inj.Process()))
	assert.NotNil(t, o.ActorFor(s.proc))
	assert.Equal(t, actor.StateCreated, o.CollectStatus().State)

	assert.ErrorIs(t, o.Load(inj.Process()), ErrAlreadyLoaded)
}

func TestLoadErrors(t *testing.T) {
	t.Run("UnboundPort", func(t *testing.T) {
		s := newSink(t, "lonely", channel.Shape{1})
		o := New(Config{})
		err := o.Load(s.proc)
		assert.ErrorIs(t, err, process.ErrUnboundPort)
		assert.ErrorIs(t, err, errs.ErrConfiguration)
		assert.ErrorIs(t, o.Run(context.Background(), runcond.MustSteps(1, true)), ErrTornDown)
	})

	t.Run("NoModel", func(t *testing.T) {
		o := New(Config{Registry: process.NewRegistry()})
		err := o.Load(process.New("x", "Unregistered"))
		assert.ErrorIs(t, err, process.ErrNoModel)
	})

	t.Run("RegistryVariant", func(t *testing.T) {
		reg := process.NewRegistry()
		var calls atomic.Int64
		reg.MustRegister("Counter", process.Variant{
			Tags: []string{process.TagFixedPt},
			New: func(*process.Process) (process.Model, error) {
				return process.ModelFunc(func(context.Context, protocol.Phase) error {
					calls.Add(1)
					return nil
				}), nil
			},
		})
		o := New(Config{Registry: reg, Selector: process.Selector{Tag: process.TagFixedPt}})
		defer o.Stop()
		require.NoError(t, o.Load(process.New("c", "Counter")))
		require.NoError(t, o.Run(testContext(t), steps(t, 2, true)))
		assert.Equal(t, int64(2*protocol.Default().Len()), calls.Load())
	})
}

func TestWire(t *testing.T) {
	o := New(Config{ChannelCapacity: 4})
	defer o.Stop()

	src := process.New("src", "T")
	dst := process.New("dst", "T")
	out, err := src.AddOutPort("out", channel.Shape{2}, channel.DTypeFloat)
	require.NoError(t, err)
	in, err := dst.AddInPort("in", channel.Shape{2}, channel.DTypeFloat)
	require.NoError(t, err)

	ch, err := o.Wire(out, in)
	require.NoError(t, err)
	assert.Equal(t, 4, ch.Cap())
	assert.Same(t, in, out.Peer())

	_, err = o.Wire(out, in)
	assert.ErrorIs(t, err, process.ErrAlreadyWired)

	other := process.New("other", "T")
	bad, err := other.AddInPort("in", channel.Shape{3}, channel.DTypeFloat)
	require.NoError(t, err)
	out2, err := other.AddOutPort("out", channel.Shape{2}, channel.DTypeFloat)
	require.NoError(t, err)
	_, err = o.Wire(out2, bad)
	assert.ErrorIs(t, err, channel.ErrShapeMismatch)
}

func TestRunSteps(t *testing.T) {
	for _, backend := range []channel.Backend{channel.BackendShmem, channel.BackendSocket} {
		t.Run(string(backend), func(t *testing.T) {
			o, _, s := newPipeline(t, Config{ChannelBackend: backend})
			ctx := testContext(t)

			require.NoError(t, o.Run(ctx, steps(t, 5, true)))
			assert.Equal(t, int64(5), o.Timestep())
			assert.Equal(t, int64(5), s.count.Load())
			assert.Equal(t, actor.StatePaused, o.CollectStatus().State, "actors are paused between runs")

			require.NoError(t, o.Run(ctx, steps(t, 3, true)))
			assert.Equal(t, int64(8), o.Timestep(), "timesteps continue across runs")
			assert.Equal(t, int64(8), s.count.Load())
		})
	}
}

func TestRunNonBlocking(t *testing.T) {
	o, _, s := newPipeline(t, Config{})
	ctx := testContext(t)

	require.NoError(t, o.Run(ctx, steps(t, 20, false)))
	require.NoError(t, o.Wait(ctx))
	assert.Equal(t, int64(20), o.Timestep())
	assert.Equal(t, int64(20), s.count.Load())
	assert.False(t, o.Running())
}

func TestSendDataRightAfterNonBlockingRun(t *testing.T) {
	for i := 0; i < 20; i++ {
		o, inj, s := newPipeline(t, Config{})
		ctx := testContext(t)

		require.NoError(t, o.Run(ctx, steps(t, 50, false)))
		require.NoError(t, inj.SendData(ctx, []float64{10}), "iteration %d", i)
		require.NoError(t, o.Wait(ctx))
		assert.Equal(t, int64(50), s.count.Load())
	}
}

func TestStartFeedsFirstTimestep(t *testing.T) {
	o, inj, s := newPipeline(t, Config{})
	ctx := testContext(t)

	require.NoError(t, o.Start(ctx))
	assert.Equal(t, actor.StatePaused, o.CollectStatus().State)
	assert.Equal(t, int64(0), o.Timestep())
	assert.False(t, o.Running())

	require.NoError(t, inj.SendData(ctx, []float64{3}))
	require.NoError(t, o.Run(ctx, steps(t, 1, true)))
	assert.Equal(t, []float64{3}, s.last.Get())
}

func TestCancelMidTimestep(t *testing.T) {
	o, inj, s := newPipeline(t, Config{})
	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()

	// cancels the caller's context after the exchange barrier of timestep 2
	var computes atomic.Int64
	_, err := o.Spawn(actor.Config{Name: "canceller", Model: process.ModelFunc(func(_ context.Context, phase protocol.Phase) error {
		if phase == protocol.PhaseCompute && computes.Add(1) == 2 {
			cancel()
		}
		return nil
	})})
	require.NoError(t, err)

	err = o.Run(ctx, steps(t, 5, true))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(2), o.Timestep(), "the timestep in flight completes")
	assert.Equal(t, int64(2), s.count.Load())
	assert.Equal(t, actor.StatePaused, o.CollectStatus().State)
	assert.False(t, o.Running())

	ctx = testContext(t)
	require.NoError(t, inj.SendData(ctx, []float64{7}))
	require.NoError(t, o.Run(ctx, steps(t, 1, true)))
	assert.Equal(t, int64(3), o.Timestep())
	assert.Equal(t, int64(3), s.count.Load())
	assert.Equal(t, []float64{7}, s.last.Get(), "the sink reads the current timestep's message")
}

func TestRunRejections(t *testing.T) {
	_, err := runcond.Continuous(true)
	assert.ErrorIs(t, err, runcond.ErrInvalidRunCondition)

	o, _, _ := newPipeline(t, Config{})
	ctx := testContext(t)
	assert.ErrorIs(t, o.Run(ctx, runcond.RunCondition{}), runcond.ErrInvalidRunCondition)

	cont, err := runcond.Continuous(false)
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx, cont))
	assert.ErrorIs(t, o.Run(ctx, steps(t, 1, true)), ErrRunInProgress)

	assert.ErrorIs(t, New(Config{}).Run(ctx, steps(t, 1, true)), ErrNothingToRun)
}

func TestInjectorAccumulation(t *testing.T) {
	o, inj, s := newPipeline(t, Config{})
	ctx := testContext(t)

	assert.ErrorIs(t, inj.SendData(ctx, []float64{10}), injector.ErrNotRunning)

	require.NoError(t, o.Run(ctx, steps(t, 1, true)))
	assert.Equal(t, []float64{0}, s.last.Get(), "no sends yield zeros")

	for k := 0; k < 10; k++ {
		require.NoError(t, inj.SendData(ctx, []float64{10}))
	}
	require.NoError(t, o.Run(ctx, steps(t, 1, true)))
	assert.Equal(t, []float64{100}, s.last.Get())

	require.NoError(t, o.Run(ctx, steps(t, 1, true)))
	assert.Equal(t, []float64{0}, s.last.Get(), "the buffer is drained every timestep")
}

func TestInjectorWaitAndStop(t *testing.T) {
	o, inj, s := newPipeline(t, Config{})
	ctx := testContext(t)

	require.NoError(t, o.Run(ctx, steps(t, 10, false)))
	require.NoError(t, inj.Wait(ctx))
	assert.Equal(t, int64(10), s.count.Load())

	cont, err := runcond.Continuous(false)
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx, cont))

	go func() {
		for k := 0; k < 50; k++ {
			if inj.SendData(ctx, []float64{1}) != nil {
				return
			}
		}
	}()
	require.Eventually(t, func() bool { return o.Timestep() > 15 }, 2*time.Second, time.Millisecond)

	require.NoError(t, inj.Stop())
	require.NoError(t, o.Wait(ctx))
	assert.ErrorIs(t, inj.SendData(ctx, []float64{1}), injector.ErrNotRunning)
	assert.Equal(t, actor.StateStopped, o.CollectStatus().State)
}

func TestContinuousStop(t *testing.T) {
	o, _, _ := newPipeline(t, Config{})
	ctx := testContext(t)

	cont, err := runcond.Continuous(false)
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx, cont))
	require.Eventually(t, func() bool { return o.Timestep() >= 3 }, 2*time.Second, time.Millisecond)

	require.NoError(t, o.Stop())
	require.NoError(t, o.Wait(ctx))
	require.NoError(t, o.Stop(), "stop is idempotent")
	require.NoError(t, o.Teardown(), "teardown is idempotent")

	for _, ch := range o.Channels() {
		// messages queued before close are still delivered
		for {
			if _, err := ch.Receive(ctx); err != nil {
				assert.ErrorIs(t, err, channel.ErrChannelClosed)
				break
			}
		}
	}
	assert.ErrorIs(t, o.Run(ctx, steps(t, 1, true)), ErrTornDown)
	_, err = o.Spawn(actor.Config{Model: process.ModelFunc(func(context.Context, protocol.Phase) error { return nil })})
	assert.ErrorIs(t, err, ErrTornDown)
}

// phaseEvent is one entry or exit recorded by the instrumented harness
type phaseEvent struct {
	seq    int64
	global int // (timestep-1)*phases + phase index
	enter  bool
}

type recorder struct {
	mu     sync.Mutex
	seq    int64
	events []phaseEvent
}

func (r *recorder) record(global int, enter bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.events = append(r.events, phaseEvent{seq: r.seq, global: global, enter: enter})
}

func TestBarrierOrdering(t *testing.T) {
	proto := protocol.Loihi()
	rec := &recorder{}
	o := New(Config{Protocol: proto})
	defer o.Stop()

	const actors = 5
	specs := make([]actor.Config, actors)
	for i := range specs {
		calls := 0
		rng := rand.New(rand.NewSource(int64(i)))
		specs[i] = actor.Config{Model: process.ModelFunc(func(context.Context, protocol.Phase) error {
			global := calls
			calls++
			rec.record(global, true)
			time.Sleep(time.Duration(rng.Intn(300)) * time.Microsecond)
			rec.record(global, false)
			return nil
		})}
	}
	_, err := o.Spawn(specs...)
	require.NoError(t, err)

	const n = 6
	require.NoError(t, o.Run(testContext(t), steps(t, n, true)))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 2*actors*n*proto.Len())
	for _, enter := range rec.events {
		if !enter.enter {
			continue
		}
		for _, exit := range rec.events {
			if exit.enter || exit.global >= enter.global {
				continue
			}
			require.Less(t, exit.seq, enter.seq,
				"phase %d began before a peer finished phase %d", enter.global, exit.global)
		}
	}
}

func TestActorFailureAbortsRun(t *testing.T) {
	boom := errors.New("boom")
	o := New(Config{})
	defer o.Stop()

	var healthySteps atomic.Int64
	_, err := o.Spawn(
		actor.Config{Name: "healthy", Model: process.ModelFunc(func(context.Context, protocol.Phase) error {
			healthySteps.Add(1)
			return nil
		})},
		actor.Config{Name: "faulty", Model: process.ModelFunc(func(_ context.Context, phase protocol.Phase) error {
			if phase == protocol.PhaseCompute {
				return boom
			}
			return nil
		})},
	)
	require.NoError(t, err)

	ctx := testContext(t)
	err = o.Run(ctx, steps(t, 10, true))
	require.ErrorIs(t, err, boom)
	var failure *actor.ActorFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "faulty", failure.Actor)
	assert.Equal(t, int64(1), failure.Timestep)
	assert.Equal(t, int64(0), o.Timestep())

	agg := o.CollectStatus()
	assert.Equal(t, actor.StateError, agg.State)
	assert.ErrorIs(t, agg.Err, boom)
	assert.Equal(t, 1, agg.Counts[actor.StateError])
	assert.Equal(t, 1, agg.Counts[actor.StateRunning], "the healthy actor stays queryable")
	assert.Equal(t, "healthy", agg.Statuses[0].Name)

	assert.ErrorIs(t, o.Run(ctx, steps(t, 1, true)), boom, "a failed graph cannot run again")
	require.NoError(t, o.Teardown())
	assert.Equal(t, actor.StateStopped, o.Actors()[0].Status().State)
}

func TestCollectStatusReportsEarliestFailure(t *testing.T) {
	o := New(Config{})
	defer o.Stop()

	late, early := errors.New("late"), errors.New("early")
	failIn := func(d time.Duration, err error) process.Model {
		return process.ModelFunc(func(_ context.Context, phase protocol.Phase) error {
			if phase != protocol.PhaseCompute {
				return nil
			}
			time.Sleep(d)
			return err
		})
	}
	_, err := o.Spawn(
		actor.Config{Name: "slow", Model: failIn(50*time.Millisecond, late)},
		actor.Config{Name: "fast", Model: failIn(0, early)},
	)
	require.NoError(t, err)

	err = o.Run(testContext(t), steps(t, 1, true))
	require.ErrorIs(t, err, early)

	require.Eventually(t, func() bool { return o.CollectStatus().Counts[actor.StateError] == 2 },
		time.Second, time.Millisecond)
	agg := o.CollectStatus()
	assert.Equal(t, "slow", agg.Statuses[0].Name, "statuses stay in spawn order")
	assert.ErrorIs(t, agg.Err, early)
}

func TestTeardownWithFullInbox(t *testing.T) {
	o := New(Config{})
	entered := make(chan struct{})
	var once sync.Once
	_, err := o.Spawn(actor.Config{Name: "stuck", Model: process.ModelFunc(func(ctx context.Context, phase protocol.Phase) error {
		if phase != protocol.PhaseCompute {
			return nil
		}
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return ctx.Err()
	})})
	require.NoError(t, err)

	ctx := testContext(t)
	require.NoError(t, o.Run(ctx, steps(t, 1, false)))
	<-entered
	for i := 0; i < actor.InboxSize; i++ {
		require.NoError(t, o.Broadcast(actor.CmdPause))
	}

	done := make(chan error, 1)
	go func() { done <- o.Teardown() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("teardown blocked on a full inbox")
	}
	assert.Equal(t, actor.StateStopped, o.CollectStatus().State)
	assert.ErrorIs(t, o.Wait(ctx), actor.ErrActorStopped, "the run was cut short mid-phase")
}

func TestTeardownUnblocksParkedReceive(t *testing.T) {
	src := process.New("silent", "T")
	out, err := src.AddOutPort("out", channel.Shape{1}, channel.DTypeFloat)
	require.NoError(t, err)
	src.SetModel(process.ModelFunc(func(context.Context, protocol.Phase) error { return nil }))
	s := newSink(t, "starved", channel.Shape{1})
	require.NoError(t, out.Connect(s.in))

	o := New(Config{})
	require.NoError(t, o.Load(src))
	ctx := testContext(t)
	require.NoError(t, o.Run(ctx, steps(t, 1, false)))

	time.Sleep(20 * time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- o.Stop() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("teardown hung on a parked receive")
	}
	require.NoError(t, o.Wait(ctx))
	assert.Equal(t, actor.StateStopped, o.CollectStatus().State)
}

func TestPhaseTimeout(t *testing.T) {
	o := New(Config{PhaseTimeout: 20 * time.Millisecond})
	defer o.Stop()
	_, err := o.Spawn(actor.Config{Model: process.ModelFunc(func(ctx context.Context, phase protocol.Phase) error {
		if phase == protocol.PhaseCompute {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})})
	require.NoError(t, err)

	err = o.Run(testContext(t), steps(t, 1, true))
	assert.ErrorIs(t, err, ErrPhaseTimeout)
	assert.ErrorIs(t, o.Run(testContext(t), steps(t, 1, true)), ErrPhaseTimeout,
		"a half-run timestep is never replayed")
}

func TestBroadcastAfterTermination(t *testing.T) {
	o := New(Config{})
	_, err := o.Spawn(actor.Config{Model: process.ModelFunc(func(context.Context, protocol.Phase) error { return nil })})
	require.NoError(t, err)
	require.NoError(t, o.Teardown())
	assert.ErrorIs(t, o.Broadcast(actor.CmdStart), actor.ErrActorTerminated)
}

// fakeSaver keeps checkpoints in insertion order
type fakeSaver struct {
	mu  sync.Mutex
	cps []*checkpoint.Checkpoint
}

func (f *fakeSaver) Save(_ context.Context, cp *checkpoint.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cps = append(f.cps, cp)
	return nil
}

func (f *fakeSaver) Load(_ context.Context, id string) (*checkpoint.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cp := range f.cps {
		if cp.ID == id {
			return cp, nil
		}
	}
	return nil, checkpoint.ErrCheckpointNotFound
}

func (f *fakeSaver) List(_ context.Context, filter checkpoint.Filter) ([]*checkpoint.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*checkpoint.Checkpoint
	for i := len(f.cps) - 1; i >= 0; i-- {
		if filter.Matches(f.cps[i]) {
			out = append(out, f.cps[i])
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeSaver) Delete(context.Context, string) error { return nil }

func TestSnapshots(t *testing.T) {
	saver := &fakeSaver{}
	o, inj, s := newPipeline(t, Config{Saver: saver, SnapshotEvery: 2})
	ctx := testContext(t)

	require.NoError(t, o.Run(ctx, steps(t, 1, true)))
	for k := 0; k < 3; k++ {
		require.NoError(t, inj.SendData(ctx, []float64{2}))
	}
	require.NoError(t, o.Run(ctx, steps(t, 3, true)))
	runID := o.RunID()

	var sources []string
	for _, cp := range saver.cps {
		assert.Equal(t, "sink", cp.Process, "processes without vars are not captured")
		sources = append(sources, cp.Metadata.Source)
	}
	// run 1 ends at t=1, run 2 snapshots at t=2, t=4 and on completion
	assert.Equal(t, []string{
		checkpoint.SourceRunEnd, checkpoint.SourcePeriodic, checkpoint.SourcePeriodic, checkpoint.SourceRunEnd,
	}, sources)

	last := saver.cps[len(saver.cps)-1]
	assert.Equal(t, int64(4), last.Timestep)
	assert.Equal(t, []float64{6}, last.Vars["total"])

	require.NoError(t, s.total.Set([]float64{-1}))
	require.NoError(t, o.Restore(ctx, runID))
	assert.Equal(t, []float64{6}, s.total.Get())
}
