package actor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockstep/lockstep/internal/core/channel"
	"github.com/lockstep/lockstep/internal/core/process"
	"github.com/lockstep/lockstep/internal/core/protocol"
)

// recordingModel records every phase it executes
type recordingModel struct {
	mu     sync.Mutex
	phases []protocol.Phase
	fn     func(ctx context.Context, phase protocol.Phase) error
}

func (m *recordingModel) PhaseStep(ctx context.Context, phase protocol.Phase) error {
	m.mu.Lock()
	m.phases = append(m.phases, phase)
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(ctx, phase)
	}
	return nil
}

func (m *recordingModel) seen() []protocol.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Phase(nil), m.phases...)
}

type starterModel struct {
	recordingModel
	mu    sync.Mutex
	calls int
	ctl   process.Controller
}

func (m *starterModel) Started(ctl process.Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.ctl = ctl
}

type fakeController struct{}

func (fakeController) Wait(context.Context) error { return nil }
func (fakeController) Stop() error                { return nil }

func newTestActor(t *testing.T, model process.Model) *Actor {
	t.Helper()
	a, err := New(Config{Name: "test", Model: model, Controller: fakeController{}})
	require.NoError(t, err)
	a.Spawn()
	t.Cleanup(func() {
		a.Kill()
		<-a.Done()
	})
	return a
}

func waitState(t *testing.T, a *Actor, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return a.Status().State == want }, time.Second, time.Millisecond,
		"actor never reached %s (last %s)", want, a.Status().State)
}

// execute runs one phase through a fresh barrier and waits for it
func execute(t *testing.T, a *Actor, timestep int64, phase protocol.Phase) error {
	t.Helper()
	b := protocol.NewBarrier(timestep, phase, a.Party())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Execute(ctx, Request{Timestep: timestep, Phase: phase, Barrier: b}))
	return b.Wait(ctx)
}

func TestNew(t *testing.T) {
	_, err := New(Config{Name: "x"})
	assert.ErrorIs(t, err, ErrNilModel)

	p := process.New("proc", "T")
	a, err := New(Config{Model: &recordingModel{}, Process: p})
	require.NoError(t, err)
	assert.Equal(t, "proc", a.Name())
	assert.Same(t, p, a.Process())
	assert.Equal(t, StateCreated, a.Status().State)
}

func TestLifecycle(t *testing.T) {
	a := newTestActor(t, &recordingModel{})

	require.NoError(t, a.Dispatch(CmdStart))
	waitState(t, a, StateRunning)

	require.NoError(t, a.Dispatch(CmdPause))
	waitState(t, a, StatePaused)

	require.NoError(t, a.Dispatch(CmdStart))
	waitState(t, a, StateRunning)

	require.NoError(t, a.Dispatch(CmdStop))
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("actor did not exit after STOP")
	}
	assert.Equal(t, StateStopped, a.Status().State)

	assert.ErrorIs(t, a.Dispatch(CmdStart), ErrActorTerminated)
	err := a.Execute(context.Background(), Request{Phase: protocol.PhaseCompute})
	assert.ErrorIs(t, err, ErrActorTerminated)
}

func TestCreatedActorIgnoresPause(t *testing.T) {
	a := newTestActor(t, &recordingModel{})
	require.NoError(t, a.Dispatch(CmdPause))
	require.NoError(t, a.Dispatch(CmdStart))
	waitState(t, a, StateRunning)
}

func TestExecute(t *testing.T) {
	model := &recordingModel{}
	a := newTestActor(t, model)
	require.NoError(t, a.Dispatch(CmdStart))

	for _, ph := range protocol.Default().Phases() {
		require.NoError(t, execute(t, a, 1, ph))
	}
	assert.Equal(t, protocol.Default().Phases(), model.seen())
	assert.Equal(t, int64(1), a.Status().Timestep)
}

func TestPausedActorTakesNoPhases(t *testing.T) {
	model := &recordingModel{}
	a := newTestActor(t, model)
	require.NoError(t, a.Dispatch(CmdStart))
	require.NoError(t, a.Dispatch(CmdPause))
	waitState(t, a, StatePaused)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := a.Execute(ctx, Request{Phase: protocol.PhaseCompute})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, model.seen())
}

func TestModelErrorIsTerminal(t *testing.T) {
	boom := errors.New("boom")
	a := newTestActor(t, &recordingModel{fn: func(context.Context, protocol.Phase) error { return boom }})
	require.NoError(t, a.Dispatch(CmdStart))

	err := execute(t, a, 7, protocol.PhaseCompute)
	require.ErrorIs(t, err, boom)

	var failure *ActorFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "test", failure.Actor)
	assert.Equal(t, protocol.PhaseCompute, failure.Phase)
	assert.Equal(t, int64(7), failure.Timestep)

	<-a.Done()
	status := a.Status()
	assert.Equal(t, StateError, status.State)
	assert.ErrorIs(t, status.Err, boom)
	assert.False(t, status.FailedAt.IsZero())
	assert.ErrorIs(t, a.Dispatch(CmdStart), ErrActorTerminated)
}

func TestModelPanicIsFailure(t *testing.T) {
	a := newTestActor(t, &recordingModel{fn: func(context.Context, protocol.Phase) error { panic("kaboom") }})
	require.NoError(t, a.Dispatch(CmdStart))

	err := execute(t, a, 1, protocol.PhaseCompute)
	var perr *PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "kaboom", perr.Value)

	<-a.Done()
	assert.Equal(t, StateError, a.Status().State)
}

func TestStopWhileParkedInReceive(t *testing.T) {
	ch, err := channel.New(channel.Config{Shape: channel.Shape{1}})
	require.NoError(t, err)

	entered := make(chan struct{})
	a := newTestActor(t, &recordingModel{fn: func(ctx context.Context, _ protocol.Phase) error {
		close(entered)
		_, err := ch.Receive(ctx)
		return err
	}})
	require.NoError(t, a.Dispatch(CmdStart))
	waitState(t, a, StateRunning)

	b := protocol.NewBarrier(1, protocol.PhaseExchange, a.Party())
	require.NoError(t, a.Execute(context.Background(), Request{Timestep: 1, Phase: protocol.PhaseExchange, Barrier: b}))
	<-entered

	// STOP is not observed mid-phase; closing the channel releases the actor.
	require.NoError(t, a.Dispatch(CmdStop))
	require.NoError(t, ch.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, b.Wait(ctx), ErrActorStopped)
	<-a.Done()
	assert.Equal(t, StateStopped, a.Status().State)
}

func TestClosedChannelWithoutStopIsFailure(t *testing.T) {
	ch, err := channel.New(channel.Config{Shape: channel.Shape{1}})
	require.NoError(t, err)
	require.NoError(t, ch.Close())

	a := newTestActor(t, &recordingModel{fn: func(ctx context.Context, _ protocol.Phase) error {
		_, err := ch.Receive(ctx)
		return err
	}})
	require.NoError(t, a.Dispatch(CmdStart))

	err = execute(t, a, 1, protocol.PhaseExchange)
	assert.ErrorIs(t, err, channel.ErrChannelClosed)
	<-a.Done()
	assert.Equal(t, StateError, a.Status().State)
}

func TestKill(t *testing.T) {
	a := newTestActor(t, &recordingModel{})
	a.Kill()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Wait(ctx))
	assert.Equal(t, StateStopped, a.Status().State)
}

func TestStarterCalledOnce(t *testing.T) {
	model := &starterModel{}
	a := newTestActor(t, model)

	for i := 0; i < 2; i++ {
		require.NoError(t, a.Dispatch(CmdStart))
		waitState(t, a, StateRunning)
		require.NoError(t, a.Dispatch(CmdPause))
		waitState(t, a, StatePaused)
	}

	model.mu.Lock()
	defer model.mu.Unlock()
	assert.Equal(t, 1, model.calls)
	assert.NotNil(t, model.ctl)
}

func TestApply(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	model := &starterModel{}
	a := newTestActor(t, model)

	// no polling: Apply returns only after the actor acted
	require.NoError(t, a.Apply(ctx, CmdStart))
	assert.Equal(t, StateRunning, a.Status().State)
	model.mu.Lock()
	assert.Equal(t, 1, model.calls, "the starter is armed before Apply returns")
	model.mu.Unlock()

	require.NoError(t, a.Apply(ctx, CmdPause))
	assert.Equal(t, StatePaused, a.Status().State)

	require.NoError(t, a.Apply(ctx, CmdStop))
	<-a.Done()
	assert.ErrorIs(t, a.Apply(ctx, CmdStart), ErrActorTerminated)
}

func TestStopWithFullInbox(t *testing.T) {
	entered := make(chan struct{})
	a := newTestActor(t, &recordingModel{fn: func(ctx context.Context, _ protocol.Phase) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}})
	require.NoError(t, a.Dispatch(CmdStart))
	waitState(t, a, StateRunning)

	b := protocol.NewBarrier(1, protocol.PhaseCompute, a.Party())
	require.NoError(t, a.Execute(context.Background(), Request{Timestep: 1, Phase: protocol.PhaseCompute, Barrier: b}))
	<-entered

	// the actor is parked mid-phase, so nothing drains the inbox
	for i := 0; i < InboxSize; i++ {
		require.NoError(t, a.Dispatch(CmdPause))
	}

	dispatched := make(chan error, 1)
	go func() { dispatched <- a.Dispatch(CmdStop) }()
	select {
	case err := <-dispatched:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("STOP blocked on a full inbox")
	}

	a.Kill()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, b.Wait(ctx), ErrActorStopped)
	require.NoError(t, a.Wait(ctx))
	assert.Equal(t, StateStopped, a.Status().State)
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "START", CmdStart.String())
	assert.Equal(t, "ERROR", StateError.String())
	assert.True(t, StateStopped.Terminal())
	assert.False(t, StatePaused.Terminal())
}
