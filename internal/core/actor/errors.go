// Package actor defines domain-specific errors
package actor

import (
	"errors"
	"fmt"

	"github.com/lockstep/lockstep/internal/core/protocol"
)

// Domain errors
var (
	ErrActorTerminated = errors.New("actor has terminated")
	ErrActorStopped    = errors.New("actor stopped during phase")
	ErrNilModel        = errors.New("actor requires a model")
)

// ActorFailure is an uncaught fault inside a model's phase logic. It is
// reported through the actor's status and never retried.
type ActorFailure struct {
	Actor    string
	Phase    protocol.Phase
	Timestep int64
	Cause    error
}

func (f *ActorFailure) Error() string {
	return fmt.Sprintf("actor %s failed in %s of timestep %d: %v", f.Actor, f.Phase, f.Timestep, f.Cause)
}

func (f *ActorFailure) Unwrap() error { return f.Cause }

// PanicError wraps a value recovered from a panicking model.
type PanicError struct {
	Value interface{}
}

func (p *PanicError) Error() string { return fmt.Sprintf("panic: %v", p.Value) }
