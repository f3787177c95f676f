// Package runcond describes how many timesteps a run advances and whether the
// caller blocks until it completes.
package runcond

import (
	"fmt"

	"github.com/lockstep/lockstep/internal/core/errs"
)

// ErrInvalidRunCondition is returned for conditions that can never complete
// or that request no work.
var ErrInvalidRunCondition = fmt.Errorf("%w: invalid run condition", errs.ErrConfiguration)

// Kind distinguishes bounded from unbounded runs.
type Kind int

const (
	// KindSteps advances a fixed number of timesteps
	KindSteps Kind = iota
	// KindContinuous advances until stopped
	KindContinuous
)

func (k Kind) String() string {
	if k == KindContinuous {
		return "continuous"
	}
	return "steps"
}

// RunCondition is an immutable value. The zero value is not a valid
// condition; build one with Steps or Continuous.
type RunCondition struct {
	kind     Kind
	steps    int64
	blocking bool
}

// Steps advances exactly n timesteps. n must be positive.
func Steps(n int64, blocking bool) (RunCondition, error) {
	if n <= 0 {
		return RunCondition{}, fmt.Errorf("%w: steps must be positive, got %d", ErrInvalidRunCondition, n)
	}
	return RunCondition{kind: KindSteps, steps: n, blocking: blocking}, nil
}

// Continuous advances until Stop. A blocking continuous run would never
// return control and is rejected.
func Continuous(blocking bool) (RunCondition, error) {
	if blocking {
		return RunCondition{}, fmt.Errorf("%w: continuous run cannot block", ErrInvalidRunCondition)
	}
	return RunCondition{kind: KindContinuous}, nil
}

// MustSteps is Steps for constant arguments. It panics on error.
func MustSteps(n int64, blocking bool) RunCondition {
	c, err := Steps(n, blocking)
	if err != nil {
		panic(err)
	}
	return c
}

func (c RunCondition) Kind() Kind      { return c.kind }
func (c RunCondition) NumSteps() int64 { return c.steps }
func (c RunCondition) Blocking() bool  { return c.blocking }

// Valid reports whether c was built by Steps or Continuous.
func (c RunCondition) Valid() bool {
	return c.kind == KindContinuous || c.steps > 0
}

// Done reports whether timestep t is past the end of the run.
func (c RunCondition) Done(t int64) bool {
	return c.kind == KindSteps && t > c.steps
}

func (c RunCondition) String() string {
	if c.kind == KindContinuous {
		return "Continuous(blocking=false)"
	}
	return fmt.Sprintf("Steps(%d, blocking=%t)", c.steps, c.blocking)
}
