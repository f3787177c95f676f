// Package orchestrator defines domain-specific errors
package orchestrator

import (
	"errors"
	"fmt"

	"github.com/lockstep/lockstep/internal/core/errs"
)

// Domain errors
var (
	// Build and run-request errors
	ErrAlreadyLoaded = fmt.Errorf("%w: graph already loaded", errs.ErrConfiguration)
	ErrRunInProgress = fmt.Errorf("%w: a run is already in progress", errs.ErrConfiguration)
	ErrNothingToRun  = fmt.Errorf("%w: no actors to run", errs.ErrConfiguration)

	// Lifecycle errors
	ErrTornDown     = errors.New("orchestrator has been torn down")
	ErrPhaseTimeout = errors.New("phase timed out")
)

// errStopped is the cancel cause of a run ended by Stop.
var errStopped = errors.New("run stopped")
