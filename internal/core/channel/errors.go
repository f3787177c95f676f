// Package channel defines domain-specific errors
package channel

import (
	"errors"
	"fmt"

	"github.com/lockstep/lockstep/internal/core/errs"
)

// Domain errors - DRY principle: defined once, used everywhere
var (
	// Message errors
	ErrInvalidShape   = fmt.Errorf("%w: invalid shape", errs.ErrInvalidInput)
	ErrInvalidDType   = fmt.Errorf("%w: invalid dtype", errs.ErrInvalidInput)
	ErrInvalidMessage = fmt.Errorf("%w: invalid message", errs.ErrInvalidInput)

	// Channel errors
	ErrChannelClosed = errors.New("channel is closed")
	ErrTimeout       = errors.New("operation timed out")

	// Wiring errors
	ErrShapeMismatch   = fmt.Errorf("%w: shape or dtype mismatch", errs.ErrConfiguration)
	ErrEndpointClaimed = fmt.Errorf("%w: channel endpoint already claimed", errs.ErrConfiguration)
	ErrUnknownBackend  = fmt.Errorf("%w: unknown channel backend", errs.ErrConfiguration)
	ErrUnknownReducer  = fmt.Errorf("%w: unknown reducer type", errs.ErrConfiguration)
	ErrReducerDType    = fmt.Errorf("%w: reducer leaves the dtype's value domain", errs.ErrConfiguration)
)
