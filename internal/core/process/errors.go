// Package process defines domain-specific errors
package process

import (
	"fmt"

	"github.com/lockstep/lockstep/internal/core/errs"
)

// Domain errors - DRY principle: defined once, used everywhere
var (
	// Declaration errors
	ErrInvalidName   = fmt.Errorf("%w: invalid name", errs.ErrConfiguration)
	ErrDuplicateName = fmt.Errorf("%w: duplicate port or var name", errs.ErrConfiguration)

	// Wiring errors
	ErrAlreadyConnected = fmt.Errorf("%w: port already connected", errs.ErrConfiguration)
	ErrAlreadyWired     = fmt.Errorf("%w: port already wired to a channel", errs.ErrConfiguration)
	ErrUnboundPort      = fmt.Errorf("%w: port is not bound to a channel", errs.ErrConfiguration)

	// Model resolution errors
	ErrNoModel        = fmt.Errorf("%w: no model variant matches", errs.ErrConfiguration)
	ErrInvalidVariant = fmt.Errorf("%w: invalid model variant", errs.ErrConfiguration)

	// Var errors
	ErrVarSize = fmt.Errorf("%w: var value has wrong size", errs.ErrInvalidInput)
)
