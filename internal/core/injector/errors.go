// Package injector defines domain-specific errors
package injector

import (
	"errors"
	"fmt"

	"github.com/lockstep/lockstep/internal/core/channel"
	"github.com/lockstep/lockstep/internal/core/errs"
)

// Domain errors
var (
	// Caller input errors, recoverable by retrying with corrected input
	ErrInvalidShape = fmt.Errorf("injector: %w", channel.ErrInvalidShape)
	ErrInvalidSize  = fmt.Errorf("%w: injector buffer size must not be negative", errs.ErrInvalidInput)
	ErrInvalidValue = fmt.Errorf("injector: %w", channel.ErrInvalidDType)

	// Run state errors
	ErrNotRunning = errors.New("injector is not running")
	ErrBufferFull = errors.New("injector buffer is full")

	// Construction errors
	ErrUnknownOverflow = fmt.Errorf("%w: unknown overflow policy", errs.ErrConfiguration)
)
