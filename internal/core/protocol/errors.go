// Package protocol defines domain-specific errors
package protocol

import (
	"errors"
	"fmt"

	"github.com/lockstep/lockstep/internal/core/errs"
)

// Domain errors
var (
	ErrEmptyProtocol  = fmt.Errorf("%w: protocol has no phases", errs.ErrConfiguration)
	ErrDuplicatePhase = fmt.Errorf("%w: phase listed twice", errs.ErrConfiguration)
	ErrUnknownPhase   = fmt.Errorf("%w: unknown phase", errs.ErrConfiguration)
	ErrNoExchange     = fmt.Errorf("%w: protocol has no exchange phase", errs.ErrConfiguration)
	ErrUnknownParty   = errors.New("barrier party out of range")
)
