// Package errs defines the error classes shared by every runtime package.
//
// Package-level sentinels elsewhere wrap one of these classes so callers can
// branch on the class with errors.Is while still matching the precise cause.
package errs

import "errors"

var (
	// ErrConfiguration marks bad wiring, shape mismatches and invalid run
	// conditions. It is raised synchronously at build or run-request time.
	ErrConfiguration = errors.New("configuration error")

	// ErrInvalidInput marks bad caller input that can be retried once corrected.
	ErrInvalidInput = errors.New("invalid input")
)
