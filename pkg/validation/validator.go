// Package validation provides struct validation for lockstep configuration
// and request models on top of go-playground/validator.
package validation

import (
	"fmt"
	"strings"
)

// Validator is implemented by models with cross-field rules that tags
// cannot express.
// PRINCIPLES:
// - ISP: Simple interface with single method
type Validator interface {
	Validate() error
}

// ValidationError represents a validation error with details
type ValidationError struct {
	Field   string      `json:"field"`
	Value   interface{} `json:"value"`
	Message string      `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors represents multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateStruct runs tag validation and then, if v implements Validator,
// its own rules.
func ValidateStruct(v interface{}) error {
	if err := ValidateWithPlayground(v); err != nil {
		return err
	}
	if validator, ok := v.(Validator); ok {
		return validator.Validate()
	}
	return nil
}
