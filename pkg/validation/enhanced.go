package validation

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Enhanced validator instance with custom validations
var (
	// Validate is the main validator instance
	Validate *validator.Validate

	identifierPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.-]*$`)
)

func init() {
	Validate = validator.New()

	// Register custom validation functions
	Validate.RegisterValidation("identifier", validateIdentifier)
	Validate.RegisterValidation("shape", validateShape)
	Validate.RegisterValidation("phase_name", validatePhaseName)
	Validate.RegisterValidation("log_level", validateLogLevel)

	// Register tag name function to use JSON tags for field names
	Validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
}

// ValidateWithPlayground validates using go-playground/validator
func ValidateWithPlayground(s interface{}) error {
	err := Validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !asValidationErrors(err, &fieldErrors) {
		return err
	}
	return formatValidationErrors(fieldErrors)
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	ve, ok := err.(validator.ValidationErrors)
	if ok {
		*target = ve
	}
	return ok
}

// formatValidationErrors converts validator errors to our custom format
func formatValidationErrors(fieldErrors validator.ValidationErrors) ValidationErrors {
	errors := make(ValidationErrors, 0, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		errors = append(errors, ValidationError{
			Field:   fieldError.Field(),
			Value:   fieldError.Value(),
			Message: getErrorMessage(fieldError),
		})
	}
	return errors
}

// getErrorMessage returns a human-readable error message
func getErrorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field is required"
	case "min", "gte":
		return fmt.Sprintf("minimum value/length is %s", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("maximum value/length is %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "identifier":
		return "must start with a letter and contain only letters, digits, '_', '-' or '.'"
	case "shape":
		return "must list at least one dimension, all positive"
	case "phase_name":
		return "must be one of exchange, compute, management, commit"
	case "log_level":
		return "must be one of info, debug, trace"
	default:
		return fmt.Sprintf("validation failed: %s", fe.Tag())
	}
}

// validateIdentifier validates process, port and channel names
func validateIdentifier(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	return len(s) <= 100 && identifierPattern.MatchString(s)
}

// validateShape accepts a non-empty slice or array of positive integers
func validateShape(fl validator.FieldLevel) bool {
	field := fl.Field()
	switch field.Kind() {
	case reflect.Slice, reflect.Array:
	default:
		return false
	}
	if field.Len() == 0 {
		return false
	}
	for i := 0; i < field.Len(); i++ {
		el := field.Index(i)
		switch el.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if el.Int() <= 0 {
				return false
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			if el.Uint() == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func validatePhaseName(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "exchange", "compute", "management", "commit":
		return true
	}
	return false
}

func validateLogLevel(fl validator.FieldLevel) bool {
	switch strings.ToLower(fl.Field().String()) {
	case "info", "debug", "trace":
		return true
	}
	return false
}

// ValidationConfig holds validation configuration
type ValidationConfig struct {
	MaxErrors int `json:"max_errors"`
}

// DefaultValidationConfig returns default validation configuration
func DefaultValidationConfig() *ValidationConfig {
	return &ValidationConfig{MaxErrors: 10}
}

// ValidateWithConfig validates with specific configuration
func ValidateWithConfig(s interface{}, config *ValidationConfig) error {
	if config == nil {
		config = DefaultValidationConfig()
	}

	err := ValidateStruct(s)
	if validationErrors, ok := err.(ValidationErrors); ok {
		if config.MaxErrors > 0 && len(validationErrors) > config.MaxErrors {
			return validationErrors[:config.MaxErrors]
		}
	}
	return err
}

// MarshalValidationErrors marshals validation errors to JSON
func MarshalValidationErrors(errors ValidationErrors) ([]byte, error) {
	type ErrorResponse struct {
		Errors []ValidationError `json:"errors"`
		Count  int               `json:"count"`
	}

	return json.Marshal(ErrorResponse{Errors: errors, Count: len(errors)})
}
