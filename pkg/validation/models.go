package validation

// RunRequest is the body of a run submission on the HTTP control surface.
// Steps > 0 selects a bounded run; Continuous selects an unbounded one.
type RunRequest struct {
	Steps      int  `json:"steps" validate:"gte=0,lte=100000000"`
	Continuous bool `json:"continuous"`
	Blocking   bool `json:"blocking"`
}

// Validate implements custom validation for RunRequest
func (r *RunRequest) Validate() error {
	switch {
	case r.Continuous && r.Steps > 0:
		return ValidationErrors{{Field: "steps", Value: r.Steps, Message: "steps must be omitted for continuous runs"}}
	case !r.Continuous && r.Steps == 0:
		return ValidationErrors{{Field: "steps", Value: r.Steps, Message: "steps is required unless continuous is set"}}
	case r.Continuous && r.Blocking:
		return ValidationErrors{{Field: "blocking", Value: r.Blocking, Message: "continuous runs cannot block"}}
	}
	return nil
}

// InjectRequest is the body of a data push into a named injector.
type InjectRequest struct {
	Injector string    `json:"injector" validate:"required,identifier"`
	Data     []float64 `json:"data" validate:"required,min=1"`
}
