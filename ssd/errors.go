package ssd

import "fmt"

// ConfigError reports a constructor parameter that fails validation, or a
// runtime request that exceeds what the configuration allocated. Model
// creation must be aborted when one is returned.
type ConfigError struct {
	Field  string
	Reason string
	Cause  error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ssd: config %s: %s: %v", e.Field, e.Reason, e.Cause)
	}
	return fmt.Sprintf("ssd: config %s: %s", e.Field, e.Reason)
}

// Unwrap returns the underlying cause, if any.
func (e *ConfigError) Unwrap() error { return e.Cause }

func configErrorf(field, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ShapeError reports a predictor tensor that disagrees with the anchor
// layout. It indicates a wiring bug between the backbone and the head, so
// the call that produced it cannot be retried with the same inputs.
type ShapeError struct {
	Tensor string
	Detail string
}

// Error implements the error interface.
func (e *ShapeError) Error() string {
	return fmt.Sprintf("ssd: %s: %s", e.Tensor, e.Detail)
}

func shapeErrorf(tensor, format string, args ...interface{}) *ShapeError {
	return &ShapeError{Tensor: tensor, Detail: fmt.Sprintf(format, args...)}
}
