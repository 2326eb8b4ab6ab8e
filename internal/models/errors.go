package models

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrGone       = errors.New("gone")
	ErrConflict   = errors.New("conflict")

	// ErrInvalidTransition wraps ErrConflict so callers may match either.
	ErrInvalidTransition = fmt.Errorf("invalid status transition: %w", ErrConflict)

	ErrQueueFull   = errors.New("queue full")
	ErrQueueClosed = errors.New("queue closed")

	ErrArtifactExists = fmt.Errorf("artifact already stored: %w", ErrConflict)
)

// ValidationError is returned for malformed create input. It matches ErrValidation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// SynthesisError wraps any failure of the speech engine. Terminal for the job.
type SynthesisError struct {
	Engine string
	Err    error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("%s synthesis failed: %v", e.Engine, e.Err)
}

func (e *SynthesisError) Unwrap() error {
	return e.Err
}

// DeliveryError records a webhook sequence that exhausted its attempts.
type DeliveryError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook delivery to %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
