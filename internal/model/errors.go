package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	ErrAuth     = errors.New("invalid credential")
)

// ValidationError marks a malformed inbound report or query argument.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StoreError wraps an I/O failure of the location store.
type StoreError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *StoreError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("store %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
