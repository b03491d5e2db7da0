package core

import (
	"context"
	"errors"
	"fmt"
)

// ErrCancelled marks a run that was cancelled between node steps.
var ErrCancelled = errors.New("run cancelled")

// ProviderError is a node-level failure returned by an LLM backend.
// Timeouts from the backend are reported with Timeout set; the engine
// treats both identically (abort the remaining traversal).
type ProviderError struct {
	Provider string // provider identifier, may be empty
	Model    string // model identifier the call was made with
	Message  string
	Timeout  bool
	Cause    error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("provider timeout (model %s): %s", e.Model, e.Message)
	}
	return fmt.Sprintf("provider error (model %s): %s", e.Model, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// RetrievalError is a node-level failure returned by a retrieval backend.
type RetrievalError struct {
	Collection string
	Message    string
	Cause      error
}

// Error implements the error interface.
func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval error (collection %s): %s", e.Collection, e.Message)
}

// Unwrap returns the underlying cause.
func (e *RetrievalError) Unwrap() error {
	return e.Cause
}

// MissingInputError is a node-level failure raised when a required input
// port has no bound edge and no default value.
type MissingInputError struct {
	NodeID string
	Port   string
}

// Error implements the error interface.
func (e *MissingInputError) Error() string {
	return fmt.Sprintf("node %s: required input %q is not bound", e.NodeID, e.Port)
}

// IsTimeout reports whether err represents a timed-out external call.
func IsTimeout(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Timeout {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
