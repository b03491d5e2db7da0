// Package core provides the foundational types and interfaces for Flow Studio
// pipelines.
//
// This package contains:
//   - DataType: the canonical enumeration of data-flow port types
//   - Category: the node category enumeration
//   - StepResult and Trace: the per-run execution record
//   - Interfaces: LLMInvoker, Retriever (injected external capabilities)
package core

import (
	"context"
	"time"
)

// DataType identifies the kind of value carried by a port.
// The set of types is intentionally small; an edge is only valid when the
// source and target port types match exactly (no implicit coercion).
type DataType string

const (
	DataTypeText     DataType = "text"
	DataTypePrompt   DataType = "prompt"
	DataTypeResponse DataType = "response"
	DataTypeData     DataType = "data"
)

// String returns the string representation of the DataType.
func (t DataType) String() string {
	return string(t)
}

// Valid reports whether t is one of the canonical data-flow types.
func (t DataType) Valid() bool {
	switch t {
	case DataTypeText, DataTypePrompt, DataTypeResponse, DataTypeData:
		return true
	}
	return false
}

// Compatible reports whether a value produced on an output port of type out
// may be consumed by an input port of type in. The rule is exact equality.
func Compatible(out, in DataType) bool {
	return out == in
}

// Category identifies the behavior family of a node template.
type Category string

const (
	CategoryInput  Category = "input"
	CategoryPrompt Category = "prompt"
	CategoryModel  Category = "model"
	CategoryOutput Category = "output"
	CategoryRAG    Category = "rag"
)

// String returns the string representation of the Category.
func (c Category) String() string {
	return string(c)
}

// StepResult records the outcome of one node execution within a run.
type StepResult struct {
	NodeID string `json:"node_id"`
	Output string `json:"output"`
	Model  string `json:"model,omitempty"` // model identifier, model-category nodes only
	Err    error  `json:"-"`
	Error  string `json:"error,omitempty"` // Err.Error(), for serialization
}

// Failed reports whether this step recorded an error.
func (s StepResult) Failed() bool {
	return s.Err != nil || s.Error != ""
}

// Trace is the ordered record of per-node results produced by one run.
// A Trace is created fresh per execution and never mutated afterwards.
type Trace struct {
	RunID     string       `json:"run_id"`
	Steps     []StepResult `json:"steps"`
	Output    string       `json:"output"`
	Cancelled bool         `json:"cancelled,omitempty"`
	Started   time.Time    `json:"started"`
	Finished  time.Time    `json:"finished"`
}

// Failed reports whether the run ended with a node-level failure.
// The failing step, if any, is always the last step of the trace.
func (t *Trace) Failed() bool {
	if len(t.Steps) == 0 {
		return false
	}
	return t.Steps[len(t.Steps)-1].Failed()
}

// LastStep returns the most recent step, or nil if no node ran.
func (t *Trace) LastStep() *StepResult {
	if len(t.Steps) == 0 {
		return nil
	}
	return &t.Steps[len(t.Steps)-1]
}

// LLMInvoker abstracts a model backend. Given a model identifier and a
// prompt it returns the completion text. Timeouts and retries, if any,
// belong to the implementation, not the callers.
type LLMInvoker interface {
	Invoke(ctx context.Context, modelID, prompt string) (string, error)
}

// InvokerFunc adapts a function to the LLMInvoker interface.
type InvokerFunc func(ctx context.Context, modelID, prompt string) (string, error)

// Invoke calls the wrapped function.
func (f InvokerFunc) Invoke(ctx context.Context, modelID, prompt string) (string, error) {
	return f(ctx, modelID, prompt)
}

// Retriever abstracts an external retrieval backend for rag nodes.
type Retriever interface {
	Retrieve(ctx context.Context, collectionID, query string) (string, error)
}

// RetrieverFunc adapts a function to the Retriever interface.
type RetrieverFunc func(ctx context.Context, collectionID, query string) (string, error)

// Retrieve calls the wrapped function.
func (f RetrieverFunc) Retrieve(ctx context.Context, collectionID, query string) (string, error) {
	return f(ctx, collectionID, query)
}

// Ensure interface compliance at compile time.
var (
	_ LLMInvoker = (InvokerFunc)(nil)
	_ Retriever  = (RetrieverFunc)(nil)
)
