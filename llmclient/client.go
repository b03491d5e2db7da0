// Package llmclient adapts Iris providers to the core.LLMInvoker
// capability consumed by model nodes. It is the only package that knows
// about concrete LLM backends; the engine sees the interface alone.
package llmclient

import (
	"context"
	"errors"
	"fmt"

	iriscore "github.com/petal-labs/iris/core"
	"github.com/petal-labs/iris/providers"
	// Auto-register common providers.
	_ "github.com/petal-labs/iris/providers/anthropic"
	_ "github.com/petal-labs/iris/providers/ollama"
	_ "github.com/petal-labs/iris/providers/openai"

	"github.com/flowrunner/flowstudio/core"
)

// New creates a core.LLMInvoker backed by the named Iris provider.
func New(provider, apiKey string) (core.LLMInvoker, error) {
	p, err := providers.Create(provider, apiKey)
	if err != nil {
		return nil, fmt.Errorf("creating provider %q: %w", provider, err)
	}
	return &invoker{provider: p}, nil
}

// NewFromProvider wraps an already-constructed Iris provider.
func NewFromProvider(p iriscore.Provider) core.LLMInvoker {
	return &invoker{provider: p}
}

type invoker struct {
	provider iriscore.Provider
}

// Invoke sends the prompt as a single user message and returns the
// completion text. Backend failures come back as *core.ProviderError so
// the engine records them as node-level failures.
func (c *invoker) Invoke(ctx context.Context, modelID, prompt string) (string, error) {
	req := &iriscore.ChatRequest{
		Model: iriscore.ModelID(modelID),
		Messages: []iriscore.Message{
			{Role: iriscore.RoleUser, Content: prompt},
		},
	}

	resp, err := c.provider.Chat(ctx, req)
	if err != nil {
		return "", &core.ProviderError{
			Provider: c.provider.ID(),
			Model:    modelID,
			Message:  err.Error(),
			Timeout:  errors.Is(err, context.DeadlineExceeded),
			Cause:    err,
		}
	}
	return resp.Output, nil
}
