package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/flowrunner/flowstudio/catalog"
	"github.com/flowrunner/flowstudio/core"
	"github.com/flowrunner/flowstudio/graph"
)

// BehaviorInput is everything a category behavior may consult: the node
// instance, its template, the effective field values (instance overrides
// over template defaults), the values gathered from bound input ports
// (keyed by port id), and the run's initial input.
type BehaviorInput struct {
	Node         graph.Node
	Template     catalog.NodeTemplate
	Fields       map[string]any
	Inputs       map[string]string
	InitialInput string
}

// BehaviorResult is the text produced by one node step. Model is set by
// model-category behaviors only.
type BehaviorResult struct {
	Output string
	Model  string
}

// Behavior executes one node category. One implementation exists per
// category; the engine dispatches on the template's category.
type Behavior interface {
	Execute(ctx context.Context, in BehaviorInput) (BehaviorResult, error)
}

// inputBehavior emits the node's configured literal text, or the
// engine-supplied initial input when no literal is configured.
type inputBehavior struct{}

func (inputBehavior) Execute(_ context.Context, in BehaviorInput) (BehaviorResult, error) {
	if literal := stringField(in.Fields, "text"); literal != "" {
		return BehaviorResult{Output: literal}, nil
	}
	return BehaviorResult{Output: in.InitialInput}, nil
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// promptBehavior substitutes bound input values into {placeholder} slots
// of the template field. A placeholder with no matching bound input is
// left verbatim: partially wired prompts render rather than error, and the
// editor can surface the leftover braces.
type promptBehavior struct{}

func (promptBehavior) Execute(_ context.Context, in BehaviorInput) (BehaviorResult, error) {
	tmpl := stringField(in.Fields, "template")

	out := placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := match[1 : len(match)-1]
		if value, ok := in.Inputs[name]; ok {
			return value
		}
		return match
	})
	return BehaviorResult{Output: out}, nil
}

// modelBehavior invokes the injected LLM capability with the bound prompt.
// When several input ports are bound their values are concatenated in
// declared port order. Provider failures and timeouts are surfaced as
// node-level errors; the engine never retries.
type modelBehavior struct {
	invoker core.LLMInvoker
}

func (b modelBehavior) Execute(ctx context.Context, in BehaviorInput) (BehaviorResult, error) {
	modelID := stringField(in.Fields, "model")

	prompt, ok := concatInputs(in)
	if !ok {
		return BehaviorResult{}, &core.MissingInputError{NodeID: in.Node.ID, Port: "prompt"}
	}
	if b.invoker == nil {
		return BehaviorResult{}, &core.ProviderError{Model: modelID, Message: "no model backend configured"}
	}

	text, err := b.invoker.Invoke(ctx, modelID, prompt)
	if err != nil {
		return BehaviorResult{}, asProviderError(err, modelID)
	}
	return BehaviorResult{Output: text, Model: modelID}, nil
}

func asProviderError(err error, modelID string) error {
	var pe *core.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &core.ProviderError{
		Model:   modelID,
		Message: err.Error(),
		Timeout: errors.Is(err, context.DeadlineExceeded),
		Cause:   err,
	}
}

// ragBehavior asks the injected retrieval capability for documents
// matching the bound query in the configured collection.
type ragBehavior struct {
	retriever core.Retriever
}

func (b ragBehavior) Execute(ctx context.Context, in BehaviorInput) (BehaviorResult, error) {
	collection := stringField(in.Fields, "collection")
	if collection == "" {
		return BehaviorResult{}, &core.RetrievalError{Message: "collection is not configured"}
	}
	query, ok := in.Inputs["query"]
	if !ok {
		return BehaviorResult{}, &core.MissingInputError{NodeID: in.Node.ID, Port: "query"}
	}
	if b.retriever == nil {
		return BehaviorResult{}, &core.RetrievalError{Collection: collection, Message: "no retrieval backend configured"}
	}

	text, err := b.retriever.Retrieve(ctx, collection, query)
	if err != nil {
		var re *core.RetrievalError
		if errors.As(err, &re) {
			return BehaviorResult{}, err
		}
		return BehaviorResult{}, &core.RetrievalError{Collection: collection, Message: err.Error(), Cause: err}
	}
	return BehaviorResult{Output: text}, nil
}

// outputBehavior passes its bound input through unchanged. The node exists
// as a terminal marker for result assembly.
type outputBehavior struct{}

func (outputBehavior) Execute(_ context.Context, in BehaviorInput) (BehaviorResult, error) {
	for _, p := range in.Template.Inputs {
		if value, ok := in.Inputs[p.ID]; ok {
			return BehaviorResult{Output: value}, nil
		}
	}
	return BehaviorResult{}, &core.MissingInputError{NodeID: in.Node.ID, Port: "input"}
}

// concatInputs joins bound input values in declared port order.
// Returns false when nothing is bound.
func concatInputs(in BehaviorInput) (string, bool) {
	var parts []string
	for _, p := range in.Template.Inputs {
		if value, ok := in.Inputs[p.ID]; ok {
			parts = append(parts, value)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

// stringField reads a field value as a string, tolerating absent or
// non-string values.
func stringField(fields map[string]any, name string) string {
	v, ok := fields[name]
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return ""
	}
}

func defaultBehaviors(invoker core.LLMInvoker, retriever core.Retriever) map[core.Category]Behavior {
	return map[core.Category]Behavior{
		core.CategoryInput:  inputBehavior{},
		core.CategoryPrompt: promptBehavior{},
		core.CategoryModel:  modelBehavior{invoker: invoker},
		core.CategoryRAG:    ragBehavior{retriever: retriever},
		core.CategoryOutput: outputBehavior{},
	}
}
