package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/flowrunner/flowstudio/catalog"
	"github.com/flowrunner/flowstudio/core"
	"github.com/flowrunner/flowstudio/graph"
)

// buildSnapshot assembles a snapshot from a definition against the
// builtin catalog, failing the test on any validation error.
func buildSnapshot(t *testing.T, def graph.FlowDefinition) *graph.Snapshot {
	t.Helper()
	snap, err := graph.SnapshotFromDefinition(catalog.New(), def)
	if err != nil {
		t.Fatalf("building snapshot: %v", err)
	}
	return snap
}

func edge(id, srcNode, srcPort, dstNode, dstPort string) graph.Edge {
	return graph.Edge{
		ID:     id,
		Source: graph.Endpoint{Node: srcNode, Port: srcPort},
		Target: graph.Endpoint{Node: dstNode, Port: dstPort},
	}
}

// promptFlow is the canonical three-node flow: chat input feeding a
// prompt template feeding a chat output.
func promptFlow(t *testing.T, template string) *graph.Snapshot {
	t.Helper()
	return buildSnapshot(t, graph.FlowDefinition{
		Nodes: []graph.Node{
			{ID: "in", Template: "chat_input"},
			{ID: "pt", Template: "prompt_template", Fields: map[string]any{"template": template}},
			{ID: "out", Template: "chat_output"},
		},
		Edges: []graph.Edge{
			edge("e1", "in", "text", "pt", "text"),
			edge("e2", "pt", "prompt", "out", "prompt"),
		},
	})
}

func TestExecutePromptFlow(t *testing.T) {
	eng := New(Config{Catalog: catalog.New()})

	trace, err := eng.Execute(context.Background(), promptFlow(t, "You said: {text}"), "Hello!")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if trace.Output != "You said: Hello!" {
		t.Errorf("Output = %q, want %q", trace.Output, "You said: Hello!")
	}
	if trace.Failed() {
		t.Errorf("trace reports failure: %+v", trace.LastStep())
	}
	if got := len(trace.Steps); got != 3 {
		t.Fatalf("len(Steps) = %d, want 3", got)
	}
	wantOrder := []string{"in", "pt", "out"}
	for i, id := range wantOrder {
		if trace.Steps[i].NodeID != id {
			t.Errorf("Steps[%d].NodeID = %q, want %q", i, trace.Steps[i].NodeID, id)
		}
	}
	if trace.RunID == "" {
		t.Error("trace has empty run id")
	}
}

func TestExecuteInputLiteralWinsOverInitialInput(t *testing.T) {
	snap := buildSnapshot(t, graph.FlowDefinition{
		Nodes: []graph.Node{
			{ID: "in", Template: "chat_input", Fields: map[string]any{"text": "configured"}},
			{ID: "out", Template: "chat_output"},
		},
		Edges: []graph.Edge{edge("e1", "in", "text", "out", "text")},
	})
	eng := New(Config{Catalog: catalog.New()})

	trace, err := eng.Execute(context.Background(), snap, "ignored")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if trace.Output != "configured" {
		t.Errorf("Output = %q, want configured", trace.Output)
	}
}

func TestExecuteUnresolvedPlaceholderLeftVerbatim(t *testing.T) {
	eng := New(Config{Catalog: catalog.New()})

	trace, err := eng.Execute(context.Background(), promptFlow(t, "{text} and {context}"), "hi")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if trace.Output != "hi and {context}" {
		t.Errorf("Output = %q, want %q", trace.Output, "hi and {context}")
	}
}

func TestExecuteModelFlow(t *testing.T) {
	snap := buildSnapshot(t, graph.FlowDefinition{
		Nodes: []graph.Node{
			{ID: "in", Template: "chat_input"},
			{ID: "pt", Template: "prompt_template", Fields: map[string]any{"template": "{text}"}},
			{ID: "m", Template: "model", Fields: map[string]any{"model": "echo-1"}},
			{ID: "out", Template: "chat_output"},
		},
		Edges: []graph.Edge{
			edge("e1", "in", "text", "pt", "text"),
			edge("e2", "pt", "prompt", "m", "prompt"),
			edge("e3", "m", "response", "out", "response"),
		},
	})

	var gotModel, gotPrompt string
	eng := New(Config{
		Catalog: catalog.New(),
		Invoker: core.InvokerFunc(func(_ context.Context, modelID, prompt string) (string, error) {
			gotModel, gotPrompt = modelID, prompt
			return strings.ToUpper(prompt), nil
		}),
	})

	trace, err := eng.Execute(context.Background(), snap, "hello")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotModel != "echo-1" {
		t.Errorf("invoker model = %q, want echo-1", gotModel)
	}
	if gotPrompt != "hello" {
		t.Errorf("invoker prompt = %q, want hello", gotPrompt)
	}
	if trace.Output != "HELLO" {
		t.Errorf("Output = %q, want HELLO", trace.Output)
	}
	modelStep := trace.Steps[2]
	if modelStep.Model != "echo-1" {
		t.Errorf("model step Model = %q, want echo-1", modelStep.Model)
	}
}

func TestExecuteTwoTerminalsJoined(t *testing.T) {
	snap := buildSnapshot(t, graph.FlowDefinition{
		Nodes: []graph.Node{
			{ID: "in", Template: "chat_input"},
			{ID: "a", Template: "chat_output", Fields: map[string]any{"label": "A"}},
			{ID: "b", Template: "chat_output", Fields: map[string]any{"label": "B"}},
		},
		Edges: []graph.Edge{
			edge("e1", "in", "text", "a", "text"),
			edge("e2", "in", "text", "b", "text"),
		},
	})
	eng := New(Config{Catalog: catalog.New()})

	trace, err := eng.Execute(context.Background(), snap, "x")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if trace.Output != "x\nx" {
		t.Errorf("Output = %q, want %q", trace.Output, "x\nx")
	}
}

func TestExecuteProviderErrorAbortsRun(t *testing.T) {
	snap := buildSnapshot(t, graph.FlowDefinition{
		Nodes: []graph.Node{
			{ID: "in", Template: "chat_input"},
			{ID: "m", Template: "model"},
			{ID: "out", Template: "chat_output"},
		},
		Edges: []graph.Edge{
			edge("e1", "in", "text", "m", "text"),
			edge("e2", "m", "response", "out", "response"),
		},
	})
	eng := New(Config{
		Catalog: catalog.New(),
		Invoker: core.InvokerFunc(func(context.Context, string, string) (string, error) {
			return "", errors.New("backend down")
		}),
	})

	trace, err := eng.Execute(context.Background(), snap, "x")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !trace.Failed() {
		t.Fatal("trace should report failure")
	}
	last := trace.LastStep()
	if last.NodeID != "m" {
		t.Errorf("failing step = %q, want m", last.NodeID)
	}
	var pe *core.ProviderError
	if !errors.As(last.Err, &pe) {
		t.Fatalf("step error = %v, want *ProviderError", last.Err)
	}
	// The output node never ran.
	if got := len(trace.Steps); got != 2 {
		t.Errorf("len(Steps) = %d, want 2", got)
	}
	if trace.Output != "" {
		t.Errorf("Output = %q, want empty on failed run", trace.Output)
	}
}

func TestExecuteNoInvokerConfigured(t *testing.T) {
	snap := buildSnapshot(t, graph.FlowDefinition{
		Nodes: []graph.Node{
			{ID: "in", Template: "chat_input"},
			{ID: "m", Template: "model"},
		},
		Edges: []graph.Edge{edge("e1", "in", "text", "m", "text")},
	})
	eng := New(Config{Catalog: catalog.New()})

	trace, err := eng.Execute(context.Background(), snap, "x")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var pe *core.ProviderError
	if !errors.As(trace.LastStep().Err, &pe) {
		t.Fatalf("step error = %v, want *ProviderError", trace.LastStep().Err)
	}
	if !strings.Contains(pe.Message, "no model backend configured") {
		t.Errorf("message = %q, want mention of missing backend", pe.Message)
	}
}

func TestExecuteTimeoutMarksProviderError(t *testing.T) {
	snap := buildSnapshot(t, graph.FlowDefinition{
		Nodes: []graph.Node{
			{ID: "in", Template: "chat_input"},
			{ID: "m", Template: "model"},
		},
		Edges: []graph.Edge{edge("e1", "in", "text", "m", "text")},
	})
	eng := New(Config{
		Catalog: catalog.New(),
		Invoker: core.InvokerFunc(func(context.Context, string, string) (string, error) {
			return "", context.DeadlineExceeded
		}),
	})

	trace, err := eng.Execute(context.Background(), snap, "x")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !core.IsTimeout(trace.LastStep().Err) {
		t.Errorf("step error = %v, want timeout provider error", trace.LastStep().Err)
	}
}

func TestExecuteRetrieverFlow(t *testing.T) {
	snap := buildSnapshot(t, graph.FlowDefinition{
		Nodes: []graph.Node{
			{ID: "in", Template: "chat_input"},
			{ID: "r", Template: "retriever", Fields: map[string]any{"collection": "docs"}},
			{ID: "out", Template: "chat_output"},
		},
		Edges: []graph.Edge{
			edge("e1", "in", "text", "r", "query"),
			edge("e2", "r", "documents", "out", "text"),
		},
	})

	var gotCollection, gotQuery string
	eng := New(Config{
		Catalog: catalog.New(),
		Retriever: core.RetrieverFunc(func(_ context.Context, collectionID, query string) (string, error) {
			gotCollection, gotQuery = collectionID, query
			return "doc1\ndoc2", nil
		}),
	})

	trace, err := eng.Execute(context.Background(), snap, "find things")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotCollection != "docs" || gotQuery != "find things" {
		t.Errorf("retriever called with (%q, %q), want (docs, find things)", gotCollection, gotQuery)
	}
	if trace.Output != "doc1\ndoc2" {
		t.Errorf("Output = %q, want doc1\\ndoc2", trace.Output)
	}
}

func TestExecuteMissingRequiredInputFailsStep(t *testing.T) {
	// The retriever's query input is required but left unbound.
	snap := buildSnapshot(t, graph.FlowDefinition{
		Nodes: []graph.Node{
			{ID: "in", Template: "chat_input"},
			{ID: "r", Template: "retriever", Fields: map[string]any{"collection": "docs"}},
		},
	})
	eng := New(Config{Catalog: catalog.New()})

	trace, err := eng.Execute(context.Background(), snap, "x")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !trace.Failed() {
		t.Fatal("trace should report failure")
	}
	var mie *core.MissingInputError
	if !errors.As(trace.LastStep().Err, &mie) {
		t.Fatalf("step error = %v, want *MissingInputError", trace.LastStep().Err)
	}
	if mie.NodeID != "r" || mie.Port != "query" {
		t.Errorf("missing input = %s.%s, want r.query", mie.NodeID, mie.Port)
	}
}

func TestExecuteEmptyGraph(t *testing.T) {
	eng := New(Config{Catalog: catalog.New()})

	if _, err := eng.Execute(context.Background(), nil, ""); !errors.Is(err, ErrEmptyGraph) {
		t.Errorf("nil snapshot err = %v, want ErrEmptyGraph", err)
	}
	if _, err := eng.Execute(context.Background(), &graph.Snapshot{}, ""); !errors.Is(err, ErrEmptyGraph) {
		t.Errorf("empty snapshot err = %v, want ErrEmptyGraph", err)
	}
}

func TestExecuteCycleDetected(t *testing.T) {
	// The connection validator refuses cycles at edit time, so a cyclic
	// snapshot has to be assembled by hand.
	snap := &graph.Snapshot{
		Nodes: []graph.Node{
			{ID: "a", Template: "prompt_template"},
			{ID: "b", Template: "chat_output"},
		},
		Edges: []graph.Edge{
			edge("e1", "a", "prompt", "b", "prompt"),
			edge("e2", "b", "output", "a", "text"),
		},
	}
	eng := New(Config{Catalog: catalog.New()})

	if _, err := eng.Execute(context.Background(), snap, ""); !errors.Is(err, ErrCycle) {
		t.Errorf("err = %v, want ErrCycle", err)
	}
}

func TestExecuteNoRootNode(t *testing.T) {
	snap := buildSnapshot(t, graph.FlowDefinition{
		Nodes: []graph.Node{
			{ID: "pt", Template: "prompt_template", Fields: map[string]any{"template": "static"}},
		},
	})
	eng := New(Config{Catalog: catalog.New()})

	if _, err := eng.Execute(context.Background(), snap, ""); !errors.Is(err, ErrNoRootNode) {
		t.Errorf("err = %v, want ErrNoRootNode", err)
	}
}

func TestExecuteCancellationBetweenSteps(t *testing.T) {
	snap := buildSnapshot(t, graph.FlowDefinition{
		Nodes: []graph.Node{
			{ID: "in", Template: "chat_input"},
			{ID: "m", Template: "model"},
			{ID: "out", Template: "chat_output"},
		},
		Edges: []graph.Edge{
			edge("e1", "in", "text", "m", "text"),
			edge("e2", "m", "response", "out", "response"),
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	eng := New(Config{
		Catalog: catalog.New(),
		Invoker: core.InvokerFunc(func(context.Context, string, string) (string, error) {
			cancel()
			return "done", nil
		}),
	})

	trace, err := eng.Execute(ctx, snap, "x")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !trace.Cancelled {
		t.Fatal("trace should be marked cancelled")
	}
	// Input and model steps completed; the output step never ran.
	if got := len(trace.Steps); got != 2 {
		t.Errorf("len(Steps) = %d, want 2", got)
	}
}

func TestExecuteDeterministicOrder(t *testing.T) {
	snap := buildSnapshot(t, graph.FlowDefinition{
		Nodes: []graph.Node{
			{ID: "in", Template: "chat_input"},
			{ID: "p1", Template: "prompt_template", Fields: map[string]any{"template": "1:{text}"}},
			{ID: "p2", Template: "prompt_template", Fields: map[string]any{"template": "2:{text}"}},
			{ID: "o1", Template: "chat_output"},
			{ID: "o2", Template: "chat_output"},
		},
		Edges: []graph.Edge{
			edge("e1", "in", "text", "p1", "text"),
			edge("e2", "in", "text", "p2", "text"),
			edge("e3", "p1", "prompt", "o1", "prompt"),
			edge("e4", "p2", "prompt", "o2", "prompt"),
		},
	})
	eng := New(Config{Catalog: catalog.New()})

	first, err := eng.Execute(context.Background(), snap, "x")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for i := 0; i < 5; i++ {
		trace, err := eng.Execute(context.Background(), snap, "x")
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if len(trace.Steps) != len(first.Steps) {
			t.Fatalf("run %d: %d steps, want %d", i, len(trace.Steps), len(first.Steps))
		}
		for j := range trace.Steps {
			if trace.Steps[j].NodeID != first.Steps[j].NodeID {
				t.Fatalf("run %d: step %d = %q, want %q", i, j, trace.Steps[j].NodeID, first.Steps[j].NodeID)
			}
		}
		if trace.Output != first.Output {
			t.Fatalf("run %d: output %q, want %q", i, trace.Output, first.Output)
		}
	}
	if first.Output != "1:x\n2:x" {
		t.Errorf("Output = %q, want %q", first.Output, "1:x\n2:x")
	}
}

func TestExecuteRunUsesGivenRunID(t *testing.T) {
	eng := New(Config{Catalog: catalog.New()})

	trace, err := eng.ExecuteRun(context.Background(), promptFlow(t, "{text}"), "x", "run-42")
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	if trace.RunID != "run-42" {
		t.Errorf("RunID = %q, want run-42", trace.RunID)
	}
}

func TestExecuteEmitsEvents(t *testing.T) {
	var events []Event
	eng := New(Config{
		Catalog:      catalog.New(),
		EventHandler: func(e Event) { events = append(events, e) },
	})

	trace, err := eng.Execute(context.Background(), promptFlow(t, "{text}"), "x")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var kinds []EventKind
	for _, e := range events {
		kinds = append(kinds, e.Kind)
		if e.RunID != trace.RunID {
			t.Errorf("event %s run id = %q, want %q", e.Kind, e.RunID, trace.RunID)
		}
	}
	want := []EventKind{
		EventRunStarted,
		EventNodeStarted, EventNodeFinished,
		EventNodeStarted, EventNodeFinished,
		EventNodeStarted, EventNodeFinished,
		EventRunFinished,
	}
	if len(kinds) != len(want) {
		t.Fatalf("got %d events %v, want %d", len(kinds), kinds, len(want))
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}

	for i, e := range events {
		if e.Seq != uint64(i+1) {
			t.Errorf("event[%d].Seq = %d, want %d", i, e.Seq, i+1)
		}
	}
	final := events[len(events)-1]
	if got := final.Payload["status"]; got != "completed" {
		t.Errorf("run.finished status = %v, want completed", got)
	}
}

func TestExecuteFailedRunEventStatus(t *testing.T) {
	snap := buildSnapshot(t, graph.FlowDefinition{
		Nodes: []graph.Node{
			{ID: "in", Template: "chat_input"},
			{ID: "m", Template: "model"},
		},
		Edges: []graph.Edge{edge("e1", "in", "text", "m", "text")},
	})

	var events []Event
	eng := New(Config{
		Catalog:      catalog.New(),
		EventHandler: func(e Event) { events = append(events, e) },
	})

	if _, err := eng.Execute(context.Background(), snap, "x"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var sawFailed bool
	for _, e := range events {
		if e.Kind == EventNodeFailed && e.NodeID == "m" {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Error("no node.failed event for the model node")
	}
	final := events[len(events)-1]
	if final.Kind != EventRunFinished {
		t.Fatalf("last event = %s, want run.finished", final.Kind)
	}
	if got := final.Payload["status"]; got != "failed" {
		t.Errorf("run.finished status = %v, want failed", got)
	}
}
