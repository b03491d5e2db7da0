// Package engine executes flow graph snapshots: it computes a
// deterministic topological order, runs each node's category behavior in
// turn, and collects a per-node trace. Node-level failures are recorded in
// the trace; structural problems fail the Execute call itself.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowrunner/flowstudio/catalog"
	"github.com/flowrunner/flowstudio/core"
	"github.com/flowrunner/flowstudio/graph"
)

// Structural errors: the snapshot is invalid before any node runs.
var (
	ErrEmptyGraph = errors.New("graph has no nodes")
	ErrCycle      = errors.New("graph contains a cycle")
	ErrNoRootNode = errors.New("graph has no root input node")
)

// Config configures an Engine.
type Config struct {
	// Catalog resolves node templates. Required.
	Catalog *catalog.Catalog

	// Invoker is the injected LLM capability used by model nodes.
	Invoker core.LLMInvoker

	// Retriever is the injected retrieval capability used by rag nodes.
	Retriever core.Retriever

	// EventHandler receives run events, if set.
	EventHandler EventHandler

	// Bus additionally distributes run events to subscribers, if set.
	Bus EventPublisher

	// Now provides the current time (for testing). Defaults to time.Now.
	Now func() time.Time
}

// Engine runs flow snapshots. An Engine is stateless across runs and safe
// for concurrent use.
type Engine struct {
	catalog   *catalog.Catalog
	behaviors map[core.Category]Behavior
	handler   EventHandler
	bus       EventPublisher
	now       func() time.Time
}

// New creates an engine from the given configuration.
func New(cfg Config) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		catalog:   cfg.Catalog,
		behaviors: defaultBehaviors(cfg.Invoker, cfg.Retriever),
		handler:   cfg.EventHandler,
		bus:       cfg.Bus,
		now:       now,
	}
}

// Execute runs the snapshot with the given initial input and returns the
// execution trace.
//
// Structural failures (empty graph, cycle, no root input node) fail the
// call itself: nothing ran, there is no trace to return. Node-level
// failures (missing required input, provider error or timeout, retrieval
// error) abort the remaining traversal but are reported through the trace,
// whose last step carries the error.
//
// Cancellation is checked between node steps; a cancelled run returns its
// partial trace with the Cancelled marker set.
func (e *Engine) Execute(ctx context.Context, snap *graph.Snapshot, initialInput string) (*core.Trace, error) {
	return e.ExecuteRun(ctx, snap, initialInput, uuid.New().String())
}

// ExecuteRun is Execute with a caller-chosen run id, so callers that
// announce the run id up front (async HTTP execution, SSE subscribers)
// can subscribe before the first event fires.
func (e *Engine) ExecuteRun(ctx context.Context, snap *graph.Snapshot, initialInput, runID string) (*core.Trace, error) {
	if snap == nil || len(snap.Nodes) == 0 {
		return nil, ErrEmptyGraph
	}
	if runID == "" {
		runID = uuid.New().String()
	}

	templates := make(map[string]catalog.NodeTemplate, len(snap.Nodes))
	for _, n := range snap.Nodes {
		t, ok := e.catalog.Get(n.Template)
		if !ok {
			return nil, fmt.Errorf("node %s: %w: %s", n.ID, catalog.ErrUnknownTemplate, n.Template)
		}
		templates[n.ID] = t
	}

	order, err := topoOrder(snap)
	if err != nil {
		return nil, err
	}

	if !hasRootInput(snap, templates) {
		return nil, ErrNoRootNode
	}

	started := e.now()
	trace := &core.Trace{
		RunID:   runID,
		Started: started,
	}

	seq := &seqGen{}
	emit := func(ev Event) {
		ev.RunID = runID
		ev.Time = e.now()
		ev.Elapsed = ev.Time.Sub(started)
		ev.Seq = seq.next()
		if e.bus != nil {
			e.bus.Publish(ev)
		}
		if e.handler != nil {
			e.handler(ev)
		}
	}

	emit(Event{Kind: EventRunStarted}.WithPayload("nodes", len(snap.Nodes)))

	// Most recently produced value per (source node, output port).
	values := make(map[graph.Endpoint]string, len(snap.Nodes))
	status := "completed"

	for _, n := range order {
		if ctx.Err() != nil {
			trace.Cancelled = true
			status = "cancelled"
			break
		}

		tmpl := templates[n.ID]

		inputs, missing := gatherInputs(snap, n, tmpl, values)
		if missing != nil {
			step := failedStep(n.ID, missing)
			trace.Steps = append(trace.Steps, step)
			emit(Event{Kind: EventNodeFailed, NodeID: n.ID, Category: tmpl.Category}.
				WithPayload("error", missing.Error()))
			status = "failed"
			break
		}

		fields, err := e.catalog.ResolveFields(n.Template, n.Fields)
		if err != nil {
			return nil, err
		}

		behavior, ok := e.behaviors[tmpl.Category]
		if !ok {
			return nil, fmt.Errorf("no behavior registered for category %q", tmpl.Category)
		}

		emit(Event{Kind: EventNodeStarted, NodeID: n.ID, Category: tmpl.Category})

		result, err := behavior.Execute(ctx, BehaviorInput{
			Node:         n,
			Template:     tmpl,
			Fields:       fields,
			Inputs:       inputs,
			InitialInput: initialInput,
		})
		if err != nil {
			trace.Steps = append(trace.Steps, failedStep(n.ID, err))
			emit(Event{Kind: EventNodeFailed, NodeID: n.ID, Category: tmpl.Category}.
				WithPayload("error", err.Error()))
			status = "failed"
			break
		}

		for _, p := range tmpl.Outputs {
			values[graph.Endpoint{Node: n.ID, Port: p.ID}] = result.Output
		}

		trace.Steps = append(trace.Steps, core.StepResult{
			NodeID: n.ID,
			Output: result.Output,
			Model:  result.Model,
		})
		emit(Event{Kind: EventNodeFinished, NodeID: n.ID, Category: tmpl.Category})
	}

	if status == "completed" {
		trace.Output = finalOutput(snap, order, trace)
	}
	trace.Finished = e.now()

	emit(Event{Kind: EventRunFinished}.WithPayload("status", status))
	return trace, nil
}

// topoOrder computes a topological order over the snapshot using Kahn's
// algorithm. Ties among indegree-zero nodes are broken by node insertion
// order, which makes execution deterministic and testable.
func topoOrder(snap *graph.Snapshot) ([]graph.Node, error) {
	indegree := make(map[string]int, len(snap.Nodes))
	for _, n := range snap.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range snap.Edges {
		indegree[e.Target.Node]++
	}

	order := make([]graph.Node, 0, len(snap.Nodes))
	emitted := make(map[string]bool, len(snap.Nodes))

	for len(order) < len(snap.Nodes) {
		progressed := false
		for _, n := range snap.Nodes {
			if emitted[n.ID] || indegree[n.ID] != 0 {
				continue
			}
			emitted[n.ID] = true
			order = append(order, n)
			for _, e := range snap.Edges {
				if e.Source.Node == n.ID {
					indegree[e.Target.Node]--
				}
			}
			progressed = true
			break
		}
		if !progressed {
			return nil, ErrCycle
		}
	}
	return order, nil
}

// hasRootInput reports whether any input-category node has no inbound
// edges, i.e. the run input has somewhere to enter the graph.
func hasRootInput(snap *graph.Snapshot, templates map[string]catalog.NodeTemplate) bool {
	for _, n := range snap.Nodes {
		if templates[n.ID].Category != core.CategoryInput {
			continue
		}
		if len(snap.Inbound(n.ID)) == 0 {
			return true
		}
	}
	return false
}

// gatherInputs reads the value recorded at the connected source endpoint
// for every bound input port. A required port with no bound edge fails the
// step with a MissingInputError.
func gatherInputs(snap *graph.Snapshot, n graph.Node, tmpl catalog.NodeTemplate, values map[graph.Endpoint]string) (map[string]string, error) {
	inputs := make(map[string]string, len(tmpl.Inputs))
	for _, p := range tmpl.Inputs {
		edge, bound := snap.BoundInput(graph.Endpoint{Node: n.ID, Port: p.ID})
		if !bound {
			if p.Required {
				return nil, &core.MissingInputError{NodeID: n.ID, Port: p.ID}
			}
			continue
		}
		inputs[p.ID] = values[edge.Source]
	}
	return inputs, nil
}

// finalOutput joins the outputs of the terminal nodes (zero outgoing
// edges) in topological order, separated by a newline.
func finalOutput(snap *graph.Snapshot, order []graph.Node, trace *core.Trace) string {
	outputs := make(map[string]string, len(trace.Steps))
	for _, s := range trace.Steps {
		outputs[s.NodeID] = s.Output
	}

	final := ""
	for _, n := range order {
		if len(snap.Outbound(n.ID)) != 0 {
			continue
		}
		out, ok := outputs[n.ID]
		if !ok {
			continue
		}
		if final != "" {
			final += "\n"
		}
		final += out
	}
	return final
}

func failedStep(nodeID string, err error) core.StepResult {
	return core.StepResult{
		NodeID: nodeID,
		Err:    err,
		Error:  err.Error(),
	}
}
