package graph

import (
	"fmt"

	"github.com/flowrunner/flowstudio/core"
)

// RejectCode identifies why a candidate edge was rejected.
type RejectCode string

const (
	RejectDanglingEndpoint  RejectCode = "DANGLING_ENDPOINT"
	RejectUnknownPort       RejectCode = "UNKNOWN_PORT"
	RejectTypeMismatch      RejectCode = "TYPE_MISMATCH"
	RejectInputAlreadyBound RejectCode = "INPUT_ALREADY_BOUND"
	RejectCycle             RejectCode = "CYCLE_DETECTED"
)

// Rejection is the recoverable, user-facing refusal of a candidate edge.
// It is meant to be shown inline in the editor; the graph is never altered
// by a rejected attempt.
type Rejection struct {
	Code       RejectCode    `json:"code"`
	Message    string        `json:"message"`
	SourceType core.DataType `json:"source_type,omitempty"` // TYPE_MISMATCH only
	TargetType core.DataType `json:"target_type,omitempty"` // TYPE_MISMATCH only
}

// Error implements the error interface.
func (r *Rejection) Error() string {
	return fmt.Sprintf("edge rejected (%s): %s", r.Code, r.Message)
}

// ValidateEdge decides whether a candidate edge may be added to the graph.
// It returns nil when the edge is valid, or a *Rejection for the first
// failed rule. The rules run in a fixed order:
//
//  1. both endpoints reference existing nodes
//  2. the ports exist on the respective templates (source among outputs,
//     target among inputs)
//  3. the port data types match exactly
//  4. the target input port is not already bound
//  5. inserting the edge would not close a directed cycle
//
// ValidateEdge never mutates the graph; insertion is a separate operation.
func (g *Graph) ValidateEdge(candidate Edge) *Rejection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.validateEdgeLocked(candidate)
}

func (g *Graph) validateEdgeLocked(candidate Edge) *Rejection {
	src, srcOK := g.nodes[candidate.Source.Node]
	dst, dstOK := g.nodes[candidate.Target.Node]
	if !srcOK || !dstOK {
		missing := candidate.Source.Node
		if srcOK {
			missing = candidate.Target.Node
		}
		return &Rejection{
			Code:    RejectDanglingEndpoint,
			Message: fmt.Sprintf("node %q does not exist", missing),
		}
	}

	srcTemplate, _ := g.catalog.Get(src.Template)
	dstTemplate, _ := g.catalog.Get(dst.Template)

	srcPort, ok := srcTemplate.OutputPort(candidate.Source.Port)
	if !ok {
		return &Rejection{
			Code:    RejectUnknownPort,
			Message: fmt.Sprintf("node %q has no output port %q", src.ID, candidate.Source.Port),
		}
	}
	dstPort, ok := dstTemplate.InputPort(candidate.Target.Port)
	if !ok {
		return &Rejection{
			Code:    RejectUnknownPort,
			Message: fmt.Sprintf("node %q has no input port %q", dst.ID, candidate.Target.Port),
		}
	}

	if !core.Compatible(srcPort.Type, dstPort.Type) {
		return &Rejection{
			Code:       RejectTypeMismatch,
			Message:    fmt.Sprintf("output %s cannot feed input %s", srcPort.Type, dstPort.Type),
			SourceType: srcPort.Type,
			TargetType: dstPort.Type,
		}
	}

	for _, id := range g.edgeOrder {
		e := g.edges[id]
		if e.Target == candidate.Target {
			return &Rejection{
				Code:    RejectInputAlreadyBound,
				Message: fmt.Sprintf("input %q of node %q is already bound", candidate.Target.Port, dst.ID),
			}
		}
	}

	// Cycle pre-check: the edge closes a cycle iff the source is reachable
	// from the target over existing edges.
	if g.reachableLocked(candidate.Target.Node, candidate.Source.Node) {
		return &Rejection{
			Code:    RejectCycle,
			Message: fmt.Sprintf("edge %s -> %s would create a cycle", src.ID, dst.ID),
		}
	}

	return nil
}

// reachableLocked reports whether to is reachable from from by following
// edges forward. Iterative DFS; caller holds at least a read lock.
func (g *Graph) reachableLocked(from, to string) bool {
	if from == to {
		return true
	}
	succ := make(map[string][]string, len(g.nodes))
	for _, id := range g.edgeOrder {
		e := g.edges[id]
		succ[e.Source.Node] = append(succ[e.Source.Node], e.Target.Node)
	}

	stack := []string{from}
	seen := map[string]bool{from: true}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range succ[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}
