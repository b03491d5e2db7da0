// Package graph provides the mutable flow graph model for Flow Studio:
// node instances, typed edges, the connection validator, change
// notifications for editor subscribers, and immutable snapshots consumed
// by the execution engine.
package graph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/flowrunner/flowstudio/catalog"
)

// Model errors. These are programmer-facing contract violations, surfaced
// immediately to the caller; edge rejections use *Rejection instead.
var (
	ErrNodeNotFound = errors.New("node not found")
	ErrEdgeNotFound = errors.New("edge not found")
)

// Position is the 2D editor placement of a node. Layout only, never
// semantically load-bearing.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a placed, configured occurrence of a template within one graph.
type Node struct {
	ID       string         `json:"id"`
	Template string         `json:"template"`
	Position Position       `json:"position"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// clone returns a deep copy of the node (fields map included).
func (n Node) clone() Node {
	out := n
	if n.Fields != nil {
		out.Fields = make(map[string]any, len(n.Fields))
		for k, v := range n.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// Endpoint names one side of an edge: a node instance and a port on it.
type Endpoint struct {
	Node string `json:"node_id"`
	Port string `json:"port_id"`
}

// Edge is a directed, type-checked binding from one node's output port to
// another node's input port.
type Edge struct {
	ID     string   `json:"id"`
	Source Endpoint `json:"source"`
	Target Endpoint `json:"target"`
}

// Graph is the mutable set of node instances and edges at a point in time.
// All mutations notify registered subscribers synchronously, so state reads
// after a mutation reflect it immediately.
//
// A Graph is safe for concurrent use, but by design it is mutated from the
// editing context only; the execution engine never touches a live Graph,
// it operates on a Snapshot.
type Graph struct {
	mu      sync.RWMutex
	catalog *catalog.Catalog
	nodes   map[string]*Node
	edges   map[string]*Edge
	// insertion orders; node order is load-bearing for deterministic
	// topological execution, edge order for serialization stability.
	nodeOrder []string
	edgeOrder []string

	subMu   sync.Mutex
	subs    map[int]func(ChangeEvent)
	nextSub int
}

// New creates an empty graph whose node instances are validated against
// the given catalog.
func New(cat *catalog.Catalog) *Graph {
	return &Graph{
		catalog: cat,
		nodes:   make(map[string]*Node),
		edges:   make(map[string]*Edge),
		subs:    make(map[int]func(ChangeEvent)),
	}
}

// Catalog returns the catalog this graph validates against.
func (g *Graph) Catalog() *catalog.Catalog {
	return g.catalog
}

// AddNode instantiates the given template at a position and returns the new
// node. The returned node is a copy; mutations go through the Graph API.
func (g *Graph) AddNode(templateID string, pos Position) (Node, error) {
	if !g.catalog.Has(templateID) {
		return Node{}, fmt.Errorf("%w: %s", catalog.ErrUnknownTemplate, templateID)
	}

	n := &Node{
		ID:       uuid.New().String(),
		Template: templateID,
		Position: pos,
		Fields:   make(map[string]any),
	}

	g.mu.Lock()
	g.nodes[n.ID] = n
	g.nodeOrder = append(g.nodeOrder, n.ID)
	g.mu.Unlock()

	g.notify(ChangeEvent{Kind: ChangeNodeAdded, NodeID: n.ID})
	return n.clone(), nil
}

// RemoveNode deletes a node and cascades to every edge touching it.
func (g *Graph) RemoveNode(id string) error {
	g.mu.Lock()
	if _, ok := g.nodes[id]; !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	var removedEdges []string
	for _, edgeID := range g.edgeOrder {
		e := g.edges[edgeID]
		if e.Source.Node == id || e.Target.Node == id {
			removedEdges = append(removedEdges, edgeID)
		}
	}
	for _, edgeID := range removedEdges {
		delete(g.edges, edgeID)
	}
	g.edgeOrder = removeAll(g.edgeOrder, removedEdges)

	delete(g.nodes, id)
	g.nodeOrder = removeAll(g.nodeOrder, []string{id})
	g.mu.Unlock()

	for _, edgeID := range removedEdges {
		g.notify(ChangeEvent{Kind: ChangeEdgeRemoved, EdgeID: edgeID})
	}
	g.notify(ChangeEvent{Kind: ChangeNodeRemoved, NodeID: id})
	return nil
}

// UpdateField replaces the stored value for one field of a node. The value
// is not checked against the template's field constraints here; that is an
// editor concern.
func (g *Graph) UpdateField(nodeID, field string, value any) error {
	g.mu.Lock()
	n, ok := g.nodes[nodeID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	if n.Fields == nil {
		n.Fields = make(map[string]any)
	}
	n.Fields[field] = value
	g.mu.Unlock()

	g.notify(ChangeEvent{Kind: ChangeFieldUpdated, NodeID: nodeID, Field: field})
	return nil
}

// MoveNode updates a node's editor position.
func (g *Graph) MoveNode(nodeID string, pos Position) error {
	g.mu.Lock()
	n, ok := g.nodes[nodeID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	n.Position = pos
	g.mu.Unlock()

	g.notify(ChangeEvent{Kind: ChangeNodeMoved, NodeID: nodeID})
	return nil
}

// Connect validates and inserts an edge from an output port to an input
// port. On rejection the graph is left untouched and the returned error is
// a *Rejection describing the first failed rule.
func (g *Graph) Connect(source, target Endpoint) (Edge, error) {
	g.mu.Lock()
	candidate := Edge{Source: source, Target: target}
	if rej := g.validateEdgeLocked(candidate); rej != nil {
		g.mu.Unlock()
		return Edge{}, rej
	}

	e := &Edge{
		ID:     uuid.New().String(),
		Source: source,
		Target: target,
	}
	g.edges[e.ID] = e
	g.edgeOrder = append(g.edgeOrder, e.ID)
	out := *e
	g.mu.Unlock()

	g.notify(ChangeEvent{Kind: ChangeEdgeAdded, EdgeID: out.ID})
	return out, nil
}

// RemoveEdge deletes an edge by id.
func (g *Graph) RemoveEdge(id string) error {
	g.mu.Lock()
	if _, ok := g.edges[id]; !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEdgeNotFound, id)
	}
	delete(g.edges, id)
	g.edgeOrder = removeAll(g.edgeOrder, []string{id})
	g.mu.Unlock()

	g.notify(ChangeEvent{Kind: ChangeEdgeRemoved, EdgeID: id})
	return nil
}

// NodeByID returns a copy of the node with the given id.
func (g *Graph) NodeByID(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// Nodes returns copies of all nodes in insertion order.
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Node, 0, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		out = append(out, g.nodes[id].clone())
	}
	return out
}

// EdgeByID returns the edge with the given id.
func (g *Graph) EdgeByID(id string) (Edge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.edges[id]
	if !ok {
		return Edge{}, false
	}
	return *e, true
}

// Edges returns all edges in insertion order.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Edge, 0, len(g.edgeOrder))
	for _, id := range g.edgeOrder {
		out = append(out, *g.edges[id])
	}
	return out
}

func removeAll(order []string, ids []string) []string {
	if len(ids) == 0 {
		return order
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	out := order[:0]
	for _, id := range order {
		if !drop[id] {
			out = append(out, id)
		}
	}
	return out
}
