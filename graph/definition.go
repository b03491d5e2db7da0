package graph

import (
	"fmt"

	"github.com/flowrunner/flowstudio/catalog"
)

// FlowDefinition is the serializable representation of a flow graph.
// This is the only externally persisted shape: node entries carry instance
// id, template id, position and field overrides; edge entries carry id plus
// source/target endpoints. The persistence adapter and the HTTP API both
// speak this format.
type FlowDefinition struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Definition serializes the graph's current state.
func (g *Graph) Definition() FlowDefinition {
	g.mu.RLock()
	defer g.mu.RUnlock()

	def := FlowDefinition{
		Nodes: make([]Node, 0, len(g.nodeOrder)),
		Edges: make([]Edge, 0, len(g.edgeOrder)),
	}
	for _, id := range g.nodeOrder {
		def.Nodes = append(def.Nodes, g.nodes[id].clone())
	}
	for _, id := range g.edgeOrder {
		def.Edges = append(def.Edges, *g.edges[id])
	}
	return def
}

// FromDefinition rebuilds a live graph from a serialized definition,
// validating every node against the catalog and every edge through the
// connection validator. Node and edge ids from the definition are kept so
// references (saved runs, editor state) stay stable across load cycles.
func FromDefinition(cat *catalog.Catalog, def FlowDefinition) (*Graph, error) {
	g := New(cat)

	for _, n := range def.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("node with template %q has no id", n.Template)
		}
		if !cat.Has(n.Template) {
			return nil, fmt.Errorf("node %s: %w: %s", n.ID, catalog.ErrUnknownTemplate, n.Template)
		}
		if _, exists := g.nodes[n.ID]; exists {
			return nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		clone := n.clone()
		if clone.Fields == nil {
			clone.Fields = make(map[string]any)
		}
		g.nodes[clone.ID] = &clone
		g.nodeOrder = append(g.nodeOrder, clone.ID)
	}

	for _, e := range def.Edges {
		if rej := g.validateEdgeLocked(e); rej != nil {
			return nil, fmt.Errorf("edge %s -> %s: %w", e.Source.Node, e.Target.Node, rej)
		}
		edge := e
		if edge.ID == "" {
			return nil, fmt.Errorf("edge %s -> %s has no id", e.Source.Node, e.Target.Node)
		}
		if _, exists := g.edges[edge.ID]; exists {
			return nil, fmt.Errorf("duplicate edge id %q", edge.ID)
		}
		g.edges[edge.ID] = &edge
		g.edgeOrder = append(g.edgeOrder, edge.ID)
	}

	return g, nil
}

// SnapshotFromDefinition builds an execution snapshot directly from a
// serialized definition, running the same validation as FromDefinition.
func SnapshotFromDefinition(cat *catalog.Catalog, def FlowDefinition) (*Snapshot, error) {
	g, err := FromDefinition(cat, def)
	if err != nil {
		return nil, err
	}
	return g.Snapshot(), nil
}
