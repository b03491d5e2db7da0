package graph

// Snapshot is an immutable copy of a graph taken at a point in time.
// The execution engine reads only snapshots, so edits made while a run is
// in flight never affect it. Fields are exported for construction in
// tests; treat a snapshot as read-only once built.
type Snapshot struct {
	Nodes []Node
	Edges []Edge
}

// Snapshot copies the current nodes (insertion order preserved) and edges
// into a detached Snapshot.
func (g *Graph) Snapshot() *Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s := &Snapshot{
		Nodes: make([]Node, 0, len(g.nodeOrder)),
		Edges: make([]Edge, 0, len(g.edgeOrder)),
	}
	for _, id := range g.nodeOrder {
		s.Nodes = append(s.Nodes, g.nodes[id].clone())
	}
	for _, id := range g.edgeOrder {
		s.Edges = append(s.Edges, *g.edges[id])
	}
	return s
}

// NodeByID returns the snapshot node with the given id.
func (s *Snapshot) NodeByID(id string) (Node, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Inbound returns the edges targeting the given node.
func (s *Snapshot) Inbound(nodeID string) []Edge {
	var out []Edge
	for _, e := range s.Edges {
		if e.Target.Node == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Outbound returns the edges originating at the given node.
func (s *Snapshot) Outbound(nodeID string) []Edge {
	var out []Edge
	for _, e := range s.Edges {
		if e.Source.Node == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// BoundInput returns the edge bound to the given target endpoint, if any.
// At most one such edge can exist (inputs are not fan-in capable).
func (s *Snapshot) BoundInput(target Endpoint) (Edge, bool) {
	for _, e := range s.Edges {
		if e.Target == target {
			return e, true
		}
	}
	return Edge{}, false
}
