package graph

// ChangeKind identifies the type of a graph mutation event.
type ChangeKind string

const (
	ChangeNodeAdded    ChangeKind = "node.added"
	ChangeNodeRemoved  ChangeKind = "node.removed"
	ChangeNodeMoved    ChangeKind = "node.moved"
	ChangeFieldUpdated ChangeKind = "node.field_updated"
	ChangeEdgeAdded    ChangeKind = "edge.added"
	ChangeEdgeRemoved  ChangeKind = "edge.removed"
)

// ChangeEvent describes one observable mutation of the graph.
// Subscribers receive events synchronously, after the mutation is visible
// to readers.
type ChangeEvent struct {
	Kind   ChangeKind
	NodeID string
	EdgeID string
	Field  string // ChangeFieldUpdated only
}

// Subscribe registers a change listener and returns a function that
// removes it. Listeners are invoked synchronously on the mutating
// goroutine; they must not call back into mutation methods.
func (g *Graph) Subscribe(fn func(ChangeEvent)) (unsubscribe func()) {
	g.subMu.Lock()
	id := g.nextSub
	g.nextSub++
	g.subs[id] = fn
	g.subMu.Unlock()

	return func() {
		g.subMu.Lock()
		delete(g.subs, id)
		g.subMu.Unlock()
	}
}

func (g *Graph) notify(e ChangeEvent) {
	g.subMu.Lock()
	fns := make([]func(ChangeEvent), 0, len(g.subs))
	for _, fn := range g.subs {
		fns = append(fns, fn)
	}
	g.subMu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}
