package graph

import (
	"errors"
	"testing"

	"github.com/flowrunner/flowstudio/core"
)

func rejectCode(t *testing.T, err error) RejectCode {
	t.Helper()
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("err = %v, want *Rejection", err)
	}
	return rej.Code
}

func TestValidateEdgeDanglingEndpoint(t *testing.T) {
	g := newTestGraph(t)
	in := addNode(t, g, "chat_input")

	_, err := g.Connect(Endpoint{Node: "ghost", Port: "text"}, Endpoint{Node: in.ID, Port: "text"})
	if got := rejectCode(t, err); got != RejectDanglingEndpoint {
		t.Errorf("code = %q, want %q", got, RejectDanglingEndpoint)
	}

	_, err = g.Connect(Endpoint{Node: in.ID, Port: "text"}, Endpoint{Node: "ghost", Port: "text"})
	if got := rejectCode(t, err); got != RejectDanglingEndpoint {
		t.Errorf("code = %q, want %q", got, RejectDanglingEndpoint)
	}
}

func TestValidateEdgeUnknownPort(t *testing.T) {
	g := newTestGraph(t)
	in := addNode(t, g, "chat_input")
	out := addNode(t, g, "chat_output")

	_, err := g.Connect(Endpoint{Node: in.ID, Port: "bogus"}, Endpoint{Node: out.ID, Port: "text"})
	if got := rejectCode(t, err); got != RejectUnknownPort {
		t.Errorf("source code = %q, want %q", got, RejectUnknownPort)
	}

	_, err = g.Connect(Endpoint{Node: in.ID, Port: "text"}, Endpoint{Node: out.ID, Port: "bogus"})
	if got := rejectCode(t, err); got != RejectUnknownPort {
		t.Errorf("target code = %q, want %q", got, RejectUnknownPort)
	}

	// Input ports are not valid edge sources.
	_, err = g.Connect(Endpoint{Node: out.ID, Port: "text"}, Endpoint{Node: out.ID, Port: "text"})
	if got := rejectCode(t, err); got != RejectUnknownPort {
		t.Errorf("input-as-source code = %q, want %q", got, RejectUnknownPort)
	}
}

func TestValidateEdgeTypeMismatch(t *testing.T) {
	g := newTestGraph(t)
	in := addNode(t, g, "chat_input")
	model := addNode(t, g, "model")

	_, err := g.Connect(Endpoint{Node: in.ID, Port: "text"}, Endpoint{Node: model.ID, Port: "prompt"})
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("err = %v, want *Rejection", err)
	}
	if rej.Code != RejectTypeMismatch {
		t.Fatalf("code = %q, want %q", rej.Code, RejectTypeMismatch)
	}
	if rej.SourceType != core.DataTypeText || rej.TargetType != core.DataTypePrompt {
		t.Errorf("types = %q -> %q, want text -> prompt", rej.SourceType, rej.TargetType)
	}
}

func TestValidateEdgeInputAlreadyBound(t *testing.T) {
	g := newTestGraph(t)
	a := addNode(t, g, "chat_input")
	b := addNode(t, g, "chat_input")
	out := addNode(t, g, "chat_output")
	connect(t, g, a.ID, "text", out.ID, "text")

	_, err := g.Connect(Endpoint{Node: b.ID, Port: "text"}, Endpoint{Node: out.ID, Port: "text"})
	if got := rejectCode(t, err); got != RejectInputAlreadyBound {
		t.Errorf("code = %q, want %q", got, RejectInputAlreadyBound)
	}
}

func TestValidateEdgeCycle(t *testing.T) {
	g := newTestGraph(t)
	a := addNode(t, g, "prompt_template")
	b := addNode(t, g, "chat_output")
	connect(t, g, a.ID, "prompt", b.ID, "prompt")

	_, err := g.Connect(Endpoint{Node: b.ID, Port: "output"}, Endpoint{Node: a.ID, Port: "text"})
	if got := rejectCode(t, err); got != RejectCycle {
		t.Errorf("code = %q, want %q", got, RejectCycle)
	}
}

func TestValidateEdgeSelfLoop(t *testing.T) {
	g := newTestGraph(t)
	// chat_output has a text output and a text input; a self edge closes a
	// one-node cycle.
	n := addNode(t, g, "chat_output")

	_, err := g.Connect(Endpoint{Node: n.ID, Port: "output"}, Endpoint{Node: n.ID, Port: "text"})
	if got := rejectCode(t, err); got != RejectCycle {
		t.Errorf("code = %q, want %q", got, RejectCycle)
	}
}

func TestValidateEdgeRuleOrder(t *testing.T) {
	// A candidate violating several rules at once reports the first rule in
	// the fixed order: a dangling endpoint wins over everything else.
	g := newTestGraph(t)
	in := addNode(t, g, "chat_input")
	model := addNode(t, g, "model")

	rej := g.ValidateEdge(Edge{
		Source: Endpoint{Node: "ghost", Port: "bogus"},
		Target: Endpoint{Node: model.ID, Port: "prompt"},
	})
	if rej == nil || rej.Code != RejectDanglingEndpoint {
		t.Fatalf("rej = %+v, want DANGLING_ENDPOINT", rej)
	}

	// Unknown port wins over type mismatch.
	rej = g.ValidateEdge(Edge{
		Source: Endpoint{Node: in.ID, Port: "bogus"},
		Target: Endpoint{Node: model.ID, Port: "prompt"},
	})
	if rej == nil || rej.Code != RejectUnknownPort {
		t.Fatalf("rej = %+v, want UNKNOWN_PORT", rej)
	}
}

func TestValidateEdgeAcceptsValid(t *testing.T) {
	g := newTestGraph(t)
	in := addNode(t, g, "chat_input")
	pt := addNode(t, g, "prompt_template")

	rej := g.ValidateEdge(Edge{
		Source: Endpoint{Node: in.ID, Port: "text"},
		Target: Endpoint{Node: pt.ID, Port: "text"},
	})
	if rej != nil {
		t.Fatalf("ValidateEdge = %+v, want nil", rej)
	}
	// Validation alone never inserts.
	if got := len(g.Edges()); got != 0 {
		t.Errorf("len(Edges()) = %d, want 0", got)
	}
}

func TestValidateEdgeDiamondIsNotCycle(t *testing.T) {
	// Two parallel paths converging on one node share no directed cycle.
	g := newTestGraph(t)
	in := addNode(t, g, "chat_input")
	p1 := addNode(t, g, "prompt_template")
	p2 := addNode(t, g, "prompt_template")
	model := addNode(t, g, "model")

	connect(t, g, in.ID, "text", p1.ID, "text")
	connect(t, g, in.ID, "text", p2.ID, "text")
	connect(t, g, p1.ID, "prompt", model.ID, "prompt")

	rej := g.ValidateEdge(Edge{
		Source: Endpoint{Node: p2.ID, Port: "prompt"},
		Target: Endpoint{Node: model.ID, Port: "prompt"},
	})
	// The prompt input is already bound, but no cycle exists; the binding
	// rule fires first.
	if rej == nil || rej.Code != RejectInputAlreadyBound {
		t.Fatalf("rej = %+v, want INPUT_ALREADY_BOUND", rej)
	}
}
