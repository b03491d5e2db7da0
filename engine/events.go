package engine

import (
	"sync/atomic"
	"time"

	"github.com/flowrunner/flowstudio/core"
)

// EventKind identifies the type of event emitted during a run.
type EventKind string

const (
	// EventRunStarted is emitted when a run begins, after structural
	// validation has passed.
	EventRunStarted EventKind = "run.started"

	// EventNodeStarted is emitted when a node's behavior begins.
	EventNodeStarted EventKind = "node.started"

	// EventNodeFinished is emitted when a node completes successfully.
	EventNodeFinished EventKind = "node.finished"

	// EventNodeFailed is emitted when a node records a node-level failure.
	EventNodeFailed EventKind = "node.failed"

	// EventRunFinished is emitted when the run ends, whatever the outcome.
	// The "status" payload key carries "completed", "failed" or "cancelled".
	EventRunFinished EventKind = "run.finished"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured, streamable record of what happened during a run.
// Events are kept small; full node outputs live in the trace.
type Event struct {
	Kind     EventKind
	RunID    string
	NodeID   string // empty for run-level events
	Category core.Category
	Time     time.Time
	Elapsed  time.Duration // since the run started
	Seq      uint64        // monotonically increasing within a run
	Payload  map[string]any
	TraceID  string // populated by observability decorators
	SpanID   string
}

// WithPayload returns a copy of the event with the given payload entry set.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventHandler receives events during execution.
type EventHandler func(Event)

// EventPublisher distributes events to subscribers; implemented by bus.
type EventPublisher interface {
	Publish(Event)
}

// seqGen hands out per-run event sequence numbers.
type seqGen struct {
	n atomic.Uint64
}

func (s *seqGen) next() uint64 {
	return s.n.Add(1)
}
