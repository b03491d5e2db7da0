package otel

import (
	"github.com/flowrunner/flowstudio/engine"
)

// EnrichHandler wraps an event handler with OpenTelemetry trace
// context. Before forwarding, it looks up the active span from the
// TracingHandler and populates the TraceID and SpanID fields on the
// event.
//
// For node-level events (where NodeID is set), the node span is checked
// first; otherwise the run-level span is used. When no span is active,
// the event passes through unchanged.
func EnrichHandler(next engine.EventHandler, tracing *TracingHandler) engine.EventHandler {
	return func(e engine.Event) {
		if e.NodeID != "" {
			sc := tracing.ActiveSpanContext(e.RunID, e.NodeID)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		if e.TraceID == "" && e.RunID != "" {
			sc := tracing.ActiveRunSpanContext(e.RunID)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		next(e)
	}
}
