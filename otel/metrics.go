package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/flowrunner/flowstudio/engine"
)

// MetricsHandler translates engine events into OpenTelemetry metrics.
// It records counters and histograms for node executions, failures, and
// run durations.
type MetricsHandler struct {
	nodeExecutions metric.Int64Counter
	nodeFailures   metric.Int64Counter
	nodeDuration   metric.Float64Histogram
	runDuration    metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter
// to create instruments for recording flow execution metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	nodeExec, err := meter.Int64Counter("flowstudio.node.executions",
		metric.WithDescription("Number of node executions"),
	)
	if err != nil {
		return nil, err
	}

	nodeFail, err := meter.Int64Counter("flowstudio.node.failures",
		metric.WithDescription("Number of node failures"),
	)
	if err != nil {
		return nil, err
	}

	nodeDur, err := meter.Float64Histogram("flowstudio.node.duration",
		metric.WithDescription("Duration of node execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("flowstudio.run.duration",
		metric.WithDescription("Duration of flow run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		nodeExecutions: nodeExec,
		nodeFailures:   nodeFail,
		nodeDuration:   nodeDur,
		runDuration:    runDur,
	}, nil
}

// Handle processes an engine event and records the appropriate metrics.
// It implements engine.EventHandler semantics.
func (h *MetricsHandler) Handle(e engine.Event) {
	switch e.Kind {
	case engine.EventNodeFinished:
		h.handleNodeFinished(e)
	case engine.EventNodeFailed:
		h.handleNodeFailed(e)
	case engine.EventRunFinished:
		h.handleRunFinished(e)
	}
}

// handleNodeFinished increments the execution counter and records
// duration.
func (h *MetricsHandler) handleNodeFinished(e engine.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("category", string(e.Category)),
		attribute.String("node_id", e.NodeID),
	)
	h.nodeExecutions.Add(ctx, 1, attrs)
	h.nodeDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
}

// handleNodeFailed increments the failure counter.
func (h *MetricsHandler) handleNodeFailed(e engine.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("category", string(e.Category)),
		attribute.String("node_id", e.NodeID),
	)
	h.nodeFailures.Add(ctx, 1, attrs)
}

// handleRunFinished records the flow run duration.
func (h *MetricsHandler) handleRunFinished(e engine.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("run_id", e.RunID),
	)
	h.runDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
}
