package traversal

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

var (
	tracer = otel.Tracer("codegraph.traversal")
	meter  = otel.Meter("codegraph.traversal")
)

var (
	visitedNodes metric.Int64Histogram
	truncations  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		visitedNodes, err = meter.Int64Histogram(
			"codegraph_traversal_nodes",
			metric.WithDescription("Nodes returned per traversal"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		truncations, err = meter.Int64Counter(
			"codegraph_traversal_truncated_total",
			metric.WithDescription("Traversals stopped by the node limit"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startSpan(ctx context.Context, op, root string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Traverser."+op, trace.WithAttributes(
		attribute.String("traversal.root", root),
	))
}

func recordTraversal(ctx context.Context, span trace.Span, op string, g *graph.Subgraph) {
	span.SetAttributes(
		attribute.Int("traversal.nodes", g.NodeCount()),
		attribute.Int("traversal.edges", g.EdgeCount()),
		attribute.Bool("traversal.truncated", g.Truncated),
	)
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("op", op))
	visitedNodes.Record(ctx, int64(g.NodeCount()), attrs)
	if g.Truncated {
		truncations.Add(ctx, 1, attrs)
	}
}
