package resolver

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("codegraph.resolver")

var (
	refsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codegraph_resolution_refs_total",
		Help: "References processed by resolution outcome",
	}, []string{"outcome"})

	passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "codegraph_resolution_pass_duration_seconds",
		Help:    "Resolution pass duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
)

func startPassSpan(ctx context.Context, scope Scope) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Resolver.Resolve", trace.WithAttributes(
		attribute.Bool("resolver.all", scope.All),
		attribute.Int("resolver.files", len(scope.Files)),
		attribute.String("resolver.names", strings.Join(truncateNames(scope.Names, 10), ",")),
	))
}

func truncateNames(names []string, n int) []string {
	if len(names) > n {
		return names[:n]
	}
	return names
}

func recordPass(ctx context.Context, span trace.Span, res *Result, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(
		attribute.Int("resolver.resolved", res.Resolved),
		attribute.Int("resolver.unresolved", res.Unresolved),
		attribute.Int("resolver.edges", res.EdgesCreated),
	)
	passDuration.Observe(res.Duration.Seconds())
	for outcome, n := range map[string]int{
		"resolved":   res.Resolved,
		"unresolved": res.Unresolved,
		"ambiguous":  res.Ambiguous,
		"filtered":   res.Filtered,
		"dropped":    res.Dropped,
		"malformed":  res.Malformed,
	} {
		refsTotal.WithLabelValues(outcome).Add(float64(n))
	}
}
