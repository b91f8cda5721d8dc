package ingestion

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("codegraph.ingestion")

var (
	syncFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codegraph_sync_files_total",
		Help: "Files processed by sync, by change kind",
	}, []string{"change"})

	syncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "codegraph_sync_duration_seconds",
		Help:    "Sync run duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
	})
)

func startSyncSpan(ctx context.Context, root string, full bool) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Controller.Sync", trace.WithAttributes(
		attribute.String("sync.root", root),
		attribute.Bool("sync.full", full),
	))
}

func recordSync(span trace.Span, res *SyncResult, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(
		attribute.String("sync.run_id", res.RunID),
		attribute.Int("sync.added", len(res.Added)),
		attribute.Int("sync.modified", len(res.Modified)),
		attribute.Int("sync.removed", len(res.Removed)),
		attribute.Int("sync.unchanged", res.Unchanged),
		attribute.Int("sync.errors", res.Errors.Len()),
	)
	syncDuration.Observe(res.Duration.Seconds())
	syncFiles.WithLabelValues("added").Add(float64(len(res.Added)))
	syncFiles.WithLabelValues("modified").Add(float64(len(res.Modified)))
	syncFiles.WithLabelValues("removed").Add(float64(len(res.Removed)))
	syncFiles.WithLabelValues("unchanged").Add(float64(res.Unchanged))
}
