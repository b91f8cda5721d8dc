package storage

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("codegraph.storage")
	meter  = otel.Meter("codegraph.storage")
)

var (
	txLatency    metric.Float64Histogram
	cacheLookups metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		txLatency, err = meter.Float64Histogram(
			"codegraph_storage_tx_duration_seconds",
			metric.WithDescription("Duration of store transactions"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheLookups, err = meter.Int64Counter(
			"codegraph_storage_node_cache_lookups_total",
			metric.WithDescription("Node cache lookups by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startTxSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Store."+op, trace.WithAttributes(
		attribute.String("storage.op", op),
	))
}

func recordTx(ctx context.Context, op string, duration time.Duration, err error) {
	if initMetrics() != nil {
		return
	}
	txLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("success", err == nil),
	))
}

func recordCacheLookup(ctx context.Context, hit bool) {
	if initMetrics() != nil {
		return
	}
	cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.Bool("hit", hit)))
}
