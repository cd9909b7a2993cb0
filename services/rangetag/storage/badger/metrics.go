// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("rangetag.storage.badger")
	meter  = otel.Meter("rangetag.storage.badger")
)

var (
	snapshotLatency metric.Float64Histogram
	snapshotBytes   metric.Int64Histogram
	corruptedTotal  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		snapshotLatency, err = meter.Float64Histogram(
			"rangetag_snapshot_duration_seconds",
			metric.WithDescription("Duration of snapshot operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		snapshotBytes, err = meter.Int64Histogram(
			"rangetag_snapshot_size_bytes",
			metric.WithDescription("Stored size of saved snapshots"),
			metric.WithUnit("By"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		corruptedTotal, err = meter.Int64Counter(
			"rangetag_snapshot_corrupted_total",
			metric.WithDescription("Snapshots that failed verification on read"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startSnapshotSpan creates a span for one snapshot operation.
func startSnapshotSpan(ctx context.Context, op, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "SnapshotStore."+op,
		trace.WithAttributes(
			attribute.String("snapshot.name", name),
		),
	)
}

// endSnapshotSpan records the outcome and latency of an operation and
// ends its span.
func endSnapshotSpan(ctx context.Context, span trace.Span, op string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	if initMetrics() != nil {
		return
	}
	snapshotLatency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("success", err == nil),
	))
}

func recordSnapshotSize(ctx context.Context, n int) {
	if initMetrics() != nil {
		return
	}
	snapshotBytes.Record(ctx, int64(n))
}

func recordCorrupted(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	corruptedTotal.Add(ctx, 1)
}
