// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for cache operations.
var (
	tracer = otel.Tracer("rangetag.cache")
	meter  = otel.Meter("rangetag.cache")
)

// Metrics for cache operations.
var (
	rebuildLatency  metric.Float64Histogram
	windowCount     metric.Int64Gauge
	violationsTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		rebuildLatency, err = meter.Float64Histogram(
			"rangetag_cache_rebuild_duration_seconds",
			metric.WithDescription("Duration of full position cache rebuilds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		windowCount, err = meter.Int64Gauge(
			"rangetag_cache_windows",
			metric.WithDescription("Number of MinMax windows after a rebuild"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		violationsTotal, err = meter.Int64Counter(
			"rangetag_cache_consistency_violations_total",
			metric.WithDescription("Windows that could not be repaired"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startRebuildSpan creates a span for a full cache rebuild.
func startRebuildSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "PositionCache.rebuild",
		trace.WithAttributes(
			attribute.String("cache.name", name),
		),
	)
}

func recordRebuild(ctx context.Context, name string, seconds float64, windows int) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("cache", name))
	rebuildLatency.Record(ctx, seconds, attrs)
	windowCount.Record(ctx, int64(windows), attrs)
}

func recordViolation(name string) {
	if err := initMetrics(); err != nil {
		return
	}
	violationsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("cache", name),
	))
}
