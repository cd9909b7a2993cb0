// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manager

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for manager operations.
var (
	tracer = otel.Tracer("rangetag.manager")
	meter  = otel.Meter("rangetag.manager")
)

// Metrics for manager operations.
var (
	rebuildLatency  metric.Float64Histogram
	orderBumps      metric.Int64Counter
	replayTotal     metric.Int64Counter
	violationsTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		rebuildLatency, err = meter.Float64Histogram(
			"rangetag_union_rebuild_duration_seconds",
			metric.WithDescription("Duration of full union rebuilds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		orderBumps, err = meter.Int64Counter(
			"rangetag_union_order_bumps_total",
			metric.WithDescription("Orders raised by the union validation pass"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		replayTotal, err = meter.Int64Counter(
			"rangetag_union_replay_total",
			metric.WithDescription("Sub-store changes replayed into the union"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		violationsTotal, err = meter.Int64Counter(
			"rangetag_union_consistency_violations_total",
			metric.WithDescription("Detected divergences between union and sub-stores"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startRebuildSpan creates a span for a full union rebuild.
func startRebuildSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Manager.rebuild",
		trace.WithAttributes(
			attribute.String("manager.name", name),
		),
	)
}

func recordRebuild(ctx context.Context, name string, seconds float64, entries int) {
	if err := initMetrics(); err != nil {
		return
	}
	rebuildLatency.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("manager", name),
		attribute.Int("entries", entries),
	))
}

func recordBumps(name string, n int) {
	if n == 0 {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	orderBumps.Add(context.Background(), int64(n), metric.WithAttributes(
		attribute.String("manager", name),
	))
}

func recordReplay(name, kind string) {
	if err := initMetrics(); err != nil {
		return
	}
	replayTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("manager", name),
		attribute.String("kind", kind),
	))
}

func recordViolation(name string) {
	if err := initMetrics(); err != nil {
		return
	}
	violationsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("manager", name),
	))
}
