// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for store operations.
var meter = otel.Meter("rangetag.store")

// Metrics for store operations.
var (
	operationTotal  metric.Int64Counter
	changeTotal     metric.Int64Counter
	handlerPanics   metric.Int64Counter
	subscriberCount metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		operationTotal, err = meter.Int64Counter(
			"rangetag_store_operation_total",
			metric.WithDescription("Total number of store mutations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		changeTotal, err = meter.Int64Counter(
			"rangetag_store_change_total",
			metric.WithDescription("Total number of changes delivered to subscribers"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		handlerPanics, err = meter.Int64Counter(
			"rangetag_store_handler_panics_total",
			metric.WithDescription("Subscriber handlers that panicked"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		subscriberCount, err = meter.Int64UpDownCounter(
			"rangetag_store_subscribers",
			metric.WithDescription("Current number of change subscribers"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordOperation counts one store mutation attempt.
func recordOperation(store, operation string, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	operationTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("operation", operation),
		attribute.Bool("success", success),
	))
}

func recordChange(store string, kind ChangeKind) {
	if err := initMetrics(); err != nil {
		return
	}
	changeTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("kind", kind.String()),
	))
}

func recordHandlerPanic(store string) {
	if err := initMetrics(); err != nil {
		return
	}
	handlerPanics.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("store", store),
	))
}

func recordSubscribers(store string, delta int64) {
	if err := initMetrics(); err != nil {
		return
	}
	subscriberCount.Add(context.Background(), delta, metric.WithAttributes(
		attribute.String("store", store),
	))
}
