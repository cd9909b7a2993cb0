// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ServiceName != "rangetag" {
		t.Errorf("ServiceName = %q, want %q", cfg.ServiceName, "rangetag")
	}
	if cfg.TraceExporter != "none" || cfg.MetricExporter != "none" {
		t.Errorf("exporters = %q/%q, want none/none", cfg.TraceExporter, cfg.MetricExporter)
	}
}

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := Init(nil, DefaultConfig())
	if !errors.Is(err, ErrNilContext) {
		t.Errorf("Init(nil, cfg) error = %v, want %v", err, ErrNilContext)
	}
}

func TestInit_NoopExporter(t *testing.T) {
	shutdown, err := Init(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInit_StdoutExporters(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.TraceExporter = "stdout"
	cfg.MetricExporter = "stdout"
	cfg.Output = &buf

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "stdout-span")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
	if !strings.Contains(buf.String(), "stdout-span") {
		t.Errorf("stdout exporter output missing span: %s", buf.String())
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "carrier-pigeon"
	if _, err := Init(context.Background(), cfg); !errors.Is(err, ErrUnknownExporter) {
		t.Errorf("error = %v, want %v", err, ErrUnknownExporter)
	}

	cfg = DefaultConfig()
	cfg.MetricExporter = "carrier-pigeon"
	if _, err := Init(context.Background(), cfg); !errors.Is(err, ErrUnknownExporter) {
		t.Errorf("error = %v, want %v", err, ErrUnknownExporter)
	}
}

func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricExporter = "prometheus"

	for range 2 {
		shutdown, err := Init(context.Background(), cfg)
		if err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		defer shutdown(context.Background())
	}

	counter, err := otel.Meter("telemetry_test").Int64Counter("rangetag_test_events_total")
	if err != nil {
		t.Fatalf("creating counter: %v", err)
	}
	counter.Add(context.Background(), 42)

	handler := MetricsHandler()
	if handler == nil {
		t.Fatal("MetricsHandler() returned nil")
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	resp := rec.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if !strings.Contains(string(body), "rangetag_test_events_total") {
		t.Errorf("metrics output missing counter: %s", body)
	}
}

func TestMetricsHandler_NilBeforeInit(t *testing.T) {
	prometheusHandlerMu.Lock()
	old := prometheusHandler
	prometheusHandler = nil
	prometheusHandlerMu.Unlock()
	defer func() {
		prometheusHandlerMu.Lock()
		prometheusHandler = old
		prometheusHandlerMu.Unlock()
	}()

	if MetricsHandler() != nil {
		t.Error("MetricsHandler() should return nil before Prometheus init")
	}
}

func validSpanContext() context.Context {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10},
		SpanID:     trace.SpanID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
		TraceFlags: trace.FlagsSampled,
	})
	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestLoggerWithTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	LoggerWithTrace(context.Background(), logger).Info("plain")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("output should not contain trace_id without a span: %s", buf.String())
	}

	buf.Reset()
	ctx := validSpanContext()
	LoggerWithTrace(ctx, logger).Info("traced")
	out := buf.String()
	if !strings.Contains(out, TraceID(ctx)) || !strings.Contains(out, "span_id") {
		t.Errorf("output should carry trace and span ids: %s", out)
	}

	if LoggerWithTrace(ctx, nil) == nil {
		t.Error("nil logger should fall back to the default")
	}
}

func TestTraceID(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Errorf("TraceID() = %q, want empty", got)
	}
	if got := TraceID(validSpanContext()); got != "0102030405060708090a0b0c0d0e0f10" {
		t.Errorf("TraceID() = %q", got)
	}
}

func TestRecordError_NilSafe(t *testing.T) {
	RecordError(nil, errors.New("x"))
	_, span := otel.Tracer("test").Start(context.Background(), "s")
	RecordError(span, nil)
	RecordError(span, errors.New("boom"))
	span.End()
}
