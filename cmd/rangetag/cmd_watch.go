// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/rangetag/services/rangetag/fixture"
	"github.com/AleutianAI/rangetag/services/rangetag/telemetry"
)

// newWatchCmd: rangetag watch --fixture F [--metrics-addr :9090]
func newWatchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Reload the fixture whenever it changes",
		Long: `Keep the index in sync with the fixture file until interrupted. Each
reload clears the index and applies the file again, then checks the index
for consistency. With --metrics-addr, Prometheus metrics are served at
/metrics on that address.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.fixturePath == "" {
				return errors.New("watch requires --fixture")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			if a.metricsAddr != "" {
				stop, err := serveMetrics(a.metricsAddr, a.logger.Slog())
				if err != nil {
					return err
				}
				defer stop()
			}

			out := cmd.OutOrStdout()
			w, err := fixture.NewWatcher(a.fixturePath, func(ctx context.Context) {
				if _, err := a.reload(); err != nil {
					a.logger.Error("fixture reload failed", slog.String("error", err.Error()))
					return
				}
				if err := a.mgr.Validate(); err != nil {
					a.logger.Error("index inconsistent after reload", slog.String("error", err.Error()))
					return
				}
				fmt.Fprintf(out, "reloaded: %d entries\n", a.mgr.Len())
			}, &fixture.WatcherOptions{
				Debounce: a.cfg.Watch.Debounce,
				Logger:   a.logger.Slog(),
			})
			if err != nil {
				return err
			}
			defer w.Stop()

			if err := w.Start(ctx); err != nil {
				return err
			}
			a.logger.Info("watching fixture", slog.String("path", w.Path()))

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

// serveMetrics starts an HTTP server for /metrics and returns a function
// that shuts it down.
func serveMetrics(addr string, log *slog.Logger) (func(), error) {
	handler := telemetry.MetricsHandler()
	if handler == nil {
		return nil, errors.New("prometheus exporter is not active")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	log.Info("serving metrics", slog.String("addr", ln.Addr().String()))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
