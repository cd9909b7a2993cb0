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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/rangetag/pkg/logging"
	"github.com/AleutianAI/rangetag/services/rangetag/cache"
	"github.com/AleutianAI/rangetag/services/rangetag/config"
	"github.com/AleutianAI/rangetag/services/rangetag/fixture"
	"github.com/AleutianAI/rangetag/services/rangetag/manager"
	"github.com/AleutianAI/rangetag/services/rangetag/storage/badger"
	"github.com/AleutianAI/rangetag/services/rangetag/telemetry"
)

// app holds everything a subcommand needs. It is populated by setup in
// the root command's PersistentPreRunE and released by teardown.
type app struct {
	// Global flags.
	configPath  string
	fixturePath string
	logLevel    string
	jsonOutput  bool
	metricsAddr string

	cfg      config.Config
	logger   *logging.Logger
	mgr      *manager.Manager
	cache    *cache.PositionCache
	keyNames map[rune]string

	shutdownTelemetry func(context.Context) error
}

// setup loads configuration and builds the index.
func (a *app) setup(cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: cfg.Logging.Service,
		JSON:    cfg.Logging.JSON,
		Output:  cmd.ErrOrStderr(),
	})
	log := a.logger.Slog()
	slog.SetDefault(log)

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceName = cfg.Telemetry.ServiceName
	tcfg.TraceExporter = cfg.Telemetry.TraceExporter
	tcfg.MetricExporter = cfg.Telemetry.MetricExporter
	tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	tcfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	tcfg.Output = cmd.ErrOrStderr()
	if a.metricsAddr != "" {
		tcfg.MetricExporter = "prometheus"
	}
	a.shutdownTelemetry, err = telemetry.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	a.mgr = manager.New(manager.WithLogger(log))
	a.keyNames = make(map[rune]string, len(cfg.Keys))
	for _, k := range cfg.Keys {
		if _, err := a.mgr.AddKey(manager.NewKey(k.Name, k.PrefixRune(), k.Allowed...)); err != nil {
			return fmt.Errorf("register key %q: %w", k.Name, err)
		}
		a.keyNames[k.PrefixRune()] = k.Name
	}
	a.cache = cache.New(a.mgr.Union(), cache.WithLogger(log))

	if a.fixturePath != "" {
		if _, err := a.reload(); err != nil {
			return err
		}
	}
	return nil
}

// reload replaces the index contents with the fixture file.
func (a *app) reload() (fixture.Result, error) {
	res, err := fixture.Reload(a.mgr, a.fixturePath)
	if err != nil {
		return res, fmt.Errorf("load fixture: %w", err)
	}
	for _, rej := range res.Rejected {
		a.logger.Warn("fixture entry rejected",
			slog.Int("index", rej.Index),
			slog.String("tag", rej.Entry.Prefix+rej.Entry.Name),
			slog.Int64("start", rej.Entry.Start),
			slog.String("error", rej.Err.Error()),
		)
	}
	a.logger.Info("fixture loaded",
		slog.String("path", a.fixturePath),
		slog.Int("applied", res.Applied),
		slog.Int("rejected", len(res.Rejected)),
	)
	return res, nil
}

// openSnapshots opens the configured snapshot database.
func (a *app) openSnapshots() (*badger.SnapshotStore, func() error, error) {
	bcfg := badger.DefaultConfig()
	if a.cfg.Snapshot.InMemory {
		bcfg = badger.InMemoryConfig()
	}
	bcfg.Path = a.cfg.Snapshot.Path
	bcfg.SyncWrites = a.cfg.Snapshot.SyncWrites
	bcfg.Logger = a.logger.Slog().With(slog.String("component", "badger"))

	db, err := badger.OpenDB(bcfg)
	if err != nil {
		return nil, nil, err
	}
	snaps, err := badger.NewSnapshotStore(db, badger.WithLogger(a.logger.Slog()))
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return snaps, db.Close, nil
}

// teardown releases what setup acquired. Safe after a partial setup.
func (a *app) teardown() error {
	var errs []error
	if a.cache != nil {
		a.cache.Close()
	}
	if a.mgr != nil {
		if err := a.mgr.Err(); err != nil {
			errs = append(errs, err)
		}
		a.mgr.Close()
	}
	if a.shutdownTelemetry != nil {
		if err := a.shutdownTelemetry(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
	}
	if a.logger != nil {
		if err := a.logger.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
