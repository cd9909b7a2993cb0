// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fixture

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadHandler is called once per debounced batch of changes to the
// watched file.
type ReloadHandler func(ctx context.Context)

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// Debounce is how long the file must stay quiet before a reload.
	// Default: 200ms
	Debounce time.Duration

	// Logger receives watch errors. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultWatcherOptions returns sensible defaults.
func DefaultWatcherOptions() WatcherOptions {
	return WatcherOptions{
		Debounce: 200 * time.Millisecond,
		Logger:   slog.Default(),
	}
}

// Watcher reloads a single fixture file when it changes.
//
// # Description
//
// Watches the directory holding the file rather than the file itself, so
// editors that save by writing a temp file and renaming it over the
// original are still seen. Events for other files in the directory are
// dropped. Bursts of events are collapsed into one handler call.
//
// # Thread Safety
//
// Start and Stop are safe for concurrent use. The handler is called from a
// single goroutine.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	handler  ReloadHandler
	debounce time.Duration
	logger   *slog.Logger

	events   chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	watching bool
}

// NewWatcher creates a watcher for the fixture at path.
//
// # Inputs
//
//   - path: The fixture file. Its directory must exist.
//   - handler: Called after each debounced change. Must not be nil.
//   - opts: Optional configuration (nil uses defaults).
//
// # Outputs
//
//   - *Watcher: Ready to Start.
//   - error: Non-nil if the path cannot be resolved or fsnotify fails.
func NewWatcher(path string, handler ReloadHandler, opts *WatcherOptions) (*Watcher, error) {
	if handler == nil {
		return nil, errors.New("handler must not be nil")
	}
	if opts == nil {
		defaults := DefaultWatcherOptions()
		opts = &defaults
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		path:     abs,
		watcher:  fw,
		handler:  handler,
		debounce: opts.Debounce,
		logger:   logger.With(slog.String("fixture", abs)),
		events:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}, nil
}

// Path returns the absolute path being watched.
func (w *Watcher) Path() string { return w.path }

// Start begins watching. It returns immediately; the handler runs until
// Stop is called or ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watching {
		return nil
	}

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.watching = true

	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop stops watching and waits for an in-flight handler call to return.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()

		w.mu.Lock()
		started := w.watching
		w.watching = false
		w.mu.Unlock()

		if started {
			<-w.stopped
		}
	})
}

// IsWatching reports whether the watcher is active.
func (w *Watcher) IsWatching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watching
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			select {
			case w.events <- struct{}{}:
			default:
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fixture watch error", slog.String("error", err.Error()))
		}
	}
}

// debounceLoop calls the handler once the file has been quiet for the
// debounce window.
func (w *Watcher) debounceLoop(ctx context.Context) {
	defer close(w.stopped)

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-w.events:
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			w.logger.Debug("fixture changed")
			w.handler(ctx)
		}
	}
}
