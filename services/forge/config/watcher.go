// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadHandler receives the freshly loaded configuration after the
// watched file changes and revalidates cleanly.
type ReloadHandler func(Config)

// Watcher hot-reloads a config file.
//
// Description:
//
//	Editors and config-management tools tend to emit bursts of write
//	and rename events for a single save, so changes are debounced: the
//	reload fires once per quiet period. The parent directory is
//	watched rather than the file itself, which keeps the watch alive
//	across the write-to-temp-then-rename save pattern. A file revision
//	that fails to parse or validate is logged and skipped; the last
//	good configuration stays active.
//
// Thread Safety: safe for concurrent use; Start may be called once.
type Watcher struct {
	path     string
	handler  ReloadHandler
	debounce time.Duration

	watcher *fsnotify.Watcher
	pending chan struct{}

	mu      sync.Mutex
	started bool
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, handler ReloadHandler) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config watcher: path is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("config watcher: handler is required")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	return &Watcher{
		path:     path,
		handler:  handler,
		debounce: 300 * time.Millisecond,
		watcher:  fw,
		pending:  make(chan struct{}, 1),
	}, nil
}

// Start begins watching until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return fmt.Errorf("config watcher: already started")
	}
	w.started = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}

	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Close releases the underlying fsnotify watcher.
func (w *Watcher) Close() error { return w.watcher.Close() }

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case w.pending <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Config watcher error", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.pending:
		}

		// Absorb the rest of the burst.
		timer := time.NewTimer(w.debounce)
	drain:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-w.pending:
			case <-timer.C:
				break drain
			}
		}

		cfg, err := Load(w.path)
		if err != nil {
			slog.Warn("Config reload skipped", "path", w.path, "error", err)
			continue
		}
		slog.Info("Config reloaded", "path", w.path)
		w.handler(cfg)
	}
}
