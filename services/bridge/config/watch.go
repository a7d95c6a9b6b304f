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

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk.
//
// # Description
//
// The parent directory is watched rather than the file so editors that save
// by rename are seen. Every write, create or rename of the file re-reads it
// with the environment overrides; a file that fails to parse or validate is
// logged and skipped, keeping the last good configuration in effect.
//
// # Thread Safety
//
// Start should only be called once. onChange runs on the watcher goroutine.
type Watcher struct {
	path      string
	watcher   *fsnotify.Watcher
	onChange  func(Config)
	overrides []func(*Config)
	logger    *slog.Logger
}

// NewWatcher creates a watcher for the file at path.
//
// # Inputs
//
//   - path: Config file to watch.
//   - onChange: Called with each successfully reloaded configuration.
//   - logger: Receives reload failures. Default: slog.Default()
//   - overrides: Applied to every reload, as in Load.
//
// # Outputs
//
//   - *Watcher: Ready to start.
//   - error: Non-nil if the path cannot be resolved or the watch fails.
func NewWatcher(path string, onChange func(Config), logger *slog.Logger, overrides ...func(*Config)) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:      abs,
		watcher:   watcher,
		onChange:  onChange,
		overrides: overrides,
		logger:    logger.With(slog.String("component", "config_watcher")),
	}, nil
}

// Start processes file events until ctx is done or Stop is called. Run it
// in a goroutine.
func (w *Watcher) Start(ctx context.Context) {
	w.logger.Debug("watching config file", slog.String("path", w.path))
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	cfg, err := read(w.path, w.overrides...)
	if err != nil {
		w.logger.Warn("config reload skipped", slog.String("error", err.Error()))
		return
	}
	w.logger.Info("config file reloaded", slog.String("path", w.path))
	w.onChange(cfg)
}

// Stop releases the watch. Safe to call more than once.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
