// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package watcher

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// restartCooldown guards against reload storms when an editor rewrites the
// mount file multiple times in quick succession (common with "save" in most
// editors, which unlinks and recreates rather than writing in place).
const restartCooldown = 2 * time.Second

// ConfigWatcher watches a single mount file for changes and invokes a
// callback, debounced, whenever it is written or recreated. One instance
// tracks exactly one path — callers needing several mount files run one
// watcher per file.
type ConfigWatcher struct {
	mu          sync.Mutex
	path        string
	watcher     *fsnotify.Watcher
	debouncer   *Debouncer
	onChange    func()
	lastReload  time.Time
	closed      bool
	closeCh     chan struct{}
	wg          sync.WaitGroup
}

// NewConfigWatcher watches path and calls onChange (debounced by the given
// duration) whenever the file's contents change. Editors that replace the
// file on save (rename-over-write) are handled by watching the file's
// directory rather than the file, so the replacement's Create event is seen.
func NewConfigWatcher(path string, debounce time.Duration, onChange func()) (*ConfigWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(absPath), err)
	}

	w := &ConfigWatcher{
		path:      absPath,
		watcher:   fsWatcher,
		debouncer: NewDebouncer(debounce),
		onChange:  onChange,
		closeCh:   make(chan struct{}),
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

func (w *ConfigWatcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// handleEvent filters to events on the watched file itself (the directory
// watch also sees sibling files being touched) and debounces the reload.
func (w *ConfigWatcher) handleEvent(event fsnotify.Event) {
	if event.Name != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	w.debouncer.Debounce(w.path, func() {
		w.mu.Lock()
		if time.Since(w.lastReload) < restartCooldown {
			w.mu.Unlock()
			return
		}
		w.lastReload = time.Now()
		cb := w.onChange
		w.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

// Close stops the watcher and releases resources.
func (w *ConfigWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	w.mu.Unlock()

	w.debouncer.Stop()
	w.watcher.Close()
	w.wg.Wait()
	return nil
}
