// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package netmon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/modelkeeper/internal/util"
)

// Notifier delivers OS connectivity-change hints. A hint carries no data;
// the monitor re-probes when it arrives.
type Notifier interface {
	// Start begins watching and returns the hint channel. The channel is
	// closed when ctx ends or Close is called.
	Start(ctx context.Context) (<-chan struct{}, error)

	// Close stops watching.
	Close() error
}

// DefaultWatchPaths are files and directories rewritten by common network
// managers when the link changes.
var DefaultWatchPaths = []string{
	"/etc/resolv.conf",
	"/run/NetworkManager",
	"/run/systemd/netif/links",
	"/run/systemd/resolve",
}

// FSNotifier turns writes to network-state paths into change hints.
//
// # Description
//
// Directories are watched directly. Files are watched through their parent
// directory so that atomic replacement (write temp, rename) is still seen;
// events for other entries of that parent are ignored. Bursts are debounced
// into a single hint. Missing paths are skipped.
//
// # Thread Safety
//
// Start must be called once. Close is safe to call concurrently.
type FSNotifier struct {
	paths    []string
	debounce time.Duration
	logger   *slog.Logger

	watcher   *fsnotify.Watcher
	closeOnce sync.Once
	done      chan struct{}
}

// NewFSNotifier creates a notifier for paths. Empty paths use
// DefaultWatchPaths.
func NewFSNotifier(paths []string, debounce time.Duration, logger *slog.Logger) *FSNotifier {
	if len(paths) == 0 {
		paths = DefaultWatchPaths
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FSNotifier{paths: paths, debounce: debounce, logger: logger, done: make(chan struct{})}
}

// Start implements Notifier.
func (n *FSNotifier) Start(ctx context.Context) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	n.watcher = w

	// files maps watched parent dirs to the single file of interest in them.
	files := make(map[string]map[string]bool)
	watched := 0
	for _, p := range n.paths {
		info, err := os.Stat(p)
		if err != nil {
			n.logger.Debug("Skipping network watch path", "path", p, "error", err)
			continue
		}
		target := p
		if !info.IsDir() {
			target = filepath.Dir(p)
			if files[target] == nil {
				files[target] = make(map[string]bool)
			}
			files[target][filepath.Clean(p)] = true
		}
		if err := w.Add(target); err != nil {
			n.logger.Debug("Cannot watch network path", "path", target, "error", err)
			continue
		}
		watched++
	}
	n.logger.Debug("Network change notifier started", "watched", watched)

	out := make(chan struct{}, 1)
	util.SafeGo(nil, "netmon.notifier", n.logger, func() {
		n.loop(ctx, out, files)
	})
	return out, nil
}

func (n *FSNotifier) loop(ctx context.Context, out chan struct{}, files map[string]map[string]bool) {
	defer close(out)

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
		case <-n.done:
			return
		case ev, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			if only := files[filepath.Dir(ev.Name)]; only != nil && !only[filepath.Clean(ev.Name)] {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(n.debounce)
			} else {
				timer.Reset(n.debounce)
			}
			timerC = timer.C
		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			n.logger.Debug("Network watcher error", "error", err)
		case <-timerC:
			timerC = nil
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}
}

// Close implements Notifier.
func (n *FSNotifier) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.done)
		if n.watcher != nil {
			err = n.watcher.Close()
		}
	})
	return err
}
