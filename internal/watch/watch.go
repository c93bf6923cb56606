// Package watch keeps the index current: filesystem events trigger a
// debounced rescan, and an optional cron expression schedules periodic
// full rescans regardless of events.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/fsnotify/fsnotify"
)

// RescanFunc runs one scan+embed pass.
type RescanFunc func(ctx context.Context) error

// Runner drives watch mode until its context is cancelled.
type Runner struct {
	Roots    []string
	Debounce time.Duration
	// RescanCron optionally schedules full rescans (standard cron syntax).
	RescanCron string
	OnRescan   RescanFunc

	mu      sync.Mutex
	timer   *time.Timer
	running bool // a rescan is in flight; coalesce triggers
	queued  bool
}

// Run blocks, watching the roots and dispatching rescans, until ctx ends.
func (r *Runner) Run(ctx context.Context) error {
	if r.Debounce <= 0 {
		r.Debounce = 1500 * time.Millisecond
	}
	if r.RescanCron != "" && !gronx.New().IsValid(r.RescanCron) {
		return fmt.Errorf("invalid rescan cron expression %q", r.RescanCron)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	watched := 0
	for _, root := range r.Roots {
		n, err := addRecursive(fsw, root)
		if err != nil {
			slog.Warn("cannot watch root", "path", root, "error", err)
			continue
		}
		watched += n
	}
	if watched == 0 && r.RescanCron == "" {
		return fmt.Errorf("nothing to watch: no readable roots and no rescan cron")
	}
	slog.Info("watch mode started", "dirs", watched, "cron", r.RescanCron)

	var cronTick <-chan time.Time
	if r.RescanCron != "" {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		cronTick = t.C
	}

	g := gronx.New()
	for {
		select {
		case <-ctx.Done():
			r.stopTimer()
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			// New directories need their own watch before their contents
			// generate events.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if _, err := addRecursive(fsw, event.Name); err != nil {
						slog.Debug("cannot watch new dir", "path", event.Name, "error", err)
					}
				}
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
				event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				r.scheduleRescan(ctx)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watcher error", "error", err)

		case now := <-cronTick:
			due, err := g.IsDue(r.RescanCron, now)
			if err != nil {
				slog.Warn("cron evaluation failed", "expr", r.RescanCron, "error", err)
				continue
			}
			if due {
				slog.Info("scheduled rescan due", "expr", r.RescanCron)
				r.runRescan(ctx)
			}
		}
	}
}

// scheduleRescan debounces bursts of filesystem events into one rescan.
func (r *Runner) scheduleRescan(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.Debounce, func() {
		r.runRescan(ctx)
	})
}

// runRescan executes OnRescan, coalescing triggers that arrive while a
// rescan is already in flight into one follow-up pass.
func (r *Runner) runRescan(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.queued = true
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	for {
		if ctx.Err() != nil {
			break
		}
		if err := r.OnRescan(ctx); err != nil && ctx.Err() == nil {
			slog.Error("rescan failed", "error", err)
		}

		r.mu.Lock()
		if !r.queued {
			r.running = false
			r.mu.Unlock()
			return
		}
		r.queued = false
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.running = false
	r.queued = false
	r.mu.Unlock()
}

func (r *Runner) stopTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
}

// addRecursive watches dir and every subdirectory beneath it.
func addRecursive(fsw *fsnotify.Watcher, dir string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Debug("skip unwatchable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := fsw.Add(path); err != nil {
			slog.Debug("cannot watch dir", "path", path, "error", err)
			return nil
		}
		n++
		return nil
	})
	return n, err
}
