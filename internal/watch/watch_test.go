package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunRejectsInvalidCron(t *testing.T) {
	r := &Runner{
		Roots:      []string{t.TempDir()},
		RescanCron: "not a cron",
		OnRescan:   func(context.Context) error { return nil },
	}
	if err := r.Run(context.Background()); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestRunFailsWithNothingToWatch(t *testing.T) {
	r := &Runner{
		Roots:    []string{filepath.Join(t.TempDir(), "missing")},
		OnRescan: func(context.Context) error { return nil },
	}
	if err := r.Run(context.Background()); err == nil {
		t.Fatal("expected error when no root is watchable and no cron is set")
	}
}

func TestEventsTriggerDebouncedRescan(t *testing.T) {
	root := t.TempDir()

	var rescans atomic.Int32
	r := &Runner{
		Roots:    []string{root},
		Debounce: 50 * time.Millisecond,
		OnRescan: func(context.Context) error {
			rescans.Add(1)
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	// Give the watcher a moment to arm, then burst several writes; the
	// debounce should fold them into very few rescans.
	time.Sleep(200 * time.Millisecond)
	for i := 0; i < 5; i++ {
		name := filepath.Join(root, "f"+string(rune('a'+i))+".jpg")
		if err := os.WriteFile(name, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	deadline := time.Now().Add(3 * time.Second)
	for rescans.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	got := rescans.Load()
	if got == 0 {
		t.Fatal("no rescan triggered by filesystem events")
	}
	if got > 2 {
		t.Fatalf("debounce did not coalesce: %d rescans for one burst", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}

func TestRunRescanCoalescesWhileBusy(t *testing.T) {
	release := make(chan struct{})
	var started, finished atomic.Int32

	r := &Runner{
		OnRescan: func(context.Context) error {
			started.Add(1)
			<-release
			finished.Add(1)
			return nil
		},
	}

	ctx := context.Background()
	go r.runRescan(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for started.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if started.Load() != 1 {
		t.Fatal("first rescan did not start")
	}

	// Triggers landing while a rescan runs queue exactly one follow-up.
	r.runRescan(ctx)
	r.runRescan(ctx)
	r.runRescan(ctx)

	release <- struct{}{} // finish first pass
	release <- struct{}{} // finish the queued pass
	close(release)

	deadline = time.Now().Add(2 * time.Second)
	for finished.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := finished.Load(); got != 2 {
		t.Fatalf("rescans = %d, want first pass plus one coalesced follow-up", got)
	}
}
