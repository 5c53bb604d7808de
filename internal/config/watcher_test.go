package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatcherFiresOnModification(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "banditclaw.json")
	if err := os.WriteFile(path, []byte(`{}`), 0640); err != nil {
		t.Fatalf("write: %v", err)
	}

	var fired atomic.Int32
	w := NewWatcher(path, 10*time.Millisecond, slog.Default(), func() {
		fired.Add(1)
	})
	w.Start()
	defer w.Stop()

	// Push the mod time forward past the recorded baseline.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for fired.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("watcher never fired on modification")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "banditclaw.json")
	if err := os.WriteFile(path, []byte(`{}`), 0640); err != nil {
		t.Fatalf("write: %v", err)
	}

	w := NewWatcher(path, 10*time.Millisecond, slog.Default(), nil)
	w.Start()
	w.Stop()
	w.Stop() // second stop must not panic
}

func TestWatcherIgnoresUnchangedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "banditclaw.json")
	if err := os.WriteFile(path, []byte(`{}`), 0640); err != nil {
		t.Fatalf("write: %v", err)
	}

	var fired atomic.Int32
	w := NewWatcher(path, 10*time.Millisecond, slog.Default(), func() {
		fired.Add(1)
	})
	w.Start()
	defer w.Stop()

	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("watcher fired %d times on an unchanged file", got)
	}
}
