package lock

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manager.lock")

	l, err := Acquire(path, DefaultOptions())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lockfile missing after Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("lockfile still present after Release")
	}
}

func TestAcquireContention(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manager.lock")

	l, err := Acquire(path, DefaultOptions())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	opts := DefaultOptions()
	opts.Retries = 1
	opts.RetryDelay = time.Millisecond
	_, err = Acquire(path, opts)
	if err != ErrLockContention {
		t.Fatalf("expected ErrLockContention, got %v", err)
	}
}

func TestAcquireStealsStale(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manager.lock")

	if err := os.WriteFile(path, []byte("99999"), 0o644); err != nil {
		t.Fatalf("seed lockfile: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("backdate lockfile: %v", err)
	}

	opts := DefaultOptions()
	opts.StaleAfter = time.Minute
	l, err := Acquire(path, opts)
	if err != nil {
		t.Fatalf("Acquire should steal stale lock: %v", err)
	}
	defer l.Release()
}
