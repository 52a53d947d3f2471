package worktree

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestBranchName(t *testing.T) {
	if got := BranchName("a1"); got != "agent/a1" {
		t.Fatalf("BranchName(a1) = %q", got)
	}
}

func TestCreateReturnsExistingPathWithoutGit(t *testing.T) {
	root := t.TempDir()
	m := New(root)

	// A prior spawn attempt left the directory behind; Create must
	// return it rather than shelling to git again.
	existing := filepath.Join(root, "repos", "t1-a1")
	if err := os.MkdirAll(existing, 0o750); err != nil {
		t.Fatal(err)
	}

	got, err := m.Create(context.Background(), "a1", "t1", "unused")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	abs, _ := filepath.Abs(existing)
	if got != abs {
		t.Fatalf("expected existing path %s, got %s", abs, got)
	}
}

func TestRemoveEmptyPathIsNoop(t *testing.T) {
	m := New(t.TempDir())
	if err := m.Remove(context.Background(), ""); err != nil {
		t.Fatalf("remove of empty path must be a no-op: %v", err)
	}
}

func TestRemoveFallsBackToDeletingDirectory(t *testing.T) {
	root := t.TempDir()
	m := New(root)

	// Not a git worktree at all: the git removal fails and the
	// directory fallback kicks in.
	dir := filepath.Join(root, "repos", "t1-a1")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := m.Remove(context.Background(), dir); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected directory removed, stat err = %v", err)
	}
}
