package capture

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureDirectoriesCreatesAncestorChain(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "a", "b", "c", "clip")

	if err := ensureDirectories(target); err != nil {
		t.Fatalf("ensureDirectories failed: %v", err)
	}
	fi, err := os.Stat(filepath.Join(root, "a", "b", "c"))
	if err != nil || !fi.IsDir() {
		t.Fatalf("deepest directory missing: fi=%v err=%v", fi, err)
	}
	// The final path element is the file base name, never a directory.
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Errorf("file component %s was created as a directory", target)
	}
}

func TestEnsureDirectoriesIdempotent(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "x", "y", "clip")

	for i := 0; i < 3; i++ {
		if err := ensureDirectories(target); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
}

func TestEnsureDirectoriesBareFilename(t *testing.T) {
	// A base path with no directory component needs nothing created.
	if err := ensureDirectories("clip"); err != nil {
		t.Errorf("bare filename: %v", err)
	}
	if err := ensureDirectories(""); err != nil {
		t.Errorf("empty path: %v", err)
	}
}

func TestEnsureDirectoriesFailsOnFileCollision(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "a")
	if err := os.WriteFile(blocker, []byte("not a directory"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ensureDirectories(filepath.Join(root, "a", "b", "clip")); err == nil {
		t.Error("expected error when an ancestor exists as a regular file")
	}
}
