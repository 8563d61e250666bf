package engine

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWorkspaceManager(t *testing.T) {
	wm, err := NewWorkspaceManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	dir, err := wm.Ensure("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(dir) != "session-sess-1" {
		t.Errorf("workspace dir = %q", dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsDir() {
		t.Error("workspace is not a directory")
	}

	// Second Ensure returns the same directory.
	again, err := wm.Ensure("sess-1")
	if err != nil || again != dir {
		t.Errorf("second Ensure() = %q, %v; want %q", again, err, dir)
	}

	if err := wm.Cleanup("sess-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("workspace still exists after Cleanup")
	}

	// Cleanup is idempotent.
	if err := wm.Cleanup("sess-1"); err != nil {
		t.Errorf("second Cleanup() error = %v", err)
	}
}

func TestNewWorkspaceManager_RejectsRelativeRoot(t *testing.T) {
	if _, err := NewWorkspaceManager("relative/path"); err == nil {
		t.Error("NewWorkspaceManager accepted a relative root")
	}
}
