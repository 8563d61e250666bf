package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// WorkspaceManager owns the per-session working directories. Each session
// gets one exclusive directory, created on first use; executions within the
// session share it. Cleanup is idempotent and only ever invoked once the
// owning session is over.
type WorkspaceManager struct {
	root string
	mu   sync.Mutex
}

func NewWorkspaceManager(root string) (*WorkspaceManager, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("workspace root %q must be an absolute path", root)
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return &WorkspaceManager{root: root}, nil
}

func (w *WorkspaceManager) pathFor(sessionID string) string {
	return filepath.Join(w.root, "session-"+sessionID)
}

// Ensure returns the session's workspace directory, creating it on first
// use.
func (w *WorkspaceManager) Ensure(sessionID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	dir := w.pathFor(sessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating workspace for session %s: %w", sessionID, err)
	}
	return dir, nil
}

// Cleanup deletes the session's workspace. Safe to call multiple times and
// for sessions that never executed anything.
func (w *WorkspaceManager) Cleanup(sessionID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	dir := w.pathFor(sessionID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing workspace for session %s: %w", sessionID, err)
	}
	log.Debug().Str("session_id", sessionID).Msg("workspace cleaned up")
	return nil
}
