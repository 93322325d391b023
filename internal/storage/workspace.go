package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Workspace hands out per-job scratch directories under a base directory.
type Workspace struct {
	baseDir string
}

// NewWorkspace creates a Workspace rooted at baseDir.
// If baseDir is empty, a directory under os.TempDir() is used.
// The directory is created if it doesn't exist.
func NewWorkspace(baseDir string) (*Workspace, error) {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "mxf-transcode")
	}
	if err := os.MkdirAll(baseDir, 0750); err != nil {
		return nil, fmt.Errorf("create temp directory: %w", err)
	}
	return &Workspace{baseDir: baseDir}, nil
}

// BaseDir returns the workspace root.
func (w *Workspace) BaseDir() string {
	return w.baseDir
}

// Create makes a fresh directory whose name starts with name.
func (w *Workspace) Create(ctx context.Context, name string) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}
	dir, err := os.MkdirTemp(w.baseDir, name+"-*")
	if err != nil {
		return "", fmt.Errorf("create work directory: %w", err)
	}
	return dir, nil
}

// Cleanup removes dir and everything below it. It ignores cancellation so
// that it can run after the caller's context is done.
func (w *Workspace) Cleanup(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove work directory %s: %w", dir, err)
	}
	return nil
}
