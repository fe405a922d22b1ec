// Package workspace manages the ephemeral per-entry directories that
// materialized templates are built and published from.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
)

// Manager allocates and disposes workspaces under a common root. Each
// workspace is exclusively owned by one sync for its whole lifetime.
type Manager struct {
	Root       string
	KeepFailed bool
	Logger     *slog.Logger
}

// NewManager creates a workspace manager rooted at root.
func NewManager(root string, keepFailed bool, logger *slog.Logger) *Manager {
	return &Manager{Root: root, KeepFailed: keepFailed, Logger: logger}
}

// Create allocates a fresh empty directory for one entry.
func (m *Manager) Create(name string) (string, error) {
	if err := os.MkdirAll(m.Root, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace root: %w", err)
	}
	dir, err := os.MkdirTemp(m.Root, name+"-")
	if err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	return dir, nil
}

// Dispose removes a workspace. Failed workspaces are retained for
// inspection when KeepFailed is set.
func (m *Manager) Dispose(dir string, failed bool) {
	if dir == "" {
		return
	}
	if failed && m.KeepFailed {
		m.Logger.Info("Keeping workspace for inspection", "dir", dir)
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		m.Logger.Warn("Failed to remove workspace", "dir", dir, "error", err)
	}
}
