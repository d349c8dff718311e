package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Manager owns per-build working directories under a common root.
type Manager struct {
	root string
	now  func() time.Time
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: root, now: time.Now}, nil
}

// Prepare creates a fresh directory named from the repository plus a
// high-resolution timestamp, so concurrent builds of the same repository
// never collide.
func (m *Manager) Prepare(repoName string) (string, error) {
	name := sanitize(repoName)
	if name == "" {
		return "", fmt.Errorf("workspace name cannot be empty")
	}
	dir := filepath.Join(m.root, fmt.Sprintf("%s-%d", name, m.now().UnixNano()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes a workspace directory.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	// Only remove directories within the configured root.
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// sanitize reduces a repository name to a filesystem-safe slug.
func sanitize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.TrimSuffix(name, ".git")
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-.")
}
