package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPrepareCreatesUniqueDirectories(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var tick int64
	m.now = func() time.Time {
		tick++
		return time.Unix(0, tick)
	}

	first, err := m.Prepare("acme/widgets.git")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	second, err := m.Prepare("acme/widgets.git")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct directories, got %q twice", first)
	}
	for _, dir := range []string{first, second} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("workspace %q not created: %v", dir, err)
		}
		if !strings.HasPrefix(filepath.Base(dir), "widgets-") {
			t.Errorf("directory name = %q, want widgets- prefix", filepath.Base(dir))
		}
	}
}

func TestPrepareSanitizesName(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dir, err := m.Prepare("Acme/My Widgets!.git")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	base := filepath.Base(dir)
	if strings.ContainsAny(base, " !/") {
		t.Fatalf("unsanitized directory name %q", base)
	}
}

func TestCleanupRefusesEscapes(t *testing.T) {
	root := t.TempDir()
	m, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	outside := t.TempDir()
	if err := m.Cleanup(outside); err == nil {
		t.Fatal("expected refusal to cleanup outside root")
	}
	if err := m.Cleanup(root); err == nil {
		t.Fatal("expected refusal to cleanup the root itself")
	}
	if err := m.Cleanup(filepath.Join(root, "..", "sibling")); err == nil {
		t.Fatal("expected refusal to cleanup a sibling via ..")
	}
}

func TestCleanupRemovesWorkspace(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dir, err := m.Prepare("widgets")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if err := m.Cleanup(dir); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("workspace still present after cleanup")
	}
}

func TestCleanupEmptyPathIsNoop(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Cleanup(""); err != nil {
		t.Fatalf("expected no-op for empty path, got %v", err)
	}
}
