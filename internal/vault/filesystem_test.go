package vault

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestFSVault(t *testing.T) *FileSystemVault {
	t.Helper()
	v, err := NewFileSystemVault("test-vault", t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemVault() error: %v", err)
	}
	return v
}

func TestNewFileSystemVault_CreatesDirectories(t *testing.T) {
	root := t.TempDir()
	_, err := NewFileSystemVault("v", root)
	if err != nil {
		t.Fatalf("NewFileSystemVault() error: %v", err)
	}

	info, err := os.Stat(filepath.Join(root, "snapshots"))
	if err != nil {
		t.Fatalf("snapshot directory not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("snapshot path is not a directory")
	}
}

func TestFileSystemVault_PutAndGetSnapshot(t *testing.T) {
	vault := newTestFSVault(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		key     string
		content string
	}{
		{name: "plain snapshot", key: "run-1.db.age", content: "snapshot bytes"},
		{name: "empty snapshot", key: "run-2.db.age", content: ""},
		{name: "large snapshot", key: "run-3.db.age", content: strings.Repeat("y", 65536)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := strings.NewReader(tt.content)
			if err := vault.PutSnapshot(ctx, tt.key, r, int64(len(tt.content))); err != nil {
				t.Fatalf("PutSnapshot() error: %v", err)
			}

			var buf bytes.Buffer
			if err := vault.GetSnapshot(ctx, tt.key, &buf); err != nil {
				t.Fatalf("GetSnapshot() error: %v", err)
			}
			if got := buf.String(); got != tt.content {
				t.Errorf("GetSnapshot() = %q, want %q", got, tt.content)
			}
		})
	}
}

func TestFileSystemVault_PutSnapshotSizeMismatch(t *testing.T) {
	vault := newTestFSVault(t)

	content := "short"
	err := vault.PutSnapshot(context.Background(), "bad.db.age", strings.NewReader(content), 100)
	if err == nil {
		t.Fatal("PutSnapshot() expected error for size mismatch, got nil")
	}

	// Failed write must not leave the key behind
	var buf bytes.Buffer
	err = vault.GetSnapshot(context.Background(), "bad.db.age", &buf)
	if !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("GetSnapshot() after failed put error = %v, want ErrSnapshotNotFound", err)
	}
}

func TestFileSystemVault_PutSnapshotNoTempLeftovers(t *testing.T) {
	root := t.TempDir()
	vault, err := NewFileSystemVault("v", root)
	if err != nil {
		t.Fatalf("NewFileSystemVault() error: %v", err)
	}

	// A size-mismatched put fails after the temp file is written
	_ = vault.PutSnapshot(context.Background(), "x.db.age", strings.NewReader("data"), 999)

	entries, err := os.ReadDir(filepath.Join(root, "snapshots"))
	if err != nil {
		t.Fatalf("ReadDir() error: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("temp file %q left behind after failed put", e.Name())
		}
	}
}

func TestFileSystemVault_GetSnapshotNotFound(t *testing.T) {
	vault := newTestFSVault(t)

	var buf bytes.Buffer
	err := vault.GetSnapshot(context.Background(), "nonexistent", &buf)
	if !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("GetSnapshot() error = %v, want ErrSnapshotNotFound", err)
	}
}

func TestFileSystemVault_ListSnapshots(t *testing.T) {
	vault := newTestFSVault(t)
	ctx := context.Background()

	t.Run("empty vault", func(t *testing.T) {
		keys, err := vault.ListSnapshots(ctx)
		if err != nil {
			t.Fatalf("ListSnapshots() error: %v", err)
		}
		if len(keys) != 0 {
			t.Errorf("ListSnapshots() = %v, want empty", keys)
		}
	})

	t.Run("sorted keys", func(t *testing.T) {
		for _, key := range []string{"2026-02.db.age", "2026-01.db.age"} {
			if err := vault.PutSnapshot(ctx, key, strings.NewReader("x"), 1); err != nil {
				t.Fatalf("PutSnapshot(%q) error: %v", key, err)
			}
		}

		keys, err := vault.ListSnapshots(ctx)
		if err != nil {
			t.Fatalf("ListSnapshots() error: %v", err)
		}
		want := []string{"2026-01.db.age", "2026-02.db.age"}
		if len(keys) != 2 || keys[0] != want[0] || keys[1] != want[1] {
			t.Errorf("ListSnapshots() = %v, want %v", keys, want)
		}
	})
}

func TestFileSystemVault_ValidateSetup(t *testing.T) {
	t.Run("valid vault", func(t *testing.T) {
		vault := newTestFSVault(t)
		if err := vault.ValidateSetup(context.Background()); err != nil {
			t.Errorf("ValidateSetup() unexpected error: %v", err)
		}
	})

	t.Run("missing root", func(t *testing.T) {
		root := t.TempDir()
		vault, err := NewFileSystemVault("v", root)
		if err != nil {
			t.Fatalf("NewFileSystemVault() error: %v", err)
		}
		if err := os.RemoveAll(root); err != nil {
			t.Fatalf("RemoveAll() error: %v", err)
		}
		if err := vault.ValidateSetup(context.Background()); err == nil {
			t.Error("ValidateSetup() expected error for missing root, got nil")
		}
	})
}
