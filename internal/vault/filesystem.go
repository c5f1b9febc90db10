package vault

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// FileSystemVault is a filesystem-based implementation of the Vault
// interface. Snapshots are stored as individual files under
// <root>/snapshots/, named by their key.
type FileSystemVault struct {
	name        string
	root        string
	snapshotDir string
}

// NewFileSystemVault creates a new filesystem vault rooted at the given path.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	snapshotDir := filepath.Join(root, "snapshots")
	if err := os.MkdirAll(snapshotDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	return &FileSystemVault{
		name:        name,
		root:        root,
		snapshotDir: snapshotDir,
	}, nil
}

// PutSnapshot stores a snapshot under key using an atomic write
// (temp file + rename).
func (v *FileSystemVault) PutSnapshot(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	destPath := filepath.Join(v.snapshotDir, key)

	// Create temp file in the same directory to ensure atomic rename works
	tmpFile, err := os.CreateTemp(v.snapshotDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	// Clean up temp file on failure
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// GetSnapshot retrieves the snapshot stored under key and writes it to w.
func (v *FileSystemVault) GetSnapshot(ctx context.Context, key string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.Open(filepath.Join(v.snapshotDir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", key, ErrSnapshotNotFound)
		}
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns all stored snapshot keys in lexical order.
func (v *FileSystemVault) ListSnapshots(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(v.snapshotDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		keys = append(keys, e.Name())
	}
	sort.Strings(keys)
	return keys, nil
}

// ValidateSetup verifies that the vault directories are accessible.
func (v *FileSystemVault) ValidateSetup(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(v.root)
	if err != nil {
		return fmt.Errorf("vault root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault root is not a directory: %s", v.root)
	}

	info, err = os.Stat(v.snapshotDir)
	if err != nil {
		return fmt.Errorf("vault directory not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault path is not a directory: %s", v.snapshotDir)
	}
	return nil
}

// Compile-time check that FileSystemVault implements the Vault interface
var _ Vault = (*FileSystemVault)(nil)
