package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// MemoryVault is an in-memory implementation of the Vault interface, useful
// for testing. It is safe for concurrent use.
type MemoryVault struct {
	name      string
	snapshots map[string][]byte
	mu        sync.RWMutex
}

// NewMemoryVault creates a new in-memory vault with the given name.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:      name,
		snapshots: make(map[string][]byte),
	}
}

// PutSnapshot stores a snapshot under key.
func (m *MemoryVault) PutSnapshot(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[key] = data
	return nil
}

// GetSnapshot retrieves the snapshot stored under key.
func (m *MemoryVault) GetSnapshot(ctx context.Context, key string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.snapshots[key]
	if !ok {
		return fmt.Errorf("%s: %w", key, ErrSnapshotNotFound)
	}

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns all stored snapshot keys in lexical order.
func (m *MemoryVault) ListSnapshots(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.snapshots))
	for k := range m.snapshots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// ValidateSetup always succeeds for the in-memory vault.
func (m *MemoryVault) ValidateSetup(ctx context.Context) error {
	return ctx.Err()
}

// Compile-time check that MemoryVault implements the Vault interface
var _ Vault = (*MemoryVault)(nil)
