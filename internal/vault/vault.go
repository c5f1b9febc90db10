// Package vault archives mirror database snapshots. A snapshot is an opaque
// byte stream (typically an encrypted VACUUM copy of the database) stored
// under a caller-chosen key.
package vault

import (
	"context"
	"errors"
	"io"
)

// ErrSnapshotNotFound is returned when a requested snapshot key does not
// exist in the vault.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Vault stores and retrieves database snapshots.
type Vault interface {
	// PutSnapshot stores a snapshot under key. Storing the same key twice
	// overwrites the previous snapshot.
	PutSnapshot(ctx context.Context, key string, r io.Reader, size int64) error

	// GetSnapshot retrieves the snapshot stored under key and writes it to w.
	GetSnapshot(ctx context.Context, key string, w io.Writer) error

	// ListSnapshots returns all stored snapshot keys in lexical order.
	ListSnapshots(ctx context.Context) ([]string, error)

	// ValidateSetup verifies the vault backend is reachable and writable.
	ValidateSetup(ctx context.Context) error
}
