package vault

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestMemoryVault_PutAndGetSnapshot(t *testing.T) {
	vault := NewMemoryVault("test-vault")
	ctx := context.Background()

	tests := []struct {
		name    string
		key     string
		content string
		wantErr bool
	}{
		{
			name:    "store and retrieve snapshot",
			key:     "run-abc123.db.age",
			content: "snapshot bytes",
			wantErr: false,
		},
		{
			name:    "store empty snapshot",
			key:     "empty.db.age",
			content: "",
			wantErr: false,
		},
		{
			name:    "store large snapshot",
			key:     "large.db.age",
			content: strings.Repeat("x", 10000),
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := strings.NewReader(tt.content)
			err := vault.PutSnapshot(ctx, tt.key, r, int64(len(tt.content)))
			if (err != nil) != tt.wantErr {
				t.Errorf("PutSnapshot() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if tt.wantErr {
				return
			}

			var buf bytes.Buffer
			err = vault.GetSnapshot(ctx, tt.key, &buf)
			if err != nil {
				t.Errorf("GetSnapshot() unexpected error: %v", err)
				return
			}

			if got := buf.String(); got != tt.content {
				t.Errorf("GetSnapshot() = %q, want %q", got, tt.content)
			}
		})
	}
}

func TestMemoryVault_PutSnapshotOverwrites(t *testing.T) {
	vault := NewMemoryVault("test-vault")
	ctx := context.Background()

	key := "run-1.db.age"
	for _, content := range []string{"first", "second"} {
		r := strings.NewReader(content)
		if err := vault.PutSnapshot(ctx, key, r, int64(len(content))); err != nil {
			t.Fatalf("PutSnapshot(%q) error: %v", content, err)
		}
	}

	var buf bytes.Buffer
	if err := vault.GetSnapshot(ctx, key, &buf); err != nil {
		t.Fatalf("GetSnapshot() error: %v", err)
	}
	if got := buf.String(); got != "second" {
		t.Errorf("GetSnapshot() = %q, want %q", got, "second")
	}
}

func TestMemoryVault_GetSnapshotNotFound(t *testing.T) {
	vault := NewMemoryVault("test-vault")

	var buf bytes.Buffer
	err := vault.GetSnapshot(context.Background(), "nonexistent", &buf)
	if !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("GetSnapshot() error = %v, want ErrSnapshotNotFound", err)
	}
}

func TestMemoryVault_PutSnapshotSizeMismatch(t *testing.T) {
	vault := NewMemoryVault("test-vault")

	content := "test"
	r := strings.NewReader(content)
	// Pass wrong size
	err := vault.PutSnapshot(context.Background(), "key", r, int64(len(content)+10))
	if err == nil {
		t.Error("PutSnapshot() expected error for size mismatch, got nil")
	}
}

func TestMemoryVault_ListSnapshots(t *testing.T) {
	vault := NewMemoryVault("test-vault")
	ctx := context.Background()

	for _, key := range []string{"b.db.age", "a.db.age", "c.db.age"} {
		if err := vault.PutSnapshot(ctx, key, strings.NewReader("x"), 1); err != nil {
			t.Fatalf("PutSnapshot(%q) error: %v", key, err)
		}
	}

	keys, err := vault.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("ListSnapshots() error: %v", err)
	}
	want := []string{"a.db.age", "b.db.age", "c.db.age"}
	if len(keys) != len(want) {
		t.Fatalf("ListSnapshots() = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("ListSnapshots()[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestMemoryVault_ValidateSetup(t *testing.T) {
	vault := NewMemoryVault("test-vault")

	err := vault.ValidateSetup(context.Background())
	if err != nil {
		t.Errorf("ValidateSetup() unexpected error: %v", err)
	}
}
