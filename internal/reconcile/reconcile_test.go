package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"drivedb-go/internal/remote"
	"drivedb-go/internal/store"
	"drivedb-go/internal/testutil"
)

func newTestReconciler(t *testing.T, src remote.Source) (*Reconciler, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	r := New(s, src, remote.NewDirCache(), Options{PageSize: 4, Cooldown: time.Minute})
	return r, s
}

// hookedSource lets a test mutate the drive between two page fetches.
type hookedSource struct {
	remote.Source
	mu    sync.Mutex
	n     int
	after func(call int)
}

func (h *hookedSource) ListPage(ctx context.Context, dirID, offset, limit int64, leafOnly bool) (*remote.Page, error) {
	page, err := h.Source.ListPage(ctx, dirID, offset, limit, leafOnly)
	h.mu.Lock()
	h.n++
	call := h.n
	h.mu.Unlock()
	if h.after != nil {
		h.after(call)
	}
	return page, err
}

func TestReconcile_InitialSync(t *testing.T) {
	drive := testutil.NewStubDrive()
	drive.AddDir(1, 0, "docs", 500)
	drive.AddDir(5, 1, "sub", 100)
	drive.AddFile(2, 1, "a", 10, 90)
	drive.AddFile(3, 1, "b", 10, 80)

	r, s := newTestReconciler(t, drive)
	ctx := context.Background()

	up, rm, err := r.Reconcile(ctx, 1, Params{})
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if up != 3 || rm != 0 {
		t.Errorf("Reconcile() = (%d, %d), want (3, 0)", up, rm)
	}

	for _, id := range []int64{2, 3, 5} {
		n, err := s.Node(ctx, id)
		if err != nil {
			t.Fatalf("Node(%d) error: %v", id, err)
		}
		if n == nil || !n.IsAlive {
			t.Errorf("Node(%d) = %+v, want alive row", id, n)
		}
	}

	// The listed directory itself arrives as an ancestor and is persisted
	// partially for path reconstruction.
	n, _ := s.Node(ctx, 1)
	if n == nil || !n.IsDir || n.Name != "docs" {
		t.Errorf("Node(1) = %+v, want partial docs row", n)
	}
}

func TestReconcile_SecondPassIsEmpty(t *testing.T) {
	drive := testutil.NewStubDrive()
	drive.AddDir(1, 0, "docs", 500)
	drive.AddDir(5, 1, "sub", 100)
	drive.AddFile(2, 1, "a", 10, 90)
	drive.AddFile(3, 1, "b", 10, 80)

	r, _ := newTestReconciler(t, drive)
	ctx := context.Background()

	if _, _, err := r.Reconcile(ctx, 1, Params{}); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}

	up, rm, err := r.Reconcile(ctx, 1, Params{})
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if up != 0 || rm != 0 {
		t.Errorf("second Reconcile() = (%d, %d), want (0, 0)", up, rm)
	}
}

func TestReconcile_EarlyTerminationStopsPaging(t *testing.T) {
	drive := testutil.NewStubDrive()
	drive.AddDir(1, 0, "docs", 1000)
	for i := int64(0); i < 40; i++ {
		drive.AddFile(10+i, 1, fmt.Sprintf("f%d", i), 1, 100-i)
	}

	r, _ := newTestReconciler(t, drive)
	ctx := context.Background()

	if _, _, err := r.Reconcile(ctx, 1, Params{}); err != nil {
		t.Fatalf("first Reconcile() error: %v", err)
	}

	// One new item at the top of the listing. After it and the first
	// unchanged match, processed plus remaining history covers the remote
	// total, so the later pages never need to be fetched.
	drive.AddFile(99, 1, "new", 1, 500)
	before := drive.Calls()

	up, rm, err := r.Reconcile(ctx, 1, Params{})
	if err != nil {
		t.Fatalf("second Reconcile() error: %v", err)
	}
	if up != 1 || rm != 0 {
		t.Errorf("second Reconcile() = (%d, %d), want (1, 0)", up, rm)
	}
	if calls := drive.Calls() - before; calls != 1 {
		t.Errorf("ListPage calls = %d, want 1 (stop after the first page)", calls)
	}
}

func TestReconcile_RemovalsAndUpdates(t *testing.T) {
	drive := testutil.NewStubDrive()
	drive.AddDir(1, 0, "docs", 500)
	drive.AddDir(5, 1, "sub", 100)
	drive.AddFile(2, 1, "a", 10, 90)
	drive.AddFile(3, 1, "b", 10, 80)

	r, s := newTestReconciler(t, drive)
	ctx := context.Background()

	if _, _, err := r.Reconcile(ctx, 1, Params{}); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}

	drive.Remove(3)
	drive.SetMtime(2, 110)
	drive.AddFile(4, 1, "new", 10, 105)

	up, rm, err := r.Reconcile(ctx, 1, Params{})
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if up != 2 || rm != 1 {
		t.Errorf("Reconcile() = (%d, %d), want (2, 1)", up, rm)
	}

	n, _ := s.Node(ctx, 3)
	if n == nil || n.IsAlive {
		t.Errorf("Node(3) = %+v, want tombstone", n)
	}
	n, _ = s.Node(ctx, 2)
	if n.Mtime != 110 {
		t.Errorf("Node(2).Mtime = %d, want 110", n.Mtime)
	}
	n, _ = s.Node(ctx, 4)
	if n == nil || !n.IsAlive {
		t.Errorf("Node(4) = %+v, want alive row", n)
	}
}

func TestReconcile_FullRefresh(t *testing.T) {
	drive := testutil.NewStubDrive()
	drive.AddDir(1, 0, "docs", 500)
	drive.AddFile(2, 1, "a", 10, 90)

	r, s := newTestReconciler(t, drive)
	ctx := context.Background()

	if _, _, err := r.Reconcile(ctx, 1, Params{}); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}

	// A row the remote no longer knows about must survive a refresh pass:
	// refresh re-pulls everything but never removes.
	drive.AddFile(9, 1, "ghost", 1, 85)
	if _, _, err := r.Reconcile(ctx, 1, Params{}); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	drive.Remove(9)

	up, rm, err := r.Reconcile(ctx, 1, Params{FullRefresh: true})
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if up != 1 || rm != 0 {
		t.Errorf("Reconcile() = (%d, %d), want (1, 0)", up, rm)
	}

	n, _ := s.Node(ctx, 9)
	if n == nil || !n.IsAlive {
		t.Errorf("Node(9) = %+v, want still alive (refresh never removes)", n)
	}
}

func TestReconcile_TreeMode(t *testing.T) {
	drive := testutil.NewStubDrive()
	drive.AddDir(1, 0, "docs", 500)
	drive.AddDir(5, 1, "sub", 100)
	drive.AddFile(6, 5, "deep", 10, 95)
	drive.AddFile(2, 1, "a", 10, 90)

	r, s := newTestReconciler(t, drive)
	ctx := context.Background()

	up, rm, err := r.Reconcile(ctx, 1, Params{Tree: true})
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if up != 2 || rm != 0 {
		t.Errorf("Reconcile() = (%d, %d), want (2, 0) (file leaves only)", up, rm)
	}

	for _, id := range []int64{6, 2} {
		n, _ := s.Node(ctx, id)
		if n == nil || !n.IsAlive {
			t.Errorf("Node(%d) = %+v, want alive leaf", id, n)
		}
	}

	t.Run("second pass is empty", func(t *testing.T) {
		up, rm, err := r.Reconcile(ctx, 1, Params{Tree: true})
		if err != nil {
			t.Fatalf("Reconcile() error: %v", err)
		}
		if up != 0 || rm != 0 {
			t.Errorf("Reconcile() = (%d, %d), want (0, 0)", up, rm)
		}
	})

	t.Run("deep removal detected", func(t *testing.T) {
		drive.Remove(6)
		up, rm, err := r.Reconcile(ctx, 1, Params{Tree: true})
		if err != nil {
			t.Fatalf("Reconcile() error: %v", err)
		}
		if up != 0 || rm != 1 {
			t.Errorf("Reconcile() = (%d, %d), want (0, 1)", up, rm)
		}
		n, _ := s.Node(ctx, 6)
		if n.IsAlive {
			t.Error("Node(6) still alive after subtree pass")
		}
	})
}

func TestDiff_DuplicateIDIsBusy(t *testing.T) {
	drive := testutil.NewStubDrive()
	drive.AddDir(1, 0, "docs", 500)
	for i := int64(0); i < 20; i++ {
		drive.AddFile(10+i, 1, "f", 1, 200-i)
	}

	// After the first page (ids 10..25) is served, push 10 to the end of
	// the listing so a later page serves it again; the total count is
	// unchanged, so this is only detectable as a duplicate id.
	src := &hookedSource{Source: drive}
	src.after = func(call int) {
		if call == 1 {
			drive.SetMtime(10, 50)
		}
	}

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer s.Close()
	r := New(s, src, remote.NewDirCache(), Options{PageSize: 2, Cooldown: time.Minute})

	ctx := context.Background()
	_, err = r.Diff(ctx, 1, Params{})
	if !errors.Is(err, remote.ErrBusy) {
		t.Fatalf("Diff() = %v, want ErrBusy", err)
	}

	// The ancestor side effect must land even when the merge is busy.
	n, err := s.Node(ctx, 1)
	if err != nil {
		t.Fatalf("Node() error: %v", err)
	}
	if n == nil || !n.IsDir {
		t.Errorf("Node(1) = %+v, want persisted ancestor row", n)
	}
}
