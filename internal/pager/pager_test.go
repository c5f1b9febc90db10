package pager

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"drivedb-go/internal/remote"
	"drivedb-go/internal/testutil"
)

type timeoutErr struct{}

func (timeoutErr) Error() string { return "stub timeout" }
func (timeoutErr) Timeout() bool { return true }

func collectIDs(t *testing.T, p *Pager) []int64 {
	t.Helper()
	var ids []int64
	for {
		page, err := p.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return ids
		}
		if err != nil {
			t.Fatalf("Next() error: %v", err)
		}
		for _, item := range page.Items {
			ids = append(ids, item.ID)
		}
	}
}

func TestNext_PagesInOrder(t *testing.T) {
	drive := testutil.NewStubDrive()
	drive.AddDir(1, 0, "docs", 500)
	for i := int64(0); i < 5; i++ {
		// ids 10..14, descending mtime 100..96
		drive.AddFile(10+i, 1, "f", 1, 100-i)
	}

	p := New(drive, 1, Options{PageSize: 2, Cooldown: time.Minute})
	ids := collectIDs(t, p)

	want := []int64{10, 11, 12, 13, 14}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}

	if _, err := p.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Next() after exhaustion = %v, want io.EOF", err)
	}
}

func TestNext_SpeculativeFetchKeepsOrder(t *testing.T) {
	drive := testutil.NewStubDrive()
	drive.AddDir(1, 0, "docs", 500)
	for i := int64(0); i < 6; i++ {
		drive.AddFile(10+i, 1, "f", 1, 100-i)
	}
	// One page is much slower than the cooldown, forcing a speculative
	// fetch for the following offset while the slow one is in flight.
	drive.DelayFor = func(dirID, offset int64) time.Duration {
		if offset == 2 {
			return 80 * time.Millisecond
		}
		return 0
	}

	p := New(drive, 1, Options{PageSize: 2, Cooldown: 10 * time.Millisecond})
	ids := collectIDs(t, p)

	want := []int64{10, 11, 12, 13, 14, 15}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v (exactly once, in order)", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v (exactly once, in order)", ids, want)
		}
	}
}

func TestNext_RetriesTimeouts(t *testing.T) {
	drive := testutil.NewStubDrive()
	drive.AddDir(1, 0, "docs", 500)
	drive.AddFile(2, 1, "f", 1, 100)

	failures := 3
	drive.ErrFor = func(dirID, offset int64) error {
		if offset == 0 && failures > 0 {
			failures--
			return timeoutErr{}
		}
		return nil
	}

	p := New(drive, 1, Options{PageSize: 10, Cooldown: time.Minute})
	page, err := p.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != 2 {
		t.Errorf("page.Items = %+v, want file 2", page.Items)
	}
	if failures != 0 {
		t.Errorf("failures left = %d, want 0 (every timeout retried)", failures)
	}
}

func TestNext_StatusErrorPropagates(t *testing.T) {
	drive := testutil.NewStubDrive()
	drive.AddDir(1, 0, "docs", 500)
	drive.AddFile(2, 1, "f", 1, 100)
	drive.ErrFor = func(dirID, offset int64) error {
		return &remote.StatusError{Code: 503, Err: timeoutErr{}}
	}

	p := New(drive, 1, Options{PageSize: 10, Cooldown: time.Minute})
	_, err := p.Next(context.Background())
	if err == nil {
		t.Fatal("Next() expected error")
	}
	if remote.StatusCode(err) != 503 {
		t.Errorf("StatusCode(err) = %d, want 503", remote.StatusCode(err))
	}
	if got := drive.Calls(); got != 1 {
		t.Errorf("Calls() = %d, want 1 (status faults are never retried)", got)
	}
}

func TestNext_FailureClasses(t *testing.T) {
	drive := testutil.NewStubDrive()
	drive.AddDir(1, 0, "docs", 500)
	drive.AddFile(2, 1, "f", 1, 100)

	t.Run("missing directory", func(t *testing.T) {
		p := New(drive, 99, Options{Cooldown: time.Minute})
		_, err := p.Next(context.Background())
		if !errors.Is(err, remote.ErrNotFound) {
			t.Errorf("Next() = %v, want ErrNotFound", err)
		}
	})

	t.Run("file id", func(t *testing.T) {
		p := New(drive, 2, Options{Cooldown: time.Minute})
		_, err := p.Next(context.Background())
		if !errors.Is(err, remote.ErrNotADirectory) {
			t.Errorf("Next() = %v, want ErrNotADirectory", err)
		}
	})
}

func TestNext_CountDriftIsBusy(t *testing.T) {
	drive := testutil.NewStubDrive()
	drive.AddDir(1, 0, "docs", 500)
	for i := int64(0); i < 4; i++ {
		drive.AddFile(10+i, 1, "f", 1, 100-i)
	}
	// Hold the second page long enough for the mutation below to land
	// before the listing is read.
	drive.DelayFor = func(dirID, offset int64) time.Duration {
		if offset == 2 {
			return 50 * time.Millisecond
		}
		return 0
	}

	p := New(drive, 1, Options{PageSize: 2, Cooldown: time.Minute})
	if _, err := p.Next(context.Background()); err != nil {
		t.Fatalf("Next() error: %v", err)
	}

	drive.AddFile(20, 1, "new", 1, 50)

	_, err := p.Next(context.Background())
	if !errors.Is(err, remote.ErrBusy) {
		t.Errorf("Next() = %v, want ErrBusy on count drift", err)
	}
}

func TestNext_FirstPageSize(t *testing.T) {
	drive := testutil.NewStubDrive()
	drive.AddDir(1, 0, "docs", 500)
	for i := int64(0); i < 5; i++ {
		drive.AddFile(10+i, 1, "f", 1, 100-i)
	}

	p := New(drive, 1, Options{FirstPageSize: 1, PageSize: 3, Cooldown: time.Minute})

	page, err := p.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("first page has %d items, want 1", len(page.Items))
	}

	ids := collectIDs(t, p)
	if len(ids) != 4 {
		t.Errorf("remaining ids = %v, want the other 4 entries", ids)
	}
}

func TestNext_EmptyDirectory(t *testing.T) {
	drive := testutil.NewStubDrive()
	drive.AddDir(1, 0, "empty", 500)

	p := New(drive, 1, Options{Cooldown: time.Minute})

	page, err := p.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if len(page.Items) != 0 || page.Count != 0 {
		t.Errorf("page = %+v, want empty listing", page)
	}
	if _, err := p.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Next() = %v, want io.EOF", err)
	}
}

func TestPrime(t *testing.T) {
	drive := testutil.NewStubDrive()
	drive.AddDir(1, 0, "docs", 500)
	drive.AddFile(2, 1, "f", 1, 100)

	p := New(drive, 1, Options{Cooldown: time.Minute})
	p.Prime(context.Background())

	page, err := p.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if len(page.Items) != 1 {
		t.Errorf("page.Items = %+v, want one entry", page.Items)
	}
	if got := drive.Calls(); got != 1 {
		t.Errorf("Calls() = %d, want 1 (Prime issues the only fetch)", got)
	}
}
