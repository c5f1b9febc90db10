package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"drivedb-go/internal/remote"
)

// StubDrive serves a mutable in-memory tree as a remote drive. Listings are
// produced in descending-mtime order like the real service, ancestors and
// total counts included. Safe for concurrent use.
//
// Hooks allow tests to inject latency and errors per page request:
//
//	drive.DelayFor = func(dirID, offset int64) time.Duration { ... }
//	drive.ErrFor = func(dirID, offset int64) error { ... }
type StubDrive struct {
	mu    sync.Mutex
	nodes map[int64]remote.Item
	calls int

	DelayFor      func(dirID, offset int64) time.Duration
	ErrFor        func(dirID, offset int64) error
	EstimateDelay time.Duration
	EstimateErr   error
}

// NewStubDrive creates an empty drive. Directory id 0 is the implicit root.
func NewStubDrive() *StubDrive {
	return &StubDrive{nodes: make(map[int64]remote.Item)}
}

// AddDir inserts or replaces a directory node.
func (d *StubDrive) AddDir(id, parentID int64, name string, mtime int64) {
	d.put(remote.Item{ID: id, ParentID: parentID, Name: name, IsDir: true, Mtime: mtime})
}

// AddFile inserts or replaces a file node.
func (d *StubDrive) AddFile(id, parentID int64, name string, size, mtime int64) {
	d.put(remote.Item{ID: id, ParentID: parentID, Name: name, Size: size, Mtime: mtime})
}

func (d *StubDrive) put(item remote.Item) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[item.ID] = item
}

// Remove deletes a node and, for directories, its whole subtree.
func (d *StubDrive) Remove(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(id)
}

func (d *StubDrive) removeLocked(id int64) {
	for childID, n := range d.nodes {
		if n.ParentID == id {
			d.removeLocked(childID)
		}
	}
	delete(d.nodes, id)
}

// SetMtime updates a node's modification time.
func (d *StubDrive) SetMtime(id, mtime int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[id]
	if !ok {
		panic(fmt.Sprintf("testutil: SetMtime on unknown id %d", id))
	}
	n.Mtime = mtime
	d.nodes[id] = n
}

// Move reparents a node.
func (d *StubDrive) Move(id, newParentID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[id]
	if !ok {
		panic(fmt.Sprintf("testutil: Move of unknown id %d", id))
	}
	n.ParentID = newParentID
	d.nodes[id] = n
}

// Calls reports how many ListPage requests were served or failed via ErrFor.
func (d *StubDrive) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// ListPage implements remote.Source.
func (d *StubDrive) ListPage(ctx context.Context, dirID, offset, limit int64, leafOnly bool) (*remote.Page, error) {
	d.mu.Lock()
	d.calls++
	delay := time.Duration(0)
	if d.DelayFor != nil {
		delay = d.DelayFor(dirID, offset)
	}
	var injected error
	if d.ErrFor != nil {
		injected = d.ErrFor(dirID, offset)
	}
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if injected != nil {
		return nil, injected
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if dirID != 0 {
		n, ok := d.nodes[dirID]
		if !ok {
			return nil, fmt.Errorf("directory %d: %w", dirID, remote.ErrNotFound)
		}
		if !n.IsDir {
			return nil, fmt.Errorf("id %d: %w", dirID, remote.ErrNotADirectory)
		}
	}

	var listing []remote.Item
	if leafOnly {
		listing = d.leavesLocked(dirID)
	} else {
		listing = d.childrenLocked(dirID)
	}
	sort.Slice(listing, func(i, j int) bool {
		if listing[i].Mtime != listing[j].Mtime {
			return listing[i].Mtime > listing[j].Mtime
		}
		return listing[i].ID > listing[j].ID
	})

	count := int64(len(listing))
	if offset > count {
		offset = count
	}
	end := offset + limit
	if end > count {
		end = count
	}
	items := make([]remote.Item, end-offset)
	copy(items, listing[offset:end])

	return &remote.Page{
		Items:     items,
		Count:     count,
		Offset:    offset,
		Ancestors: d.ancestorsLocked(dirID),
	}, nil
}

func (d *StubDrive) childrenLocked(dirID int64) []remote.Item {
	var out []remote.Item
	for _, n := range d.nodes {
		if n.ParentID == dirID {
			out = append(out, n)
		}
	}
	return out
}

func (d *StubDrive) leavesLocked(dirID int64) []remote.Item {
	var out []remote.Item
	for _, n := range d.childrenLocked(dirID) {
		if n.IsDir {
			out = append(out, d.leavesLocked(n.ID)...)
		} else {
			out = append(out, n)
		}
	}
	return out
}

func (d *StubDrive) ancestorsLocked(dirID int64) []remote.Ancestor {
	if dirID == 0 {
		return nil
	}
	var chain []remote.Ancestor
	id := dirID
	for id != 0 {
		n, ok := d.nodes[id]
		if !ok {
			break
		}
		chain = append([]remote.Ancestor{{ID: n.ID, ParentID: n.ParentID, Name: n.Name}}, chain...)
		id = n.ParentID
	}
	return chain
}

// EstimateSubtreeSize implements remote.Source by counting all descendants.
func (d *StubDrive) EstimateSubtreeSize(ctx context.Context, dirID int64) (int64, error) {
	if d.EstimateDelay > 0 {
		select {
		case <-time.After(d.EstimateDelay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if d.EstimateErr != nil {
		return 0, d.EstimateErr
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sizeLocked(dirID), nil
}

func (d *StubDrive) sizeLocked(dirID int64) int64 {
	var total int64
	for _, n := range d.nodes {
		if n.ParentID == dirID {
			total++
			if n.IsDir {
				total += d.sizeLocked(n.ID)
			}
		}
	}
	return total
}

var _ remote.Source = (*StubDrive)(nil)
