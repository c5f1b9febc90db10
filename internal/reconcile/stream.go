package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"

	"drivedb-go/internal/pager"
	"drivedb-go/internal/remote"
)

// stream flattens the pager's pages into a single globally mtime-descending
// sequence of items. Remote pages deliver items in descending-mtime order
// per kind; directory entries are held in a short look-ahead buffer and
// flushed back into the stream at their proper mtime position: on each file
// with mtime M every buffered directory with mtime >= M is flushed first,
// and the remainder is flushed at stream end.
//
// The stream also tracks every observed id; a duplicate id within one
// listing pass means unpulled items were concurrently updated and is
// reported as remote.ErrBusy.
type stream struct {
	pg    *pager.Pager
	dirID int64

	out     []remote.Item
	dirBuf  []remote.Item
	seen    map[int64]struct{}
	count   int64             // remote-reported total, valid after the first page
	anc     []remote.Ancestor // ancestor path from the latest page
	drained bool
}

func newStream(pg *pager.Pager, dirID int64) *stream {
	return &stream{pg: pg, dirID: dirID, seen: make(map[int64]struct{}), count: -1}
}

// next yields the next item in merged mtime order. ok is false at stream end.
func (st *stream) next(ctx context.Context) (remote.Item, bool, error) {
	for len(st.out) == 0 {
		if st.drained {
			if len(st.dirBuf) > 0 {
				st.out = st.dirBuf
				st.dirBuf = nil
				break
			}
			return remote.Item{}, false, nil
		}
		if err := st.pull(ctx); err != nil {
			return remote.Item{}, false, err
		}
	}
	item := st.out[0]
	st.out = st.out[1:]
	return item, true, nil
}

func (st *stream) pull(ctx context.Context) error {
	page, err := st.pg.Next(ctx)
	if errors.Is(err, io.EOF) {
		st.drained = true
		return nil
	}
	if err != nil {
		return err
	}

	st.count = page.Count
	if len(page.Ancestors) > 0 {
		st.anc = page.Ancestors
	}

	for _, item := range page.Items {
		if _, dup := st.seen[item.ID]; dup {
			return fmt.Errorf("duplicate id %d, unpulled items were updated under directory %d: %w",
				item.ID, st.dirID, remote.ErrBusy)
		}
		st.seen[item.ID] = struct{}{}

		if item.IsDir {
			st.dirBuf = append(st.dirBuf, item)
			continue
		}
		for len(st.dirBuf) > 0 && st.dirBuf[0].Mtime >= item.Mtime {
			st.out = append(st.out, st.dirBuf[0])
			st.dirBuf = st.dirBuf[1:]
		}
		st.out = append(st.out, item)
	}
	return nil
}

// observed reports whether id appeared anywhere in the remote stream so far.
func (st *stream) observed(id int64) bool {
	_, ok := st.seen[id]
	return ok
}

// ancestors returns the most recently reported ancestor path.
func (st *stream) ancestors() []remote.Ancestor { return st.anc }
