// Package reconcile converges the local mirror of one directory with the
// remote's current state, transferring no data for children that have not
// changed. The remote stream (globally mtime-descending) is merged in
// lock-step against the store's history groups; the merge terminates as soon
// as everything still outstanding is provably unchanged, bounding the work
// by the size of the actual delta rather than the directory.
package reconcile

import (
	"context"
	"errors"
	"time"

	"drivedb-go/internal/model"
	"drivedb-go/internal/pager"
	"drivedb-go/internal/remote"
	"drivedb-go/internal/store"
)

// First-page sizes: a directory diff usually resolves within the newest few
// entries, so the first page is kept small; a subtree (leaf) pass pays one
// round-trip per page and starts larger.
const (
	firstPageDir  = 16
	firstPageTree = 128
)

// Params selects the reconciliation mode for one directory.
type Params struct {
	// Tree compares the file leaves of the whole subtree instead of the
	// direct children.
	Tree bool
	// FullRefresh skips diffing: every remote item is upserted and nothing
	// is removed.
	FullRefresh bool
}

// Delta is the minimal set of writes that converges one directory.
type Delta struct {
	Upserts []model.Node
	Removes []int64
}

// Options tune the paginator used for the remote fetch.
type Options struct {
	PageSize int64
	Cooldown time.Duration
}

// Reconciler computes and applies per-directory deltas.
type Reconciler struct {
	store *store.Store
	src   remote.Source
	cache *remote.DirCache
	opts  Options
}

// New creates a reconciler. cache is the session-scoped directory identity
// cache shared with the rest of the sync session.
func New(st *store.Store, src remote.Source, cache *remote.DirCache, opts Options) *Reconciler {
	return &Reconciler{store: st, src: src, cache: cache, opts: opts}
}

// Reconcile diffs one directory and commits the delta as a single
// transaction. It returns the number of rows upserted and removed.
func (r *Reconciler) Reconcile(ctx context.Context, dirID int64, p Params) (int, int, error) {
	delta, err := r.Diff(ctx, dirID, p)
	if err != nil {
		return 0, 0, err
	}
	if err := r.store.ApplyDelta(ctx, delta.Upserts, delta.Removes); err != nil {
		return 0, 0, err
	}
	return len(delta.Upserts), len(delta.Removes), nil
}

type history struct {
	remains int64
	groups  []model.HistoryGroup
	err     error
}

// Diff computes the {upsert, remove} delta for one directory. The local
// history lookup runs concurrently with the first remote round-trip.
// Ancestor directories (and, in direct mode, child directories) discovered
// during the fetch are persisted regardless of the diff outcome: they are
// cheap and needed for path reconstruction.
func (r *Reconciler) Diff(ctx context.Context, dirID int64, p Params) (*Delta, error) {
	firstPage := int64(firstPageDir)
	if p.Tree {
		firstPage = firstPageTree
	}
	pg := pager.New(r.src, dirID, pager.Options{
		PageSize:      r.opts.PageSize,
		FirstPageSize: firstPage,
		Cooldown:      r.opts.Cooldown,
		LeafOnly:      p.Tree,
	})
	pg.Prime(ctx)
	st := newStream(pg, dirID)

	histCh := make(chan history, 1)
	if p.FullRefresh {
		histCh <- history{}
	} else {
		go func() {
			remains, groups, err := r.store.HistoryGroups(ctx, dirID, p.Tree)
			histCh <- history{remains: remains, groups: groups, err: err}
		}()
	}

	delta, dirs, mergeErr := r.merge(ctx, st, histCh)

	// Side effects survive even a Busy merge: commit the ancestors and the
	// incidentally observed directories before reporting the outcome.
	if err := r.persistAncestors(ctx, st.ancestors()); err != nil {
		return nil, err
	}
	if len(dirs) > 0 {
		if err := r.store.Upsert(ctx, toNodes(dirs)); err != nil {
			return nil, err
		}
	}
	if mergeErr != nil {
		return nil, mergeErr
	}

	// A leaf listing carries no path information for the leaves themselves.
	// Unknown parent directories are resolved here so the subtree stays
	// reachable through stored parent links; without them a later pass
	// could neither match these leaves nor notice their removal.
	if p.Tree {
		if err := r.resolveLeafParents(ctx, dirID, delta.Upserts); err != nil {
			return nil, err
		}
	}
	return delta, nil
}

// resolveLeafParents persists the ancestor chains of upserted leaves whose
// parent directory is not mirrored yet. One single-item page fetch per
// unknown parent yields its full ancestor path.
func (r *Reconciler) resolveLeafParents(ctx context.Context, dirID int64, upserts []model.Node) error {
	unknown := make(map[int64]struct{})
	for _, n := range upserts {
		pid := n.ParentID
		if pid == 0 || pid == dirID {
			continue
		}
		if r.cache != nil {
			if _, ok := r.cache.Lookup(pid); ok {
				continue
			}
		}
		unknown[pid] = struct{}{}
	}
	if len(unknown) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(unknown))
	for id := range unknown {
		ids = append(ids, id)
	}
	known, err := r.store.ExistingIDs(ctx, ids, true)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if _, ok := known[id]; ok {
			continue
		}
		pg := pager.New(r.src, id, pager.Options{
			PageSize:      1,
			FirstPageSize: 1,
			Cooldown:      r.opts.Cooldown,
		})
		page, err := pg.Next(ctx)
		if err != nil {
			// A parent that vanished mid-pass takes its leaves with it;
			// the next run converges the remainder.
			if errors.Is(err, remote.ErrNotFound) || errors.Is(err, remote.ErrNotADirectory) {
				continue
			}
			return err
		}
		if err := r.persistAncestors(ctx, page.Ancestors); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) merge(ctx context.Context, st *stream, histCh <-chan history) (*Delta, []remote.Item, error) {
	var dirs []remote.Item
	delta := &Delta{}

	hist := <-histCh
	if hist.err != nil {
		return nil, nil, hist.err
	}
	remains := hist.remains
	groups := hist.groups
	gi := 0

	var processed int64
	for {
		item, ok, err := st.next(ctx)
		if err != nil {
			return nil, dirs, err
		}
		if !ok {
			break
		}
		processed++
		if item.IsDir {
			dirs = append(dirs, item)
		}

		if remains > 0 {
			// Groups newer than this item can no longer match anything
			// still to come: everything unobserved in them is gone.
			for gi < len(groups) && groups[gi].Mtime > item.Mtime {
				for id := range groups[gi].IDs {
					if !st.observed(id) {
						delta.Removes = append(delta.Removes, id)
					}
				}
				remains -= int64(len(groups[gi].IDs))
				gi++
			}
			if gi < len(groups) && groups[gi].Mtime == item.Mtime {
				if _, member := groups[gi].IDs[item.ID]; member {
					// Unchanged. Once processed + remaining covers the
					// remote total, everything outstanding is implicitly
					// unchanged too.
					remains--
					if processed+remains == st.count {
						return delta, dirs, nil
					}
					delete(groups[gi].IDs, item.ID)
					continue
				}
			}
		}
		delta.Upserts = append(delta.Upserts, toNode(item))
	}

	// Whatever history is left was never matched by the remote stream.
	if remains > 0 {
		for ; gi < len(groups); gi++ {
			for id := range groups[gi].IDs {
				if !st.observed(id) {
					delta.Removes = append(delta.Removes, id)
				}
			}
		}
	}
	return delta, dirs, nil
}

func (r *Reconciler) persistAncestors(ctx context.Context, ancestors []remote.Ancestor) error {
	var fresh []model.Ancestor
	for _, a := range ancestors {
		if r.cache == nil || r.cache.Remember(a) {
			fresh = append(fresh, model.Ancestor{ID: a.ID, ParentID: a.ParentID, Name: a.Name})
		}
	}
	return r.store.UpsertPartial(ctx, fresh)
}

func toNode(item remote.Item) model.Node {
	return model.Node{
		ID:        item.ID,
		ParentID:  item.ParentID,
		Name:      item.Name,
		Size:      item.Size,
		IsDir:     item.IsDir,
		Type:      item.Type,
		Hash:      item.Hash,
		Token:     item.Token,
		Ctime:     item.Ctime,
		Mtime:     item.Mtime,
		IsCollect: item.IsCollected,
		IsAlive:   true,
	}
}

func toNodes(items []remote.Item) []model.Node {
	nodes := make([]model.Node, len(items))
	for i, item := range items {
		nodes[i] = toNode(item)
	}
	return nodes
}
