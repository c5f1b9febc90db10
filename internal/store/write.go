package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"drivedb-go/internal/model"
)

// Upsert inserts or updates a batch of full node rows inside one
// transaction. For each node: absent ids are inserted; present ids with an
// incoming mtime older than the stored one are left untouched; otherwise the
// row is updated, the field diff is logged as one change event, and the
// aggregate counts of every affected ancestor chain are adjusted.
// Directories are applied before files, parents before children, so a batch
// may carry a new directory together with its content.
func (s *Store) Upsert(ctx context.Context, nodes []model.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	sorted := sortByDepth(nodes)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i := range sorted {
			if err := s.upsertFull(ctx, tx, &sorted[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertPartial persists ancestor directories discovered incidentally during
// a listing. Only identity fields are written: the rows are forced to
// is_dir = 1 and is_alive = 1, and mtime is never touched, so an existing
// row keeps its business state.
func (s *Store) UpsertPartial(ctx context.Context, ancestors []model.Ancestor) error {
	if len(ancestors) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, a := range ancestors {
			if err := s.upsertAncestor(ctx, tx, a); err != nil {
				return err
			}
		}
		return nil
	})
}

// Kill tombstones the given ids (is_alive = 0). Ids not present are ignored;
// already-dead rows produce no event. A tombstone is a field change like any
// other: it is logged and propagated into the aggregates.
func (s *Store) Kill(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.killInTx(ctx, tx, ids)
	})
}

// ApplyDelta commits a reconciliation delta (upserts plus removals) as a
// single all-or-nothing transaction, so readers never observe a partially
// applied directory.
func (s *Store) ApplyDelta(ctx context.Context, upserts []model.Node, removes []int64) error {
	if len(upserts) == 0 && len(removes) == 0 {
		return nil
	}
	sorted := sortByDepth(upserts)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i := range sorted {
			if err := s.upsertFull(ctx, tx, &sorted[i]); err != nil {
				return err
			}
		}
		return s.killInTx(ctx, tx, removes)
	})
}

func (s *Store) killInTx(ctx context.Context, tx *sql.Tx, ids []int64) error {
	for _, id := range ids {
		old, err := getNode(ctx, tx, id)
		if err != nil {
			return err
		}
		if old == nil || !old.IsAlive {
			continue
		}
		updated := *old
		updated.IsAlive = false
		if err := s.applyUpdate(ctx, tx, old, &updated); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) upsertFull(ctx context.Context, tx *sql.Tx, n *model.Node) error {
	old, err := getNode(ctx, tx, n.ID)
	if err != nil {
		return err
	}
	if old == nil {
		return s.insertNode(ctx, tx, n)
	}
	if old.IsDir != n.IsDir {
		return fmt.Errorf("store: is_dir conflict for id %d (stored %v, incoming %v)", n.ID, old.IsDir, n.IsDir)
	}
	// A write carrying an older mtime than stored must not mutate anything.
	if n.Mtime < old.Mtime {
		return nil
	}

	updated := *old
	updated.ParentID = n.ParentID
	updated.Name = n.Name
	updated.Size = n.Size
	updated.Type = n.Type
	updated.Hash = n.Hash
	updated.Token = n.Token
	updated.Mtime = n.Mtime
	updated.IsCollect = n.IsCollect
	updated.IsAlive = n.IsAlive
	if old.Ctime == 0 {
		// ctime is immutable once set.
		updated.Ctime = n.Ctime
	}
	return s.applyUpdate(ctx, tx, old, &updated)
}

func (s *Store) upsertAncestor(ctx context.Context, tx *sql.Tx, a model.Ancestor) error {
	old, err := getNode(ctx, tx, a.ID)
	if err != nil {
		return err
	}
	if old == nil {
		return s.insertNode(ctx, tx, &model.Node{
			ID:       a.ID,
			ParentID: a.ParentID,
			Name:     a.Name,
			IsDir:    true,
			IsAlive:  true,
		})
	}
	if !old.IsDir {
		return fmt.Errorf("store: is_dir conflict for id %d (stored file, incoming directory)", a.ID)
	}
	updated := *old
	updated.ParentID = a.ParentID
	updated.Name = a.Name
	updated.IsAlive = true
	return s.applyUpdate(ctx, tx, old, &updated)
}

// insertNode creates a brand-new row, logs an "add" event and bumps the
// aggregates along the parent chain. The node's own aggregate row may
// already exist (children observed before their parent); its accumulated
// subtree counts are part of the contribution pushed upward.
func (s *Store) insertNode(ctx context.Context, tx *sql.Tx, n *model.Node) error {
	now := time.Now().UTC()
	n.UpdatedAt = now
	_, err := tx.ExecContext(ctx,
		`INSERT INTO node (`+nodeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.ParentID, n.Name, n.Size, boolToInt(n.IsDir), n.Type, n.Hash, n.Token,
		n.Ctime, n.Mtime, boolToInt(n.IsCollect), boolToInt(n.IsAlive), now)
	if err != nil {
		return fmt.Errorf("inserting node %d: %w", n.ID, err)
	}

	if err := appendEvent(ctx, tx, n.ID, nil, fieldSnapshot(n), []string{model.OpAdd}, now); err != nil {
		return err
	}

	if n.IsDir {
		if err := ensureAggregate(ctx, tx, n.ID); err != nil {
			return err
		}
	}

	dDirs, dFiles, err := s.contribution(ctx, tx, n, n.IsAlive)
	if err != nil {
		return err
	}
	if n.IsAlive {
		sd, sf := selfCounts(n.IsDir)
		if err := bumpDirect(ctx, tx, n.ParentID, sd, sf); err != nil {
			return err
		}
	}
	return chainAdd(ctx, tx, n.ParentID, dDirs, dFiles)
}

// applyUpdate is the explicit state-update routine replacing the original
// implementation's database triggers: compute the field diff, write the row,
// append exactly one change event, and walk the affected parent chains
// adjusting aggregates.
func (s *Store) applyUpdate(ctx context.Context, tx *sql.Tx, old, updated *model.Node) error {
	oldSnap := fieldSnapshot(old)
	newSnap := fieldSnapshot(updated)
	diff := diffFields(oldSnap, newSnap)
	if len(diff) == 0 {
		return nil
	}

	now := time.Now().UTC()
	updated.UpdatedAt = now
	_, err := tx.ExecContext(ctx,
		`UPDATE node SET parent_id = ?, name = ?, size = ?, type = ?, hash = ?, token = ?,
		 ctime = ?, mtime = ?, is_collect = ?, is_alive = ?, updated_at = ? WHERE id = ?`,
		updated.ParentID, updated.Name, updated.Size, updated.Type, updated.Hash, updated.Token,
		updated.Ctime, updated.Mtime, boolToInt(updated.IsCollect), boolToInt(updated.IsAlive),
		now, updated.ID)
	if err != nil {
		return fmt.Errorf("updating node %d: %w", updated.ID, err)
	}

	if err := appendEvent(ctx, tx, updated.ID, oldSnap, diff, deriveOps(old, updated), now); err != nil {
		return err
	}

	return s.propagateAggregates(ctx, tx, old, updated)
}

// propagateAggregates applies the aggregate deltas caused by a parent or
// aliveness change. A node contributes itself (when alive) plus its alive
// subtree to every ancestor's transitive counts, and itself (when alive) to
// its parent's direct counts.
func (s *Store) propagateAggregates(ctx context.Context, tx *sql.Tx, old, updated *model.Node) error {
	parentChanged := old.ParentID != updated.ParentID
	aliveChanged := old.IsAlive != updated.IsAlive
	if !parentChanged && !aliveChanged {
		return nil
	}

	sd, sf := selfCounts(updated.IsDir)

	if parentChanged {
		oldDirs, oldFiles, err := s.contribution(ctx, tx, updated, old.IsAlive)
		if err != nil {
			return err
		}
		newDirs, newFiles, err := s.contribution(ctx, tx, updated, updated.IsAlive)
		if err != nil {
			return err
		}
		if err := chainAdd(ctx, tx, old.ParentID, -oldDirs, -oldFiles); err != nil {
			return err
		}
		if err := chainAdd(ctx, tx, updated.ParentID, newDirs, newFiles); err != nil {
			return err
		}
		if old.IsAlive {
			if err := bumpDirect(ctx, tx, old.ParentID, -sd, -sf); err != nil {
				return err
			}
		}
		if updated.IsAlive {
			if err := bumpDirect(ctx, tx, updated.ParentID, sd, sf); err != nil {
				return err
			}
		}
		return nil
	}

	// Aliveness flip in place: the subtree stays counted (descendants keep
	// their own aliveness); only the node's self contribution moves.
	sign := int64(-1)
	if updated.IsAlive {
		sign = 1
	}
	if err := bumpDirect(ctx, tx, updated.ParentID, sign*sd, sign*sf); err != nil {
		return err
	}
	return chainAdd(ctx, tx, updated.ParentID, sign*sd, sign*sf)
}

// contribution is the node's total effect on an ancestor chain: itself when
// alive, plus (for directories) the alive subtree counts it carries.
func (s *Store) contribution(ctx context.Context, tx *sql.Tx, n *model.Node, alive bool) (dirs, files int64, err error) {
	if alive {
		dirs, files = selfCounts(n.IsDir)
	}
	if n.IsDir {
		agg, err := getAggregate(ctx, tx, n.ID)
		if err != nil {
			return 0, 0, err
		}
		dirs += agg.TreeDirs
		files += agg.TreeFiles
	}
	return dirs, files, nil
}

func selfCounts(isDir bool) (dirs, files int64) {
	if isDir {
		return 1, 0
	}
	return 0, 1
}

// chainAdd walks the parent chain starting at dirID, adding the deltas to
// every transitive aggregate up to and including root. The walk is an
// explicit iterative loop over id -> parent lookups, with a visited-set
// guard against corrupt cycles; a gap in the chain ends the walk.
func chainAdd(ctx context.Context, tx *sql.Tx, dirID int64, dDirs, dFiles int64) error {
	if dDirs == 0 && dFiles == 0 {
		return nil
	}
	visited := make(map[int64]struct{})
	cur := dirID
	for {
		if _, ok := visited[cur]; ok {
			return fmt.Errorf("store: parent chain cycle at directory %d", cur)
		}
		visited[cur] = struct{}{}

		if err := ensureAggregate(ctx, tx, cur); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE dir_aggregate SET tree_dirs = tree_dirs + ?, tree_files = tree_files + ? WHERE dir_id = ?",
			dDirs, dFiles, cur)
		if err != nil {
			return fmt.Errorf("updating aggregate %d: %w", cur, err)
		}

		if cur == 0 {
			return nil
		}
		var parent int64
		err = tx.QueryRowContext(ctx, "SELECT parent_id FROM node WHERE id = ?", cur).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) {
			// Ancestor not mirrored yet; its insert will push the
			// accumulated subtree counts further up.
			return nil
		}
		if err != nil {
			return fmt.Errorf("resolving parent of %d: %w", cur, err)
		}
		cur = parent
	}
}

func bumpDirect(ctx context.Context, tx *sql.Tx, dirID int64, dDirs, dFiles int64) error {
	if dDirs == 0 && dFiles == 0 {
		return nil
	}
	if err := ensureAggregate(ctx, tx, dirID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		"UPDATE dir_aggregate SET child_dirs = child_dirs + ?, child_files = child_files + ? WHERE dir_id = ?",
		dDirs, dFiles, dirID)
	if err != nil {
		return fmt.Errorf("updating direct counts of %d: %w", dirID, err)
	}
	return nil
}

func ensureAggregate(ctx context.Context, tx *sql.Tx, dirID int64) error {
	_, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO dir_aggregate (dir_id) VALUES (?)", dirID)
	if err != nil {
		return fmt.Errorf("creating aggregate row %d: %w", dirID, err)
	}
	return nil
}

func getAggregate(ctx context.Context, q querier, dirID int64) (*model.DirAggregate, error) {
	agg := model.DirAggregate{DirID: dirID}
	err := q.QueryRowContext(ctx,
		"SELECT child_dirs, child_files, tree_dirs, tree_files FROM dir_aggregate WHERE dir_id = ?",
		dirID).Scan(&agg.ChildDirs, &agg.ChildFiles, &agg.TreeDirs, &agg.TreeFiles)
	if errors.Is(err, sql.ErrNoRows) {
		return &agg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading aggregate %d: %w", dirID, err)
	}
	return &agg, nil
}

// appendEvent writes one changelog row. old is nil for creations.
func appendEvent(ctx context.Context, tx *sql.Tx, nodeID int64, old, diff map[string]any, ops []string, at time.Time) error {
	var oldJSON any
	if old != nil {
		b, err := json.Marshal(old)
		if err != nil {
			return fmt.Errorf("encoding pre-image for %d: %w", nodeID, err)
		}
		oldJSON = string(b)
	}
	diffJSON, err := json.Marshal(diff)
	if err != nil {
		return fmt.Errorf("encoding diff for %d: %w", nodeID, err)
	}
	if ops == nil {
		ops = []string{}
	}
	opsJSON, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("encoding ops for %d: %w", nodeID, err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO change_event (node_id, old, diff, ops, created_at) VALUES (?, ?, ?, ?, ?)",
		nodeID, oldJSON, string(diffJSON), string(opsJSON), at)
	if err != nil {
		return fmt.Errorf("appending change event for %d: %w", nodeID, err)
	}
	return nil
}

// fieldSnapshot is the business-field view of a row used for the changelog
// pre-image and the diff. Bookkeeping metadata (updated_at) is excluded.
func fieldSnapshot(n *model.Node) map[string]any {
	return map[string]any{
		"id":         n.ID,
		"parent_id":  n.ParentID,
		"name":       n.Name,
		"size":       n.Size,
		"is_dir":     boolToInt(n.IsDir),
		"type":       n.Type,
		"hash":       n.Hash,
		"token":      n.Token,
		"ctime":      n.Ctime,
		"mtime":      n.Mtime,
		"is_collect": boolToInt(n.IsCollect),
		"is_alive":   boolToInt(n.IsAlive),
	}
}

func diffFields(old, updated map[string]any) map[string]any {
	diff := make(map[string]any)
	for k, v := range updated {
		if old[k] != v {
			diff[k] = v
		}
	}
	return diff
}

// deriveOps maps the changed fields to operation tags: an aliveness flip is
// a remove or revert, a name change a rename, a parent change a move.
func deriveOps(old, updated *model.Node) []string {
	var ops []string
	if old.IsAlive != updated.IsAlive {
		if updated.IsAlive {
			ops = append(ops, model.OpRevert)
		} else {
			ops = append(ops, model.OpRemove)
		}
	}
	if old.Name != updated.Name {
		ops = append(ops, model.OpRename)
	}
	if old.ParentID != updated.ParentID {
		ops = append(ops, model.OpMove)
	}
	return ops
}

// sortByDepth orders a batch so that directories come before files and
// parents before children, using only the parent links present in the batch.
func sortByDepth(nodes []model.Node) []model.Node {
	sorted := make([]model.Node, len(nodes))
	copy(sorted, nodes)

	parent := make(map[int64]int64, len(sorted))
	for _, n := range sorted {
		parent[n.ID] = n.ParentID
	}
	depthMemo := make(map[int64]int, len(sorted))
	var depth func(id int64) int
	depth = func(id int64) int {
		if d, ok := depthMemo[id]; ok {
			return d
		}
		d := 0
		if pid, ok := parent[id]; ok && pid != id {
			depthMemo[id] = 0 // cycle guard while recursing
			d = 1 + depth(pid)
		}
		depthMemo[id] = d
		return d
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].IsDir != sorted[j].IsDir {
			return sorted[i].IsDir
		}
		return depth(sorted[i].ID) < depth(sorted[j].ID)
	})
	return sorted
}
