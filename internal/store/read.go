package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"drivedb-go/internal/model"
)

// HistoryGroups returns the local comparison basis for one directory: the
// total number of alive children considered, and their ids grouped by
// identical mtime in descending mtime order. With leafOnly set the basis is
// the alive file leaves of the whole subtree instead of the direct children.
func (s *Store) HistoryGroups(ctx context.Context, dirID int64, leafOnly bool) (int64, []model.HistoryGroup, error) {
	type entry struct {
		id    int64
		mtime int64
	}
	var entries []entry

	if leafOnly {
		// Explicit breadth-first walk over alive directories, collecting
		// alive file leaves.
		queue := []int64{dirID}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			rows, err := s.db.QueryContext(ctx,
				"SELECT id, mtime, is_dir FROM node WHERE parent_id = ? AND is_alive = 1", cur)
			if err != nil {
				return 0, nil, fmt.Errorf("listing children of %d: %w", cur, err)
			}
			for rows.Next() {
				var id, mtime int64
				var isDir int
				if err := rows.Scan(&id, &mtime, &isDir); err != nil {
					rows.Close()
					return 0, nil, fmt.Errorf("scanning child of %d: %w", cur, err)
				}
				if isDir != 0 {
					queue = append(queue, id)
				} else {
					entries = append(entries, entry{id, mtime})
				}
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return 0, nil, err
			}
			rows.Close()
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].mtime > entries[j].mtime })
	} else {
		rows, err := s.db.QueryContext(ctx,
			"SELECT id, mtime FROM node WHERE parent_id = ? AND is_alive = 1 ORDER BY mtime DESC", dirID)
		if err != nil {
			return 0, nil, fmt.Errorf("listing history of %d: %w", dirID, err)
		}
		defer rows.Close()
		for rows.Next() {
			var e entry
			if err := rows.Scan(&e.id, &e.mtime); err != nil {
				return 0, nil, fmt.Errorf("scanning history of %d: %w", dirID, err)
			}
			entries = append(entries, e)
		}
		if err := rows.Err(); err != nil {
			return 0, nil, err
		}
	}

	var groups []model.HistoryGroup
	for _, e := range entries {
		if len(groups) == 0 || groups[len(groups)-1].Mtime != e.mtime {
			groups = append(groups, model.HistoryGroup{Mtime: e.mtime, IDs: make(map[int64]struct{})})
		}
		groups[len(groups)-1].IDs[e.id] = struct{}{}
	}
	return int64(len(entries)), groups, nil
}

// ExistingIDs reports which of the given ids are present (optionally only
// alive ones).
func (s *Store) ExistingIDs(ctx context.Context, ids []int64, aliveOnly bool) (map[int64]struct{}, error) {
	found := make(map[int64]struct{}, len(ids))
	const chunkSize = 500
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		query := "SELECT id FROM node WHERE id IN (" + placeholders + ")"
		if aliveOnly {
			query += " AND is_alive = 1"
		}
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("checking existing ids: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			found[id] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return found, nil
}

// ChildIDs returns the alive direct children of a directory.
func (s *Store) ChildIDs(ctx context.Context, parentID int64) ([]int64, error) {
	return s.childIDs(ctx, parentID, false)
}

// ChildDirIDs returns the alive direct child directories of a directory,
// the set the orchestrator enqueues after a split.
func (s *Store) ChildDirIDs(ctx context.Context, parentID int64) ([]int64, error) {
	return s.childIDs(ctx, parentID, true)
}

func (s *Store) childIDs(ctx context.Context, parentID int64, dirsOnly bool) ([]int64, error) {
	query := "SELECT id FROM node WHERE parent_id = ? AND is_alive = 1"
	if dirsOnly {
		query += " AND is_dir = 1"
	}
	rows, err := s.db.QueryContext(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("listing children of %d: %w", parentID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AncestorChain resolves the path of a node as an explicit iterative walk
// over id -> parent lookups, from the node itself up to (excluding) root.
// A cycle in the stored parent links is reported as an error.
func (s *Store) AncestorChain(ctx context.Context, id int64) ([]model.Ancestor, error) {
	var chain []model.Ancestor
	visited := make(map[int64]struct{})
	cur := id
	for cur != 0 {
		if _, ok := visited[cur]; ok {
			return nil, fmt.Errorf("store: parent chain cycle at %d", cur)
		}
		visited[cur] = struct{}{}

		var a model.Ancestor
		err := s.db.QueryRowContext(ctx,
			"SELECT id, parent_id, name FROM node WHERE id = ?", cur).Scan(&a.ID, &a.ParentID, &a.Name)
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("resolving ancestor %d: %w", cur, err)
		}
		chain = append(chain, a)
		cur = a.ParentID
	}
	return chain, nil
}

// Node returns one row by id, or nil when absent.
func (s *Store) Node(ctx context.Context, id int64) (*model.Node, error) {
	return getNode(ctx, s.db, id)
}

// Aggregate returns the materialized counts for a directory id. Directories
// never seen yield a zero row.
func (s *Store) Aggregate(ctx context.Context, dirID int64) (*model.DirAggregate, error) {
	return getAggregate(ctx, s.db, dirID)
}

// RecentEvents returns the newest changelog rows, most recent first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]model.ChangeEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, node_id, old, diff, ops, created_at FROM change_event ORDER BY seq DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("listing change events: %w", err)
	}
	defer rows.Close()

	var events []model.ChangeEvent
	for rows.Next() {
		var e model.ChangeEvent
		var old sql.NullString
		var ops string
		if err := rows.Scan(&e.Seq, &e.NodeID, &old, &e.Diff, &ops, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Old = old.String
		if err := json.Unmarshal([]byte(ops), &e.Ops); err != nil {
			return nil, fmt.Errorf("decoding ops of event %d: %w", e.Seq, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// EventsForNode returns all changelog rows for one node in sequence order.
func (s *Store) EventsForNode(ctx context.Context, nodeID int64) ([]model.ChangeEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, node_id, old, diff, ops, created_at FROM change_event WHERE node_id = ? ORDER BY seq", nodeID)
	if err != nil {
		return nil, fmt.Errorf("listing change events for %d: %w", nodeID, err)
	}
	defer rows.Close()

	var events []model.ChangeEvent
	for rows.Next() {
		var e model.ChangeEvent
		var old sql.NullString
		var ops string
		if err := rows.Scan(&e.Seq, &e.NodeID, &old, &e.Diff, &ops, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Old = old.String
		if err := json.Unmarshal([]byte(ops), &e.Ops); err != nil {
			return nil, fmt.Errorf("decoding ops of event %d: %w", e.Seq, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CreateSyncRun records the start of an orchestrator run.
func (s *Store) CreateSyncRun(ctx context.Context, runID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO sync_run (run_id, started_at, status) VALUES (?, ?, ?)",
		runID, time.Now().UTC(), "running")
	if err != nil {
		return 0, fmt.Errorf("creating sync run: %w", err)
	}
	return res.LastInsertId()
}

// FinishSyncRun finalizes a run record with its status and counters.
func (s *Store) FinishSyncRun(ctx context.Context, id int64, status string, upserted, removed int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sync_run SET finished_at = ?, status = ?, upserted = ?, removed = ? WHERE id = ?",
		time.Now().UTC(), status, upserted, removed, id)
	if err != nil {
		return fmt.Errorf("finishing sync run %d: %w", id, err)
	}
	return nil
}

// SyncRuns returns the most recent runs, newest first.
func (s *Store) SyncRuns(ctx context.Context, limit int) ([]model.SyncRun, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, run_id, started_at, finished_at, status, upserted, removed FROM sync_run ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync runs: %w", err)
	}
	defer rows.Close()

	var runs []model.SyncRun
	for rows.Next() {
		var r model.SyncRun
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.RunID, &r.StartedAt, &finished, &r.Status, &r.Upserted, &r.Removed); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
