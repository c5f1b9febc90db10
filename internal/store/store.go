// Package store is the persistent half of the mirror: the node table, the
// derived per-directory aggregates and the append-only changelog. Every
// mutation goes through the single transactional write path in write.go,
// which enforces the consistency rules (mtime monotonicity, one change
// event per effective write, incremental aggregate propagation).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"drivedb-go/internal/model"
	"drivedb-go/internal/store/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Store is the SQLite-backed persistent mirror state.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the mirror database at path and brings the schema
// to the latest version. path can be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps ":memory:" databases coherent and matches
	// the serialized write model anyway.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	// Confirm the schema actually landed at the version this binary
	// expects before handing out the store.
	if err := migrations.Check(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("verifying schema version: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file path (or ":memory:").
func (s *Store) Path() string { return s.path }

// SnapshotTo writes a complete copy of the database to destPath using
// VACUUM INTO. Used for post-run archival.
func (s *Store) SnapshotTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("snapshotting database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

const nodeColumns = "id, parent_id, name, size, is_dir, type, hash, token, ctime, mtime, is_collect, is_alive, updated_at"

// scanNode scans one node row from a *sql.Row or *sql.Rows.
func scanNode(row interface{ Scan(...any) error }) (*model.Node, error) {
	var n model.Node
	var isDir, isCollect, isAlive int
	err := row.Scan(&n.ID, &n.ParentID, &n.Name, &n.Size, &isDir, &n.Type,
		&n.Hash, &n.Token, &n.Ctime, &n.Mtime, &isCollect, &isAlive, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	n.IsDir = isDir != 0
	n.IsCollect = isCollect != 0
	n.IsAlive = isAlive != 0
	return &n, nil
}

// querier abstracts *sql.Tx and *sql.DB for the read helpers.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// getNode loads one node row, returning nil when absent.
func getNode(ctx context.Context, q querier, id int64) (*model.Node, error) {
	row := q.QueryRowContext(ctx, "SELECT "+nodeColumns+" FROM node WHERE id = ?", id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading node %d: %w", id, err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
