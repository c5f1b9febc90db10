package model

import "time"

// Node represents one remote filesystem entry mirrored locally.
// Id 0 is the drive root; it is never stored as a row itself.
type Node struct {
	ID        int64 // Stable remote id
	ParentID  int64 // Id of the containing directory (0 = root)
	Name      string
	Size      int64
	IsDir     bool
	Type      int    // Type-classification code; always 0 for directories
	Hash      string // Content hash reported by the remote
	Token     string // Service-specific retrieval token
	Ctime     int64  // Creation timestamp; immutable once set
	Mtime     int64  // Modification timestamp; advances forward only
	IsCollect bool   // Flagged/quarantined by the remote
	IsAlive   bool   // False marks a tombstone; rows are never physically deleted
	UpdatedAt time.Time
}

// Ancestor is the partial form of a directory node discovered incidentally
// while listing a descendant. Only identity fields are known; upserting an
// ancestor never touches mtime or size.
type Ancestor struct {
	ID       int64
	ParentID int64
	Name     string
}

// ChangeEvent is one append-only changelog row. Exactly one event is written
// per store mutation that changes persisted field values.
type ChangeEvent struct {
	Seq       int64 // Monotonically increasing sequence number
	NodeID    int64
	Old       string   // JSON pre-image snapshot; empty on creation
	Diff      string   // JSON object of changed fields (new values)
	Ops       []string // Derived op tags: add, remove, revert, rename, move
	CreatedAt time.Time
}

// Op tags recorded on ChangeEvent rows.
const (
	OpAdd    = "add"
	OpRemove = "remove"
	OpRevert = "revert"
	OpRename = "rename"
	OpMove   = "move"
)

// DirAggregate holds the materialized child and subtree counts for one
// directory id (including root). Subtree counts cover alive descendants only
// and are maintained incrementally on every write.
type DirAggregate struct {
	DirID      int64
	ChildDirs  int64 // Alive direct child directories
	ChildFiles int64 // Alive direct child files
	TreeDirs   int64 // Alive descendant directories (transitive)
	TreeFiles  int64 // Alive descendant files (transitive)
}

// HistoryGroup is a set of alive node ids sharing one mtime, the comparison
// basis the reconciler merges the remote stream against. Groups are always
// produced in descending mtime order.
type HistoryGroup struct {
	Mtime int64
	IDs   map[int64]struct{}
}

// SyncRun records one orchestrator run in the sync_run table.
type SyncRun struct {
	ID         int64
	RunID      string // UUID assigned at run start
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string // "running", "done", "failed"
	Upserted   int64
	Removed    int64
}
