package remote

import "context"

// Item is one entry of a remote directory listing.
type Item struct {
	ID          int64
	ParentID    int64
	Name        string
	Size        int64
	IsDir       bool
	Type        int
	Hash        string
	Token       string
	Ctime       int64
	Mtime       int64
	IsCollected bool
}

// Ancestor is one element of the listed directory's path, root excluded.
type Ancestor struct {
	ID       int64
	ParentID int64
	Name     string
}

// Page is the result of one ListPage call.
type Page struct {
	Items     []Item
	Count     int64 // Total entries the remote reports for this listing
	Offset    int64 // Offset this page was served at
	Ancestors []Ancestor
}

// Source is the abstract remote drive consumed by the paginator, the
// reconciler and the syncer. Implementations carry the vendor wire protocol
// and authentication, which live outside this module.
//
// ListPage returns one page of the listing for dirID. When leafOnly is set
// the listing covers the file leaves of the whole subtree instead of the
// direct children; either way items arrive in descending-mtime order
// relative to their own kind. Failure classes are reported through the
// sentinel errors in this package.
type Source interface {
	ListPage(ctx context.Context, dirID, offset, limit int64, leafOnly bool) (*Page, error)

	// EstimateSubtreeSize returns the total number of entries below dirID.
	// Callers bound it with a context deadline; a timeout is reported as a
	// timeout-class error, not absorbed.
	EstimateSubtreeSize(ctx context.Context, dirID int64) (int64, error)
}

// Event is one push notification from the remote's live feed, already mapped
// to the mirror's row shape by the (external) feed implementation.
type Event struct {
	Item    Item
	Removed bool // True when the event tombstones the subject
}

// EventFeed is the secondary live-event collaborator. Implementations map
// vendor push notifications to Events; consumption applies them through the
// same store write path as a pull.
type EventFeed interface {
	Events(ctx context.Context) (<-chan Event, error)
}
