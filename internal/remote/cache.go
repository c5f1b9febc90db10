package remote

import "sync"

// DirCache remembers the (name, parent) identity of directories seen during
// one sync session. It is created per session and passed by reference to the
// components that resolve ancestors, so nothing here is process-global.
type DirCache struct {
	mu sync.Mutex
	m  map[int64]Ancestor
}

func NewDirCache() *DirCache {
	return &DirCache{m: make(map[int64]Ancestor)}
}

// Remember records a, returning true if it differs from what was cached.
// A false return means the identity is already known unchanged this session
// and re-persisting it can be skipped.
func (c *DirCache) Remember(a Ancestor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.m[a.ID]; ok && prev == a {
		return false
	}
	c.m[a.ID] = a
	return true
}

// Lookup returns the cached identity of id, if any.
func (c *DirCache) Lookup(id int64) (Ancestor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.m[id]
	return a, ok
}
