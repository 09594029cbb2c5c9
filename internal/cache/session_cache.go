package cache

import (
	"sync"
	"time"

	"examsync/internal/model"
)

// SnapshotCache holds the last known snapshot per session. It is a
// disposable projection of the authoritative store: a restart loses it and
// pruning bounds how stale an entry can be served. All writes happen on the
// engine's ingestion path; concurrent readers see point-in-time copies.
type SnapshotCache struct {
	mu      sync.RWMutex
	entries map[string]*model.SessionSnapshot
}

// NewSnapshotCache creates an empty cache.
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{
		entries: make(map[string]*model.SessionSnapshot),
	}
}

// Put stores the snapshot, overwriting any previous entry. Last write wins
// by arrival order; the transport guarantees per-session arrival order.
func (c *SnapshotCache) Put(sessionID string, snap *model.SessionSnapshot) {
	if snap == nil {
		return
	}
	c.mu.Lock()
	c.entries[sessionID] = snap
	c.mu.Unlock()
}

// Get returns the cached snapshot or nil when absent.
func (c *SnapshotCache) Get(sessionID string) *model.SessionSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[sessionID]
}

// Delete removes the entry for a session.
func (c *SnapshotCache) Delete(sessionID string) {
	c.mu.Lock()
	delete(c.entries, sessionID)
	c.mu.Unlock()
}

// DeleteByUser removes every entry owned by the user and returns how many
// were removed. Used when a user-sessions subscription is torn down.
func (c *SnapshotCache) DeleteByUser(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, snap := range c.entries {
		if snap.UserID == userID {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Prune removes entries whose UpdatedAt is older than maxAge and returns how
// many were swept.
func (c *SnapshotCache) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, snap := range c.entries {
		if snap.UpdatedAt.Before(cutoff) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Snapshots returns every cached snapshot. The slice is a point-in-time
// copy; the snapshots themselves are shared.
func (c *SnapshotCache) Snapshots() []*model.SessionSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*model.SessionSnapshot, 0, len(c.entries))
	for _, snap := range c.entries {
		out = append(out, snap)
	}
	return out
}

// Len returns the number of cached sessions.
func (c *SnapshotCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops all entries.
func (c *SnapshotCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*model.SessionSnapshot)
	c.mu.Unlock()
}
