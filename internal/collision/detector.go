package collision

import (
	"log"
	"sync"
	"time"

	"examsync/internal/model"
)

const (
	// Two writes inside this window are treated as racing writers.
	concurrentWindow = time.Second
	// A state_mismatch waits this long before the forced resync, to let the
	// upstream race settle.
	resyncDelay = 500 * time.Millisecond
	// Collisions are diagnostic; drop them after this retention window.
	retention = 5 * time.Minute
	// Hard cap on buffered records regardless of age.
	maxRecords = 512
)

// Detector classifies divergences between an incoming snapshot and the
// cached one. It is a best-effort heuristic: it never vetoes the cache
// overwrite, it only records what it saw and, for state mismatches,
// schedules a forced resync from the authoritative store.
type Detector struct {
	mu     sync.Mutex
	recent []model.CollisionRecord

	// resync is invoked (after resyncDelay) with the session id whose cache
	// entry should be rebuilt from the store. Nil disables resync scheduling.
	resync func(sessionID string)
}

// NewDetector creates a detector. resync may be nil.
func NewDetector(resync func(sessionID string)) *Detector {
	return &Detector{resync: resync}
}

// Detect compares an incoming update against the cached snapshot for the
// same session. The three rules are evaluated independently, so one
// comparison may yield multiple records.
func (d *Detector) Detect(incoming, cached *model.SessionSnapshot) []model.CollisionRecord {
	if incoming == nil || cached == nil {
		return nil
	}

	now := time.Now()
	base := model.CollisionRecord{
		SessionID:         incoming.ID,
		IncomingState:     incoming.State,
		CachedState:       cached.State,
		IncomingUpdatedAt: incoming.UpdatedAt,
		CachedUpdatedAt:   cached.UpdatedAt,
		IncomingResponses: incoming.ResponseCount(),
		CachedResponses:   cached.ResponseCount(),
		DetectedAt:        now,
	}

	var found []model.CollisionRecord

	delta := incoming.UpdatedAt.Sub(cached.UpdatedAt)
	if delta < 0 {
		delta = -delta
	}
	if delta < concurrentWindow {
		rec := base
		rec.Kind = model.CollisionConcurrentUpdate
		found = append(found, rec)
	}

	if incoming.State != cached.State && incoming.UpdatedAt.Equal(cached.UpdatedAt) {
		rec := base
		rec.Kind = model.CollisionStateMismatch
		found = append(found, rec)
		d.scheduleResync(incoming.ID)
	}

	if incoming.ResponseCount() != cached.ResponseCount() {
		rec := base
		rec.Kind = model.CollisionResponseConflict
		found = append(found, rec)
	}

	if len(found) > 0 {
		d.record(found)
	}
	return found
}

func (d *Detector) scheduleResync(sessionID string) {
	if d.resync == nil {
		return
	}
	log.Printf("collision: state mismatch on session %s, resync in %v", sessionID, resyncDelay)
	time.AfterFunc(resyncDelay, func() {
		d.resync(sessionID)
	})
}

func (d *Detector) record(recs []model.CollisionRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recent = append(d.recent, recs...)
	d.pruneLocked(time.Now())
}

// History returns the collisions still inside the retention window, newest
// last.
func (d *Detector) History() []model.CollisionRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked(time.Now())
	out := make([]model.CollisionRecord, len(d.recent))
	copy(out, d.recent)
	return out
}

// Count returns how many collisions are currently retained.
func (d *Detector) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked(time.Now())
	return len(d.recent)
}

func (d *Detector) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	kept := d.recent[:0]
	for _, rec := range d.recent {
		if rec.DetectedAt.After(cutoff) {
			kept = append(kept, rec)
		}
	}
	d.recent = kept
	if len(d.recent) > maxRecords {
		d.recent = d.recent[len(d.recent)-maxRecords:]
	}
}
