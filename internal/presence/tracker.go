package presence

import (
	"log"
	"sync"

	"examsync/internal/model"
)

// Tracker maintains the set of active observers per subscription key from
// the channel's sync/join/leave signals. Sync is the only fully trusted
// signal and replaces the list wholesale; join and leave are incremental and
// may arrive out of order relative to it.
type Tracker struct {
	mu         sync.RWMutex
	sessions   map[string][]model.PresenceRecord
	concurrent int
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string][]model.PresenceRecord),
	}
}

// Apply consumes one presence event for the given subscription key.
func (t *Tracker) Apply(key string, ev model.PresenceEvent) {
	switch ev.Kind {
	case model.PresenceSync:
		t.applySync(key, ev.Records)
	case model.PresenceJoin:
		t.applyJoin(key, ev.Records)
	case model.PresenceLeave:
		t.applyLeave(key, ev.Records)
	}
}

func (t *Tracker) applySync(key string, records []model.PresenceRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[key] = append([]model.PresenceRecord(nil), records...)
	t.recountLocked()
}

func (t *Tracker) applyJoin(key string, records []model.PresenceRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.sessions[key]
	for _, rec := range records {
		replaced := false
		for i := range list {
			if list[i].UserID == rec.UserID {
				list[i] = rec
				replaced = true
				break
			}
		}
		if !replaced {
			list = append(list, rec)
		}
		log.Printf("presence: %s joined %s", rec.UserID, key)
	}
	t.sessions[key] = list
	t.recountLocked()
}

func (t *Tracker) applyLeave(key string, records []model.PresenceRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.sessions[key]
	for _, rec := range records {
		for i := range list {
			if list[i].UserID == rec.UserID {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		log.Printf("presence: %s left %s", rec.UserID, key)
	}
	t.sessions[key] = list
	t.recountLocked()
}

// Drop discards all presence state for a subscription key. Called on
// subscription teardown.
func (t *Tracker) Drop(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, key)
	t.recountLocked()
}

// List returns a copy of the presence records for a key.
func (t *Tracker) List(key string) []model.PresenceRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]model.PresenceRecord(nil), t.sessions[key]...)
}

// ConcurrentCount returns the process-wide number of attached observers,
// summed across all tracked keys. Recomputed only on membership change.
func (t *Tracker) ConcurrentCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.concurrent
}

func (t *Tracker) recountLocked() {
	total := 0
	for _, list := range t.sessions {
		total += len(list)
	}
	t.concurrent = total
}
