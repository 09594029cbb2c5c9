package store

import (
	"context"
	"sync"

	"examsync/internal/model"
)

// SessionStore is the direct point read/write API of the authoritative
// session store, used for initial cache population, forced resync, and
// flushing the outbound write queue. Reads return (nil, nil) when the
// session does not exist.
type SessionStore interface {
	GetByID(ctx context.Context, id string) (*model.SessionSnapshot, error)
	ListByUser(ctx context.Context, userID string) ([]*model.SessionSnapshot, error)
	Update(ctx context.Context, id string, fields map[string]interface{}) error
}

// InMemoryStore is a SessionStore for tests and local development.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.SessionSnapshot

	// UpdateErr, when set, is returned by Update. Lets tests exercise the
	// queue-retry path.
	UpdateErr error
	updates   []map[string]interface{}
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*model.SessionSnapshot),
	}
}

// Seed inserts or replaces a session row.
func (s *InMemoryStore) Seed(snap *model.SessionSnapshot) {
	s.mu.Lock()
	s.sessions[snap.ID] = snap.Clone()
	s.mu.Unlock()
}

func (s *InMemoryStore) GetByID(_ context.Context, id string) (*model.SessionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id].Clone(), nil
}

func (s *InMemoryStore) ListByUser(_ context.Context, userID string) ([]*model.SessionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.SessionSnapshot
	for _, snap := range s.sessions {
		if snap.UserID == userID {
			out = append(out, snap.Clone())
		}
	}
	return out, nil
}

func (s *InMemoryStore) Update(_ context.Context, id string, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	s.updates = append(s.updates, fields)
	return nil
}

// Updates returns the field maps applied so far.
func (s *InMemoryStore) Updates() []map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]map[string]interface{}(nil), s.updates...)
}
