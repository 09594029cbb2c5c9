package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"examsync/internal/model"
)

func snap(id string, age time.Duration) *model.SessionSnapshot {
	return &model.SessionSnapshot{
		ID:        id,
		State:     model.SessionInProgress,
		UpdatedAt: time.Now().Add(-age),
	}
}

func TestPutGetOverwrite(t *testing.T) {
	c := NewSnapshotCache()
	assert.Nil(t, c.Get("s1"))

	first := snap("s1", time.Minute)
	c.Put("s1", first)
	require.NotNil(t, c.Get("s1"))

	second := snap("s1", 0)
	second.State = model.SessionPaused
	c.Put("s1", second)

	got := c.Get("s1")
	assert.Equal(t, model.SessionPaused, got.State, "last arrival wins")
	assert.Equal(t, 1, c.Len())
}

func TestPruneRemovesOnlyStaleEntries(t *testing.T) {
	c := NewSnapshotCache()
	c.Put("old", snap("old", 2*time.Hour))
	c.Put("older", snap("older", 3*time.Hour))
	c.Put("fresh", snap("fresh", 10*time.Minute))

	removed := c.Prune(time.Hour)
	assert.Equal(t, 2, removed)
	assert.Nil(t, c.Get("old"))
	assert.Nil(t, c.Get("older"))
	assert.NotNil(t, c.Get("fresh"))
}

func TestDeleteAndClear(t *testing.T) {
	c := NewSnapshotCache()
	c.Put("s1", snap("s1", 0))
	c.Put("s2", snap("s2", 0))

	c.Delete("s1")
	assert.Nil(t, c.Get("s1"))
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}
