package collision

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"examsync/internal/model"
)

func snapAt(state model.SessionState, updatedAt time.Time, responses int) *model.SessionSnapshot {
	s := &model.SessionSnapshot{
		ID:        "s1",
		State:     state,
		UpdatedAt: updatedAt,
	}
	if responses > 0 {
		s.Responses = make(map[string]model.QuestionResponse, responses)
		for i := 0; i < responses; i++ {
			s.Responses[string(rune('a'+i))] = model.QuestionResponse{Answer: i}
		}
	}
	return s
}

func kinds(recs []model.CollisionRecord) []model.CollisionKind {
	out := make([]model.CollisionKind, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Kind)
	}
	return out
}

func TestConcurrentUpdateWindow(t *testing.T) {
	d := NewDetector(nil)
	base := time.Now()

	recs := d.Detect(
		snapAt(model.SessionInProgress, base.Add(500*time.Millisecond), 0),
		snapAt(model.SessionInProgress, base, 0),
	)
	assert.Contains(t, kinds(recs), model.CollisionConcurrentUpdate)

	recs = d.Detect(
		snapAt(model.SessionInProgress, base.Add(2*time.Second), 0),
		snapAt(model.SessionInProgress, base, 0),
	)
	assert.NotContains(t, kinds(recs), model.CollisionConcurrentUpdate)
}

func TestStateMismatchSchedulesResync(t *testing.T) {
	var resynced atomic.Int32
	d := NewDetector(func(sessionID string) {
		assert.Equal(t, "s1", sessionID)
		resynced.Add(1)
	})

	at := time.Now()
	recs := d.Detect(
		snapAt(model.SessionPaused, at, 0),
		snapAt(model.SessionInProgress, at, 0),
	)
	require.Contains(t, kinds(recs), model.CollisionStateMismatch)

	assert.Eventually(t, func() bool { return resynced.Load() == 1 },
		2*time.Second, 20*time.Millisecond, "resync should fire after the settle delay")
}

func TestResponseConflict(t *testing.T) {
	d := NewDetector(nil)
	base := time.Now()

	recs := d.Detect(
		snapAt(model.SessionInProgress, base.Add(5*time.Second), 3),
		snapAt(model.SessionInProgress, base, 1),
	)
	assert.Equal(t, []model.CollisionKind{model.CollisionResponseConflict}, kinds(recs))
}

func TestMultipleRulesMayFire(t *testing.T) {
	d := NewDetector(nil)
	at := time.Now()

	// Same timestamp, different state, different response counts: all three.
	recs := d.Detect(
		snapAt(model.SessionPaused, at, 2),
		snapAt(model.SessionInProgress, at, 1),
	)
	assert.ElementsMatch(t, []model.CollisionKind{
		model.CollisionConcurrentUpdate,
		model.CollisionStateMismatch,
		model.CollisionResponseConflict,
	}, kinds(recs))
}

func TestHistoryRetention(t *testing.T) {
	d := NewDetector(nil)
	at := time.Now()
	d.Detect(snapAt(model.SessionPaused, at, 0), snapAt(model.SessionInProgress, at, 0))
	require.NotZero(t, d.Count())

	// Age every record past the retention window.
	d.mu.Lock()
	for i := range d.recent {
		d.recent[i].DetectedAt = d.recent[i].DetectedAt.Add(-10 * time.Minute)
	}
	d.mu.Unlock()

	assert.Empty(t, d.History())
	assert.Zero(t, d.Count())
}

func TestNilSnapshotsIgnored(t *testing.T) {
	d := NewDetector(nil)
	assert.Nil(t, d.Detect(nil, snapAt(model.SessionInProgress, time.Now(), 0)))
	assert.Nil(t, d.Detect(snapAt(model.SessionInProgress, time.Now(), 0), nil))
}
