package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"examsync/internal/model"
	"examsync/internal/store"
	"examsync/internal/transport/memchan"
)

type fixture struct {
	hub    *memchan.Hub
	store  *store.InMemoryStore
	engine *Engine
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ObserverID = "proctor-1"
	cfg.Device = "test-rig"
	if mutate != nil {
		mutate(&cfg)
	}
	hub := memchan.NewHub()
	st := store.NewInMemoryStore()
	e := New(cfg, hub, st)
	t.Cleanup(e.Close)
	return &fixture{hub: hub, store: st, engine: e}
}

func started(id, userID string) *model.SessionSnapshot {
	return &model.SessionSnapshot{
		ID:        id,
		UserID:    userID,
		CourseID:  "course-1",
		State:     model.SessionStarted,
		StartedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

// recorder collects callback invocations in order.
type recorder struct {
	mu      sync.Mutex
	events  []string
	updates []SessionUpdate
}

func (r *recorder) onUpdate(u SessionUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "update:"+string(u.Type))
	r.updates = append(r.updates, u)
}

func (r *recorder) onState(sessionID string, newState, oldState model.SessionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "state:"+string(oldState)+"->"+string(newState))
}

func (r *recorder) sequence() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) last() SessionUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[len(r.updates)-1]
}

func TestInsertThenStateChangeOrdering(t *testing.T) {
	f := newFixture(t, nil)
	rec := &recorder{}

	_, err := f.engine.SubscribeToSession(context.Background(), "S1", rec.onUpdate, rec.onState)
	require.NoError(t, err)

	// Insert: always classified completion, with no previous state.
	f.hub.PublishChange(model.ChangeEvent{Kind: model.EventInsert, New: started("S1", "u1")})

	seq := rec.sequence()
	require.Equal(t, []string{"update:completion"}, seq)
	first := rec.last()
	assert.Nil(t, first.PreviousState)

	// Update moving the state: onStateChange fires before onUpdate.
	next := started("S1", "u1")
	next.State = model.SessionInProgress
	next.UpdatedAt = time.Now().Add(2 * time.Second)
	f.hub.PublishChange(model.ChangeEvent{Kind: model.EventUpdate, New: next})

	seq = rec.sequence()
	require.Equal(t, []string{
		"update:completion",
		"state:started->in_progress",
		"update:state_change",
	}, seq)

	last := rec.last()
	require.NotNil(t, last.PreviousState)
	assert.Equal(t, model.SessionStarted, *last.PreviousState)
	assert.Equal(t, model.SessionInProgress, last.Snapshot.State)
}

func TestUpdateClassificationPrecedence(t *testing.T) {
	f := newFixture(t, nil)
	rec := &recorder{}
	_, err := f.engine.SubscribeToSession(context.Background(), "S1", rec.onUpdate, nil)
	require.NoError(t, err)

	base := started("S1", "u1")
	base.State = model.SessionInProgress
	f.hub.PublishChange(model.ChangeEvent{Kind: model.EventInsert, New: base})

	// New response: response_update.
	withResp := base.Clone()
	withResp.Responses = map[string]model.QuestionResponse{"q1": {Answer: "a"}}
	withResp.UpdatedAt = base.UpdatedAt.Add(2 * time.Second)
	f.hub.PublishChange(model.ChangeEvent{Kind: model.EventUpdate, New: withResp})
	assert.Equal(t, UpdateResponse, rec.last().Type)

	// Only the clock moved: time_update.
	ticked := withResp.Clone()
	ticked.DurationSeconds = 90
	ticked.UpdatedAt = withResp.UpdatedAt.Add(2 * time.Second)
	f.hub.PublishChange(model.ChangeEvent{Kind: model.EventUpdate, New: ticked})
	assert.Equal(t, UpdateTime, rec.last().Type)

	// Nothing diffable changed: defaults to response_update.
	same := ticked.Clone()
	same.UpdatedAt = ticked.UpdatedAt.Add(2 * time.Second)
	f.hub.PublishChange(model.ChangeEvent{Kind: model.EventUpdate, New: same})
	assert.Equal(t, UpdateResponse, rec.last().Type)
}

func TestSharedChannelAndRefCounting(t *testing.T) {
	f := newFixture(t, nil)
	a := &recorder{}
	b := &recorder{}

	h1, err := f.engine.SubscribeToSession(context.Background(), "S1", a.onUpdate, nil)
	require.NoError(t, err)
	h2, err := f.engine.SubscribeToSession(context.Background(), "S1", b.onUpdate, nil)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	f.hub.PublishChange(model.ChangeEvent{Kind: model.EventInsert, New: started("S1", "u1")})
	assert.Len(t, a.sequence(), 1, "both observers share one channel")
	assert.Len(t, b.sequence(), 1)

	// Removing one registration leaves the other attached.
	f.engine.Unsubscribe(h1)
	next := started("S1", "u1")
	next.UpdatedAt = time.Now().Add(2 * time.Second)
	f.hub.PublishChange(model.ChangeEvent{Kind: model.EventUpdate, New: next})
	assert.Len(t, a.sequence(), 1)
	assert.Len(t, b.sequence(), 2)

	// Last registration tears the channel down and clears the cache.
	f.engine.Unsubscribe(h2)
	f.hub.PublishChange(model.ChangeEvent{Kind: model.EventUpdate, New: next})
	assert.Len(t, b.sequence(), 2)

	// Unsubscribe is idempotent.
	f.engine.Unsubscribe(h2)
}

func TestUserSessionsSubscription(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Seed(started("S1", "u1"))
	f.store.Seed(started("S2", "u1"))
	rec := &recorder{}

	_, err := f.engine.SubscribeToUserSessions(context.Background(), "u1", rec.onUpdate, nil)
	require.NoError(t, err)

	// Initial population loaded both of the user's sessions.
	m := f.engine.GetMetrics()
	assert.Equal(t, 2, m.ActiveSessions)

	update := started("S2", "u1")
	update.State = model.SessionInProgress
	update.UpdatedAt = time.Now().Add(2 * time.Second)
	f.hub.PublishChange(model.ChangeEvent{Kind: model.EventUpdate, New: update})

	require.Len(t, rec.sequence(), 1)
	assert.Equal(t, "S2", rec.last().SessionID)
	assert.Equal(t, UpdateStateChange, rec.last().Type)

	// Another user's session is filtered out.
	f.hub.PublishChange(model.ChangeEvent{Kind: model.EventInsert, New: started("S9", "u2")})
	assert.Len(t, rec.sequence(), 1)
}

func TestInitialPopulationFromStore(t *testing.T) {
	f := newFixture(t, nil)
	seeded := started("S1", "u1")
	seeded.State = model.SessionInProgress
	f.store.Seed(seeded)
	rec := &recorder{}

	_, err := f.engine.SubscribeToSession(context.Background(), "S1", rec.onUpdate, rec.onState)
	require.NoError(t, err)

	// The baseline came from the store, so the first notification diffs
	// against it instead of being treated as a first delivery.
	paused := seeded.Clone()
	paused.State = model.SessionPaused
	paused.UpdatedAt = seeded.UpdatedAt.Add(2 * time.Second)
	f.hub.PublishChange(model.ChangeEvent{Kind: model.EventUpdate, New: paused})

	assert.Equal(t, []string{"state:in_progress->paused", "update:state_change"}, rec.sequence())
}

func TestCollisionDetectionAndForcedResync(t *testing.T) {
	f := newFixture(t, nil)
	rec := &recorder{}
	_, err := f.engine.SubscribeToSession(context.Background(), "S1", rec.onUpdate, nil)
	require.NoError(t, err)

	at := time.Now()
	first := started("S1", "u1")
	first.State = model.SessionInProgress
	first.UpdatedAt = at
	f.hub.PublishChange(model.ChangeEvent{Kind: model.EventInsert, New: first})

	// Same updatedAt, different state: state_mismatch plus concurrent_update.
	conflicting := first.Clone()
	conflicting.State = model.SessionPaused
	f.hub.PublishChange(model.ChangeEvent{Kind: model.EventUpdate, New: conflicting})

	history := f.engine.GetCollisionHistory()
	require.NotEmpty(t, history)
	kinds := make(map[model.CollisionKind]bool)
	for _, rec := range history {
		kinds[rec.Kind] = true
	}
	assert.True(t, kinds[model.CollisionStateMismatch])
	assert.True(t, kinds[model.CollisionConcurrentUpdate])

	// The store holds the settled truth; the delayed resync must overwrite
	// the cache with it and fan it out.
	settled := first.Clone()
	settled.State = model.SessionInProgress
	settled.DurationSeconds = 300
	settled.UpdatedAt = at.Add(3 * time.Second)
	f.store.Seed(settled)

	assert.Eventually(t, func() bool {
		u := rec.last()
		return u.Snapshot.DurationSeconds == 300
	}, 2*time.Second, 25*time.Millisecond, "forced resync should deliver the store snapshot")
}

func TestCollisionDetectionDisabled(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.EnableCollisionDetection = false })
	_, err := f.engine.SubscribeToSession(context.Background(), "S1", func(SessionUpdate) {}, nil)
	require.NoError(t, err)

	at := time.Now()
	first := started("S1", "u1")
	first.UpdatedAt = at
	f.hub.PublishChange(model.ChangeEvent{Kind: model.EventInsert, New: first})
	second := first.Clone()
	second.State = model.SessionPaused
	f.hub.PublishChange(model.ChangeEvent{Kind: model.EventUpdate, New: second})

	assert.Empty(t, f.engine.GetCollisionHistory())
}

func TestIncludeResponsesOff(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.IncludeResponses = false })
	rec := &recorder{}
	_, err := f.engine.SubscribeToSession(context.Background(), "S1", rec.onUpdate, nil)
	require.NoError(t, err)

	snap := started("S1", "u1")
	snap.Responses = map[string]model.QuestionResponse{"q1": {Answer: "a"}}
	f.hub.PublishChange(model.ChangeEvent{Kind: model.EventInsert, New: snap})

	assert.Nil(t, rec.last().Snapshot.Responses, "responses stripped from delivered snapshots")
	assert.NotNil(t, f.engine.cache.Get("S1").Responses, "cache keeps the full snapshot")
}

func TestFaultyObserverDoesNotBreakFanOut(t *testing.T) {
	f := newFixture(t, nil)
	rec := &recorder{}

	_, err := f.engine.SubscribeToSession(context.Background(), "S1",
		func(SessionUpdate) { panic("observer bug") }, nil)
	require.NoError(t, err)
	_, err = f.engine.SubscribeToSession(context.Background(), "S1", rec.onUpdate, nil)
	require.NoError(t, err)

	f.hub.PublishChange(model.ChangeEvent{Kind: model.EventInsert, New: started("S1", "u1")})
	assert.Len(t, rec.sequence(), 1, "healthy observer still delivered")
}

func TestPresenceTracking(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.SubscribeToSession(context.Background(), "S1", func(SessionUpdate) {}, nil)
	require.NoError(t, err)

	// Our own announcement went through the channel and back.
	records := f.engine.GetSessionPresence("S1")
	require.Len(t, records, 1)
	assert.Equal(t, "proctor-1", records[0].UserID)
	assert.Equal(t, "test-rig", records[0].Device)

	// A sync event replaces the list wholesale.
	f.hub.PublishPresence("session:S1", model.PresenceEvent{
		Kind: model.PresenceSync,
		Records: []model.PresenceRecord{
			{UserID: "student-1", Status: model.PresenceActive},
			{UserID: "proctor-1", Status: model.PresenceActive},
		},
	})
	assert.Len(t, f.engine.GetSessionPresence("S1"), 2)
	assert.Equal(t, 2, f.engine.GetMetrics().ConcurrentUsers)
}

func TestAutoTransitionSweep(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.SubscribeToSession(context.Background(), "S1", func(SessionUpdate) {}, nil)
	require.NoError(t, err)

	pausedAt := time.Now().Add(-25 * time.Hour)
	snap := started("S1", "u1")
	snap.State = model.SessionPaused
	snap.PausedAt = &pausedAt
	f.hub.PublishChange(model.ChangeEvent{Kind: model.EventInsert, New: snap})

	// Paused for more than 24h: the sweep queues the expiry write and the
	// same tick flushes it.
	f.engine.Tick()
	updates := f.store.Updates()
	require.Len(t, updates, 1)
	assert.Equal(t, string(model.SessionAbandoned), updates[0]["state"])

	// Still pending until the echo arrives; no duplicate write.
	f.engine.Tick()
	assert.Len(t, f.store.Updates(), 1)

	// The echo settles the transition and later ticks queue nothing new.
	settled := snap.Clone()
	settled.State = model.SessionAbandoned
	settled.UpdatedAt = time.Now().Add(2 * time.Second)
	f.hub.PublishChange(model.ChangeEvent{Kind: model.EventUpdate, New: settled})
	f.engine.Tick()
	assert.Len(t, f.store.Updates(), 1)
}

func TestAutoTransitionIgnoresHealthySessions(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.SubscribeToSession(context.Background(), "S1", func(SessionUpdate) {}, nil)
	require.NoError(t, err)

	snap := started("S1", "u1")
	snap.State = model.SessionInProgress
	f.hub.PublishChange(model.ChangeEvent{Kind: model.EventInsert, New: snap})

	f.engine.Tick()
	assert.Empty(t, f.store.Updates(), "a fresh in_progress attempt is left alone")
}

func TestQueueFlushBatching(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 12; i++ {
		f.engine.QueueWrite("S1", map[string]interface{}{"duration_seconds": i})
	}

	f.engine.Tick()
	assert.Equal(t, 2, f.engine.QueueLen(), "at most ten writes per tick")
	assert.Len(t, f.store.Updates(), 10)

	f.engine.Tick()
	assert.Zero(t, f.engine.QueueLen())
	assert.Len(t, f.store.Updates(), 12)
	assert.Equal(t, 1.0, f.engine.GetMetrics().SyncSuccessRate)
}

func TestQueueHeldWhileOffline(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.SetOnline(false)
	f.engine.QueueWrite("S1", map[string]interface{}{"state": "paused"})

	f.engine.Tick()
	assert.Equal(t, 1, f.engine.QueueLen(), "offline writes wait for connectivity")

	f.engine.SetOnline(true)
	f.engine.Tick()
	assert.Zero(t, f.engine.QueueLen())
}

func TestFailedWritesStayQueued(t *testing.T) {
	f := newFixture(t, nil)
	f.store.UpdateErr = errors.New("store down")
	f.engine.QueueWrite("S1", map[string]interface{}{"state": "paused"})

	f.engine.Tick()
	assert.Equal(t, 1, f.engine.QueueLen())
	assert.Less(t, f.engine.GetMetrics().SyncSuccessRate, 1.0)

	f.store.UpdateErr = nil
	f.engine.Tick()
	assert.Zero(t, f.engine.QueueLen())
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, HealthHealthy, f.engine.HealthCheck().Status)

	// Offline is unhealthy regardless of anything else.
	f.engine.SetOnline(false)
	report := f.engine.HealthCheck()
	assert.Equal(t, HealthUnhealthy, report.Status)
	assert.NotEmpty(t, report.Issues)
	f.engine.SetOnline(true)

	// A high collision rate alone degrades.
	_, err := f.engine.SubscribeToSession(context.Background(), "S1", func(SessionUpdate) {}, nil)
	require.NoError(t, err)
	at := time.Now()
	first := started("S1", "u1")
	first.UpdatedAt = at
	f.hub.PublishChange(model.ChangeEvent{Kind: model.EventInsert, New: first})
	second := first.Clone()
	second.Responses = map[string]model.QuestionResponse{"q1": {Answer: "a"}}
	second.UpdatedAt = at.Add(100 * time.Millisecond)
	f.hub.PublishChange(model.ChangeEvent{Kind: model.EventUpdate, New: second})

	report = f.engine.HealthCheck()
	assert.Equal(t, HealthDegraded, report.Status)
}

func TestUnsubscribeAll(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.SubscribeToSession(context.Background(), "S1", func(SessionUpdate) {}, nil)
	require.NoError(t, err)
	_, err = f.engine.SubscribeToUserSessions(context.Background(), "u1", func(SessionUpdate) {}, nil)
	require.NoError(t, err)

	f.engine.UnsubscribeAll()
	assert.Zero(t, f.engine.GetMetrics().ConcurrentUsers)
	assert.Zero(t, f.engine.GetMetrics().ActiveSessions)
	assert.Empty(t, f.hub.Tracked("session:S1"), "presence withdrawn on teardown")
}
