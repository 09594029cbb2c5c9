// Package realtime keeps long-running exam attempts consistent across every
// observer of a session: the engine multiplexes logical subscriptions onto
// transport channels, maintains the local snapshot cache, classifies
// divergences, tracks presence, and fans normalized updates out to
// registered callbacks.
package realtime

import (
	"context"
	"fmt"
	"log"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"examsync/internal/cache"
	"examsync/internal/collision"
	"examsync/internal/model"
	"examsync/internal/presence"
	"examsync/internal/reconnect"
	"examsync/internal/statemachine"
	"examsync/internal/store"
	"examsync/internal/transport"
)

const (
	sessionKeyPrefix = "session:"
	userKeyPrefix    = "user-sessions:"
	cacheMaxAge      = time.Hour
	flushBatchSize   = 10
	storeTimeout     = 5 * time.Second
)

// UpdateType classifies what changed between two snapshots of a session.
type UpdateType string

const (
	UpdateStateChange UpdateType = "state_change"
	UpdateResponse    UpdateType = "response_update"
	UpdateTime        UpdateType = "time_update"
	UpdateCompletion  UpdateType = "completion"
)

// SessionUpdate is the normalized record handed to observer callbacks.
type SessionUpdate struct {
	SessionID     string
	Type          UpdateType
	Snapshot      *model.SessionSnapshot
	PreviousState *model.SessionState // nil on first delivery
	ReceivedAt    time.Time
}

// UpdateFunc receives every update for a subscribed session.
type UpdateFunc func(SessionUpdate)

// StateChangeFunc fires before UpdateFunc whenever the session state moved.
type StateChangeFunc func(sessionID string, newState, oldState model.SessionState)

// Config tunes one engine instance. Zero values take the documented
// defaults via DefaultConfig.
type Config struct {
	IncludeResponses         bool
	IncludePresence          bool
	EnableCollisionDetection bool
	OfflineSupport           bool
	SyncInterval             time.Duration
	HeartbeatInterval        time.Duration
	MaxRetryAttempts         int

	// ObserverID identifies this process in presence records; Device is the
	// optional device descriptor announced with heartbeats.
	ObserverID string
	Device     string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		IncludeResponses:         true,
		IncludePresence:          true,
		EnableCollisionDetection: true,
		OfflineSupport:           true,
		SyncInterval:             2 * time.Second,
		HeartbeatInterval:        30 * time.Second,
		MaxRetryAttempts:         reconnect.DefaultMaxAttempts,
	}
}

type observerFns struct {
	onUpdate UpdateFunc
	onState  StateChangeFunc
}

type subscription struct {
	key    string
	filter transport.Filter
	recon  *reconnect.Controller

	mu        sync.RWMutex
	channel   transport.Channel
	observers map[string]observerFns
	alive     bool
}

type pendingWrite struct {
	sessionID string
	fields    map[string]interface{}
	queuedAt  time.Time
}

// Engine is the subscription manager. Construct one per process with New
// and pass it by reference to whoever owns observer lifecycles; tests
// create isolated instances the same way.
type Engine struct {
	cfg       Config
	transport transport.Transport
	store     store.SessionStore

	cache    *cache.SnapshotCache
	presence *presence.Tracker
	detector *collision.Detector
	metrics  *metricsSet

	mu   sync.Mutex
	subs map[string]*subscription

	queueMu sync.Mutex
	queue   []pendingWrite

	autoMu      sync.Mutex
	autoPending map[string]model.SessionState

	online   atomic.Bool
	syncOK   atomic.Int64
	syncFail atomic.Int64

	lifecycle context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
}

// New creates an engine over a transport and the authoritative store.
func New(cfg Config, tr transport.Transport, st store.SessionStore) *Engine {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 2 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = reconnect.DefaultMaxAttempts
	}
	if cfg.ObserverID == "" {
		cfg.ObserverID = "observer-" + uuid.New().String()[:8]
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		transport:   tr,
		store:       st,
		cache:       cache.NewSnapshotCache(),
		presence:    presence.NewTracker(),
		metrics:     newMetricsSet(),
		subs:        make(map[string]*subscription),
		autoPending: make(map[string]model.SessionState),
		lifecycle:   ctx,
		cancel:      cancel,
	}
	e.detector = collision.NewDetector(e.forceResync)
	e.online.Store(true)
	return e
}

// Start launches the periodic sync tick and the presence heartbeat. Both
// stop when Close is called.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	e.wg.Add(2)
	go e.tickLoop()
	go e.heartbeatLoop()
}

// Close tears down every subscription and stops the background loops.
func (e *Engine) Close() {
	e.UnsubscribeAll()
	e.cancel()
	e.wg.Wait()
}

// SubscribeToSession registers callbacks for one session. The first caller
// opens the underlying channel; later callers share it. The returned handle
// removes only this registration.
func (e *Engine) SubscribeToSession(ctx context.Context, sessionID string, onUpdate UpdateFunc, onState StateChangeFunc) (string, error) {
	key := sessionKeyPrefix + sessionID
	return e.subscribe(ctx, key, transport.Filter{SessionID: sessionID}, onUpdate, onState)
}

// SubscribeToUserSessions registers callbacks for every session owned by a
// user, sharing one channel per user.
func (e *Engine) SubscribeToUserSessions(ctx context.Context, userID string, onUpdate UpdateFunc, onState StateChangeFunc) (string, error) {
	key := userKeyPrefix + userID
	return e.subscribe(ctx, key, transport.Filter{UserID: userID}, onUpdate, onState)
}

func (e *Engine) subscribe(ctx context.Context, key string, filter transport.Filter, onUpdate UpdateFunc, onState StateChangeFunc) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub, ok := e.subs[key]
	if !ok {
		sub = &subscription{
			key:       key,
			filter:    filter,
			observers: make(map[string]observerFns),
			alive:     true,
		}
		sub.recon = reconnect.NewController(key, e.cfg.MaxRetryAttempts, reconnect.Hooks{
			Reopen:   func() error { return e.reopen(sub) },
			OnOpen:   func() { e.announcePresence(sub) },
			OnFailed: func() { e.dropFailed(sub) },
			Alive: func() bool {
				sub.mu.RLock()
				defer sub.mu.RUnlock()
				return sub.alive
			},
		})

		ch, err := e.transport.Subscribe(ctx, key, filter, e.callbacks(sub))
		if err != nil {
			return "", fmt.Errorf("subscribe %s: %w", key, err)
		}
		sub.mu.Lock()
		sub.channel = ch
		sub.mu.Unlock()
		e.subs[key] = sub

		e.populate(ctx, filter)
		e.announcePresence(sub)
	}

	regID := uuid.New().String()[:8]
	sub.mu.Lock()
	sub.observers[regID] = observerFns{onUpdate: onUpdate, onState: onState}
	sub.mu.Unlock()

	return key + "#" + regID, nil
}

// populate seeds the cache from the store so observers have a baseline
// before the first notification arrives. Failures leave the cache empty for
// those sessions; later notifications still fill it.
func (e *Engine) populate(ctx context.Context, filter transport.Filter) {
	rctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	switch {
	case filter.SessionID != "":
		snap, err := e.store.GetByID(rctx, filter.SessionID)
		if err != nil {
			log.Printf("engine: initial load of session %s failed: %v", filter.SessionID, err)
			return
		}
		if snap != nil {
			e.cache.Put(snap.ID, snap)
		}
	case filter.UserID != "":
		snaps, err := e.store.ListByUser(rctx, filter.UserID)
		if err != nil {
			log.Printf("engine: initial load for user %s failed: %v", filter.UserID, err)
			return
		}
		for _, snap := range snaps {
			e.cache.Put(snap.ID, snap)
		}
	}
}

func (e *Engine) callbacks(sub *subscription) transport.Callbacks {
	return transport.Callbacks{
		OnChange:   func(ev model.ChangeEvent) { e.handleChange(sub, ev) },
		OnPresence: func(ev model.PresenceEvent) { e.handlePresence(sub, ev) },
		OnStatus:   func(st model.ChannelStatus) { sub.recon.HandleStatus(st) },
	}
}

func (e *Engine) reopen(sub *subscription) error {
	ctx, cancel := context.WithTimeout(e.lifecycle, storeTimeout)
	defer cancel()

	ch, err := e.transport.Subscribe(ctx, sub.key, sub.filter, e.callbacks(sub))
	if err != nil {
		return err
	}
	sub.mu.Lock()
	if !sub.alive {
		sub.mu.Unlock()
		ch.Close()
		return nil
	}
	sub.channel = ch
	sub.mu.Unlock()
	log.Printf("engine: %s reconnected", sub.key)
	e.announcePresence(sub)
	return nil
}

// dropFailed removes a subscription whose reconnection attempts are
// exhausted. Registered observers get no more updates; recovering requires
// a fresh subscribe.
func (e *Engine) dropFailed(sub *subscription) {
	log.Printf("engine: %s gave up reconnecting, dropping subscription", sub.key)
	e.mu.Lock()
	if e.subs[sub.key] == sub {
		delete(e.subs, sub.key)
	}
	e.mu.Unlock()

	sub.mu.Lock()
	sub.alive = false
	sub.mu.Unlock()
	e.presence.Drop(sub.key)
}

// Unsubscribe removes one registration. When the last registration for a
// key is gone the underlying channel is closed and the cache and presence
// entries for that key are cleared. Safe to call twice with the same handle.
func (e *Engine) Unsubscribe(handle string) {
	key, regID, ok := strings.Cut(handle, "#")
	if !ok {
		return
	}

	e.mu.Lock()
	sub, exists := e.subs[key]
	if !exists {
		e.mu.Unlock()
		return
	}
	sub.mu.Lock()
	delete(sub.observers, regID)
	remaining := len(sub.observers)
	sub.mu.Unlock()
	if remaining > 0 {
		e.mu.Unlock()
		return
	}
	delete(e.subs, key)
	e.mu.Unlock()

	e.teardown(sub)
}

// UnsubscribeAll tears down every subscription. Used at process shutdown.
func (e *Engine) UnsubscribeAll() {
	e.mu.Lock()
	subs := make([]*subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		subs = append(subs, sub)
	}
	e.subs = make(map[string]*subscription)
	e.mu.Unlock()

	for _, sub := range subs {
		e.teardown(sub)
	}
}

func (e *Engine) teardown(sub *subscription) {
	sub.mu.Lock()
	sub.alive = false
	ch := sub.channel
	sub.channel = nil
	sub.observers = make(map[string]observerFns)
	sub.mu.Unlock()

	sub.recon.Stop()
	if ch != nil {
		if err := ch.Close(); err != nil {
			log.Printf("engine: closing channel for %s: %v", sub.key, err)
		}
	}
	e.presence.Drop(sub.key)

	switch {
	case strings.HasPrefix(sub.key, sessionKeyPrefix):
		e.cache.Delete(strings.TrimPrefix(sub.key, sessionKeyPrefix))
	case strings.HasPrefix(sub.key, userKeyPrefix):
		e.cache.DeleteByUser(strings.TrimPrefix(sub.key, userKeyPrefix))
	}
}

// handleChange is the single ingestion path: cache update, collision check,
// update classification, then fan-out.
func (e *Engine) handleChange(sub *subscription, ev model.ChangeEvent) {
	if ev.New == nil {
		return
	}
	sessionID := ev.New.ID
	prev := e.cache.Get(sessionID)

	if e.cfg.EnableCollisionDetection && ev.Kind == model.EventUpdate && prev != nil {
		if recs := e.detector.Detect(ev.New, prev); len(recs) > 0 {
			e.metrics.collisionsTotal.Add(float64(len(recs)))
		}
	}

	// The cache always takes the latest arrival, collisions or not.
	e.cache.Put(sessionID, ev.New)

	e.autoMu.Lock()
	if target, ok := e.autoPending[sessionID]; ok && ev.New.State == target {
		delete(e.autoPending, sessionID)
	}
	e.autoMu.Unlock()

	e.dispatch(sub, prev, ev.New, classify(prev, ev))
}

// classify determines the update type by diffing against the previous
// cached snapshot. First deliveries, and every insert, are reported as
// completion updates; downstream consumers depend on that quirk.
func classify(prev *model.SessionSnapshot, ev model.ChangeEvent) UpdateType {
	if ev.Kind == model.EventInsert || prev == nil {
		return UpdateCompletion
	}
	if prev.State != ev.New.State {
		return UpdateStateChange
	}
	if !responsesEqual(prev.Responses, ev.New.Responses) {
		return UpdateResponse
	}
	if prev.DurationSeconds != ev.New.DurationSeconds {
		return UpdateTime
	}
	return UpdateResponse
}

func responsesEqual(a, b map[string]model.QuestionResponse) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if av.Final != bv.Final || !av.SubmittedAt.Equal(bv.SubmittedAt) {
			return false
		}
		if !reflect.DeepEqual(av.Answer, bv.Answer) {
			return false
		}
	}
	return true
}

func (e *Engine) dispatch(sub *subscription, prev, snap *model.SessionSnapshot, updateType UpdateType) {
	delivered := snap.Clone()
	if !e.cfg.IncludeResponses {
		delivered.Responses = nil
	}

	var prevState *model.SessionState
	if prev != nil {
		ps := prev.State
		prevState = &ps
	}
	update := SessionUpdate{
		SessionID:     snap.ID,
		Type:          updateType,
		Snapshot:      delivered,
		PreviousState: prevState,
		ReceivedAt:    time.Now(),
	}

	sub.mu.RLock()
	observers := make([]observerFns, 0, len(sub.observers))
	for _, fns := range sub.observers {
		observers = append(observers, fns)
	}
	sub.mu.RUnlock()

	// State-change callbacks fire before the general update callbacks.
	if prev != nil && prev.State != snap.State {
		for _, fns := range observers {
			if fns.onState != nil {
				e.safeStateCall(sub.key, snap.ID, fns.onState, snap.State, prev.State)
			}
		}
	}
	for _, fns := range observers {
		if fns.onUpdate != nil {
			e.safeUpdateCall(sub.key, snap.ID, fns.onUpdate, update)
		}
	}
}

// One faulty observer must not break fan-out to the others.
func (e *Engine) safeUpdateCall(key, sessionID string, fn UpdateFunc, update SessionUpdate) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("engine: update callback panic on %s (session %s): %v", key, sessionID, r)
		}
	}()
	fn(update)
}

func (e *Engine) safeStateCall(key, sessionID string, fn StateChangeFunc, newState, oldState model.SessionState) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("engine: state callback panic on %s (session %s): %v", key, sessionID, r)
		}
	}()
	fn(sessionID, newState, oldState)
}

func (e *Engine) handlePresence(sub *subscription, ev model.PresenceEvent) {
	if !e.cfg.IncludePresence {
		return
	}
	e.presence.Apply(sub.key, ev)
}

// announcePresence writes this observer's presence record onto the channel.
// Called when a channel (re)subscribes and on every heartbeat tick.
func (e *Engine) announcePresence(sub *subscription) {
	if !e.cfg.IncludePresence {
		return
	}
	sub.mu.RLock()
	ch := sub.channel
	alive := sub.alive
	sub.mu.RUnlock()
	if !alive || ch == nil {
		return
	}

	ctx, cancel := context.WithTimeout(e.lifecycle, storeTimeout)
	defer cancel()
	err := ch.Track(ctx, model.PresenceRecord{
		UserID:   e.cfg.ObserverID,
		Status:   model.PresenceActive,
		LastSeen: time.Now(),
		Device:   e.cfg.Device,
	})
	if err != nil {
		log.Printf("engine: presence track on %s failed: %v", sub.key, err)
	}
}

// forceResync rebuilds one session's cache entry from the authoritative
// store after a state mismatch. The fresh snapshot is fanned out as a
// normal update.
func (e *Engine) forceResync(sessionID string) {
	subs := e.covering(sessionID)
	if len(subs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(e.lifecycle, storeTimeout)
	defer cancel()
	snap, err := e.store.GetByID(ctx, sessionID)
	if err != nil {
		log.Printf("engine: forced resync of %s failed: %v", sessionID, err)
		return
	}
	if snap == nil {
		e.cache.Delete(sessionID)
		return
	}

	prev := e.cache.Get(sessionID)
	e.cache.Put(sessionID, snap)
	log.Printf("engine: forced resync of session %s applied", sessionID)

	ev := model.ChangeEvent{Kind: model.EventUpdate, New: snap}
	for _, sub := range subs {
		e.dispatch(sub, prev, snap, classify(prev, ev))
	}
}

// covering returns the live subscriptions whose filter matches the session.
func (e *Engine) covering(sessionID string) []*subscription {
	cached := e.cache.Get(sessionID)

	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*subscription
	for _, sub := range e.subs {
		if sub.filter.SessionID == sessionID {
			out = append(out, sub)
			continue
		}
		if cached != nil && sub.filter.UserID != "" && sub.filter.UserID == cached.UserID {
			out = append(out, sub)
		}
	}
	return out
}

// QueueWrite enqueues a client-originated partial update for the session.
// The queue is drained opportunistically by the sync tick, at most ten
// writes per tick, and only while the process is online (unless offline
// support is disabled, in which case flushing is always attempted).
func (e *Engine) QueueWrite(sessionID string, fields map[string]interface{}) {
	e.queueMu.Lock()
	e.queue = append(e.queue, pendingWrite{
		sessionID: sessionID,
		fields:    fields,
		queuedAt:  time.Now(),
	})
	e.queueMu.Unlock()
}

// SetOnline flips the process-wide connectivity flag.
func (e *Engine) SetOnline(online bool) {
	was := e.online.Swap(online)
	if was != online {
		if online {
			log.Printf("engine: back online, queued writes will flush")
		} else {
			log.Printf("engine: offline, queueing outbound writes")
		}
	}
}

// Online reports the process-wide connectivity flag.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// QueueLen returns the number of outbound writes awaiting flush.
func (e *Engine) QueueLen() int {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	return len(e.queue)
}

func (e *Engine) tickLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.lifecycle.Done():
			return
		case <-ticker.C:
			e.Tick()
		}
	}
}

// Tick runs one maintenance pass: flush the outbound queue, prune the
// cache, refresh the exported metrics. Exposed so tests can drive it
// without waiting on the interval.
func (e *Engine) Tick() {
	e.sweepAutoTransitions()
	if e.online.Load() || !e.cfg.OfflineSupport {
		e.flushQueue()
	}
	if n := e.cache.Prune(cacheMaxAge); n > 0 {
		log.Printf("engine: pruned %d stale cache entries", n)
	}
	e.refreshMetrics()
}

// sweepAutoTransitions queues a state write for every cached session that
// became eligible for an automatic transition (started attempts with
// responses, expired paused or in_progress attempts). The write goes through
// the outbound queue; the cache moves forward when the change notification
// echoes back.
func (e *Engine) sweepAutoTransitions() {
	for _, snap := range e.cache.Snapshots() {
		target, ok := statemachine.AutoTransitionTarget(snap)
		if !ok || !statemachine.CanTransition(snap, snap.State, target) {
			continue
		}
		e.autoMu.Lock()
		if e.autoPending[snap.ID] == target {
			e.autoMu.Unlock()
			continue
		}
		e.autoPending[snap.ID] = target
		e.autoMu.Unlock()

		log.Printf("engine: session %s auto transition %s -> %s", snap.ID, snap.State, target)
		e.QueueWrite(snap.ID, map[string]interface{}{"state": string(target)})
	}

	// Entries whose session left the cache will never see their echo.
	e.autoMu.Lock()
	for id := range e.autoPending {
		if e.cache.Get(id) == nil {
			delete(e.autoPending, id)
		}
	}
	e.autoMu.Unlock()
}

func (e *Engine) flushQueue() {
	e.queueMu.Lock()
	n := len(e.queue)
	if n == 0 {
		e.queueMu.Unlock()
		return
	}
	if n > flushBatchSize {
		n = flushBatchSize
	}
	batch := e.queue[:n]
	e.queue = e.queue[n:]
	e.queueMu.Unlock()

	ctx, cancel := context.WithTimeout(e.lifecycle, storeTimeout)
	defer cancel()

	var failed []pendingWrite
	for _, w := range batch {
		if err := e.store.Update(ctx, w.sessionID, w.fields); err != nil {
			log.Printf("engine: queued write for %s failed, will retry: %v", w.sessionID, err)
			e.syncFail.Add(1)
			e.metrics.syncWrites.WithLabelValues("error").Inc()
			failed = append(failed, w)
			continue
		}
		e.syncOK.Add(1)
		e.metrics.syncWrites.WithLabelValues("ok").Inc()
	}

	if len(failed) > 0 {
		e.queueMu.Lock()
		e.queue = append(failed, e.queue...)
		e.queueMu.Unlock()
	}
}

func (e *Engine) heartbeatLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.lifecycle.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			subs := make([]*subscription, 0, len(e.subs))
			for _, sub := range e.subs {
				subs = append(subs, sub)
			}
			e.mu.Unlock()
			for _, sub := range subs {
				e.announcePresence(sub)
			}
		}
	}
}

// GetSessionPresence returns the observers currently attached to a session.
func (e *Engine) GetSessionPresence(sessionID string) []model.PresenceRecord {
	return e.presence.List(sessionKeyPrefix + sessionID)
}

// GetCollisionHistory returns the collisions inside the retention window.
func (e *Engine) GetCollisionHistory() []model.CollisionRecord {
	return e.detector.History()
}
