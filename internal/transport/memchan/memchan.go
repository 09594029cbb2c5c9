// Package memchan is an in-process Transport: channels are plain fan-out
// lists inside one hub. Tests use it to drive the engine deterministically
// and to inject transport faults; local development runs on it without any
// Redis.
package memchan

import (
	"context"
	"errors"
	"sync"
	"time"

	"examsync/internal/model"
	"examsync/internal/transport"
)

var ErrSubscribeFailed = errors.New("memchan: subscribe failed")

// Hub is the in-process message switch behind every memchan channel.
type Hub struct {
	mu           sync.Mutex
	channels     map[string][]*channel
	failNextSubs int
	trackedByKey map[string][]model.PresenceRecord
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		channels:     make(map[string][]*channel),
		trackedByKey: make(map[string][]model.PresenceRecord),
	}
}

type channel struct {
	hub    *Hub
	key    string
	filter transport.Filter
	cb     transport.Callbacks
	closed bool
}

// Subscribe opens a channel for the filter and immediately reports
// SUBSCRIBED, mirroring a transport whose handshake succeeds.
func (h *Hub) Subscribe(_ context.Context, key string, filter transport.Filter, cb transport.Callbacks) (transport.Channel, error) {
	h.mu.Lock()
	if h.failNextSubs > 0 {
		h.failNextSubs--
		h.mu.Unlock()
		return nil, ErrSubscribeFailed
	}
	ch := &channel{hub: h, key: key, filter: filter, cb: cb}
	h.channels[key] = append(h.channels[key], ch)
	h.mu.Unlock()

	if cb.OnStatus != nil {
		cb.OnStatus(model.StatusSubscribed)
	}
	return ch, nil
}

// FailSubscribes makes the next n Subscribe calls fail. Used by reconnect
// tests.
func (h *Hub) FailSubscribes(n int) {
	h.mu.Lock()
	h.failNextSubs = n
	h.mu.Unlock()
}

// PublishChange delivers a change notification to every channel whose
// filter matches the snapshot, in subscription order.
func (h *Hub) PublishChange(ev model.ChangeEvent) {
	if ev.New == nil {
		return
	}
	for _, cb := range h.matching(ev.New) {
		if cb.OnChange != nil {
			cb.OnChange(ev)
		}
	}
}

// PublishPresence delivers a presence event to every channel open under the
// given key.
func (h *Hub) PublishPresence(key string, ev model.PresenceEvent) {
	for _, cb := range h.byKey(key) {
		if cb.OnPresence != nil {
			cb.OnPresence(ev)
		}
	}
}

// EmitStatus delivers a raw status signal to every channel under the key.
// Tests use it to simulate channel errors and timeouts.
func (h *Hub) EmitStatus(key string, status model.ChannelStatus) {
	for _, cb := range h.byKey(key) {
		if cb.OnStatus != nil {
			cb.OnStatus(status)
		}
	}
}

// Tracked returns the presence records announced under a key.
func (h *Hub) Tracked(key string) []model.PresenceRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.PresenceRecord(nil), h.trackedByKey[key]...)
}

// matching snapshots the callbacks outside the lock so delivery cannot
// deadlock against a Subscribe made from inside an engine callback.
func (h *Hub) matching(snap *model.SessionSnapshot) []transport.Callbacks {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []transport.Callbacks
	for _, chans := range h.channels {
		for _, ch := range chans {
			if ch.closed {
				continue
			}
			if ch.filter.SessionID == snap.ID || (ch.filter.UserID != "" && ch.filter.UserID == snap.UserID) {
				out = append(out, ch.cb)
			}
		}
	}
	return out
}

func (h *Hub) byKey(key string) []transport.Callbacks {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []transport.Callbacks
	for _, ch := range h.channels[key] {
		if !ch.closed {
			out = append(out, ch.cb)
		}
	}
	return out
}

func (c *channel) Track(_ context.Context, rec model.PresenceRecord) error {
	c.hub.mu.Lock()
	if c.closed {
		c.hub.mu.Unlock()
		return errors.New("memchan: channel closed")
	}
	rec.LastSeen = time.Now()
	list := c.hub.trackedByKey[c.key]
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
	c.hub.trackedByKey[c.key] = list
	c.hub.mu.Unlock()

	c.hub.PublishPresence(c.key, model.PresenceEvent{
		Kind:    model.PresenceJoin,
		Records: []model.PresenceRecord{rec},
	})
	return nil
}

func (c *channel) Close() error {
	c.hub.mu.Lock()
	if c.closed {
		c.hub.mu.Unlock()
		return nil
	}
	c.closed = true
	chans := c.hub.channels[c.key]
	for i, ch := range chans {
		if ch == c {
			c.hub.channels[c.key] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	delete(c.hub.trackedByKey, c.key)
	c.hub.mu.Unlock()

	if c.cb.OnStatus != nil {
		c.cb.OnStatus(model.StatusClosed)
	}
	return nil
}
