// Package redischan implements the change-notification Transport over Redis
// Pub/Sub. The authoritative store publishes one JSON envelope per change to
// a session channel and a user channel; presence announcements ride the same
// channels, with a per-subscription hash holding the authoritative presence
// set.
package redischan

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"examsync/internal/model"
	"examsync/internal/transport"
)

const (
	sessionChannelPrefix = "examsync.session."
	userChannelPrefix    = "examsync.user."
	presenceKeyPrefix    = "examsync.presence."
	presenceTTL          = 90 * time.Second
)

type envelope struct {
	Type     string           `json:"type"` // change | presence
	Change   *changePayload   `json:"change,omitempty"`
	Presence *presencePayload `json:"presence,omitempty"`
}

type changePayload struct {
	Kind model.EventKind        `json:"kind"`
	New  *model.SessionSnapshot `json:"new"`
	Old  *model.SessionSnapshot `json:"old,omitempty"`
}

type presencePayload struct {
	Kind    model.PresenceEventKind `json:"kind"`
	Records []model.PresenceRecord  `json:"records"`
}

// Transport opens Redis-backed channels.
type Transport struct {
	client *redis.Client
}

// New creates a Transport over an existing Redis client.
func New(client *redis.Client) *Transport {
	return &Transport{client: client}
}

type channel struct {
	t      *Transport
	key    string
	name   string
	pubsub *redis.PubSub
	cb     transport.Callbacks

	mu      sync.Mutex
	closed  bool
	tracked string // userID last announced by Track
}

func channelName(f transport.Filter) (string, error) {
	switch {
	case f.SessionID != "":
		return sessionChannelPrefix + f.SessionID, nil
	case f.UserID != "":
		return userChannelPrefix + f.UserID, nil
	}
	return "", fmt.Errorf("redischan: filter selects nothing")
}

func (t *Transport) Subscribe(ctx context.Context, key string, filter transport.Filter, cb transport.Callbacks) (transport.Channel, error) {
	name, err := channelName(filter)
	if err != nil {
		return nil, err
	}

	pubsub := t.client.Subscribe(ctx, name)
	// Wait for the subscription confirmation so a dead Redis fails fast.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redischan: subscribe %s: %w", name, err)
	}

	ch := &channel{t: t, key: key, name: name, pubsub: pubsub, cb: cb}

	if cb.OnStatus != nil {
		cb.OnStatus(model.StatusSubscribed)
	}
	ch.emitPresenceSync(ctx)

	go ch.receive()
	return ch, nil
}

// emitPresenceSync reads the authoritative presence hash and delivers it as
// a sync event, so new subscribers start from the trusted membership list.
func (c *channel) emitPresenceSync(ctx context.Context) {
	if c.cb.OnPresence == nil {
		return
	}
	entries, err := c.t.client.HGetAll(ctx, presenceKeyPrefix+c.key).Result()
	if err != nil {
		log.Printf("redischan: presence sync for %s failed: %v", c.key, err)
		return
	}
	records := make([]model.PresenceRecord, 0, len(entries))
	for _, raw := range entries {
		var rec model.PresenceRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	c.cb.OnPresence(model.PresenceEvent{Kind: model.PresenceSync, Records: records})
}

func (c *channel) receive() {
	for msg := range c.pubsub.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			log.Printf("redischan: bad payload on %s: %v", c.name, err)
			continue
		}
		switch env.Type {
		case "change":
			if env.Change != nil && env.Change.New != nil && c.cb.OnChange != nil {
				c.cb.OnChange(model.ChangeEvent{
					Kind: env.Change.Kind,
					New:  env.Change.New,
					Old:  env.Change.Old,
				})
			}
		case "presence":
			if env.Presence != nil && c.cb.OnPresence != nil {
				c.cb.OnPresence(model.PresenceEvent{
					Kind:    env.Presence.Kind,
					Records: env.Presence.Records,
				})
			}
		}
	}

	// The message channel only closes when the PubSub is closed: either an
	// intentional Close (CLOSED already emitted) or a dead connection.
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed && c.cb.OnStatus != nil {
		c.cb.OnStatus(model.StatusChannelError)
	}
}

func (c *channel) Track(ctx context.Context, rec model.PresenceRecord) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("redischan: channel closed")
	}
	c.tracked = rec.UserID
	c.mu.Unlock()

	rec.LastSeen = time.Now()
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	hashKey := presenceKeyPrefix + c.key
	pipe := c.t.client.TxPipeline()
	pipe.HSet(ctx, hashKey, rec.UserID, raw)
	pipe.Expire(ctx, hashKey, presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return c.publishPresence(ctx, model.PresenceJoin, rec)
}

func (c *channel) publishPresence(ctx context.Context, kind model.PresenceEventKind, rec model.PresenceRecord) error {
	raw, err := json.Marshal(envelope{
		Type: "presence",
		Presence: &presencePayload{
			Kind:    kind,
			Records: []model.PresenceRecord{rec},
		},
	})
	if err != nil {
		return err
	}
	return c.t.client.Publish(ctx, c.name, raw).Err()
}

func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tracked := c.tracked
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if tracked != "" {
		c.t.client.HDel(ctx, presenceKeyPrefix+c.key, tracked)
		rec := model.PresenceRecord{
			UserID:   tracked,
			Status:   model.PresenceDisconnected,
			LastSeen: time.Now(),
		}
		if err := c.publishPresence(ctx, model.PresenceLeave, rec); err != nil {
			log.Printf("redischan: leave publish for %s failed: %v", c.key, err)
		}
	}

	err := c.pubsub.Close()
	if c.cb.OnStatus != nil {
		c.cb.OnStatus(model.StatusClosed)
	}
	return err
}

// PublishChange publishes a change notification for a session to both its
// session channel and its owner's user channel. The authoritative store
// side calls this after every write.
func (t *Transport) PublishChange(ctx context.Context, ev model.ChangeEvent) error {
	if ev.New == nil {
		return fmt.Errorf("redischan: change event without new snapshot")
	}
	raw, err := json.Marshal(envelope{
		Type: "change",
		Change: &changePayload{
			Kind: ev.Kind,
			New:  ev.New,
			Old:  ev.Old,
		},
	})
	if err != nil {
		return err
	}

	pipe := t.client.Pipeline()
	pipe.Publish(ctx, sessionChannelPrefix+ev.New.ID, raw)
	if ev.New.UserID != "" {
		pipe.Publish(ctx, userChannelPrefix+ev.New.UserID, raw)
	}
	_, err = pipe.Exec(ctx)
	return err
}
