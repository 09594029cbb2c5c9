// Package transport defines the change-notification channel abstraction the
// sync engine consumes. Adapters (Redis pub/sub in production, an in-process
// hub for tests) implement it; the engine never sees transport wire formats.
package transport

import (
	"context"

	"examsync/internal/model"
)

// Filter selects which sessions a channel delivers. Exactly one field is
// set: SessionID for a single attempt, UserID for all of a user's attempts.
type Filter struct {
	SessionID string
	UserID    string
}

// Callbacks receive everything a channel delivers. They are invoked from the
// transport's receive goroutine, in arrival order per channel.
type Callbacks struct {
	OnChange   func(model.ChangeEvent)
	OnPresence func(model.PresenceEvent)
	OnStatus   func(model.ChannelStatus)
}

// Channel is one open logical subscription.
type Channel interface {
	// Track announces the local observer's presence on the channel.
	Track(ctx context.Context, rec model.PresenceRecord) error
	// Close tears the channel down; the transport emits StatusClosed.
	Close() error
}

// Transport opens filtered change-notification channels.
type Transport interface {
	Subscribe(ctx context.Context, key string, filter Filter, cb Callbacks) (Channel, error)
}
