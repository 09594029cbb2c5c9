package model

// EventKind is the change-notification type delivered by the transport.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
)

// ChangeEvent is the validated shape of one change notification. The raw
// transport payload is coerced into this once at the channel boundary so the
// rest of the engine works with a closed type.
type ChangeEvent struct {
	Kind EventKind
	New  *SessionSnapshot
	Old  *SessionSnapshot
}

// ChannelStatus mirrors the transport's subscription lifecycle signals.
type ChannelStatus string

const (
	StatusSubscribed   ChannelStatus = "SUBSCRIBED"
	StatusChannelError ChannelStatus = "CHANNEL_ERROR"
	StatusTimedOut     ChannelStatus = "TIMED_OUT"
	StatusClosed       ChannelStatus = "CLOSED"
)

// PresenceEventKind distinguishes the presence sub-protocol callbacks.
type PresenceEventKind string

const (
	PresenceSync  PresenceEventKind = "sync"
	PresenceJoin  PresenceEventKind = "join"
	PresenceLeave PresenceEventKind = "leave"
)

// PresenceEvent carries presence membership changes for one channel. Sync
// events carry the full authoritative list; join and leave are incremental.
type PresenceEvent struct {
	Kind    PresenceEventKind
	Records []PresenceRecord
}
