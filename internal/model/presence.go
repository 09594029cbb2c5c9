package model

import "time"

type PresenceStatus string

const (
	PresenceActive       PresenceStatus = "active"
	PresenceIdle         PresenceStatus = "idle"
	PresenceDisconnected PresenceStatus = "disconnected"
)

// PresenceRecord is one observer's liveness for one session channel. Records
// live only as long as the subscription that produced them; the backend's
// timeout policy decides when a silent observer becomes disconnected.
type PresenceRecord struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"lastSeen"`
	Device   string         `json:"device,omitempty"`
}
