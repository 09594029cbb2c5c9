package model

import "time"

type CollisionKind string

const (
	CollisionConcurrentUpdate CollisionKind = "concurrent_update"
	CollisionStateMismatch    CollisionKind = "state_mismatch"
	CollisionResponseConflict CollisionKind = "response_conflict"
)

// CollisionRecord is a heuristically detected anomaly between two observed
// snapshots of the same session. Diagnostic only; never blocks an update.
type CollisionRecord struct {
	Kind              CollisionKind `json:"kind"`
	SessionID         string        `json:"sessionId"`
	IncomingState     SessionState  `json:"incomingState"`
	CachedState       SessionState  `json:"cachedState"`
	IncomingUpdatedAt time.Time     `json:"incomingUpdatedAt"`
	CachedUpdatedAt   time.Time     `json:"cachedUpdatedAt"`
	IncomingResponses int           `json:"incomingResponses"`
	CachedResponses   int           `json:"cachedResponses"`
	DetectedAt        time.Time     `json:"detectedAt"`
}
