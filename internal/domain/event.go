package domain

import "encoding/json"

// Event is a single gameplay event submitted by a client.
// Timestamp is epoch milliseconds as produced by the client clock.
type Event struct {
	CharacterID string          `json:"characterId,omitempty"`
	EventType   string          `json:"eventType"`
	Timestamp   int64           `json:"timestamp"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// DefaultRefreshEventType is the event type that asks the model worker to
// recompute a character's view model.
const DefaultRefreshEventType = "_RefreshModel"

// Validation constraints
const (
	MaxEventTypeLen = 128
	MaxBatchEvents  = 1000
)
