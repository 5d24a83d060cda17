package models

import "encoding/json"

// ActionType discriminates the game actions flowing through the replicated
// log. The sync core routes actions; it never interprets their payloads.
type ActionType string

const (
	ActionPlace              ActionType = "place"
	ActionPlaceBatch         ActionType = "placeBatch"
	ActionBulldoze           ActionType = "bulldoze"
	ActionSetSpeed           ActionType = "setSpeed"
	ActionSetParkSettings    ActionType = "setParkSettings"
	ActionCoasterStartBuild  ActionType = "coasterStartBuild"
	ActionCoasterFinishBuild ActionType = "coasterFinishBuild"
	ActionCoasterCancelBuild ActionType = "coasterCancelBuild"
	ActionFullState          ActionType = "fullState"
)

// GameAction is one entry in the replicated action log. PeerID identifies
// the originating replica; Timestamp is unix milliseconds at dispatch.
type GameAction struct {
	Type      ActionType      `json:"type"`
	PeerID    string          `json:"peerId"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// PlaceBatchPayload is the payload of a coalesced placeBatch action. The
// placements preserve the original dispatch order.
type PlaceBatchPayload struct {
	Placements []json.RawMessage `json:"placements"`
}
