package models

import (
	"encoding/json"
	"time"
)

// Room is the rendezvous record shared through the signaling store. It is
// created once by the host and read by any peer presenting the code.
type Room struct {
	Code      string          `json:"code"`
	HostID    string          `json:"hostId"`
	CityName  string          `json:"cityName"`
	CreatedAt time.Time       `json:"createdAt"`
	Signals   []SignalMessage `json:"signals,omitempty"`
}

// CreateRoomRequest is the request body for creating a room.
type CreateRoomRequest struct {
	CityName string `json:"cityName" binding:"required"`
	HostID   string `json:"hostId" binding:"required"`
}

// RoomResponse wraps a room for API responses.
type RoomResponse struct {
	Room Room `json:"room"`
}

// PostSignalRequest is the request body for posting a signal.
type PostSignalRequest struct {
	RoomCode string          `json:"roomCode" binding:"required"`
	Type     SignalType      `json:"type" binding:"required"`
	From     string          `json:"from" binding:"required"`
	To       string          `json:"to,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// PollSignalsResponse is the response body for a signal poll.
type PollSignalsResponse struct {
	Signals   []SignalMessage `json:"signals"`
	LastSeen  string          `json:"lastSeen"`
	Timestamp int64           `json:"timestamp"`
}
