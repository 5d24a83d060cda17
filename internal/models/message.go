package models

import (
	"encoding/json"
	"strconv"
)

// SignalType represents the type of rendezvous message carried through
// the signaling store.
type SignalType string

const (
	SignalTypeOffer  SignalType = "offer"
	SignalTypeAnswer SignalType = "answer"
	// SignalTypeCandidate is the legacy individually-sent ICE candidate.
	// Current clients bundle candidates into the offer/answer payload,
	// but bare candidates must still be accepted.
	SignalTypeCandidate SignalType = "ice-candidate"
)

// SignalMessage is one rendezvous message posted to a room's signal queue.
// An empty To means the message is broadcast to the whole room.
type SignalMessage struct {
	Type      SignalType      `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
}

// Identity returns the de-duplication key for this message. Two signals
// from the same peer never share a timestamp in practice.
func (m SignalMessage) Identity() string {
	return m.From + ":" + strconv.FormatInt(m.Timestamp, 10)
}

// AnnounceSentinel is the Type value of AnnouncePayload.
const AnnounceSentinel = "announce"

// AnnouncePayload is the sentinel carried inside a broadcast offer by a
// peer that wants to join but does not yet know who will answer.
type AnnouncePayload struct {
	Type       string `json:"type"`
	PeerID     string `json:"peerId"`
	PlayerName string `json:"playerName,omitempty"`
}

// DescriptionPayload bundles a session description with every network
// candidate gathered so far, so connection setup needs one round-trip.
type DescriptionPayload struct {
	SDPType    string             `json:"sdpType"` // "offer" or "answer"
	SDP        string             `json:"sdp"`
	Candidates []CandidatePayload `json:"candidates,omitempty"`
}

// CandidatePayload mirrors a single ICE candidate on the wire.
type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}
