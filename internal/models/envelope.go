package models

import (
	"encoding/json"
	"fmt"
)

// EnvelopeType discriminates data-channel wire messages.
type EnvelopeType string

const (
	// EnvelopeSync carries a full encoded document snapshot.
	EnvelopeSync EnvelopeType = "sync"
	// EnvelopeUpdate carries newly appended log entries.
	EnvelopeUpdate EnvelopeType = "update"
	// EnvelopeAwareness carries one peer's presence record.
	EnvelopeAwareness EnvelopeType = "awareness"
	// EnvelopeStateRequest asks the host for its in-memory game state.
	EnvelopeStateRequest EnvelopeType = "state-request"
	// EnvelopeStateSync answers a state request with the host's snapshot.
	EnvelopeStateSync EnvelopeType = "state-sync"
)

// Envelope is the transport-agnostic wire frame exchanged over data
// channels and the fallback transport alike.
type Envelope struct {
	Type EnvelopeType    `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseEnvelope decodes and validates a wire frame. Unknown types are
// rejected rather than guessed at.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	switch env.Type {
	case EnvelopeSync, EnvelopeUpdate, EnvelopeAwareness, EnvelopeStateRequest, EnvelopeStateSync:
		return env, nil
	default:
		return Envelope{}, fmt.Errorf("unknown envelope type %q", env.Type)
	}
}

// MarshalEnvelope encodes a wire frame around the given data payload.
func MarshalEnvelope(typ EnvelopeType, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding envelope data: %w", err)
		}
		raw = encoded
	}
	return json.Marshal(Envelope{Type: typ, Data: raw})
}
