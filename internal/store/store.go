package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/mossy-p/peersync/internal/models"
)

// ErrRoomNotFound is returned when a room is absent or has expired.
var ErrRoomNotFound = errors.New("room not found")

const (
	// DefaultSignalTTL is how long a posted signal stays readable.
	DefaultSignalTTL = 30 * time.Second
	// DefaultRoomTTL bounds the age of a room record.
	DefaultRoomTTL = 2 * time.Hour
	// maxQueuedSignals bounds a room's signal queue; the oldest entries
	// are dropped first.
	maxQueuedSignals = 200
)

// Store persists rooms and their bounded signal queues.
//
// AppendSignal is an unsynchronized read-modify-write: a concurrent writer
// can overwrite a just-appended signal. That race is accepted, since
// signals are retried on the next poll cycle and consumption is idempotent
// once a direct channel exists. Implementations must not add
// compare-and-swap synchronization the clients do not rely on.
type Store interface {
	CreateRoom(ctx context.Context, room models.Room) error
	GetRoom(ctx context.Context, code string) (models.Room, error)
	DeleteRoom(ctx context.Context, code string) error
	AppendSignal(ctx context.Context, code string, sig models.SignalMessage) error
	// PollSignals returns the signals visible to peerID (addressed to it
	// or broadcast, not expired, not already consumed) sorted by
	// timestamp, together with the merged watermark.
	PollSignals(ctx context.Context, code, peerID string, seen models.Watermark) ([]models.SignalMessage, models.Watermark, error)
}

// filterExpired drops signals whose own TTL has lapsed.
func filterExpired(signals []models.SignalMessage, now time.Time, ttl time.Duration) []models.SignalMessage {
	cutoff := now.Add(-ttl).UnixMilli()
	kept := signals[:0:0]
	for _, sig := range signals {
		if sig.Timestamp >= cutoff {
			kept = append(kept, sig)
		}
	}
	return kept
}

// filterForPeer selects the signals a polling peer should see and merges
// their identities into the returned watermark.
func filterForPeer(signals []models.SignalMessage, peerID string, seen models.Watermark, now time.Time, ttl time.Duration) ([]models.SignalMessage, models.Watermark) {
	merged := seen.Clone()
	var visible []models.SignalMessage
	for _, sig := range filterExpired(signals, now, ttl) {
		if sig.From == peerID {
			continue
		}
		if sig.To != "" && sig.To != peerID {
			continue
		}
		if merged.Contains(sig.Identity()) {
			continue
		}
		merged.Add(sig.Identity())
		visible = append(visible, sig)
	}
	sort.Slice(visible, func(i, j int) bool {
		return visible[i].Timestamp < visible[j].Timestamp
	})
	return visible, merged
}
