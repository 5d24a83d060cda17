package session

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/mossy-p/peersync/internal/models"
)

const (
	// batchWindow is how long placement actions accumulate before a flush.
	batchWindow = 100 * time.Millisecond
	// batchLimit forces a flush once this many placements are buffered.
	batchLimit = 500
	// dedupWindow absorbs accidental double-fires of immediate actions
	// from UI event handlers.
	dedupWindow = 100 * time.Millisecond
)

// Batcher coalesces bursts of placement actions (drag-painting) into one
// placeBatch, and passes everything else through immediately with a short
// de-duplication window.
type Batcher struct {
	emit func(models.GameAction)

	mu        sync.Mutex
	pending   []models.GameAction
	timer     *time.Timer
	lastType  models.ActionType
	lastBytes []byte
	lastAt    time.Time
	destroyed bool
}

// NewBatcher creates a batcher that hands flushed actions to emit.
func NewBatcher(emit func(models.GameAction)) *Batcher {
	return &Batcher{emit: emit}
}

// Dispatch routes one locally-originated action. Placements buffer;
// everything else flushes the buffer (preserving order) and goes out
// immediately.
func (b *Batcher) Dispatch(action models.GameAction) {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}

	if action.Type == models.ActionPlace {
		b.pending = append(b.pending, action)
		if len(b.pending) >= batchLimit {
			flushed := b.takePendingLocked()
			b.mu.Unlock()
			b.emitBatch(flushed)
			return
		}
		if b.timer == nil {
			b.timer = time.AfterFunc(batchWindow, b.flushTimer)
		}
		b.mu.Unlock()
		return
	}

	// Immediate path: drop an identical dispatch fired within the window.
	now := time.Now()
	if action.Type == b.lastType &&
		now.Sub(b.lastAt) < dedupWindow &&
		bytes.Equal(action.Payload, b.lastBytes) {
		b.mu.Unlock()
		return
	}
	b.lastType = action.Type
	b.lastBytes = append([]byte(nil), action.Payload...)
	b.lastAt = now

	// Buffered placements must not be overtaken by the immediate action.
	flushed := b.takePendingLocked()
	b.mu.Unlock()

	b.emitBatch(flushed)
	b.emit(action)
}

// Flush forces out any buffered placements. Called on transport
// disconnect and on controller destroy.
func (b *Batcher) Flush() {
	b.mu.Lock()
	flushed := b.takePendingLocked()
	b.mu.Unlock()
	b.emitBatch(flushed)
}

// Destroy flushes and stops the batcher permanently.
func (b *Batcher) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	flushed := b.takePendingLocked()
	b.mu.Unlock()
	b.emitBatch(flushed)
}

func (b *Batcher) flushTimer() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	flushed := b.takePendingLocked()
	b.mu.Unlock()
	b.emitBatch(flushed)
}

// takePendingLocked detaches the buffer and clears the flush timer.
func (b *Batcher) takePendingLocked() []models.GameAction {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	flushed := b.pending
	b.pending = nil
	return flushed
}

// emitBatch sends one buffered placement as-is, or folds several into a
// single placeBatch preserving dispatch order.
func (b *Batcher) emitBatch(actions []models.GameAction) {
	switch len(actions) {
	case 0:
		return
	case 1:
		b.emit(actions[0])
	default:
		placements := make([]json.RawMessage, 0, len(actions))
		for _, a := range actions {
			placements = append(placements, a.Payload)
		}
		payload, err := json.Marshal(models.PlaceBatchPayload{Placements: placements})
		if err != nil {
			// Payloads were valid JSON on the way in; keep the actions
			// by emitting them individually.
			for _, a := range actions {
				b.emit(a)
			}
			return
		}
		b.emit(models.GameAction{
			Type:      models.ActionPlaceBatch,
			PeerID:    actions[0].PeerID,
			Timestamp: time.Now().UnixMilli(),
			Payload:   payload,
		})
	}
}
