package store

import (
	"context"
	"sync"
	"time"

	"github.com/mossy-p/peersync/internal/models"
)

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// MemStore is an in-process Store for tests and single-node deployments
// without Redis. Each operation is individually atomic, but AppendSignal
// keeps the same read-modify-write sequence as the Redis implementation,
// so concurrent appenders carry the same lossy-overwrite property.
type MemStore struct {
	mu    sync.Mutex
	rooms map[string]models.Room

	signalTTL time.Duration
	roomTTL   time.Duration

	// now is injectable so TTL behavior is testable.
	now func() time.Time
}

// NewMemStore creates an empty in-memory store with default TTLs.
func NewMemStore() *MemStore {
	return &MemStore{
		rooms:     make(map[string]models.Room),
		signalTTL: DefaultSignalTTL,
		roomTTL:   DefaultRoomTTL,
		now:       time.Now,
	}
}

// SetClock overrides the store's time source. Test use only.
func (s *MemStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemStore) CreateRoom(_ context.Context, room models.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.Code] = room
	return nil
}

func (s *MemStore) GetRoom(_ context.Context, code string) (models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getRoomLocked(code)
}

func (s *MemStore) getRoomLocked(code string) (models.Room, error) {
	room, ok := s.rooms[code]
	if !ok {
		return models.Room{}, ErrRoomNotFound
	}
	if s.now().Sub(room.CreatedAt) > s.roomTTL {
		delete(s.rooms, code)
		return models.Room{}, ErrRoomNotFound
	}
	// Return a copy so callers never alias the stored slice.
	room.Signals = append([]models.SignalMessage(nil), room.Signals...)
	return room, nil
}

func (s *MemStore) DeleteRoom(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, code)
	return nil
}

func (s *MemStore) AppendSignal(ctx context.Context, code string, sig models.SignalMessage) error {
	// Read, filter, append, write back. Deliberately not a single
	// critical section, matching the store's documented race.
	room, err := s.GetRoom(ctx, code)
	if err != nil {
		return err
	}

	room.Signals = filterExpired(room.Signals, s.clock(), s.signalTTL)
	room.Signals = append(room.Signals, sig)
	if overflow := len(room.Signals) - maxQueuedSignals; overflow > 0 {
		room.Signals = room.Signals[overflow:]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[code]; !ok {
		return ErrRoomNotFound
	}
	s.rooms[code] = room
	return nil
}

func (s *MemStore) PollSignals(ctx context.Context, code, peerID string, seen models.Watermark) ([]models.SignalMessage, models.Watermark, error) {
	room, err := s.GetRoom(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	visible, merged := filterForPeer(room.Signals, peerID, seen, s.clock(), s.signalTTL)
	return visible, merged, nil
}

func (s *MemStore) clock() time.Time {
	s.mu.Lock()
	now := s.now
	s.mu.Unlock()
	return now()
}
