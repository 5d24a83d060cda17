package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/peersync/config"
	"github.com/mossy-p/peersync/internal/models"
)

// Compile-time interface check.
var _ Store = (*RedisStore)(nil)

// RedisStore persists rooms as JSON blobs under "room:<code>" with the
// room TTL applied at key level. Signal appends are GET/SET with no WATCH
// or MULTI; see the Store doc comment for why that race is kept.
type RedisStore struct {
	client    *redis.Client
	signalTTL time.Duration
	roomTTL   time.Duration
}

// NewRedisStore connects to Redis and verifies connectivity. Zero TTLs
// fall back to the defaults.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig, signalTTL, roomTTL time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if signalTTL <= 0 {
		signalTTL = DefaultSignalTTL
	}
	if roomTTL <= 0 {
		roomTTL = DefaultRoomTTL
	}
	return &RedisStore{
		client:    client,
		signalTTL: signalTTL,
		roomTTL:   roomTTL,
	}, nil
}

// Close closes the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func roomKey(code string) string { return "room:" + code }

func (s *RedisStore) CreateRoom(ctx context.Context, room models.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("encoding room: %w", err)
	}
	return s.client.Set(ctx, roomKey(room.Code), data, s.roomTTL).Err()
}

func (s *RedisStore) GetRoom(ctx context.Context, code string) (models.Room, error) {
	data, err := s.client.Get(ctx, roomKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return models.Room{}, ErrRoomNotFound
	}
	if err != nil {
		return models.Room{}, fmt.Errorf("reading room: %w", err)
	}

	var room models.Room
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return models.Room{}, fmt.Errorf("decoding room: %w", err)
	}

	// The key TTL normally handles expiry; the age check also covers
	// records written with a longer TTL by older servers.
	if time.Since(room.CreatedAt) > s.roomTTL {
		s.client.Del(ctx, roomKey(code))
		return models.Room{}, ErrRoomNotFound
	}
	return room, nil
}

func (s *RedisStore) DeleteRoom(ctx context.Context, code string) error {
	return s.client.Del(ctx, roomKey(code)).Err()
}

func (s *RedisStore) AppendSignal(ctx context.Context, code string, sig models.SignalMessage) error {
	room, err := s.GetRoom(ctx, code)
	if err != nil {
		return err
	}

	room.Signals = filterExpired(room.Signals, time.Now(), s.signalTTL)
	room.Signals = append(room.Signals, sig)
	if overflow := len(room.Signals) - maxQueuedSignals; overflow > 0 {
		room.Signals = room.Signals[overflow:]
	}

	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("encoding room: %w", err)
	}
	// KeepTTL preserves the room's remaining lifetime across signal writes.
	return s.client.Set(ctx, roomKey(code), data, redis.KeepTTL).Err()
}

func (s *RedisStore) PollSignals(ctx context.Context, code, peerID string, seen models.Watermark) ([]models.SignalMessage, models.Watermark, error) {
	room, err := s.GetRoom(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	visible, merged := filterForPeer(room.Signals, peerID, seen, time.Now(), s.signalTTL)
	return visible, merged, nil
}
