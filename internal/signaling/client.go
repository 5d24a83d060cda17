// Package signaling implements the client side of the rendezvous store:
// posting short-lived signals into a room and polling them back out with
// a lastSeen watermark.
package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/mossy-p/peersync/internal/models"
)

// roomRetryDelay spaces out host-side room-existence checks that absorb
// store propagation latency.
const roomRetryDelay = 500 * time.Millisecond

// ErrRoomNotFound mirrors the store's 404 for absent or expired rooms.
var ErrRoomNotFound = fmt.Errorf("room not found")

// CreateRoom asks the store to allocate a room for a session host.
func CreateRoom(ctx context.Context, baseURL, cityName, hostID string) (models.Room, error) {
	body, err := json.Marshal(models.CreateRoomRequest{CityName: cityName, HostID: hostID})
	if err != nil {
		return models.Room{}, fmt.Errorf("encoding room request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/room", bytes.NewReader(body))
	if err != nil {
		return models.Room{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp models.RoomResponse
	if err := doJSON(req, &resp); err != nil {
		return models.Room{}, fmt.Errorf("creating room: %w", err)
	}
	return resp.Room, nil
}

// FetchRoom reads a room by code. Returns ErrRoomNotFound for absent or
// expired rooms.
func FetchRoom(ctx context.Context, baseURL, code string) (models.Room, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/room?code="+url.QueryEscape(code), nil)
	if err != nil {
		return models.Room{}, err
	}

	var resp models.RoomResponse
	if err := doJSON(req, &resp); err != nil {
		return models.Room{}, err
	}
	return resp.Room, nil
}

// Client posts and polls signals for one peer in one room. The lastSeen
// watermark advances monotonically; a consumed signal is never returned
// twice.
type Client struct {
	baseURL  string
	roomCode string
	peerID   string
	http     *http.Client
	logger   *slog.Logger

	mu   sync.Mutex
	seen models.Watermark
}

// NewClient binds a signaling client to (store, room, peer).
func NewClient(baseURL, roomCode, peerID string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		roomCode: roomCode,
		peerID:   peerID,
		http:     &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		seen:     make(models.Watermark),
	}
}

// PeerID returns the peer identity this client signs signals with.
func (c *Client) PeerID() string { return c.peerID }

// RoomCode returns the room this client is bound to.
func (c *Client) RoomCode() string { return c.roomCode }

// EnsureRoom retries a room-existence check a few times before polling
// starts, absorbing store propagation latency after room creation.
func (c *Client) EnsureRoom(ctx context.Context, attempts int) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if _, err := FetchRoom(ctx, c.baseURL, c.roomCode); err == nil {
			return nil
		} else {
			lastErr = err
			c.logger.Debug("room not yet readable", "room", c.roomCode, "attempt", i+1, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(roomRetryDelay):
		}
	}
	return fmt.Errorf("room %s not readable after %d attempts: %w", c.roomCode, attempts, lastErr)
}

// Announce broadcasts this peer's existence to the room. The payload is a
// sentinel carried in an offer, since the announcing peer does not yet
// know who will answer.
func (c *Client) Announce(ctx context.Context, playerName string) error {
	return c.Post(ctx, models.SignalTypeOffer, models.AnnouncePayload{
		Type:       models.AnnounceSentinel,
		PeerID:     c.peerID,
		PlayerName: playerName,
	}, "")
}

// Post sends one signal. An empty to broadcasts to the room.
func (c *Client) Post(ctx context.Context, typ models.SignalType, payload any, to string) error {
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding signal payload: %w", err)
	}

	body, err := json.Marshal(models.PostSignalRequest{
		RoomCode: c.roomCode,
		Type:     typ,
		From:     c.peerID,
		To:       to,
		Payload:  rawPayload,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/signal", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp struct {
		Success bool `json:"success"`
	}
	if err := c.doJSON(req, &resp); err != nil {
		return fmt.Errorf("posting %s signal: %w", typ, err)
	}
	return nil
}

// Poll fetches all signals not yet consumed by this peer, sorted by
// timestamp, and folds their identities into the watermark.
func (c *Client) Poll(ctx context.Context) ([]models.SignalMessage, error) {
	c.mu.Lock()
	lastSeen := c.seen.Encode()
	c.mu.Unlock()

	query := url.Values{
		"roomCode": {c.roomCode},
		"peerId":   {c.peerID},
		"lastSeen": {lastSeen},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/signal?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var resp models.PollSignalsResponse
	if err := c.doJSON(req, &resp); err != nil {
		return nil, fmt.Errorf("polling signals: %w", err)
	}

	c.mu.Lock()
	c.seen = models.ParseWatermark(resp.LastSeen)
	c.mu.Unlock()

	return resp.Signals, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	return doJSONWith(c.http, req, out)
}

func doJSON(req *http.Request, out any) error {
	return doJSONWith(&http.Client{Timeout: 10 * time.Second}, req, out)
}

func doJSONWith(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrRoomNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("store returned %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
