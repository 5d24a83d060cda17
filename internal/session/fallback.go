package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// fallbackTransport is the terminal transport tier: a same-origin
// websocket relay through the signal store, used where direct peer
// discovery is known to fail (same-machine tabs on a loopback host).
// Every wire envelope that would flow over a data channel flows here
// instead when the fallback is active.
type fallbackTransport struct {
	conn      *websocket.Conn
	send      chan []byte
	onMessage func([]byte)
	logger    *slog.Logger

	closed    chan struct{}
	closeOnce sync.Once
}

// dialFallback connects the relay channel for a room.
func dialFallback(ctx context.Context, baseURL, roomCode, peerID string, onMessage func([]byte), logger *slog.Logger) (*fallbackTransport, error) {
	wsURL, err := relayURL(baseURL, roomCode, peerID)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing fallback relay: %w", err)
	}

	ft := &fallbackTransport{
		conn:      conn,
		send:      make(chan []byte, 256),
		onMessage: onMessage,
		logger:    logger,
		closed:    make(chan struct{}),
	}
	go ft.readPump()
	go ft.writePump()
	return ft, nil
}

// relayURL converts the store's HTTP base URL into the relay endpoint.
func relayURL(baseURL, roomCode, peerID string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing store URL: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws/" + roomCode
	parsed.RawQuery = url.Values{"peerId": {peerID}}.Encode()
	return parsed.String(), nil
}

// Send queues one frame for the relay. Frames are dropped once closed.
func (ft *fallbackTransport) Send(frame []byte) error {
	select {
	case <-ft.closed:
		return fmt.Errorf("fallback transport closed")
	case ft.send <- frame:
		return nil
	default:
		return fmt.Errorf("fallback send buffer full")
	}
}

// Close tears the relay down. Idempotent.
func (ft *fallbackTransport) Close() {
	ft.closeOnce.Do(func() {
		close(ft.closed)
		ft.conn.Close()
	})
}

func (ft *fallbackTransport) readPump() {
	defer ft.Close()

	ft.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	ft.conn.SetPongHandler(func(string) error {
		ft.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, frame, err := ft.conn.ReadMessage()
		if err != nil {
			select {
			case <-ft.closed:
			default:
				ft.logger.Warn("fallback relay read failed", "error", err)
			}
			return
		}
		ft.onMessage(frame)
	}
}

func (ft *fallbackTransport) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		ft.conn.Close()
	}()

	for {
		select {
		case <-ft.closed:
			return
		case frame := <-ft.send:
			ft.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ft.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				ft.logger.Warn("fallback relay write failed", "error", err)
				return
			}
		case <-ticker.C:
			ft.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ft.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
