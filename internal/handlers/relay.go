package handlers

import (
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/peersync/internal/metrics"
	"github.com/mossy-p/peersync/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// RelayHub tracks the peers attached to each room's relay channel. It is
// the server half of the fallback transport: every frame a peer sends is
// broadcast verbatim to the other peers in the same room.
type RelayHub struct {
	mu    sync.RWMutex
	rooms map[string]*relayRoom
}

// NewRelayHub creates an empty hub.
func NewRelayHub() *RelayHub {
	return &RelayHub{rooms: make(map[string]*relayRoom)}
}

type relayRoom struct {
	code  string
	mu    sync.RWMutex
	peers map[string]*relayClient
}

type relayClient struct {
	id   string
	room string
	conn *websocket.Conn
	send chan []byte
}

// HandleRelay upgrades the connection and joins the peer to its room's
// relay channel.
func HandleRelay(hub *RelayHub, st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomCode := c.Param("roomCode")
		if roomCode == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "roomCode is required"})
			return
		}

		// The room must exist in the store before anyone can relay.
		if _, err := st.GetRoom(c.Request.Context(), roomCode); err != nil {
			if errors.Is(err, store.ErrRoomNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read room"})
			return
		}

		peerID := c.Query("peerId")
		if peerID == "" {
			peerID = uuid.New().String()
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("Failed to upgrade connection: %v", err)
			return
		}

		client := &relayClient{
			id:   peerID,
			room: roomCode,
			conn: conn,
			send: make(chan []byte, 256),
		}

		room := hub.getOrCreateRoom(roomCode)
		room.addClient(client)
		log.Printf("Peer %s attached to relay for room %s", peerID, roomCode)

		go client.writePump()
		go client.readPump(hub, room)
	}
}

func (h *RelayHub) getOrCreateRoom(code string) *relayRoom {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, exists := h.rooms[code]
	if !exists {
		room = &relayRoom{code: code, peers: make(map[string]*relayClient)}
		h.rooms[code] = room
	}
	return room
}

func (h *RelayHub) dropIfEmpty(room *relayRoom) {
	room.mu.RLock()
	empty := len(room.peers) == 0
	room.mu.RUnlock()
	if !empty {
		return
	}
	h.mu.Lock()
	if current, ok := h.rooms[room.code]; ok && current == room {
		delete(h.rooms, room.code)
	}
	h.mu.Unlock()
}

func (r *relayRoom) addClient(client *relayClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[client.id] = client
}

func (r *relayRoom) removeClient(client *relayClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, client.id)
}

// broadcast fans a frame out to every peer except the sender.
func (r *relayRoom) broadcast(frame []byte, excludePeerID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for peerID, client := range r.peers {
		if peerID == excludePeerID {
			continue
		}
		select {
		case client.send <- frame:
		default:
			log.Printf("Failed to relay to peer %s, buffer full", peerID)
		}
	}
}

func (c *relayClient) readPump(hub *RelayHub, room *relayRoom) {
	defer func() {
		room.removeClient(c)
		hub.dropIfEmpty(room)
		c.conn.Close()
		log.Printf("Peer %s detached from relay for room %s", c.id, c.room)
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Relay websocket error: %v", err)
			}
			break
		}
		// Frames are opaque to the relay; routing happens client-side.
		metrics.RelayMessages.Inc()
		room.broadcast(frame, c.id)
	}
}

func (c *relayClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Printf("Failed to write relay frame: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
