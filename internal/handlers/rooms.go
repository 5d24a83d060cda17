package handlers

import (
	"crypto/rand"
	"errors"
	"log"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/peersync/internal/metrics"
	"github.com/mossy-p/peersync/internal/models"
	"github.com/mossy-p/peersync/internal/store"
)

const (
	roomCodeLength = 5
	codeChars      = "ABCDEFGHJKMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
	// codeRetries bounds collision regeneration attempts.
	codeRetries = 10
)

// CreateRoom creates a new room for a session host.
func CreateRoom(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.CreateRoomRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx := c.Request.Context()

		// Generate a code, regenerating on collision.
		var code string
		for attempt := 0; attempt < codeRetries; attempt++ {
			candidate := generateRoomCode()
			if _, err := st.GetRoom(ctx, candidate); errors.Is(err, store.ErrRoomNotFound) {
				code = candidate
				break
			}
		}
		if code == "" {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to allocate room code"})
			return
		}

		room := models.Room{
			Code:      code,
			HostID:    req.HostID,
			CityName:  req.CityName,
			CreatedAt: time.Now(),
		}
		if err := st.CreateRoom(ctx, room); err != nil {
			log.Printf("Failed to store room: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
			return
		}

		metrics.RoomsCreated.Inc()
		log.Printf("Room created: %s (%s) by host %s", room.Code, room.CityName, room.HostID)

		c.JSON(http.StatusCreated, models.RoomResponse{Room: room})
	}
}

// GetRoom returns a room by code, or 404 if absent or expired.
func GetRoom(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		code := c.Query("code")
		if code == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
			return
		}

		room, err := st.GetRoom(c.Request.Context(), code)
		if errors.Is(err, store.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		if err != nil {
			log.Printf("Failed to read room %s: %v", code, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read room"})
			return
		}

		// Signal queues are internal to the store; clients poll /signal.
		room.Signals = nil
		c.JSON(http.StatusOK, models.RoomResponse{Room: room})
	}
}

// DeleteRoom deletes a room (requires authentication and host identity).
func DeleteRoom(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, exists := c.Get("user_id")
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		code := c.Param("code")
		ctx := c.Request.Context()

		room, err := st.GetRoom(ctx, code)
		if errors.Is(err, store.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read room"})
			return
		}

		if room.HostID != userID.(string) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Only the room host can delete the room"})
			return
		}

		if err := st.DeleteRoom(ctx, code); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
			return
		}

		log.Printf("Room deleted: %s by host %s", code, userID)
		c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
	}
}

// generateRoomCode generates a random room code
func generateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
