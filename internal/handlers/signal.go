package handlers

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/peersync/internal/metrics"
	"github.com/mossy-p/peersync/internal/models"
	"github.com/mossy-p/peersync/internal/store"
)

// PostSignal appends one rendezvous message to a room's signal queue.
func PostSignal(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.PostSignalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		switch req.Type {
		case models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeCandidate:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown signal type"})
			return
		}

		sig := models.SignalMessage{
			Type:      req.Type,
			From:      req.From,
			To:        req.To,
			Payload:   req.Payload,
			Timestamp: time.Now().UnixMilli(),
		}

		err := st.AppendSignal(c.Request.Context(), req.RoomCode, sig)
		if errors.Is(err, store.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		if err != nil {
			log.Printf("Failed to append signal to room %s: %v", req.RoomCode, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store signal"})
			return
		}

		metrics.SignalsPosted.Inc()
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// PollSignals returns the signals a peer has not yet consumed, along with
// the merged lastSeen watermark the peer should present next time.
func PollSignals(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomCode := c.Query("roomCode")
		peerID := c.Query("peerId")
		if roomCode == "" || peerID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "roomCode and peerId are required"})
			return
		}

		seen := models.ParseWatermark(c.Query("lastSeen"))

		signals, merged, err := st.PollSignals(c.Request.Context(), roomCode, peerID, seen)
		if errors.Is(err, store.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		if err != nil {
			log.Printf("Failed to poll signals for room %s: %v", roomCode, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to poll signals"})
			return
		}

		metrics.SignalsPolled.Add(float64(len(signals)))
		if signals == nil {
			signals = []models.SignalMessage{}
		}
		c.JSON(http.StatusOK, models.PollSignalsResponse{
			Signals:   signals,
			LastSeen:  merged.Encode(),
			Timestamp: time.Now().UnixMilli(),
		})
	}
}
