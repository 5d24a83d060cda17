package main

import (
	"context"
	"log"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/peersync/config"
	"github.com/mossy-p/peersync/internal/handlers"
	"github.com/mossy-p/peersync/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Connect to Redis
	st, err := store.NewRedisStore(context.Background(), cfg.Redis, cfg.SignalTTL, cfg.RoomTTL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer st.Close()

	log.Println("Redis connection established")

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := handlers.Router(st, handlers.NewRelayHub(), cfg.JWTSecret, cfg.AllowedOrigins)

	// Start server
	log.Printf("Starting signal store on port %s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
