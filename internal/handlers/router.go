package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/mossy-p/peersync/internal/metrics"
	"github.com/mossy-p/peersync/internal/middleware"
	"github.com/mossy-p/peersync/internal/store"
)

// Router assembles the signal store's HTTP surface. Tests mount the same
// router on httptest servers, so route wiring lives here rather than in
// the main package.
func Router(st store.Store, hub *RelayHub, jwtSecret string, allowedOrigins []string) *gin.Engine {
	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(allowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Rendezvous API consumed by the sync core.
	router.POST("/room", CreateRoom(st))
	router.GET("/room", GetRoom(st))
	router.POST("/signal", PostSignal(st))
	router.GET("/signal", PollSignals(st))

	// Fallback relay channel.
	router.GET("/ws/:roomCode", HandleRelay(hub, st))

	// Host auth (public login, authenticated room deletion).
	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", Login(jwtSecret))
		apiGroup.DELETE("/rooms/:code", middleware.JWTAuth(jwtSecret), DeleteRoom(st))
	}

	return router
}
