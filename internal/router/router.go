package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/examsync/internal/config"
	"github.com/stemsi/examsync/internal/handler"
	"github.com/stemsi/examsync/internal/middleware"
	"github.com/stemsi/examsync/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	WS      *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(handlers *Handlers, cfg *config.Config) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// ─── REST API ──────────────────────────────────────────────────────
	createLimiter := middleware.NewRateLimiter(10, time.Minute)

	api := router.Group("/api/v1")
	{
		api.POST("/sessions", createLimiter.Middleware(), handlers.Session.CreateSession)
		api.GET("/sessions/:session_id", handlers.Session.GetSession)
		api.POST("/sessions/:session_id/start", handlers.Session.StartSession)
		api.POST("/sessions/:session_id/submit", handlers.Session.SubmitSession)
		api.GET("/tests/:test_id", handlers.Session.GetTest)
	}

	// ─── WebSocket ─────────────────────────────────────────────────────
	wsGroup := router.Group("/ws/v1")
	{
		wsGroup.GET("/sessions/:session_id/stream", handlers.WS.SessionStream)
	}

	return router
}
