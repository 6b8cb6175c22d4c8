package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	ExamMode *handler.ExamModeHandler
	Proctor  *handler.ProctorHandler
	WS       *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// done stops background housekeeping of the rate limiter.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
	done <-chan struct{},
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	violationLimiter := middleware.NewRateLimiter(cfg.ExamMode.ViolationRatePerMin, time.Minute, done)

	// ─── 1. Exam Mode (any authenticated role) ─────────────────────────
	examMode := router.Group("/api/v1/contests/:contest_id/exam-mode")
	examMode.Use(middleware.RequireJWT(authService), middleware.NoStore())
	{
		examMode.GET("", handlers.ExamMode.GetStatus)
		examMode.POST("/violations", violationLimiter.Middleware(), handlers.ExamMode.RecordViolation)
		examMode.POST("/start", handlers.ExamMode.Start)
		examMode.POST("/end", handlers.ExamMode.End)
	}

	// ─── 2. Proctoring (proctor and admin) ─────────────────────────────
	admin := router.Group("/api/v1/admin/contests/:contest_id/exam-mode")
	admin.Use(
		middleware.RequireJWT(authService),
		middleware.RequireRole(proctor.RoleProctor, proctor.RoleAdmin),
		middleware.NoStore(),
	)
	{
		admin.GET("/violations", middleware.Brotli(), handlers.Proctor.ListViolations)
		admin.POST("/users/:user_id/unlock", handlers.Proctor.Unlock)
		admin.PUT("/users/:user_id/status", middleware.RequireRole(proctor.RoleAdmin), handlers.Proctor.ForceStatus)
	}

	// ─── 3. WebSocket ──────────────────────────────────────────────────
	wsGroup := router.Group("/ws/v1")
	wsGroup.Use(middleware.RequireWSAuth(authService))
	{
		wsGroup.GET("/contests/:contest_id/exam-mode/stream", handlers.WS.ExamModeStream)
	}

	return router
}
