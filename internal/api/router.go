package api

import (
	"github.com/gin-gonic/gin"
	"github.com/timmy/skiptrace/internal/api/handler"
	"github.com/timmy/skiptrace/internal/api/middleware"
	"github.com/timmy/skiptrace/internal/config"
	"github.com/timmy/skiptrace/internal/logger"
)

// Deps are the services behind the HTTP API. DB, Gate, Admin and Cache may be nil.
type Deps struct {
	Tasks  handler.TaskService
	Events handler.EventSource
	Admin  handler.Granter
	Cache  handler.CachePurger
	DB     handler.Pinger
	Gate   handler.GateStats
	Logger *logger.Logger
	Server config.ServerConfig
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps Deps) *gin.Engine {
	// Set Gin mode
	switch deps.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(deps.Logger))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  deps.Server.CORS.AllowedOrigins,
		AllowAllOrigins: deps.Server.CORS.AllowAllOrigins,
	}))

	// Create handlers
	healthHandler := handler.NewHealthHandler(deps.DB, deps.Gate)
	taskHandler := handler.NewTaskHandler(deps.Tasks, deps.Events)

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	owned := v1.Group("", middleware.RequireOwner())
	{
		// Tasks
		owned.POST("/tasks", taskHandler.Submit)
		owned.GET("/tasks", taskHandler.List)
		owned.GET("/tasks/:id", taskHandler.Get)
		owned.POST("/tasks/:id/cancel", taskHandler.Cancel)
		owned.GET("/tasks/:id/results", taskHandler.Results)
		owned.GET("/tasks/:id/export", taskHandler.Export)
		owned.GET("/tasks/:id/events", taskHandler.Events)

		// Accounts
		owned.GET("/accounts/:owner", taskHandler.Account)
	}

	// Operator routes exist only when a token is configured
	if deps.Server.AdminToken != "" && deps.Admin != nil {
		adminHandler := handler.NewAdminHandler(deps.Admin, deps.Cache)
		admin := v1.Group("/admin", middleware.AdminAuth(deps.Server.AdminToken))
		admin.POST("/accounts/:owner/grant", adminHandler.Grant)
		admin.POST("/cache/purge", adminHandler.PurgeCache)
	}

	return r
}
