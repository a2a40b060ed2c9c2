package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/convertmaster-go/api/handlers"
	"github.com/yourusername/convertmaster-go/api/middleware"
	"github.com/yourusername/convertmaster-go/pkg/logger"
)

// RouterConfig collects the collaborators of the HTTP API
type RouterConfig struct {
	Jobs             handlers.JobService
	Events           *handlers.EventHub
	Authorizer       middleware.Authorizer // nil disables authentication
	DefaultOutputDir string
	LogsDir          string
	ErrorLog         *logger.MultiLogger // optional, receives handler panics
	Logger           *zap.Logger
}

// SetupRouter sets up the HTTP router
func SetupRouter(config RouterConfig) *gin.Engine {
	router := gin.New()

	// Middleware
	router.Use(middleware.Logger(config.Logger))
	var errLog middleware.ErrorLogger
	if config.ErrorLog != nil {
		errLog = config.ErrorLog
	}
	router.Use(middleware.Recovery(config.Logger, errLog))
	router.Use(middleware.CORS())

	// Health endpoints
	healthHandler := handlers.NewHealthHandler(config.Jobs)
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	// API v1 routes
	v1 := router.Group("/api/v1")
	v1.Use(middleware.Auth(config.Authorizer, config.Logger))
	{
		jobHandler := handlers.NewJobHandler(config.Jobs, config.DefaultOutputDir, config.Logger)
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", jobHandler.SubmitJob)
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/stats", jobHandler.GetStats)
			jobs.GET("/:id", jobHandler.GetJob)
			jobs.GET("/:id/status", jobHandler.GetJobStatus)
			jobs.POST("/:id/cancel", jobHandler.CancelJob)
			jobs.POST("/:id/retry", jobHandler.RetryJob)
		}
		v1.GET("/renditions", jobHandler.GetRenditions)

		if config.Events != nil {
			v1.GET("/events", config.Events.HandleWebSocket)
		}

		if config.LogsDir != "" {
			logHandler := handlers.NewLogHandler(config.LogsDir)
			logs := v1.Group("/logs")
			{
				logs.GET("/categories", logHandler.GetCategories)
				logs.GET("/:category", logHandler.GetLogs)
				logs.GET("/:category/search", logHandler.SearchLogs)
				logs.GET("/:category/dates", logHandler.ListDates)
				logs.GET("/:category/export", logHandler.ExportLogs)
			}
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(404, gin.H{"error": "not found"})
	})

	return router
}
