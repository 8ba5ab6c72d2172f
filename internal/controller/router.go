package controller

import (
	"net/http"

	"sandboxd/internal/common/http/middleware"

	"github.com/gin-gonic/gin"
)

// RouterConfig wires the control API.
type RouterConfig struct {
	NodeID     string
	Sandbox    *SandboxController
	Executions *ExecutionController
	History    *HistoryController
	Queue      *QueueStream
	Middleware []gin.HandlerFunc

	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// NewRouter registers the control API under /api/v1/sandbox.
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.TraceContextMiddleware(cfg.NodeID))
	r.Use(cfg.Middleware...)

	api := r.Group("/api/v1/sandbox")
	{
		api.GET("/queue", cfg.Sandbox.GetQueue)
		api.GET("/pool", cfg.Sandbox.GetPool)
		api.PUT("/pool", cfg.Sandbox.ResizePool)
		api.GET("/timeout-multiplier", cfg.Sandbox.GetTimeoutMultiplier)
		api.PUT("/timeout-multiplier", cfg.Sandbox.SetTimeoutMultiplier)
		api.GET("/health", cfg.Sandbox.Health)
		if cfg.Executions != nil {
			api.POST("/executions", cfg.Executions.Schedule)
		}
		if cfg.History != nil {
			api.GET("/executions", cfg.History.List)
			api.GET("/executions/:id", cfg.History.Get)
		}
		if cfg.Queue != nil {
			api.GET("/ws/queue", cfg.Queue.Serve)
		}
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics))
	}
	return r
}
