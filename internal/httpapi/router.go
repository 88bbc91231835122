// Package httpapi serves the client job API over HTTP: SubmitJob,
// GetStatus, GetResult, CancelJob, and a streaming-updates SSE endpoint,
// all thin glue over jobmanager.Manager: gin router, versioned route group,
// shared middleware.
package httpapi

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/meshinfer/meshinfer/internal/httpapi/jobhandler"
	"github.com/meshinfer/meshinfer/internal/httpapi/middleware"
)

// RouterConfig wires the handlers NewRouter mounts. JobHandler is required;
// everything else is optional so tests can build a minimal router.
type RouterConfig struct {
	JobHandler *jobhandler.Handler

	// SubmitTokensPerMinute caps job submissions per owner; <= 0 disables.
	SubmitTokensPerMinute int
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.Default()
	r.Use(middleware.AttachRequestContext())
	r.Use(middleware.CORS())
	r.Use(otelgin.Middleware("meshinfer-orchestrator"))

	r.GET("/healthz", func(c *gin.Context) { c.Status(200) })

	v1 := r.Group("/v1")
	{
		if cfg.JobHandler != nil {
			v1.POST("/jobs", middleware.RateLimit(cfg.SubmitTokensPerMinute), cfg.JobHandler.Submit)
			v1.GET("/jobs/:id", cfg.JobHandler.Status)
			v1.GET("/jobs/:id/result", cfg.JobHandler.Result)
			v1.POST("/jobs/:id/cancel", cfg.JobHandler.Cancel)
			v1.GET("/jobs/:id/stream", cfg.JobHandler.Stream)
		}
	}

	return r
}
