package dispatch

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meshinfer/meshinfer/internal/domain"
	"github.com/meshinfer/meshinfer/internal/platform/dispatchauth"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
)

// Server exposes a node daemon's dispatch endpoint. It never runs the work
// item itself; it hands off to a Handler (the node's JobQueue) and waits.
type Server struct {
	log     *logger.Logger
	signer  *dispatchauth.Signer
	handler Handler
}

func NewServer(log *logger.Logger, signer *dispatchauth.Signer, handler Handler) *Server {
	return &Server{log: log.With("service", "DispatchServer"), signer: signer, handler: handler}
}

// RequireDispatchAuth verifies the bearer token on every dispatch request.
func (s *Server) RequireDispatchAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := s.signer.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("orchestrator_id", claims.OrchestratorID)
		c.Next()
	}
}

// Dispatch handles POST /v1/dispatch.
func (s *Server) Dispatch(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeoutFor(req.WorkItem))
	defer cancel()

	result, err := s.handler.Dispatch(ctx, req.WorkItem)
	if err != nil {
		s.respondError(c, req.WorkItem, err)
		return
	}
	c.JSON(http.StatusOK, Response{Result: result})
}

func (s *Server) respondError(c *gin.Context, item domain.WorkItem, err error) {
	kind := domain.KindOf(err)
	s.log.Warn("dispatch failed", "work_item_id", item.ID, "job_id", item.JobID, "error", err)
	switch kind {
	case domain.ErrBackpressure, domain.ErrResourceDenied, domain.ErrCacheFull:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case domain.ErrTimeout:
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// heartbeatDeadline is a 2s allowance for network/serialization overhead past
// an item's stated deadline. Nothing in this package reads it; dispatch
// calls are bounded by the item's own deadline only.
const heartbeatDeadline = 2 * time.Second
