// Package jobhandler implements the transport-agnostic client job API
// over HTTP: SubmitJob, GetStatus, GetResult, CancelJob, plus an SSE
// streaming-updates endpoint that replays jobs.updates events for one job
// id. It is thin glue over jobmanager.Manager: gin.Context in, JSON or SSE
// out, apierr for failures.
package jobhandler

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meshinfer/meshinfer/internal/domain"
	"github.com/meshinfer/meshinfer/internal/httpapi/response"
	"github.com/meshinfer/meshinfer/internal/peer"
	"github.com/meshinfer/meshinfer/internal/platform/apierr"
	"github.com/meshinfer/meshinfer/internal/stategateway"
)

// Manager is the subset of jobmanager.Manager this handler depends on.
type Manager interface {
	Submit(ctx context.Context, spec domain.JobSpec, owner string, priority domain.Priority, costCeiling float64) (string, *domain.Error)
	Status(jobID string) (domain.Job, *domain.Error)
	Result(jobID string) (string, *domain.Error)
	Cancel(ctx context.Context, jobID string) *domain.Error
}

type Handler struct {
	mgr   Manager
	gw    *stategateway.Gateway
	peers *peer.Coordinator
}

func New(mgr Manager, gw *stategateway.Gateway, peers *peer.Coordinator) *Handler {
	return &Handler{mgr: mgr, gw: gw, peers: peers}
}

type submitRequest struct {
	Spec        domain.JobSpec  `json:"spec"`
	Owner       string          `json:"owner"`
	Priority    domain.Priority `json:"priority"`
	CostCeiling float64         `json:"cost_ceiling"`
}

type submitResponse struct {
	JobID string         `json:"job_id"`
	State domain.JobState `json:"state"`
}

// Submit handles POST /v1/jobs.
func (h *Handler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "bad_spec", err)
		return
	}
	if req.Priority == "" {
		req.Priority = domain.PriorityNormal
	}

	jobID, derr := h.mgr.Submit(c.Request.Context(), req.Spec, req.Owner, req.Priority, req.CostCeiling)
	if derr != nil {
		respondDomainErr(c, derr)
		return
	}
	response.RespondOK(c, submitResponse{JobID: jobID, State: domain.JobPending})
}

type statusResponse struct {
	JobID    string          `json:"job_id"`
	State    domain.JobState `json:"state"`
	Pattern  domain.Pattern  `json:"pattern"`
	Progress domain.Progress `json:"progress"`
	Error    string          `json:"error,omitempty"`
	Forward  string          `json:"forwarded_to,omitempty"`
}

// Status handles GET /v1/jobs/:id.
func (h *Handler) Status(c *gin.Context) {
	jobID := c.Param("id")
	job, derr := h.mgr.Status(jobID)
	if derr != nil && derr.Kind == domain.ErrNotFound && h.peers != nil {
		// The job may have been handed off to a peer; surface the forwarding
		// target rather than a bare 404 during the grace period.
		if target, ok := h.peers.ForwardTarget(jobID); ok {
			response.RespondOK(c, statusResponse{JobID: jobID, Forward: target})
			return
		}
	}
	if derr != nil {
		respondDomainErr(c, derr)
		return
	}
	response.RespondOK(c, statusResponse{
		JobID:    job.ID,
		State:    job.State,
		Pattern:  job.Pattern,
		Progress: job.Progress,
		Error:    job.FailureMsg,
	})
}

type resultResponse struct {
	Handle string `json:"handle"`
}

// Result handles GET /v1/jobs/:id/result.
func (h *Handler) Result(c *gin.Context) {
	jobID := c.Param("id")
	handle, derr := h.mgr.Result(jobID)
	if derr != nil {
		respondDomainErr(c, derr)
		return
	}
	response.RespondOK(c, resultResponse{Handle: handle})
}

// Cancel handles POST /v1/jobs/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	jobID := c.Param("id")
	if derr := h.mgr.Cancel(c.Request.Context(), jobID); derr != nil {
		respondDomainErr(c, derr)
		return
	}
	response.RespondOK(c, gin.H{"ack": true})
}

// Stream handles GET /v1/jobs/:id/stream, an SSE subscription that relays
// jobs.updates events for this job id until the client disconnects.
func (h *Handler) Stream(c *gin.Context) {
	jobID := c.Param("id")
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ctx := c.Request.Context()
	msgs := make(chan domain.JobUpdateEvent, 8)
	go func() {
		_ = h.gw.SubscribeJobUpdates(ctx, func(evt domain.JobUpdateEvent) {
			if evt.JobID != jobID {
				return
			}
			select {
			case msgs <- evt:
			case <-ctx.Done():
			}
		})
	}()

	c.Stream(func(w io.Writer) bool {
		select {
		case evt := <-msgs:
			c.SSEvent("job_update", evt)
			return !evt.State.Terminal()
		case <-ctx.Done():
			return false
		}
	})
}

func respondDomainErr(c *gin.Context, derr *domain.Error) {
	ae := apierr.FromDomain(derr)
	response.RespondError(c, ae.Status, ae.Code, derr)
}
