// Package dispatch is the plain HTTP+JSON transport PatternExecutor uses to
// hand a WorkItem to a node daemon and get back its PartialResult. There is
// no generated gRPC service here: dispatch is synchronous request/response,
// bounded by the WorkItem's own deadline, with a short-lived JWT bearer
// token proving which orchestrator replica is calling.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meshinfer/meshinfer/internal/domain"
	"github.com/meshinfer/meshinfer/internal/platform/dispatchauth"
)

// Request is the body a node daemon's dispatch handler receives.
type Request struct {
	WorkItem domain.WorkItem `json:"work_item"`
}

// Response is the body the node daemon returns once the work item has run
// to completion, failed, or hit its deadline.
type Response struct {
	Result domain.PartialResult `json:"result"`
}

// Client calls a node's dispatch endpoint over HTTP.
type Client struct {
	http           *http.Client
	signer         *dispatchauth.Signer
	orchestratorID string
}

func NewClient(signer *dispatchauth.Signer, orchestratorID string) *Client {
	return &Client{
		http:           &http.Client{},
		signer:         signer,
		orchestratorID: orchestratorID,
	}
}

// Send POSTs item to node's /v1/dispatch endpoint and blocks until the node
// responds or ctx is done. The caller is expected to derive ctx with a
// deadline no later than item.Deadline.
func (c *Client) Send(ctx context.Context, nodeEndpoint string, item domain.WorkItem) (domain.PartialResult, error) {
	body, err := json.Marshal(Request{WorkItem: item})
	if err != nil {
		return domain.PartialResult{}, fmt.Errorf("dispatch: encode request: %w", err)
	}

	token, err := c.signer.Issue(c.orchestratorID, item.JobID)
	if err != nil {
		return domain.PartialResult{}, fmt.Errorf("dispatch: sign token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, nodeEndpoint+"/v1/dispatch", bytes.NewReader(body))
	if err != nil {
		return domain.PartialResult{}, fmt.Errorf("dispatch: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.PartialResult{}, domain.NewError(domain.ErrBackpressure, "node unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.PartialResult{}, fmt.Errorf("dispatch: read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var out Response
		if err := json.Unmarshal(raw, &out); err != nil {
			return domain.PartialResult{}, fmt.Errorf("dispatch: decode response: %w", err)
		}
		return out.Result, nil
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return domain.PartialResult{}, domain.NewError(domain.ErrBackpressure, string(raw), nil)
	case http.StatusGatewayTimeout:
		return domain.PartialResult{}, domain.NewError(domain.ErrTimeout, string(raw), nil)
	default:
		return domain.PartialResult{}, domain.NewError(domain.ErrInternal, fmt.Sprintf("node returned %d: %s", resp.StatusCode, raw), nil)
	}
}

// Handler is implemented by the node daemon's job queue: Dispatch admits,
// runs, and returns the result for a single WorkItem, blocking until done
// or the context (derived from the item's own deadline) is exhausted.
type Handler interface {
	Dispatch(ctx context.Context, item domain.WorkItem) (domain.PartialResult, error)
}

// timeoutFor clamps the handler's blocking window to the item's own
// deadline, falling back to a conservative default if the deadline is zero
// (defensive only; PatternExecutor always sets one).
func timeoutFor(item domain.WorkItem) time.Duration {
	if item.Deadline.IsZero() {
		return 60 * time.Second
	}
	return time.Until(item.Deadline)
}
