// Package worker implements WorkerSupervisor: JobQueue's Runner, which
// spawns an isolated cmd/worker subprocess per work item for crash
// isolation and deterministic timeout enforcement, hands it a JSON
// descriptor over stdin, and turns its stdout JSON (or its absence) into a
// domain.PartialResult.
package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/meshinfer/meshinfer/internal/blobstore"
	"github.com/meshinfer/meshinfer/internal/domain"
	"github.com/meshinfer/meshinfer/internal/engine"
	"github.com/meshinfer/meshinfer/internal/nodedaemon/modelcache"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
)

const defaultWorkerTimeout = 120 * time.Second

// modelParamKey is the Request.Params key a worker's engine adapter reads
// to find its resident model artifact bytes, base64-encoded by the
// supervisor from whatever ModelCache handed back. Engines that call an
// external API (oaihttp, the gcp* adapters) never set a cache resolver and
// so never see this key populated.
const modelParamKey = "model_artifact_base64"

// Supervisor runs one cmd/worker process per work item.
type Supervisor struct {
	log *logger.Logger

	workerBin string
	store     blobstore.Store
	cache     *modelcache.Cache
	resolve   func(modelID string) (bool, error) // true if modelID has a cacheable local artifact
	timeout   time.Duration
}

// New builds a Supervisor. resolve reports whether modelID has a local
// artifact ModelCache should manage; pass nil to disable model-artifact
// caching entirely (every engine treats Input as the whole work item, which
// is correct for the API-backed adapters).
func New(log *logger.Logger, workerBin string, store blobstore.Store, cache *modelcache.Cache, resolve func(modelID string) (bool, error), timeout time.Duration) *Supervisor {
	if timeout <= 0 {
		timeout = defaultWorkerTimeout
	}
	return &Supervisor{
		log:       log.With("service", "WorkerSupervisor"),
		workerBin: workerBin,
		store:     store,
		cache:     cache,
		resolve:   resolve,
		timeout:   timeout,
	}
}

// Run satisfies queue.Runner. It never returns an error directly: every
// failure mode (resource fetch, timeout, non-zero exit, malformed output)
// is folded into the returned PartialResult's Error field, matching
// WorkerSupervisor's stated contract of always producing a result.
func (s *Supervisor) Run(ctx context.Context, item domain.WorkItem) domain.PartialResult {
	start := time.Now()
	res := domain.PartialResult{WorkItemID: item.ID, NodeID: item.NodeID}

	deadline := item.Deadline
	if deadline.IsZero() || deadline.Sub(start) > s.timeout {
		deadline = start.Add(s.timeout)
	}
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	input, err := s.store.Get(runCtx, blobstore.Handle(item.InputHandle))
	if err != nil {
		res.Error = domain.NewError(domain.ErrInternal, "fetch work item input", err)
		res.Elapsed = time.Since(start)
		return res
	}

	req := engine.Request{ModelID: item.ModelID, Input: input}

	usesCache, releaseCache, derr := s.acquireModel(runCtx, item.ModelID, &req)
	if derr != nil {
		res.Error = derr
		res.Elapsed = time.Since(start)
		return res
	}
	if usesCache {
		defer releaseCache()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		res.Error = domain.NewError(domain.ErrInternal, "encode worker request", err)
		res.Elapsed = time.Since(start)
		return res
	}

	cmd := exec.CommandContext(runCtx, s.workerBin)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res.Elapsed = time.Since(start)

	if runCtx.Err() != nil {
		s.log.Warn("worker deadline exceeded", "work_item_id", item.ID, "job_id", item.JobID)
		res.Error = domain.NewError(domain.ErrTimeout, fmt.Sprintf("worker for %s exceeded deadline", item.ID), runCtx.Err())
		return res
	}

	if runErr != nil {
		code := -1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
		s.log.Warn("worker exited non-zero", "work_item_id", item.ID, "job_id", item.JobID, "exit_code", code, "stderr", stderr.String())
		res.Error = domain.NewError(domain.ErrWorkerCrashed, fmt.Sprintf("worker exited with code %d", code), runErr)
		return res
	}

	var out engine.Response
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		res.Error = domain.NewError(domain.ErrWorkerCrashed, "decode worker output", err)
		return res
	}

	handle, err := s.store.Put(runCtx, out.Output)
	if err != nil {
		res.Error = domain.NewError(domain.ErrInternal, "persist worker output", err)
		return res
	}
	res.OutputHandle = string(handle)
	return res
}

// acquireModel consults ModelCache for modelID when a resolver is
// configured and the model has a local artifact, and if so loads it into
// req.Params under modelParamKey. The returned release func must be called
// exactly once, regardless of what happens after acquisition.
func (s *Supervisor) acquireModel(ctx context.Context, modelID string, req *engine.Request) (used bool, release func(), derr *domain.Error) {
	noop := func() {}
	if s.cache == nil || s.resolve == nil {
		return false, noop, nil
	}
	has, err := s.resolve(modelID)
	if err != nil {
		return false, noop, domain.NewError(domain.ErrInternal, "resolve model artifact", err)
	}
	if !has {
		return false, noop, nil
	}

	data, cerr := s.cache.Acquire(ctx, modelID)
	if cerr != nil {
		return false, noop, cerr
	}
	if req.Params == nil {
		req.Params = make(map[string]any)
	}
	req.Params[modelParamKey] = base64.StdEncoding.EncodeToString(data)
	return true, func() { s.cache.Release(modelID) }, nil
}
