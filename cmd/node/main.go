// cmd/node hosts one worker-fleet node daemon: resource accounting, the
// admission queue, model caching, heartbeat publication, and the dispatch
// endpoint orchestrators call into, wired exactly once here.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meshinfer/meshinfer/internal/blobstore"
	"github.com/meshinfer/meshinfer/internal/bus"
	"github.com/meshinfer/meshinfer/internal/config"
	"github.com/meshinfer/meshinfer/internal/dispatch"
	"github.com/meshinfer/meshinfer/internal/domain"
	"github.com/meshinfer/meshinfer/internal/nodedaemon/accountant"
	"github.com/meshinfer/meshinfer/internal/nodedaemon/heartbeat"
	"github.com/meshinfer/meshinfer/internal/nodedaemon/modelcache"
	"github.com/meshinfer/meshinfer/internal/nodedaemon/queue"
	"github.com/meshinfer/meshinfer/internal/nodedaemon/worker"
	"github.com/meshinfer/meshinfer/internal/platform/dispatchauth"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
	"github.com/meshinfer/meshinfer/internal/platform/shutdown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "node:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Env)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	if cfg.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}

	blobs, err := blobstore.New(log, cfg.BlobStore)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}

	busInst, err := bus.NewRedisBus(log, cfg.Redis)
	if err != nil {
		return fmt.Errorf("init bus: %w", err)
	}
	defer busInst.Close()

	ctx, cancel := shutdown.NotifyContext(context.Background())
	defer cancel()

	acct := accountant.New(cfg.NodeDaemon, maxWorkers(cfg))

	cache := modelcache.New(log, modelcache.NewBlobFetcher(blobs, resolveModelHandle), cfg.NodeDaemon.CacheBudgetBytes)

	workerBin, err := workerBinaryPath()
	if err != nil {
		return fmt.Errorf("locate worker binary: %w", err)
	}
	supervisor := worker.New(log, workerBin, blobs, cache, hasLocalArtifact(cfg), cfg.NodeDaemon.WorkerTimeout.Duration)

	q, err := queue.New(log, acct, supervisor, queue.Options{
		SQLitePath: cfg.NodeDaemon.SQLitePath,
		ReqForItem: reqForItem(cfg),
	})
	if err != nil {
		return fmt.Errorf("init queue: %w", err)
	}
	go q.Run(ctx)
	defer q.Close()

	emitter := heartbeat.New(log, busInst, cfg.NodeID, selfEndpoint(cfg), capabilities(cfg), acct, q.Depth, cfg.Fleet.HeartbeatInterval.Duration)
	go emitter.Run(ctx)

	signer := dispatchauth.NewSigner(cfg.Auth.JWTSigningKey, cfg.Auth.TokenTTL.Duration)
	dispatchServer := dispatch.NewServer(log, signer, q)

	r := gin.Default()
	r.GET("/healthz", func(c *gin.Context) { c.Status(200) })
	r.POST("/v1/dispatch", dispatchServer.RequireDispatchAuth(), dispatchServer.Dispatch)

	readHeaderTimeout := cfg.HTTP.ReadHeaderTimeout.Duration
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 5 * time.Second
	}
	idleTimeout := cfg.HTTP.IdleTimeout.Duration
	if idleTimeout <= 0 {
		idleTimeout = 2 * time.Minute
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("node listening", "addr", cfg.HTTP.Addr, "node_id", cfg.NodeID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownTimeout := cfg.HTTP.ShutdownTimeout.Duration
	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	shutCtx, shutCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutCancel()
	return srv.Shutdown(shutCtx)
}

// resolveModelHandle maps a model id to the blob handle holding its
// artifact. Model-to-handle mapping is out of scope for this daemon's own
// persistence (it is a fleet-wide catalog concern); nodes that never serve
// a locally-cached model never call this.
func resolveModelHandle(modelID string) (blobstore.Handle, error) {
	if v := os.Getenv("MESHINFER_MODEL_HANDLE_" + modelID); v != "" {
		return blobstore.Handle(v), nil
	}
	return "", fmt.Errorf("no blob handle configured for model %q", modelID)
}

// hasLocalArtifact reports whether modelID is one of this node's
// cache-eligible models, derived from whichever MESHINFER_MODEL_HANDLE_*
// env vars are set; models backed by an external API never have one.
func hasLocalArtifact(cfg *config.Config) func(modelID string) (bool, error) {
	return func(modelID string) (bool, error) {
		_, err := resolveModelHandle(modelID)
		return err == nil, nil
	}
}

// reqForItem derives a WorkItem's resource footprint from its model's
// configured engine type: GPU-class media engines claim an accelerator
// slot, everything else is treated as CPU/API-bound.
func reqForItem(cfg *config.Config) func(domain.WorkItem) accountant.Request {
	engineTypeByModel := make(map[string]string, len(cfg.Models))
	for _, m := range cfg.Models {
		engineTypeByModel[m.ID] = m.Engine.Type
	}
	return func(item domain.WorkItem) accountant.Request {
		switch engineTypeByModel[item.ModelID] {
		case "gcp_vision", "gcp_speech", "gcp_docai", "gcp_video":
			return accountant.Request{CPUFraction: 0.25, MemoryBytes: 256 << 20, AcceleratorSlots: 1}
		default:
			return accountant.Request{CPUFraction: 0.1, MemoryBytes: 64 << 20}
		}
	}
}

func maxWorkers(cfg *config.Config) int {
	if cfg.NodeDaemon.AcceleratorSlots > 0 {
		return cfg.NodeDaemon.AcceleratorSlots * 4
	}
	return 8
}

func capabilities(cfg *config.Config) []string {
	caps := make([]string, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		caps = append(caps, m.ID)
	}
	return caps
}

func selfEndpoint(cfg *config.Config) string {
	if v := os.Getenv("MESHINFER_NODE_ENDPOINT"); v != "" {
		return v
	}
	return "http://localhost" + cfg.HTTP.Addr
}

// workerBinaryPath locates the cmd/worker executable, overridable for
// deployments that stage it at a non-default path.
func workerBinaryPath() (string, error) {
	if v := os.Getenv("MESHINFER_WORKER_BIN"); v != "" {
		return v, nil
	}
	path, err := exec.LookPath("meshinfer-worker")
	if err != nil {
		return "", fmt.Errorf("meshinfer-worker not on PATH and MESHINFER_WORKER_BIN not set: %w", err)
	}
	return path, nil
}
