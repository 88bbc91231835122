// cmd/orchestrator hosts one control-tier replica: fleet tracking, peer
// coordination, pattern execution, and the client-facing job API, wired
// exactly once here and nowhere else.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/meshinfer/meshinfer/internal/blobstore"
	"github.com/meshinfer/meshinfer/internal/bus"
	"github.com/meshinfer/meshinfer/internal/config"
	"github.com/meshinfer/meshinfer/internal/dispatch"
	"github.com/meshinfer/meshinfer/internal/fleet"
	"github.com/meshinfer/meshinfer/internal/httpapi"
	"github.com/meshinfer/meshinfer/internal/httpapi/jobhandler"
	"github.com/meshinfer/meshinfer/internal/jobmanager"
	"github.com/meshinfer/meshinfer/internal/jobmanager/pgindex"
	"github.com/meshinfer/meshinfer/internal/pattern"
	"github.com/meshinfer/meshinfer/internal/peer"
	"github.com/meshinfer/meshinfer/internal/platform/db"
	"github.com/meshinfer/meshinfer/internal/platform/dispatchauth"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
	"github.com/meshinfer/meshinfer/internal/platform/shutdown"
	"github.com/meshinfer/meshinfer/internal/platform/tracing"
	"github.com/meshinfer/meshinfer/internal/registry"
	"github.com/meshinfer/meshinfer/internal/stategateway"
	"github.com/meshinfer/meshinfer/internal/temporalx"
	"github.com/meshinfer/meshinfer/internal/temporalx/jobrun"
	"github.com/meshinfer/meshinfer/internal/temporalx/temporalworker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "orchestrator:", err)
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

	if cfg.OrchestratorID == "" {
		return fmt.Errorf("orchestrator_id is required")
	}

	stopTracing, err := tracing.Setup(context.Background(), "meshinfer-orchestrator", cfg.Env)
	if err != nil {
		log.Warn("tracing setup failed", "error", err)
	} else if stopTracing != nil {
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			if err := stopTracing(flushCtx); err != nil {
				log.Warn("tracing shutdown failed", "error", err)
			}
		}()
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

	reg, err := registry.NewRedisRegistry(log, cfg.Redis)
	if err != nil {
		return fmt.Errorf("init registry: %w", err)
	}
	defer reg.Close()

	gw := stategateway.New(log, blobs, busInst, reg, cfg.OrchestratorID)

	ctx, cancel := shutdown.NotifyContext(context.Background())
	defer cancel()

	nodeRegistry := fleet.NewNodeRegistry(log, reg, busInst, cfg.Fleet)
	if err := nodeRegistry.Start(ctx); err != nil {
		return fmt.Errorf("start node registry: %w", err)
	}
	selector := fleet.NewNodeSelector(nodeRegistry, fleet.DefaultSelectionWeights())

	signer := dispatchauth.NewSigner(cfg.Auth.JWTSigningKey, cfg.Auth.TokenTTL.Duration)
	dispatchClient := dispatch.NewClient(signer, cfg.OrchestratorID)

	plainExecutor := pattern.NewExecutor(log, nodeRegistry, selector, dispatchClient, gw)

	var pg *db.PostgresService
	if cfg.Postgres.DSN != "" {
		pg, err = db.NewPostgresService(log, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if err := pg.AutoMigrate(&jobrun.PipelineRun{}, &pgindex.JobRow{}); err != nil {
			return fmt.Errorf("migrate postgres tables: %w", err)
		}
	}

	executor, err := buildExecutor(log, plainExecutor, ctx, pg)
	if err != nil {
		return fmt.Errorf("build pipeline executor: %w", err)
	}

	mgr := jobmanager.New(log, nodeRegistry, gw, executor, cfg.OrchestratorID)
	plainExecutor.SetProgressSink(mgr.ReportProgress)
	if pg != nil {
		mgr.SetIndex(pgindex.New(pg.DB()))
	}

	peerCoordinator := peer.NewCoordinator(log, busInst, gw, cfg.Fleet, cfg.OrchestratorID, selfEndpoint(cfg), peerCapacity(cfg), mgr, mgr.ActiveJobCount)
	if err := peerCoordinator.Start(ctx); err != nil {
		return fmt.Errorf("start peer coordinator: %w", err)
	}
	mgr.SetOffloadGate(peerCoordinator.Overloaded)

	handler := jobhandler.New(mgr, gw, peerCoordinator)
	srv := httpapi.NewServer(
		httpapi.RouterConfig{
			JobHandler:            handler,
			SubmitTokensPerMinute: cfg.RateLimit.TokensPerMinute,
		},
		cfg.HTTP.Addr,
		cfg.HTTP.ReadHeaderTimeout.Duration,
		cfg.HTTP.IdleTimeout.Duration,
	)

	errCh := make(chan error, 1)
	go func() {
		log.Info("orchestrator listening", "addr", cfg.HTTP.Addr, "orchestrator_id", cfg.OrchestratorID)
		errCh <- srv.Run()
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
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn("graceful shutdown failed", "error", err)
	}
	return nil
}

// buildExecutor wires the durable Temporal-backed Pipeline path when a
// Temporal client is configured, falling back to the plain in-process
// executor for every job otherwise. The durable path checkpoints through
// Postgres, so it requires the connection the caller already opened.
func buildExecutor(log *logger.Logger, plain *pattern.Executor, ctx context.Context, pg *db.PostgresService) (jobmanager.Executor, error) {
	tc, err := temporalx.NewClient(log)
	if err != nil {
		return nil, fmt.Errorf("temporal client: %w", err)
	}
	if tc == nil {
		return plain, nil
	}
	if pg == nil {
		return nil, fmt.Errorf("durable pipeline execution requires a postgres dsn")
	}

	store := jobrun.NewStore(pg.DB())
	durable := jobrun.NewDurable(log, tc, store, plain)

	runner, err := temporalworker.NewRunner(log, tc, plain, store)
	if err != nil {
		return nil, fmt.Errorf("temporal worker: %w", err)
	}
	if err := runner.Start(ctx); err != nil {
		return nil, fmt.Errorf("start temporal worker: %w", err)
	}

	return durable, nil
}

func selfEndpoint(cfg *config.Config) string {
	if v := os.Getenv("MESHINFER_ORCHESTRATOR_ENDPOINT"); v != "" {
		return v
	}
	return "http://localhost" + cfg.HTTP.Addr
}

func peerCapacity(_ *config.Config) int {
	if v := os.Getenv("MESHINFER_PEER_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 100
}
