// cmd/worker is the isolated subprocess WorkerSupervisor spawns per work
// item: read one engine.Request from stdin, invoke the engine its model
// configures, write the engine.Response to stdout. It never talks to the
// bus, the blob store, or the fleet directly — WorkerSupervisor owns that
// plumbing and hands this process only the bytes it needs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/meshinfer/meshinfer/internal/config"
	"github.com/meshinfer/meshinfer/internal/engine"
	"github.com/meshinfer/meshinfer/internal/engine/factory"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run() error {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}

	var req engine.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	model, ok := factory.FindModel(cfg, req.ModelID)
	if !ok {
		return fmt.Errorf("unknown model %q", req.ModelID)
	}

	log, err := logger.New(cfg.Env)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	eng, err := factory.Build(log, model.Engine)
	if err != nil {
		return fmt.Errorf("build engine for model %q: %w", req.ModelID, err)
	}
	defer eng.Close()

	resp, err := eng.Invoke(context.Background(), req)
	if err != nil {
		return fmt.Errorf("invoke: %w", err)
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if _, err := os.Stdout.Write(out); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
