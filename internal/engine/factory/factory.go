// Package factory builds a concrete engine.Engine from a ModelConfig's
// engine.Type, the single place cmd/worker's dispatch table is assembled so
// adding a new adapter means one new case here, not a change at every call
// site.
package factory

import (
	"fmt"
	"strings"

	"github.com/meshinfer/meshinfer/internal/config"
	"github.com/meshinfer/meshinfer/internal/engine"
	"github.com/meshinfer/meshinfer/internal/engine/gcpdocai"
	"github.com/meshinfer/meshinfer/internal/engine/gcpspeech"
	"github.com/meshinfer/meshinfer/internal/engine/gcpvideo"
	"github.com/meshinfer/meshinfer/internal/engine/gcpvision"
	"github.com/meshinfer/meshinfer/internal/engine/mock"
	"github.com/meshinfer/meshinfer/internal/engine/oaihttp"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
)

// Build constructs the engine for a single model's engine configuration.
// The returned Engine's Close should be called once the worker process is
// done with it (all current adapters are short-lived, one Invoke per
// process, so callers typically defer Close and exit).
func Build(log *logger.Logger, cfg config.EngineConfig) (engine.Engine, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", "mock":
		return mock.New(), nil
	case "oai_http":
		return oaihttp.New(cfg)
	case "gcp_vision":
		return gcpvision.New(log)
	case "gcp_speech":
		return gcpspeech.New(log)
	case "gcp_docai":
		return gcpdocai.New(log)
	case "gcp_video":
		return gcpvideo.New(log)
	default:
		return nil, fmt.Errorf("factory: unknown engine type %q", cfg.Type)
	}
}

// FindModel returns the ModelConfig in cfg.Models matching modelID.
func FindModel(cfg *config.Config, modelID string) (config.ModelConfig, bool) {
	for _, m := range cfg.Models {
		if m.ID == modelID {
			return m, true
		}
	}
	return config.ModelConfig{}, false
}
