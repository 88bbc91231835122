// Package gcpvideo adapts gcp.Video to the opaque engine.Engine contract.
// Unlike every other adapter in this tree, it cannot treat req.Input as the
// media bytes: the underlying Video Intelligence client only accepts a GCS
// object URI, not an inline byte payload, so the caller must stage the clip
// in GCS first and pass its URI via req.Params["gcs_uri"]. req.Input is
// ignored.
package gcpvideo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meshinfer/meshinfer/internal/engine"
	"github.com/meshinfer/meshinfer/internal/platform/gcp"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
)

type Engine struct {
	video gcp.Video
}

func New(log *logger.Logger) (*Engine, error) {
	v, err := gcp.NewVideo(log)
	if err != nil {
		return nil, fmt.Errorf("gcpvideo: %w", err)
	}
	return &Engine{video: v}, nil
}

func (e *Engine) Close() error { return e.video.Close() }

// Invoke annotates the clip at req.Params["gcs_uri"]. Returns a plain error
// when that param is missing rather than silently no-opping.
func (e *Engine) Invoke(ctx context.Context, req engine.Request) (*engine.Response, error) {
	gcsURI, _ := req.Params["gcs_uri"].(string)
	if gcsURI == "" {
		return nil, fmt.Errorf("gcpvideo: req.Params[\"gcs_uri\"] is required")
	}

	cfg := gcp.VideoAIConfig{}
	if v, ok := req.Params["language_code"].(string); ok && v != "" {
		cfg.LanguageCode = v
	}

	result, err := e.video.AnnotateVideoGCS(ctx, gcsURI, cfg)
	if err != nil {
		return nil, fmt.Errorf("gcpvideo: annotate: %w", err)
	}

	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("gcpvideo: encode result: %w", err)
	}
	return &engine.Response{Output: out, Meta: map[string]any{"provider": "gcp_video_intelligence"}}, nil
}
