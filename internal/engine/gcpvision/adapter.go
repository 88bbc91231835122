// Package gcpvision adapts gcp.Vision to the opaque engine.Engine
// contract: Invoke treats req.Input as image bytes and returns a
// JSON-marshaled gcp.VisionOCRResult.
package gcpvision

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meshinfer/meshinfer/internal/engine"
	"github.com/meshinfer/meshinfer/internal/platform/gcp"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
)

type Engine struct {
	vision gcp.Vision
}

func New(log *logger.Logger) (*Engine, error) {
	v, err := gcp.NewVision(log)
	if err != nil {
		return nil, fmt.Errorf("gcpvision: %w", err)
	}
	return &Engine{vision: v}, nil
}

func (e *Engine) Close() error { return e.vision.Close() }

// Invoke runs document-text-detection OCR over req.Input. An optional
// "mime_type" param selects the image encoding; defaults to image/png.
func (e *Engine) Invoke(ctx context.Context, req engine.Request) (*engine.Response, error) {
	mimeType := "image/png"
	if v, ok := req.Params["mime_type"].(string); ok && v != "" {
		mimeType = v
	}

	result, err := e.vision.OCRImageBytes(ctx, req.Input, mimeType)
	if err != nil {
		return nil, fmt.Errorf("gcpvision: ocr: %w", err)
	}

	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("gcpvision: encode result: %w", err)
	}
	return &engine.Response{Output: out, Meta: map[string]any{"provider": result.Provider}}, nil
}
