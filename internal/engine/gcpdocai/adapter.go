// Package gcpdocai adapts gcp.Document to the opaque engine.Engine
// contract: Invoke treats req.Input as document bytes (PDF/image) and
// returns a JSON-marshaled gcp.DocAIResult.
package gcpdocai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meshinfer/meshinfer/internal/engine"
	"github.com/meshinfer/meshinfer/internal/platform/gcp"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
)

type Engine struct {
	doc gcp.Document
}

func New(log *logger.Logger) (*Engine, error) {
	d, err := gcp.NewDocument(log)
	if err != nil {
		return nil, fmt.Errorf("gcpdocai: %w", err)
	}
	return &Engine{doc: d}, nil
}

func (e *Engine) Close() error { return e.doc.Close() }

// Invoke runs synchronous ProcessDocument over req.Input. Params must carry
// "project_id", "location", and "processor_id"; "processor_version" and
// "mime_type" are optional.
func (e *Engine) Invoke(ctx context.Context, req engine.Request) (*engine.Response, error) {
	projectID, _ := req.Params["project_id"].(string)
	location, _ := req.Params["location"].(string)
	processorID, _ := req.Params["processor_id"].(string)
	processorVersion, _ := req.Params["processor_version"].(string)
	mimeType, _ := req.Params["mime_type"].(string)
	if mimeType == "" {
		mimeType = "application/pdf"
	}

	result, err := e.doc.ProcessBytes(ctx, gcp.DocAIProcessBytesRequest{
		ProjectID:        projectID,
		Location:         location,
		ProcessorID:      processorID,
		ProcessorVersion: processorVersion,
		MimeType:         mimeType,
		Data:             req.Input,
	})
	if err != nil {
		return nil, fmt.Errorf("gcpdocai: process: %w", err)
	}

	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("gcpdocai: encode result: %w", err)
	}
	return &engine.Response{Output: out, Meta: map[string]any{"provider": result.Provider}}, nil
}
