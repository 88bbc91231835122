package oaihttp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meshinfer/meshinfer/internal/engine"
)

func (e *Engine) Close() error { return nil }

// Invoke adapts the chat-completions/embeddings surface above to the opaque
// engine.Engine contract cmd/worker dispatches against.
func (e *Engine) Invoke(ctx context.Context, req engine.Request) (*engine.Response, error) {
	var chat engine.ChatRequest
	if len(req.Input) > 0 {
		if err := json.Unmarshal(req.Input, &chat); err != nil {
			return nil, fmt.Errorf("oaihttp engine: decode request: %w", err)
		}
	}

	if len(chat.Embed) > 0 {
		vecs, err := e.Embed(ctx, req.ModelID, chat.Embed)
		if err != nil {
			return nil, err
		}
		out, err := json.Marshal(vecs)
		if err != nil {
			return nil, err
		}
		return &engine.Response{Output: out}, nil
	}

	text, err := e.GenerateText(ctx, req.ModelID, chat.Messages, chat.Options)
	if err != nil {
		return nil, err
	}
	return &engine.Response{Output: []byte(text)}, nil
}
