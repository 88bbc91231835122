// Package engine defines the opaque "load and invoke" inference capability
// that cmd/worker dispatches to. Every concrete engine treats its model as a
// black box: accept bytes and a model id, return bytes.
package engine

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type JSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict"`
}

type GenerateOptions struct {
	Temperature float64     `json:"temperature,omitempty"`
	JSONSchema  *JSONSchema `json:"json_schema,omitempty"`
}

// ChatEngine is the richer, role/content-turn shaped capability implemented
// by the text-generation adapters (oaihttp, mock).
type ChatEngine interface {
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, error)
	GenerateText(ctx context.Context, model string, messages []Message, opts GenerateOptions) (string, error)
	StreamText(ctx context.Context, model string, messages []Message, opts GenerateOptions, onDelta func(delta string)) (full string, err error)
}

// Request is the work descriptor cmd/worker decodes from its stdin JSON
// envelope and hands to an Engine. Input is interpreted by each engine:
// chat-shaped engines expect a JSON-encoded ChatRequest; the GCP media
// engines expect raw bytes (image/audio/document/video).
type Request struct {
	ModelID string         `json:"model_id"`
	Input   []byte         `json:"input"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response is what cmd/worker encodes back to stdout on success.
type Response struct {
	Output []byte         `json:"output"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Engine is the capability every concrete adapter implements; it is what
// cmd/worker's dispatch table is keyed by.
type Engine interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
	Close() error
}

// ChatRequest is the JSON shape of Request.Input for ChatEngine-backed
// adapters. Exactly one of Messages or Embed is populated.
type ChatRequest struct {
	Messages []Message       `json:"messages,omitempty"`
	Options  GenerateOptions `json:"options,omitempty"`
	Embed    []string        `json:"embed,omitempty"`
}
