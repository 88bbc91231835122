// Package gcpspeech adapts gcp.Speech to the opaque engine.Engine
// contract: Invoke treats req.Input as audio bytes and returns a
// JSON-marshaled gcp.SpeechResult.
package gcpspeech

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meshinfer/meshinfer/internal/engine"
	"github.com/meshinfer/meshinfer/internal/platform/gcp"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
)

type Engine struct {
	speech gcp.Speech
}

func New(log *logger.Logger) (*Engine, error) {
	s, err := gcp.NewSpeech(log)
	if err != nil {
		return nil, fmt.Errorf("gcpspeech: %w", err)
	}
	return &Engine{speech: s}, nil
}

func (e *Engine) Close() error { return e.speech.Close() }

// Invoke transcribes req.Input. Params may carry "mime_type",
// "language_code", and "diarize" to shape the recognition config; absent
// values fall back to SpeechConfig's plain defaults (en-US, no
// diarization).
func (e *Engine) Invoke(ctx context.Context, req engine.Request) (*engine.Response, error) {
	cfg := gcp.SpeechConfig{
		LanguageCode:               "en-US",
		EnableAutomaticPunctuation: true,
		EnableWordTimeOffsets:      true,
	}
	if v, ok := req.Params["language_code"].(string); ok && v != "" {
		cfg.LanguageCode = v
	}
	if v, ok := req.Params["diarize"].(bool); ok {
		cfg.EnableSpeakerDiarization = v
	}
	mimeType := ""
	if v, ok := req.Params["mime_type"].(string); ok {
		mimeType = v
	}

	result, err := e.speech.TranscribeAudioBytes(ctx, req.Input, mimeType, cfg)
	if err != nil {
		return nil, fmt.Errorf("gcpspeech: transcribe: %w", err)
	}

	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("gcpspeech: encode result: %w", err)
	}
	return &engine.Response{Output: out, Meta: map[string]any{"provider": result.Provider}}, nil
}
