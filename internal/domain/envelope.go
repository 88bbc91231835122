package domain

import (
	"encoding/json"
	"time"
)

// Topic names for the broadcast bus. Configurable in practice, but these are
// the stable defaults every component is wired against.
const (
	TopicJobsUpdates        = "jobs.updates"
	TopicJobsCancel         = "jobs.cancel"
	TopicNodesHeartbeat     = "nodes.heartbeat"
	TopicOrchestratorHeartbeat = "orchestrator.heartbeat"
	TopicOrchestratorHandoff   = "orchestrator.handoff"
	TopicResultsReady        = "results.ready"
)

// Envelope is the self-describing wrapper every bus payload is published in.
// Consumers must ignore unknown fields and unknown Type values.
type Envelope struct {
	Type      string          `json:"type"`
	SenderID  string          `json:"sender_id"`
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Body      map[string]any  `json:"body"`
}

// NewEnvelope builds an Envelope by marshaling body through JSON into the
// map[string]any shape every publisher and subscriber shares.
func NewEnvelope(typ, senderID string, sequence uint64, body any) (Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      typ,
		SenderID:  senderID,
		Sequence:  sequence,
		Timestamp: time.Now(),
		Body:      m,
	}, nil
}

// DecodeBody round-trips env.Body through JSON into a concrete type. Bus
// payloads are self-describing and consumers must ignore unknown fields, so
// this is a plain json.Unmarshal, not a strict schema check.
func DecodeBody[T any](body map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(body)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
