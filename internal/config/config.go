package config

import "time"

type Duration struct {
	Duration time.Duration
}

type HTTPConfig struct {
	Addr              string   `json:"addr"`
	ReadHeaderTimeout Duration `json:"read_header_timeout"`
	IdleTimeout       Duration `json:"idle_timeout"`
	ShutdownTimeout   Duration `json:"shutdown_timeout"`
	MaxRequestBytes   int64    `json:"max_request_bytes"`

	// EnableOAICompat exposes an OpenAI-protocol compatibility surface under `/compat/oai/*`.
	// This is intended for debugging and transitional migrations; the native API is `/v1/*`.
	EnableOAICompat bool `json:"enable_oai_compat,omitempty"`
}

type JSONSchemaConfig struct {
	// Mode controls how the gateway enforces/requests JSON schema outputs from upstream engines.
	// - "none": ignore schema hints (best-effort)
	// - "guided_json": send guided decoding fields to the upstream OpenAI-compatible server (vLLM-style)
	// - "prompt": append a system instruction with the schema text and retry on invalid JSON
	// - "auto": try guided_json, then fall back to prompt
	Mode string `json:"mode,omitempty"`

	// MaxRetries is the number of additional attempts when strict JSON is requested and output is invalid.
	// Total attempts = 1 + MaxRetries.
	MaxRetries int `json:"max_retries,omitempty"`

	// MaxPromptBytes caps how much schema JSON can be injected into a prompt when Mode includes "prompt".
	MaxPromptBytes int `json:"max_prompt_bytes,omitempty"`
}

type EngineConfig struct {
	Type string `json:"type"`

	// BaseURL is the upstream engine base URL (for "oai_http" engines).
	BaseURL string `json:"base_url,omitempty"`

	// APIKey is optional; when set, the gateway sends `Authorization: Bearer <api_key>` to the upstream.
	APIKey string `json:"api_key,omitempty"`

	// OpenAI-compatible endpoint paths (defaults are used if empty).
	ChatCompletionsPath string `json:"chat_completions_path,omitempty"`
	EmbeddingsPath      string `json:"embeddings_path,omitempty"`

	// Default upstream timeouts. Streaming requests should rely on client cancellation.
	Timeout       Duration `json:"timeout,omitempty"`
	StreamTimeout Duration `json:"stream_timeout,omitempty"`

	JSONSchema JSONSchemaConfig `json:"json_schema,omitempty"`
}

type ModelConfig struct {
	ID string `json:"id"`

	// UpstreamModel overrides the model name sent to the engine. Defaults to ID.
	UpstreamModel string `json:"upstream_model,omitempty"`

	Engine EngineConfig `json:"engine"`
}

// FleetConfig controls heartbeat cadence and staleness thresholds shared by
// NodeRegistry, PeerCoordinator, and HeartbeatEmitter.
type FleetConfig struct {
	HeartbeatInterval    Duration `json:"heartbeat_interval"`
	StaleAfterMultiplier  float64 `json:"stale_after_multiplier"`
	EvictAfterMultiplier  float64 `json:"evict_after_multiplier"`
	ReconcileInterval    Duration `json:"reconcile_interval"`

	// HandoffLoadThreshold is the local-capacity fraction above which a
	// replica starts offering jobs to peers (default 0.8).
	HandoffLoadThreshold float64 `json:"handoff_load_threshold"`
	// HandoffPeerMaxLoad is the peer load fraction below which an offer is
	// made (default 0.5).
	HandoffPeerMaxLoad float64 `json:"handoff_peer_max_load"`
}

// NodeDaemonConfig controls a single node's local resource and cache
// budgets.
type NodeDaemonConfig struct {
	CPUFraction       float64  `json:"cpu_fraction"`
	MemoryBytes       int64    `json:"memory_bytes"`
	AcceleratorSlots  int      `json:"accelerator_slots"`
	CacheBudgetBytes  int64    `json:"cache_budget_bytes"`
	WorkerTimeout     Duration `json:"worker_timeout"`
	SQLitePath        string   `json:"sqlite_path"`
}

// RedisConfig backs both the topic bus and the mutable-name registry.
type RedisConfig struct {
	Addr string `json:"addr"`
	DB   int    `json:"db"`
}

// BlobStoreConfig selects and configures the content-addressed blob store.
type BlobStoreConfig struct {
	// Backend is "local" or "gcs".
	Backend   string `json:"backend"`
	LocalDir  string `json:"local_dir,omitempty"`
	GCSBucket string `json:"gcs_bucket,omitempty"`
}

// PostgresConfig backs the optional JobManager secondary index.
type PostgresConfig struct {
	DSN string `json:"dsn"`
}

// TemporalConfig backs the Pipeline pattern's durable workflow execution.
type TemporalConfig struct {
	HostPort  string `json:"host_port"`
	Namespace string `json:"namespace"`
	TaskQueue string `json:"task_queue"`
}

// AuthConfig configures dispatch-auth token signing and node-join secret
// verification.
type AuthConfig struct {
	JWTSigningKey  string   `json:"jwt_signing_key"`
	TokenTTL       Duration `json:"token_ttl"`
	NodeJoinSecretHash string `json:"node_join_secret_hash"`
}

// RateLimitConfig bounds client submissions per owner.
type RateLimitConfig struct {
	TokensPerMinute int `json:"tokens_per_minute"`
}

type Config struct {
	Env    string        `json:"env"`
	HTTP   HTTPConfig    `json:"http"`
	Models []ModelConfig `json:"models"`

	Fleet      FleetConfig      `json:"fleet"`
	NodeDaemon NodeDaemonConfig `json:"node_daemon"`
	Redis      RedisConfig      `json:"redis"`
	BlobStore  BlobStoreConfig  `json:"blob_store"`
	Postgres   PostgresConfig   `json:"postgres"`
	Temporal   TemporalConfig   `json:"temporal"`
	Auth       AuthConfig       `json:"auth"`
	RateLimit  RateLimitConfig  `json:"rate_limit"`

	// PeerSeeds lists other orchestrator replica endpoints to bootstrap
	// PeerCoordinator's handoff protocol against.
	PeerSeeds []string `json:"peer_seeds,omitempty"`

	OrchestratorID string `json:"orchestrator_id,omitempty"`
	NodeID         string `json:"node_id,omitempty"`
}
