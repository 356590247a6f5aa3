// Package config loads LoreSmith's runtime configuration: defaults,
// then an optional YAML file, then environment variable overrides,
// validated once at startup.
package config

import "time"

// ServiceConfig carries process-level settings (HTTP bind address,
// run mode).
type ServiceConfig struct {
	Mode            string // "api" | "worker" | "all"
	HTTPAddr        string
	ShutdownTimeout time.Duration
}

// S3Config mirrors objectstore.S3Config with yaml-friendly field names.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	Prefix       string `yaml:"prefix"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// PostgresConfig configures the metadata store connection.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
}

// QdrantConfig configures the vector index connection.
type QdrantConfig struct {
	DSN        string `yaml:"dsn"` // host:port?api_key=...
	Collection string `yaml:"collection"`
	Dimensions int    `yaml:"dimensions"`
	Metric     string `yaml:"metric"` // cosine | dot | euclid
}

// RedisConfig configures the optional, perf-only Redis layer (dedup
// embedding cache + queue rate-limit mirror). Disabled is a valid,
// supported state: every consumer falls back to a direct call or the
// Postgres source of truth.
type RedisConfig struct {
	Enabled               bool   `yaml:"enabled"`
	Addr                  string `yaml:"addr"`
	Password              string `yaml:"password"`
	DB                    int    `yaml:"db"`
	TLSInsecureSkipVerify bool   `yaml:"tls_insecure_skip_verify"`
}

// KafkaConfig configures the wake-up notification topic layered over
// the Postgres-authoritative ingestion queue.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// ClickHouseConfig configures the telemetry analytics sink.
type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// OTelConfig configures OpenTelemetry export.
type OTelConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// OpenAIConfig configures the primary LLM/embedding provider.
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	ChatModel      string `yaml:"chat_model"`
	EmbeddingModel string `yaml:"embedding_model"`
}

// AnthropicConfig configures the alternate structured-output provider.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// GoogleConfig configures the Gemini chat-only provider.
type GoogleConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// LLMConfig selects and configures the active provider.
type LLMConfig struct {
	Provider  string          `yaml:"provider"` // "openai" (default) | "anthropic" | "google"
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Google    GoogleConfig    `yaml:"google"`
}

// AuthConfig configures bearer-token validation via an external OIDC
// issuer's JWKS endpoint.
type AuthConfig struct {
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// ExtractorConfig bounds the File Extractor's memory envelope and PDF
// batching.
type ExtractorConfig struct {
	MemoryLimitMB float64       `yaml:"memory_limit_mb"`
	PDFBatchPages int           `yaml:"pdf_batch_pages"`
	PDFBatchYield time.Duration `yaml:"pdf_batch_yield"`
}

// ChunkPlannerConfig bounds when and how a File is split.
type ChunkPlannerConfig struct {
	PDFSizeThresholdMB    float64 `yaml:"pdf_size_threshold_mb"`
	PDFLargeThresholdMB   float64 `yaml:"pdf_large_threshold_mb"`
	PDFPagesPerChunk      int     `yaml:"pdf_pages_per_chunk"`
	PDFPagesPerChunkLarge int     `yaml:"pdf_pages_per_chunk_large"`
	PDFBytesPerPage       int64   `yaml:"pdf_bytes_per_page"`
	NonPDFSizeThresholdMB float64 `yaml:"non_pdf_size_threshold_mb"`
	NonPDFChunkSizeMB     float64 `yaml:"non_pdf_chunk_size_mb"`
}

// EmbeddingConfig bounds the Embedding Service's call shape.
type EmbeddingConfig struct {
	Dimension       int `yaml:"dimension"`
	MaxCharsPerCall int `yaml:"max_chars_per_call"`
	ChunkSize       int `yaml:"chunk_size"`
	BatchSize       int `yaml:"batch_size"`
	WarnThreshold   int `yaml:"warn_threshold"`
}

// DedupConfig bounds the Semantic Deduplicator's threshold, configurable
// per the Open Question resolution recorded in DESIGN.md.
type DedupConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	TopK                int     `yaml:"top_k"`
}

// StagingConfig bounds the Entity Staging Service's chunking and retry
// policy.
type StagingConfig struct {
	MaxCharsPerChunk int           `yaml:"max_chars_per_chunk"`
	InterChunkDelay  time.Duration `yaml:"inter_chunk_delay"`
	MaxRetries       int           `yaml:"max_retries"`
	BaseBackoff      time.Duration `yaml:"base_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	RateLimitPause   time.Duration `yaml:"rate_limit_pause"`
}

// QueueConfig bounds the Ingestion Queue's retry/backoff/fairness
// policy, configurable per the Open Question resolution recorded in
// DESIGN.md.
type QueueConfig struct {
	BaseBackoff          time.Duration `yaml:"base_backoff"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`
	Multiplier           float64       `yaml:"multiplier"`
	RetryAfterBuffer     float64       `yaml:"retry_after_buffer"` // 0.10 = 10%
	MaxRetriesExtraction int           `yaml:"max_retries_extraction"`
	MaxRetriesFileProc   int           `yaml:"max_retries_file_processing"`
	BatchPerTenant       int           `yaml:"batch_per_tenant"`
	LeaseDuration        time.Duration `yaml:"lease_duration"`
	PollInterval         time.Duration `yaml:"poll_interval"`
}

// RebuildConfig bounds the rebuild trigger's decision thresholds.
type RebuildConfig struct {
	FullImpactThreshold   int     `yaml:"full_impact_threshold"`
	FullFractionThreshold float64 `yaml:"full_fraction_threshold"` // 0.20 = 20%
	RelationshipWeight    float64 `yaml:"relationship_weight"`
	LabelPropagationIters int     `yaml:"label_propagation_iters"`
	PageRankDamping       float64 `yaml:"pagerank_damping"`
	PageRankIters         int     `yaml:"pagerank_iters"`
	PageRankTolerance     float64 `yaml:"pagerank_tolerance"`
	WorkerPoolSize        int     `yaml:"worker_pool_size"`
}

// MaintenanceConfig bounds scheduled sweeps.
type MaintenanceConfig struct {
	StuckFileTimeout time.Duration `yaml:"stuck_file_timeout"`
	StagingGCAge     time.Duration `yaml:"staging_gc_age"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// PlanningConfig bounds the Planning Context Service's search (§4.12).
type PlanningConfig struct {
	DefaultLimit       int     `yaml:"default_limit"`
	CandidateFanout    int     `yaml:"candidate_fanout"` // topK = CandidateFanout * limit
	DecayRate          float64 `yaml:"decay_rate"`
	UnnumberedWeight    float64 `yaml:"unnumbered_weight"`
	RelatedEntityLimit int     `yaml:"related_entity_limit"`
	RelatedEntityDepth int     `yaml:"related_entity_depth"`
}

// VectorBackend selects which Index implementation the composition
// root wires: Qdrant (default, dedicated ANN service) or pgvector
// (co-located in the same Postgres instance as the metadata store, for
// single-binary deployments that don't want a second stateful service).
type VectorBackend string

const (
	VectorBackendQdrant   VectorBackend = "qdrant"
	VectorBackendPGVector VectorBackend = "pgvector"
)

// PGVectorConfig configures the pgvector-backed Index alternative.
type PGVectorConfig struct {
	Table string `yaml:"table"`
}

// TranscribeConfig configures the Whisper-backed audio transcription
// supplement.
type TranscribeConfig struct {
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
}

// MCPSessionConfig configures the external MCP session-store client.
type MCPSessionConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ServerURL string `yaml:"server_url"`
}

// LoggingConfig configures the package-wide logrus logger
// (internal/logging). FilePath is optional; empty means stdout-only.
type LoggingConfig struct {
	FilePath string `yaml:"file_path"`
}

// Config is the fully assembled runtime configuration.
type Config struct {
	Service     ServiceConfig
	LogLevel    string
	S3          S3Config
	Postgres    PostgresConfig
	VectorIndex VectorBackend
	Qdrant      QdrantConfig
	PGVector    PGVectorConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	ClickHouse  ClickHouseConfig
	OTel        OTelConfig
	LLM         LLMConfig
	Auth        AuthConfig
	Extractor   ExtractorConfig
	ChunkPlan   ChunkPlannerConfig
	Embedding   EmbeddingConfig
	Dedup       DedupConfig
	Staging     StagingConfig
	Queue       QueueConfig
	Rebuild     RebuildConfig
	Maintenance MaintenanceConfig
	Planning    PlanningConfig
	Transcribe  TranscribeConfig
	MCPSession  MCPSessionConfig
	Logging     LoggingConfig
}

// Defaults returns a Config with every documented default applied.
// Load() starts from this, then overlays YAML, then environment.
func Defaults() Config {
	return Config{
		Service: ServiceConfig{
			Mode:            "all",
			HTTPAddr:        ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		LogLevel:    "info",
		VectorIndex: VectorBackendQdrant,
		Qdrant: QdrantConfig{
			Collection: "loresmith",
			Dimensions: 768,
			Metric:     "cosine",
		},
		PGVector: PGVectorConfig{Table: "vector_records"},
		Postgres: PostgresConfig{MaxConns: 10, MinConns: 1},
		Kafka:    KafkaConfig{Topic: "ingestion.wakeups"},
		LLM: LLMConfig{
			Provider: "openai",
			OpenAI: OpenAIConfig{
				ChatModel:      "gpt-4o-mini",
				EmbeddingModel: "text-embedding-3-small",
			},
		},
		Extractor: ExtractorConfig{
			MemoryLimitMB: 128,
			PDFBatchPages: 50,
			PDFBatchYield: 10 * time.Millisecond,
		},
		ChunkPlan: ChunkPlannerConfig{
			PDFSizeThresholdMB:    100,
			PDFLargeThresholdMB:   200,
			PDFPagesPerChunk:      100,
			PDFPagesPerChunkLarge: 50,
			PDFBytesPerPage:       150 * 1024,
			NonPDFSizeThresholdMB: 128,
			NonPDFChunkSizeMB:     10,
		},
		Embedding: EmbeddingConfig{
			Dimension:       768,
			MaxCharsPerCall: 4000,
			ChunkSize:       3500,
			BatchSize:       1000,
			WarnThreshold:   5000,
		},
		Dedup: DedupConfig{SimilarityThreshold: 0.88, TopK: 5},
		Staging: StagingConfig{
			MaxCharsPerChunk: 42000,
			InterChunkDelay:  2 * time.Second,
			MaxRetries:       3,
			BaseBackoff:      2 * time.Second,
			MaxBackoff:       30 * time.Second,
			RateLimitPause:   5 * time.Second,
		},
		Queue: QueueConfig{
			BaseBackoff:          2 * time.Second,
			MaxBackoff:           300 * time.Second,
			Multiplier:           2.0,
			RetryAfterBuffer:     0.10,
			MaxRetriesExtraction: 5,
			MaxRetriesFileProc:   3,
			BatchPerTenant:       10,
			LeaseDuration:        5 * time.Minute,
			PollInterval:         2 * time.Second,
		},
		Rebuild: RebuildConfig{
			FullImpactThreshold:   20,
			FullFractionThreshold: 0.20,
			RelationshipWeight:    0.5,
			LabelPropagationIters: 20,
			PageRankDamping:       0.85,
			PageRankIters:         100,
			PageRankTolerance:     1e-6,
			WorkerPoolSize:        4,
		},
		Maintenance: MaintenanceConfig{
			StuckFileTimeout: 10 * time.Minute,
			StagingGCAge:     24 * time.Hour,
			SweepInterval:    1 * time.Minute,
		},
		Planning: PlanningConfig{
			DefaultLimit:       10,
			CandidateFanout:    2,
			DecayRate:          0.1,
			UnnumberedWeight:   0.5,
			RelatedEntityLimit: 5,
			RelatedEntityDepth: 2,
		},
	}
}
