package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Load builds a Config from defaults, an optional YAML file at
// path (skipped if empty or missing), and environment variable
// overrides, in that order. A .env file in the working directory is
// loaded first via godotenv.Overload so local/dev configuration
// deterministically controls runtime behavior.
func Load(path string) (Config, error) {
	_ = godotenv.Overload()

	cfg := Defaults()

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config yaml %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config yaml %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
		}
	}
	floatv := func(key string, dst *float64) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	intv := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	str("LORESMITH_MODE", &cfg.Service.Mode)
	str("LORESMITH_HTTP_ADDR", &cfg.Service.HTTPAddr)
	str("LOG_LEVEL", &cfg.LogLevel)

	str("S3_BUCKET", &cfg.S3.Bucket)
	str("S3_REGION", &cfg.S3.Region)
	str("S3_ENDPOINT", &cfg.S3.Endpoint)
	str("S3_ACCESS_KEY", &cfg.S3.AccessKey)
	str("S3_SECRET_KEY", &cfg.S3.SecretKey)
	str("S3_PREFIX", &cfg.S3.Prefix)
	boolean("S3_USE_PATH_STYLE", &cfg.S3.UsePathStyle)

	str("POSTGRES_DSN", &cfg.Postgres.DSN)

	str("QDRANT_DSN", &cfg.Qdrant.DSN)
	str("QDRANT_COLLECTION", &cfg.Qdrant.Collection)
	intv("QDRANT_DIMENSIONS", &cfg.Qdrant.Dimensions)
	str("QDRANT_METRIC", &cfg.Qdrant.Metric)

	boolean("REDIS_ENABLED", &cfg.Redis.Enabled)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	intv("REDIS_DB", &cfg.Redis.DB)

	boolean("KAFKA_ENABLED", &cfg.Kafka.Enabled)
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	str("KAFKA_TOPIC", &cfg.Kafka.Topic)
	str("KAFKA_GROUP_ID", &cfg.Kafka.GroupID)

	boolean("CLICKHOUSE_ENABLED", &cfg.ClickHouse.Enabled)
	str("CLICKHOUSE_ADDR", &cfg.ClickHouse.Addr)
	str("CLICKHOUSE_DATABASE", &cfg.ClickHouse.Database)
	str("CLICKHOUSE_USERNAME", &cfg.ClickHouse.Username)
	str("CLICKHOUSE_PASSWORD", &cfg.ClickHouse.Password)

	boolean("OTEL_ENABLED", &cfg.OTel.Enabled)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTel.OTLPEndpoint)
	str("OTEL_SERVICE_NAME", &cfg.OTel.ServiceName)

	str("LLM_PROVIDER", &cfg.LLM.Provider)
	str("OPENAI_API_KEY", &cfg.LLM.OpenAI.APIKey)
	str("OPENAI_BASE_URL", &cfg.LLM.OpenAI.BaseURL)
	str("OPENAI_CHAT_MODEL", &cfg.LLM.OpenAI.ChatModel)
	str("OPENAI_EMBEDDING_MODEL", &cfg.LLM.OpenAI.EmbeddingModel)
	str("ANTHROPIC_API_KEY", &cfg.LLM.Anthropic.APIKey)
	str("ANTHROPIC_BASE_URL", &cfg.LLM.Anthropic.BaseURL)
	str("ANTHROPIC_MODEL", &cfg.LLM.Anthropic.Model)
	str("GOOGLE_API_KEY", &cfg.LLM.Google.APIKey)
	str("GOOGLE_MODEL", &cfg.LLM.Google.Model)

	str("AUTH_ISSUER", &cfg.Auth.Issuer)
	str("AUTH_AUDIENCE", &cfg.Auth.Audience)

	floatv("DEDUP_SIMILARITY_THRESHOLD", &cfg.Dedup.SimilarityThreshold)
	intv("DEDUP_TOP_K", &cfg.Dedup.TopK)

	duration("QUEUE_BASE_BACKOFF", &cfg.Queue.BaseBackoff)
	duration("QUEUE_MAX_BACKOFF", &cfg.Queue.MaxBackoff)
	floatv("QUEUE_MULTIPLIER", &cfg.Queue.Multiplier)
	intv("QUEUE_MAX_RETRIES_EXTRACTION", &cfg.Queue.MaxRetriesExtraction)
	intv("QUEUE_MAX_RETRIES_FILE_PROCESSING", &cfg.Queue.MaxRetriesFileProc)

	str("WHISPER_MODEL_PATH", &cfg.Transcribe.ModelPath)
	str("WHISPER_LANGUAGE", &cfg.Transcribe.Language)

	if v := strings.TrimSpace(os.Getenv("VECTOR_INDEX_BACKEND")); v != "" {
		cfg.VectorIndex = VectorBackend(v)
	}
	str("PGVECTOR_TABLE", &cfg.PGVector.Table)

	intv("PLANNING_DEFAULT_LIMIT", &cfg.Planning.DefaultLimit)
	intv("PLANNING_CANDIDATE_FANOUT", &cfg.Planning.CandidateFanout)
	floatv("PLANNING_DECAY_RATE", &cfg.Planning.DecayRate)

	boolean("MCP_SESSION_ENABLED", &cfg.MCPSession.Enabled)
	str("MCP_SESSION_SERVER_URL", &cfg.MCPSession.ServerURL)

	str("LORESMITH_LOG_FILE", &cfg.Logging.FilePath)
}

func validate(cfg Config) error {
	switch cfg.Service.Mode {
	case "api", "worker", "all":
	default:
		return fmt.Errorf("invalid LORESMITH_MODE %q: must be api, worker, or all", cfg.Service.Mode)
	}
	if cfg.Qdrant.Dimensions <= 0 {
		return fmt.Errorf("qdrant dimensions must be positive, got %d", cfg.Qdrant.Dimensions)
	}
	if cfg.Embedding.Dimension != cfg.Qdrant.Dimensions {
		return fmt.Errorf("embedding dimension (%d) must match qdrant dimensions (%d)", cfg.Embedding.Dimension, cfg.Qdrant.Dimensions)
	}
	if cfg.Dedup.SimilarityThreshold <= 0 || cfg.Dedup.SimilarityThreshold > 1 {
		return fmt.Errorf("dedup similarity threshold must be in (0,1], got %f", cfg.Dedup.SimilarityThreshold)
	}
	switch cfg.LLM.Provider {
	case "openai", "anthropic", "google":
	default:
		return fmt.Errorf("invalid LLM_PROVIDER %q", cfg.LLM.Provider)
	}
	switch cfg.VectorIndex {
	case VectorBackendQdrant, VectorBackendPGVector:
	default:
		return fmt.Errorf("invalid VECTOR_INDEX_BACKEND %q: must be qdrant or pgvector", cfg.VectorIndex)
	}
	return nil
}
