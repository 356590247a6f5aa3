// Package dedup is the Semantic Deduplicator (SPEC_FULL.md §4.6): given
// a candidate entity, it queries the vector index scoped to
// campaign+type and reports whether an existing entity should
// absorb it. The query-embedding cache is grounded in this corpus's
// internal/skills.RedisSkillsCache (Redis-backed, TTL'd, nil-safe
// no-op when disabled) — a pure performance cache: a miss or Redis
// outage always falls back to calling the embedder directly.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ofisk/loresmith/internal/config"
	"github.com/ofisk/loresmith/internal/observability"
	"github.com/ofisk/loresmith/internal/persistence/vectorindex"
)

// Embedder is the subset of the Embedding Service dedup needs: a
// single-text embed that never fails (falls back internally).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Result is the advisory dedup verdict; the caller decides whether to
// merge or skip.
type Result struct {
	Duplicate  bool
	ExistingID string
	Score      float64
}

type Service struct {
	embedder Embedder
	index    vectorindex.Index
	cache    *queryCache
	cfg      config.DedupConfig
}

func New(embedder Embedder, index vectorindex.Index, redisCfg config.RedisConfig, ttl time.Duration, cfg config.DedupConfig) *Service {
	return &Service{embedder: embedder, index: index, cache: newQueryCache(redisCfg, ttl), cfg: cfg}
}

// IsDuplicate embeds candidateText (via the cache when available),
// queries the vector index for the topK nearest entities of the same
// campaign+type, and reports a duplicate when the best match clears
// the configured threshold and isn't excludeID. Only the first match
// the index returns is considered; among equal-score matches that is
// whichever the index happens to list first, since no Index
// implementation orders ties by entity age.
func (s *Service) IsDuplicate(ctx context.Context, candidateText, campaignID, entityType, excludeID string) (Result, error) {
	vec, err := s.embedWithCache(ctx, candidateText, campaignID, entityType)
	if err != nil {
		return Result{}, err
	}

	matches, err := s.index.Query(ctx, vec, s.cfg.TopK, vectorindex.Filter{
		"campaign_id":  campaignID,
		"content_type": "entity",
		"entity_type":  entityType,
	})
	if err != nil {
		return Result{}, err
	}
	if len(matches) == 0 {
		return Result{}, nil
	}

	top := matches[0]
	if top.Score >= s.cfg.SimilarityThreshold && top.VectorID != excludeID {
		return Result{Duplicate: true, ExistingID: top.VectorID, Score: top.Score}, nil
	}
	return Result{Score: top.Score}, nil
}

func (s *Service) embedWithCache(ctx context.Context, text, campaignID, entityType string) ([]float32, error) {
	key := cacheKey(text, campaignID, entityType)
	if vec, ok := s.cache.get(ctx, key); ok {
		return vec, nil
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	s.cache.set(ctx, key, vec)
	return vec, nil
}

func cacheKey(text, campaignID, entityType string) string {
	h := sha256.Sum256([]byte(campaignID + "\x00" + entityType + "\x00" + text))
	return "dedup:embed:" + hex.EncodeToString(h[:])
}

// queryCache is a thin Redis-backed cache for candidate-text
// embeddings, nil-safe so a disabled/unreachable Redis never blocks a
// dedup call.
type queryCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func newQueryCache(cfg config.RedisConfig, ttl time.Duration) *queryCache {
	if !cfg.Enabled {
		return &queryCache{}
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return &queryCache{}
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &queryCache{client: client, ttl: ttl}
}

func (c *queryCache) get(ctx context.Context, key string) ([]float32, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log := observability.LoggerWithTrace(ctx)
			log.Debug().Err(err).Str("key", key).Msg("dedup_cache_get_error")
		}
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal([]byte(val), &vec); err != nil {
		return nil, false
	}
	return vec, true
}

func (c *queryCache) set(ctx context.Context, key string, vec []float32) {
	if c == nil || c.client == nil {
		return
	}
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		log := observability.LoggerWithTrace(ctx)
		log.Debug().Err(err).Str("key", key).Msg("dedup_cache_set_error")
	}
}
