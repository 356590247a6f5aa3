// Package embed is the Embedding Service (SPEC_FULL.md §4.4): it turns
// text spans into fixed-dimension vectors and batch-inserts them into
// the vector index under a deterministic id scheme. The real path
// calls an llm.Provider's Embed; the fallback path — used whenever
// that call fails — is a hash-seeded deterministic pseudo-embedding
// grounded in this corpus's internal/rag/embedder.deterministicEmbedder,
// generalized from signed hash weights to sine-in-[0,1] and tagged
// fallback=true so consumers can down-weight it.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/ofisk/loresmith/internal/config"
	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/errs"
	"github.com/ofisk/loresmith/internal/llm"
	"github.com/ofisk/loresmith/internal/observability"
	"github.com/ofisk/loresmith/internal/persistence/vectorindex"
)

// Provider is the subset of llm.Provider the Embedding Service needs.
type Provider interface {
	Embed(ctx context.Context, texts []string, model string) ([]llm.EmbedResult, error)
}

// Service implements SPEC_FULL.md §4.4 over a Provider and a vector
// Index.
type Service struct {
	provider Provider
	index    vectorindex.Index
	model    string
	cfg      config.EmbeddingConfig
}

func New(provider Provider, index vectorindex.Index, model string, cfg config.EmbeddingConfig) *Service {
	return &Service{provider: provider, index: index, model: model, cfg: cfg}
}

// Span is one text span to embed and persist, already associated with
// whatever id the caller uses to derive a VectorID suffix.
type Span struct {
	Text       string
	MetadataID string // e.g. file_key, or chunk id
	Suffix     string // distinguishes multiple vectors derived from the same MetadataID
	Metadata   domain.VectorMetadata
}

// EmbedAndStore truncates, embeds (falling back to a deterministic
// pseudo-embedding on provider failure), and batch-inserts spans into
// the vector index in groups of cfg.BatchSize. It returns the
// VectorIDs in input order.
func (s *Service) EmbedAndStore(ctx context.Context, spans []Span) ([]string, error) {
	if len(spans) == 0 {
		return nil, nil
	}
	if len(spans) > s.cfg.WarnThreshold {
		log := observability.LoggerWithTrace(ctx)
		log.Warn().Int("count", len(spans)).Int("threshold", s.cfg.WarnThreshold).Msg("embedding_batch_unusually_large")
	}

	texts := make([]string, len(spans))
	for i, sp := range spans {
		texts[i] = truncate(sp.Text, s.cfg.MaxCharsPerCall)
	}

	vectors, fallback := s.embedAll(ctx, texts)

	ids := make([]string, len(spans))
	records := make([]domain.VectorRecord, len(spans))
	for i, sp := range spans {
		id := VectorID(sp.MetadataID, sp.Suffix)
		ids[i] = id
		md := sp.Metadata
		md.Model = s.model
		md.Fallback = fallback
		md.Snippet = sanitizeSnippet(sp.Text)
		records[i] = domain.VectorRecord{VectorID: id, Values: vectors[i], Metadata: md}
	}

	for start := 0; start < len(records); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(records) {
			end = len(records)
		}
		if err := s.index.Upsert(ctx, records[start:end]); err != nil {
			return nil, errs.Transient("embedding_upsert", err)
		}
	}
	return ids, nil
}

// EmbedQuery embeds a single ephemeral string (a search query) without
// writing it to the index, falling back to the deterministic
// pseudo-embedding on provider failure like every other embed path.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, _ := s.embedAll(ctx, []string{truncate(text, s.cfg.MaxCharsPerCall)})
	return vectors[0], nil
}

// Embed satisfies dedup.Embedder: the dedup candidate check embeds
// exactly one piece of text and never writes it to the index.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.EmbedQuery(ctx, text)
}

// embedAll calls the provider once for the whole batch; on any error it
// falls back to the deterministic embedder for every text in the
// batch, so a record set is never partially real/partially synthetic.
func (s *Service) embedAll(ctx context.Context, texts []string) ([][]float32, bool) {
	results, err := s.provider.Embed(ctx, texts, s.model)
	if err == nil && len(results) == len(texts) {
		vectors := make([][]float32, len(texts))
		valid := true
		for i, r := range results {
			if !validDimension(r.Vector, s.cfg.Dimension) {
				valid = false
				break
			}
			vectors[i] = r.Vector
		}
		if valid {
			return vectors, false
		}
	}
	log := observability.LoggerWithTrace(ctx)
	log.Error().Err(err).Msg("embedding_provider_failed_using_fallback")
	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		vectors[i] = deterministicEmbedding(t, s.cfg.Dimension)
	}
	return vectors, true
}

func validDimension(v []float32, dim int) bool {
	if len(v) != dim {
		return false
	}
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
	}
	return true
}

// PreSplit splits text into chunks of at most chunkSize characters,
// preferring sentence boundaries, for callers whose source text
// exceeds config.EmbeddingConfig.ChunkSize (the EMBEDDING_CHUNK_SIZE
// the caller must pre-split by before handing spans to EmbedAndStore).
func PreSplit(text string, chunkSize int) []string {
	if chunkSize <= 0 || len(text) <= chunkSize {
		return []string{text}
	}
	var out []string
	for len(text) > chunkSize {
		cut := chunkSize
		if idx := strings.LastIndexAny(text[:chunkSize], ".!?"); idx > chunkSize/2 {
			cut = idx + 1
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if len(text) > 0 {
		out = append(out, text)
	}
	return out
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}

// sanitizeSnippet strips control characters, collapses whitespace, and
// caps the result at 200 characters for debugging purposes only.
func sanitizeSnippet(s string) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if unicode.IsSpace(r) {
			if lastSpace {
				continue
			}
			lastSpace = true
			b.WriteRune(' ')
			continue
		}
		lastSpace = false
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if len(out) > 200 {
		out = out[:200]
	}
	return out
}

// VectorID derives the deterministic id v_<48 hex chars> of
// SHA-256(metadataID + suffix), per SPEC_FULL.md's VectorRecord id
// scheme (§3).
func VectorID(metadataID, suffix string) string {
	h := sha256.Sum256([]byte(metadataID + suffix))
	return "v_" + hex.EncodeToString(h[:])[:48]
}

// deterministicEmbedding is the fallback pseudo-embedding: a hash-seeded
// sine wave in [0,1] per dimension, grounded in
// internal/rag/embedder.deterministicEmbedder's 3-gram FNV hashing,
// generalized from signed weights accumulated per-gram to one
// sine-shaped value per output dimension so every dimension gets a
// distinct, deterministic, finite value regardless of text length.
func deterministicEmbedding(text string, dim int) []float32 {
	if dim <= 0 {
		dim = 768
	}
	v := make([]float32, dim)
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()
	for i := range v {
		hh := fnv.New64a()
		_, _ = hh.Write([]byte(fmt.Sprintf("%d:%d", seed, i)))
		hv := hh.Sum64()
		v[i] = float32((math.Sin(float64(hv)) + 1) / 2)
	}
	return v
}
