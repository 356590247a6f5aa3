// Package planning is the Planning Context Service (SPEC_FULL.md
// §4.12): the top-level read path callers use to retrieve
// recency-weighted session-digest context, optionally augmented with
// graph neighbors of query-matched entities. Candidate fusion and
// post-fusion assembly (score first, then optional graph expansion,
// then prune to K) are grounded in this corpus's
// internal/rag/retrieve package — QueryPlan/AssembleResults there
// separate "build a plan" from "run it" the same way Search here
// separates candidate retrieval from recency reweighting and graph
// augmentation.
package planning

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ofisk/loresmith/internal/config"
	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/errs"
	"github.com/ofisk/loresmith/internal/graph"
	"github.com/ofisk/loresmith/internal/llm"
	"github.com/ofisk/loresmith/internal/observability"
	"github.com/ofisk/loresmith/internal/persistence/vectorindex"
	"github.com/ofisk/loresmith/internal/telemetry"
)

// SessionHistory is the subset of the §9 out-of-core MCP session store
// Search uses: a best-effort record of the query against the caller's
// chat session, so a later chat turn can reference "what you just
// searched for". The core never implements this store, only calls it.
type SessionHistory interface {
	AppendMessage(ctx context.Context, sessionID, role, content string) error
}

// Embedder is the subset of the Embedding Service planning needs: an
// ephemeral, never-stored query embed.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// GraphReader is the subset of the Graph Service planning needs to
// attach related entities to a result set.
type GraphReader interface {
	SearchEntitiesByName(ctx context.Context, campaignID, query string, limit int) ([]domain.Entity, error)
	GetNeighbors(ctx context.Context, campaignID, entityID string, maxDepth, maxNodes int) ([]graph.NeighborNode, error)
}

// NameExtractor is the lightweight structured-LLM call SPEC_FULL.md
// §4.12 step 5 uses to pull entity names out of a free-text query.
// Per the spec's open question, there is deliberately no keyword
// fallback: a failure here just means related_entities is empty, since
// the semantic digest search already covers the gap.
type NameExtractor interface {
	ExtractNames(ctx context.Context, query string) ([]string, error)
}

// llmNameExtractor implements NameExtractor over an llm.Provider's
// structured-output call.
type llmNameExtractor struct {
	provider llm.Provider
	model    string
}

// NewLLMNameExtractor adapts an llm.Provider into a NameExtractor.
func NewLLMNameExtractor(provider llm.Provider, model string) NameExtractor {
	return &llmNameExtractor{provider: provider, model: model}
}

var nameSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"names": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required": []any{"names"},
}

func (e *llmNameExtractor) ExtractNames(ctx context.Context, query string) ([]string, error) {
	msgs := []llm.Message{
		{Role: "system", Content: "Extract any proper names of characters, locations, factions, or items mentioned in the user's question. Respond only with the structured names array."},
		{Role: "user", Content: query},
	}
	raw, err := e.provider.StructuredOutput(ctx, msgs, e.model, nameSchema)
	if err != nil {
		return nil, err
	}
	var out struct {
		Names []string `json:"names"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.Validation("name_extraction_response", err)
	}
	return out.Names, nil
}

// Service is the Planning Context Service.
type Service struct {
	embedder Embedder
	index    vectorindex.Index
	graph    GraphReader
	names    NameExtractor
	history  SessionHistory // nil disables session-history recording
	latency  telemetry.QueryLatencyRecorder
	cfg      config.PlanningConfig
}

func New(embedder Embedder, index vectorindex.Index, graph GraphReader, names NameExtractor, latency telemetry.QueryLatencyRecorder, cfg config.PlanningConfig) *Service {
	if latency == nil {
		latency = telemetry.NoopQueryLatencyRecorder
	}
	return &Service{embedder: embedder, index: index, graph: graph, names: names, latency: latency, cfg: cfg}
}

// WithSessionHistory attaches the external MCP session store Search
// best-effort notifies of each query. Returns s for chaining at
// composition-root wiring time.
func (s *Service) WithSessionHistory(history SessionHistory) *Service {
	s.history = history
	return s
}

// Options narrows SPEC_FULL.md §4.12's search parameters.
type Options struct {
	Limit        int
	From, To     *time.Time
	SectionTypes []string
	ApplyRecency bool
	DecayRate    float64 // 0 means use cfg.DecayRate
	SessionID    string  // non-empty enables best-effort session-history recording
}

// Result is one recency-weighted digest match, optionally carrying the
// related entities resolved from the query's extracted names.
type Result struct {
	SessionNumber   *int
	SessionDate     *time.Time
	SectionType     string
	Snippet         string
	Score           float64
	RelatedEntities []graph.NeighborNode
}

// Search runs the full §4.12 pipeline: embed, vector-search digest
// sections, filter by date/section, recency-reweight, attach graph
// neighbors of query-matched entities, sort, and truncate to limit.
func (s *Service) Search(ctx context.Context, tenant, campaignID, query string, opt Options) ([]Result, error) {
	start := time.Now()
	limit := opt.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	fanout := s.cfg.CandidateFanout
	if fanout <= 0 {
		fanout = 2
	}
	decay := opt.DecayRate
	if decay <= 0 {
		decay = s.cfg.DecayRate
	}

	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	matches, err := s.index.Query(ctx, vec, limit*fanout, vectorindex.Filter{
		"tenant":       tenant,
		"campaign_id":  campaignID,
		"content_type": string(domain.ContentSessionDigest),
	})
	if err != nil {
		return nil, err
	}

	sectionOK := map[string]bool{}
	for _, t := range opt.SectionTypes {
		sectionOK[t] = true
	}

	maxSession := 0
	for _, m := range matches {
		if m.Metadata.SessionNum != nil && *m.Metadata.SessionNum > maxSession {
			maxSession = *m.Metadata.SessionNum
		}
	}

	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		if len(sectionOK) > 0 && !sectionOK[m.Metadata.SectionType] {
			continue
		}
		sessionDate := parseSessionDate(m.Metadata)
		if opt.From != nil && sessionDate != nil && sessionDate.Before(*opt.From) {
			continue
		}
		if opt.To != nil && sessionDate != nil && sessionDate.After(*opt.To) {
			continue
		}
		score := m.Score
		if opt.ApplyRecency {
			weight := s.cfg.UnnumberedWeight
			if m.Metadata.SessionNum != nil {
				weight = math.Exp(-decay * float64(maxSession-*m.Metadata.SessionNum))
			}
			score *= weight
		}
		results = append(results, Result{
			SessionNumber: m.Metadata.SessionNum,
			SessionDate:   sessionDate,
			SectionType:   m.Metadata.SectionType,
			Snippet:       m.Metadata.Snippet,
			Score:         score,
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}

	s.attachRelatedEntities(ctx, campaignID, query, results)
	s.recordHistory(ctx, opt.SessionID, query)

	s.latency.RecordSearch(ctx, tenant, campaignID, query, time.Since(start), len(results))
	observability.LoggerWithTrace(ctx).Debug().
		Str("campaign_id", campaignID).
		Int("result_count", len(results)).
		Dur("duration", time.Since(start)).
		Msg("planning_search")
	return results, nil
}

// recordHistory appends the query to the caller's MCP chat session,
// best-effort: a session-store outage must never fail the search
// itself, only get logged.
func (s *Service) recordHistory(ctx context.Context, sessionID, query string) {
	if s.history == nil || sessionID == "" {
		return
	}
	if err := s.history.AppendMessage(ctx, sessionID, "planning_query", query); err != nil {
		observability.LoggerWithTrace(ctx).Debug().Err(err).Str("session_id", sessionID).Msg("planning_session_history_failed")
	}
}

// parseSessionDate reads an RFC3339 session_date stashed in the vector
// metadata's free-form tail; session digests without a date (or a
// vector index whose tail round-trip dropped it) simply never filter.
func parseSessionDate(md domain.VectorMetadata) *time.Time {
	raw, ok := md.Tail["session_date"].(string)
	if !ok || raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

// attachRelatedEntities resolves names found in the query (step 5) to
// up to cfg.RelatedEntityLimit entities and their 2-hop neighbors,
// attaching the same related set to every result. A name-extraction
// failure degrades silently: the semantic digest search above already
// covers the gap, per the spec's explicit no-keyword-fallback decision.
func (s *Service) attachRelatedEntities(ctx context.Context, campaignID, query string, results []Result) {
	if s.names == nil || s.graph == nil || len(results) == 0 {
		return
	}
	names, err := s.names.ExtractNames(ctx, query)
	if err != nil || len(names) == 0 {
		return
	}

	var related []graph.NeighborNode
	seen := map[string]bool{}
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		matches, err := s.graph.SearchEntitiesByName(ctx, campaignID, name, s.cfg.RelatedEntityLimit)
		if err != nil {
			continue
		}
		for _, ent := range matches {
			if seen[ent.ID] || len(related) >= s.cfg.RelatedEntityLimit {
				continue
			}
			seen[ent.ID] = true
			neighbors, err := s.graph.GetNeighbors(ctx, campaignID, ent.ID, s.cfg.RelatedEntityDepth, s.cfg.RelatedEntityLimit)
			if err != nil {
				continue
			}
			related = append(related, graph.NeighborNode{Entity: ent, Depth: 0})
			related = append(related, neighbors...)
			if len(related) >= s.cfg.RelatedEntityLimit {
				break
			}
		}
		if len(related) >= s.cfg.RelatedEntityLimit {
			break
		}
	}
	for i := range results {
		results[i].RelatedEntities = related
	}
}
