// Package staging is the Entity Staging Service (SPEC_FULL.md §4.7),
// the ingestion pipeline's most complex orchestrator: it extracts
// content, chunks it to the LLM's budget, calls the Entity Extraction
// Service per chunk with rate-limit-aware retry, merges entities
// across chunks, applies semantic dedup, writes staging-status
// entities and relationships, and triggers a batch importance
// recompute. The sequential-with-delay chunk loop and exponential
// backoff follow this corpus's general retry idiom (bounded,
// capped-backoff, continue-on-exhaustion); nothing in the teacher
// processes chunks this way directly, so the loop shape is original to
// this package, grounded in SPEC_FULL.md's explicit step list rather
// than a specific teacher file.
package staging

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ofisk/loresmith/internal/config"
	"github.com/ofisk/loresmith/internal/dedup"
	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/errs"
	"github.com/ofisk/loresmith/internal/extraction"
	"github.com/ofisk/loresmith/internal/observability"
)

// ContentProvider fetches the resource's raw text content. The direct
// file-read provider is the default; an AI-search-based provider is a
// pluggable alternative per SPEC_FULL.md §4.7 step 1.
type ContentProvider interface {
	FetchContent(ctx context.Context, resourceID string) (string, error)
}

// RangedContentProvider is the subset of ContentProviders that can
// extract a bounded slice of a resource instead of the whole thing,
// per a Chunk Planner page-range or byte-range (SPEC_FULL.md §4.3).
// StageChunk uses it when present; a ContentProvider that doesn't
// implement it (e.g. the AI-search-based alternative) is never asked
// for a ranged fetch, since its notion of "content" has no byte/page
// addressing to begin with.
type RangedContentProvider interface {
	FetchContentRange(ctx context.Context, resourceID string, rng domain.ChunkRange) (string, error)
}

// Extractor is the Entity Extraction Service port.
type Extractor interface {
	Extract(ctx context.Context, in extraction.Input) ([]extraction.ExtractedEntity, error)
}

// Deduplicator is the Semantic Deduplicator port.
type Deduplicator interface {
	IsDuplicate(ctx context.Context, candidateText, campaignID, entityType, excludeID string) (dedup.Result, error)
}

// EntityStore is the subset of metadata.Store entity staging needs.
type EntityStore interface {
	GetEntity(ctx context.Context, campaignID, id string) (domain.Entity, error)
	UpsertEntity(ctx context.Context, e domain.Entity) (domain.Entity, error)
	UpsertRelationship(ctx context.Context, r domain.EntityRelationship) (domain.EntityRelationship, error)
}

// ImportanceRecomputer batch-recomputes importance for a campaign once
// all of a resource's entities are written (SPEC_FULL.md §4.7 step 8).
// Implemented by internal/rebuild's processor.
type ImportanceRecomputer interface {
	RecomputeForCampaign(ctx context.Context, campaignID string, affectedEntityIDs []string) error
}

// Notifier records a user-visible notification.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

type Service struct {
	content    ContentProvider
	extractor  Extractor
	dedup      Deduplicator
	store      EntityStore
	importance ImportanceRecomputer
	notifier   Notifier
	cfg        config.StagingConfig
}

func New(content ContentProvider, extractor Extractor, dd Deduplicator, store EntityStore, importance ImportanceRecomputer, notifier Notifier, cfg config.StagingConfig) *Service {
	return &Service{content: content, extractor: extractor, dedup: dd, store: store, importance: importance, notifier: notifier, cfg: cfg}
}

// Result is what StageResource returns to the caller: the HTTP/queue
// layer reports it verbatim per SPEC_FULL.md §4.7 step 9.
type Result struct {
	Success          bool
	EntityCount      int
	Warning          string
	FailedChunks     []int
	SuccessfulChunks int
	TotalChunks      int
}

// StageResource runs the full §4.7 pipeline for one (campaign, resource).
func (s *Service) StageResource(ctx context.Context, campaignID, resourceID, sourceName, sourceType string) (Result, error) {
	text, err := s.content.FetchContent(ctx, resourceID)
	if err != nil {
		return Result{}, err
	}
	return s.stageText(ctx, campaignID, sourceName, sourceType, resourceID, text)
}

// StageChunk runs the same pipeline as StageResource but, when the
// configured ContentProvider supports it, extracts only rng's slice of
// the resource (SPEC_FULL.md §4.3) instead of the whole thing. This is
// what makes a Chunk Planner page/byte range actually gate extraction
// memory: the File Processing dispatcher calls this once per planned
// FileProcessingChunk rather than re-extracting the whole blob on
// every chunk and every retry. A zero-value rng, or a provider that
// doesn't implement RangedContentProvider, falls back to the
// whole-resource fetch.
func (s *Service) StageChunk(ctx context.Context, campaignID, resourceID, sourceName, sourceType string, rng domain.ChunkRange) (Result, error) {
	ranged, ok := s.content.(RangedContentProvider)
	if !ok || rng == (domain.ChunkRange{}) {
		return s.StageResource(ctx, campaignID, resourceID, sourceName, sourceType)
	}
	text, err := ranged.FetchContentRange(ctx, resourceID, rng)
	if err != nil {
		return Result{}, err
	}
	return s.stageText(ctx, campaignID, sourceName, sourceType, resourceID, text)
}

func (s *Service) stageText(ctx context.Context, campaignID, sourceName, sourceType, resourceID, text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{Success: true}, nil
	}

	chunks := chunkContent(text, s.cfg.MaxCharsPerChunk)
	total := len(chunks)

	merged := map[string]*extraction.ExtractedEntity{}
	order := make([]string, 0, 32)
	var failedChunks []int

	for i, chunkText := range chunks {
		if i > 0 && total > 1 {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(s.cfg.InterChunkDelay):
			}
		}

		entities, err := s.extractChunkWithRetry(ctx, chunkText, campaignID, resourceID, sourceName, sourceType)
		if err != nil {
			failedChunks = append(failedChunks, i)
			continue
		}
		for _, e := range entities {
			mergeEntity(merged, &order, e)
		}
	}

	successfulChunks := total - len(failedChunks)
	if total > 0 && successfulChunks == 0 {
		s.notify(ctx, campaignID, false, 0, failedChunks, total)
		return Result{Success: false, FailedChunks: failedChunks, SuccessfulChunks: 0, TotalChunks: total}, nil
	}

	normalizeRelationTargets(merged, order, campaignID)

	var affected []string
	for _, id := range order {
		e := merged[id]
		written, err := s.writeEntity(ctx, campaignID, e)
		if err != nil {
			log := observability.LoggerWithTrace(ctx)
			log.Error().Err(err).Str("entity_id", id).Msg("staging_write_entity_failed")
			continue
		}
		if !written {
			continue
		}
		affected = append(affected, id)
		if err := s.writeRelations(ctx, campaignID, id, e.Relations); err != nil {
			log := observability.LoggerWithTrace(ctx)
			log.Error().Err(err).Str("entity_id", id).Msg("staging_write_relations_failed")
		}
	}

	if len(affected) > 0 && s.importance != nil {
		if err := s.importance.RecomputeForCampaign(ctx, campaignID, affected); err != nil {
			log := observability.LoggerWithTrace(ctx)
			log.Error().Err(err).Str("campaign_id", campaignID).Msg("staging_importance_recompute_failed")
		}
	}

	res := Result{
		Success:          true,
		EntityCount:      len(affected),
		FailedChunks:     failedChunks,
		SuccessfulChunks: successfulChunks,
		TotalChunks:      total,
	}
	if len(failedChunks) > 0 {
		res.Warning = fmt.Sprintf("%d/%d chunks extracted successfully", successfulChunks, total)
	}
	s.notify(ctx, campaignID, true, len(affected), failedChunks, total)
	return res, nil
}

func (s *Service) notify(ctx context.Context, campaignID string, success bool, entityCount int, failedChunks []int, total int) {
	if s.notifier == nil {
		return
	}
	msg := fmt.Sprintf("Entity extraction for campaign %s: %d/%d chunks succeeded, %d entities staged",
		campaignID, total-len(failedChunks), total, entityCount)
	if !success {
		msg = fmt.Sprintf("Entity extraction for campaign %s failed: all %d chunks failed", campaignID, total)
	}
	_ = s.notifier.Notify(ctx, domain.Notification{
		Kind:      domain.NotifyShardGeneration,
		SubjectID: campaignID,
		Message:   msg,
		CreatedAt: time.Now().UTC(),
	})
}

// extractChunkWithRetry applies the 3-retry/2s-exponential-capped-30s
// backoff with an additional 5s pause on rate-limit errors.
func (s *Service) extractChunkWithRetry(ctx context.Context, text, campaignID, resourceID, sourceName, sourceType string) ([]extraction.ExtractedEntity, error) {
	var lastErr error
	backoff := s.cfg.BaseBackoff
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = time.Duration(math.Min(float64(backoff*2), float64(s.cfg.MaxBackoff)))
		}
		entities, err := s.extractor.Extract(ctx, extraction.Input{
			Text: text, SourceName: sourceName, CampaignID: campaignID,
			SourceID: resourceID, SourceType: sourceType,
		})
		if err == nil {
			return entities, nil
		}
		lastErr = err
		if errs.KindOf(err) != errs.KindTransient && errs.KindOf(err) != errs.KindRateLimit {
			// structural/parse errors fail this chunk only, no retry.
			return nil, err
		}
		if errs.KindOf(err) == errs.KindRateLimit {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.cfg.RateLimitPause):
			}
		}
	}
	return nil, lastErr
}

// writeEntity applies the staging write rules of §4.7 step 6: skip
// approved entities, upsert staging entities/new entities, or dedup
// and skip a near-duplicate. Returns written=false when the entity was
// skipped (approved or deduped).
func (s *Service) writeEntity(ctx context.Context, campaignID string, e *extraction.ExtractedEntity) (bool, error) {
	existing, err := s.store.GetEntity(ctx, campaignID, e.ID)
	exists := err == nil
	if exists && existing.Metadata.ShardStatus == domain.ShardApproved {
		return false, nil
	}

	if !exists && s.dedup != nil {
		dd, err := s.dedup.IsDuplicate(ctx, e.Name+" "+contentText(e.Content), campaignID, e.EntityType, e.ID)
		if err == nil && dd.Duplicate {
			return false, nil
		}
	}

	pending := make([]domain.PendingRelation, 0, len(e.Relations))
	for _, r := range e.Relations {
		pending = append(pending, domain.PendingRelation{
			RelationshipType: r.RelationshipType, TargetID: r.TargetID, Strength: r.Strength, Metadata: r.Metadata,
		})
	}

	entity := domain.Entity{
		ID:         e.ID,
		CampaignID: campaignID,
		EntityType: e.EntityType,
		Name:       e.Name,
		Content:    e.Content,
		Metadata: domain.EntityMetadata{
			ShardStatus:      domain.ShardStaging,
			PendingRelations: pending,
			Tail:             e.Metadata,
		},
	}
	if _, err := s.store.UpsertEntity(ctx, entity); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) writeRelations(ctx context.Context, campaignID, fromID string, relations []extraction.ExtractedRelation) error {
	for _, r := range relations {
		if r.TargetID == fromID {
			continue // self-relations disallowed; the store also enforces this.
		}
		rel := domain.EntityRelationship{
			ID:               domain.RelationshipID(campaignID, fromID, r.TargetID, r.RelationshipType),
			FromEntityID:     fromID,
			ToEntityID:       r.TargetID,
			CampaignID:       campaignID,
			RelationshipType: r.RelationshipType,
			Strength:         r.Strength,
			Metadata:         map[string]any{"status": "staging"},
		}
		if _, err := s.store.UpsertRelationship(ctx, rel); err != nil {
			return err
		}
	}
	return nil
}

func contentText(content map[string]any) string {
	var b strings.Builder
	keys := make([]string, 0, len(content))
	for k := range content {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%v ", content[k])
	}
	return strings.TrimSpace(b.String())
}

// mergeEntity unions an extracted entity into the running merge set by
// id: content fields are unioned, relations are unioned and
// deduplicated by target_id, and metadata is merged key-wise.
func mergeEntity(merged map[string]*extraction.ExtractedEntity, order *[]string, e extraction.ExtractedEntity) {
	existing, ok := merged[e.ID]
	if !ok {
		cp := e
		merged[e.ID] = &cp
		*order = append(*order, e.ID)
		return
	}
	if existing.Content == nil {
		existing.Content = map[string]any{}
	}
	for k, v := range e.Content {
		existing.Content[k] = v
	}
	if existing.Metadata == nil {
		existing.Metadata = map[string]any{}
	}
	for k, v := range e.Metadata {
		existing.Metadata[k] = v
	}
	seen := map[string]bool{}
	for _, r := range existing.Relations {
		seen[r.TargetID] = true
	}
	for _, r := range e.Relations {
		if !seen[r.TargetID] {
			existing.Relations = append(existing.Relations, r)
			seen[r.TargetID] = true
		}
	}
}

// normalizeRelationTargets prefixes any relation target id that isn't
// already campaign-scoped, per §4.7 step 5.
func normalizeRelationTargets(merged map[string]*extraction.ExtractedEntity, order []string, campaignID string) {
	prefix := campaignID + "_"
	for _, id := range order {
		e := merged[id]
		for i, r := range e.Relations {
			if !strings.HasPrefix(r.TargetID, prefix) {
				e.Relations[i].TargetID = prefix + r.TargetID
			}
		}
	}
}

// chunkContent splits text to fit the LLM's ~42,000-character budget,
// preferring page-boundary splits ("[Page N]\n" markers, emitted by
// the File Extractor for PDFs) and falling back to sentence-boundary
// character-count splitting otherwise.
func chunkContent(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = 42000
	}
	if len(text) <= maxChars {
		return []string{text}
	}
	if strings.Contains(text, "[Page ") {
		if chunks := chunkByPageMarkers(text, maxChars); len(chunks) > 0 {
			return chunks
		}
	}
	return chunkByCharCount(text, maxChars)
}

func chunkByPageMarkers(text string, maxChars int) []string {
	marker := "[Page "
	var pages []string
	idx := strings.Index(text, marker)
	if idx != 0 {
		pages = append(pages, text[:idx])
		text = text[idx:]
	}
	for len(text) > 0 {
		next := strings.Index(text[len(marker):], marker)
		if next < 0 {
			pages = append(pages, text)
			break
		}
		pages = append(pages, text[:next+len(marker)])
		text = text[next+len(marker):]
	}

	var out []string
	var buf strings.Builder
	for _, p := range pages {
		if buf.Len() > 0 && buf.Len()+len(p) > maxChars {
			out = append(out, buf.String())
			buf.Reset()
		}
		buf.WriteString(p)
	}
	if buf.Len() > 0 {
		out = append(out, buf.String())
	}
	return out
}

func chunkByCharCount(text string, maxChars int) []string {
	var out []string
	for len(text) > maxChars {
		cut := maxChars
		if idx := strings.LastIndexAny(text[:maxChars], ".!?\n"); idx > maxChars/2 {
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
