// Package rebuild is the Rebuild Trigger & Processor (SPEC_FULL.md
// §4.11): a scheduled sweep decides, per campaign, whether accumulated
// changelog entries warrant a partial or full graph recomputation, and
// a processor carries it out. CPU-bound full-rebuild work (community
// detection, PageRank, betweenness) is embarrassingly parallel across
// weakly-connected components, so it runs on a bounded
// golang.org/x/sync/errgroup pool, mirroring the teacher's worker-pool
// style.
package rebuild

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ofisk/loresmith/internal/config"
	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/embed"
	"github.com/ofisk/loresmith/internal/errs"
	"github.com/ofisk/loresmith/internal/observability"
)

// ChangelogSource is the subset of internal/changelog.Service the
// trigger needs.
type ChangelogSource interface {
	ListCampaignsWithUnapplied(ctx context.Context) ([]string, error)
	ListUnapplied(ctx context.Context, campaignID string) ([]domain.WorldStateChangelogEntry, error)
	MarkApplied(ctx context.Context, ids []string) error
}

// StatusStore is the subset of metadata.Store rebuild status bookkeeping
// needs.
type StatusStore interface {
	CreateRebuildStatus(ctx context.Context, r domain.RebuildStatus) (domain.RebuildStatus, error)
	UpdateRebuildStatus(ctx context.Context, id string, status domain.RebuildPhase, lastError string, completedAt *time.Time) error
	ActiveRebuild(ctx context.Context, campaignID string) (domain.RebuildStatus, bool, error)
}

// GraphStore is the subset of internal/graph.Service (and its
// underlying metadata.Store) rebuild reads/writes.
type GraphStore interface {
	AllEntities(ctx context.Context, campaignID string) ([]domain.Entity, error)
	AllRelationships(ctx context.Context, campaignID string) ([]domain.EntityRelationship, error)
	ListCommunities(ctx context.Context, campaignID string) ([]domain.Community, error)
	ReplaceCommunities(ctx context.Context, campaignID string, communities []domain.Community) error
	ListImportance(ctx context.Context, campaignID string) ([]domain.EntityImportance, error)
	ReplaceImportance(ctx context.Context, campaignID string, scores []domain.EntityImportance) error
}

// Embedder is the subset of internal/embed.Service rebuild needs to
// re-embed entity content.
type Embedder interface {
	EmbedAndStore(ctx context.Context, spans []embed.Span) ([]string, error)
}

type Service struct {
	changelog ChangelogSource
	status    StatusStore
	store     GraphStore
	embedder  Embedder
	cfg       config.RebuildConfig
}

func New(changelogSvc ChangelogSource, status StatusStore, store GraphStore, embedder Embedder, cfg config.RebuildConfig) *Service {
	return &Service{changelog: changelogSvc, status: status, store: store, embedder: embedder, cfg: cfg}
}

// decision is the trigger's output for one campaign.
type decision struct {
	shouldRebuild bool
	rebuildType   domain.RebuildType
	affectedIDs   []string
	entryIDs      []string
}

// decide implements §4.11 step 3-4: union affected entity ids across
// unapplied entries, weight relationship churn, and threshold into a
// partial/full decision.
func (s *Service) decide(ctx context.Context, campaignID string) (decision, error) {
	entries, err := s.changelog.ListUnapplied(ctx, campaignID)
	if err != nil {
		return decision{}, err
	}
	if len(entries) == 0 {
		return decision{}, nil
	}

	affected := map[string]bool{}
	churn := 0
	var entryIDs []string
	for _, e := range entries {
		entryIDs = append(entryIDs, e.ID)
		for _, id := range e.Payload.NewEntities {
			affected[id] = true
		}
		for _, u := range e.Payload.EntityUpdates {
			affected[u.EntityID] = true
		}
		for _, u := range e.Payload.RelationshipUpdates {
			affected[u.From] = true
			affected[u.To] = true
			churn++
		}
	}
	ids := make([]string, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}

	entities, err := s.store.AllEntities(ctx, campaignID)
	if err != nil {
		return decision{}, err
	}
	totalNodes := len(entities)
	impact := float64(len(ids)) + float64(churn)*s.cfg.RelationshipWeight
	fraction := 0.0
	if totalNodes > 0 {
		fraction = float64(len(ids)) / float64(totalNodes)
	}

	rebuildType := domain.RebuildPartial
	if impact >= float64(s.cfg.FullImpactThreshold) || fraction >= s.cfg.FullFractionThreshold {
		rebuildType = domain.RebuildFull
	}
	return decision{shouldRebuild: true, rebuildType: rebuildType, affectedIDs: ids, entryIDs: entryIDs}, nil
}

// RunSweep is the scheduled trigger: for every campaign with unapplied
// changelog entries and no in-flight rebuild, decide and process one
// rebuild synchronously.
func (s *Service) RunSweep(ctx context.Context) error {
	log := observability.LoggerWithTrace(ctx)
	campaigns, err := s.changelog.ListCampaignsWithUnapplied(ctx)
	if err != nil {
		return err
	}
	for _, campaignID := range campaigns {
		if _, active, err := s.status.ActiveRebuild(ctx, campaignID); err != nil {
			return err
		} else if active {
			continue
		}

		d, err := s.decide(ctx, campaignID)
		if err != nil {
			return err
		}
		if !d.shouldRebuild {
			continue
		}

		status, err := s.status.CreateRebuildStatus(ctx, domain.RebuildStatus{
			ID:                campaignID + "_" + string(d.rebuildType) + "_" + time.Now().UTC().Format("20060102T150405.000000000"),
			CampaignID:        campaignID,
			RebuildType:       d.rebuildType,
			Status:            domain.RebuildRunning,
			AffectedEntityIDs: d.affectedIDs,
		})
		if err != nil {
			return err
		}

		procErr := s.process(ctx, campaignID, d.rebuildType, d.affectedIDs)
		now := time.Now().UTC()
		if procErr != nil {
			log.Error().Err(procErr).Str("campaign_id", campaignID).Msg("rebuild_failed")
			if err := s.status.UpdateRebuildStatus(ctx, status.ID, domain.RebuildFailed, procErr.Error(), &now); err != nil {
				return err
			}
			continue
		}
		if err := s.changelog.MarkApplied(ctx, d.entryIDs); err != nil {
			return err
		}
		if err := s.status.UpdateRebuildStatus(ctx, status.ID, domain.RebuildSucceeded, "", &now); err != nil {
			return err
		}
	}
	return nil
}

// process dispatches to the partial or full processor.
func (s *Service) process(ctx context.Context, campaignID string, rebuildType domain.RebuildType, affectedIDs []string) error {
	if rebuildType == domain.RebuildFull {
		return s.processFull(ctx, campaignID)
	}
	return s.processPartial(ctx, campaignID, affectedIDs)
}

// processPartial re-embeds and recomputes importance only for the
// affected entities and their 2-hop neighborhood, and reassigns
// orphaned affected entities to their nearest existing community
// without rerunning detection campaign-wide.
func (s *Service) processPartial(ctx context.Context, campaignID string, affectedIDs []string) error {
	entities, err := s.store.AllEntities(ctx, campaignID)
	if err != nil {
		return err
	}
	rels, err := s.store.AllRelationships(ctx, campaignID)
	if err != nil {
		return err
	}
	adj := buildAdjacency(entities, rels)
	scope := expandNeighborhood(adj, affectedIDs, 2)

	byID := make(map[string]domain.Entity, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
	}
	if err := s.reembed(ctx, campaignID, byID, scope); err != nil {
		return err
	}
	if err := s.recomputeImportanceFor(ctx, campaignID, adj, scope); err != nil {
		return err
	}
	return s.reassignOrphans(ctx, campaignID, affectedIDs)
}

// processFull reruns community detection, PageRank, and betweenness
// across the whole campaign graph, one errgroup goroutine per
// weakly-connected component (components never share edges, so no
// cross-goroutine coordination is needed beyond the final merge).
func (s *Service) processFull(ctx context.Context, campaignID string) error {
	entities, err := s.store.AllEntities(ctx, campaignID)
	if err != nil {
		return err
	}
	rels, err := s.store.AllRelationships(ctx, campaignID)
	if err != nil {
		return err
	}

	byID := make(map[string]domain.Entity, len(entities))
	allIDs := make([]string, 0, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
		allIDs = append(allIDs, e.ID)
	}
	if err := s.reembed(ctx, campaignID, byID, allIDs); err != nil {
		return err
	}

	adj := buildAdjacency(entities, rels)
	components := weaklyConnectedComponents(adj)

	poolSize := s.cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	results := make([]componentResult, len(components))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(poolSize)
	for i, comp := range components {
		i, comp := i, comp
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			results[i] = computeComponent(comp, s.cfg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var communities []domain.Community
	var importance []domain.EntityImportance
	for i, res := range results {
		communities = append(communities, res.communities...)
		for _, imp := range res.importance {
			imp.CampaignID = campaignID
			importance = append(importance, imp)
		}
		_ = i
	}
	for i := range communities {
		communities[i].CampaignID = campaignID
	}

	if err := s.store.ReplaceCommunities(ctx, campaignID, communities); err != nil {
		return err
	}
	return s.store.ReplaceImportance(ctx, campaignID, importance)
}

type componentResult struct {
	communities []domain.Community
	importance  []domain.EntityImportance
}

// computeComponent runs label propagation, PageRank, and betweenness
// for one weakly-connected component and packages the results;
// composite score is an equal-weighted blend of normalized PageRank
// and betweenness, matching the single hierarchy level this
// label-propagation-v1 scheme produces (see DESIGN.md).
func computeComponent(c component, cfg config.RebuildConfig) componentResult {
	labels := labelPropagation(c, maxInt(cfg.LabelPropagationIters, 1))
	groups := groupByLabel(labels, c.nodes)
	pr := pageRank(c, cfg.PageRankDamping, maxInt(cfg.PageRankIters, 1), cfg.PageRankTolerance)
	bc := betweennessCentrality(c)

	maxPR, maxBC := 0.0, 0.0
	for _, n := range c.nodes {
		if pr[n] > maxPR {
			maxPR = pr[n]
		}
		if bc[n] > maxBC {
			maxBC = bc[n]
		}
	}

	var res componentResult
	for label, members := range groups {
		res.communities = append(res.communities, domain.Community{
			ID:        communityID(label),
			Level:     0,
			EntityIDs: members,
			Metadata: map[string]any{
				"algorithm": "label-propagation-v1",
				"seed":      label,
			},
		})
	}
	for _, n := range c.nodes {
		normPR := safeDiv(pr[n], maxPR)
		normBC := safeDiv(bc[n], maxBC)
		res.importance = append(res.importance, domain.EntityImportance{
			EntityID:              n,
			PageRank:              pr[n],
			BetweennessCentrality: bc[n],
			HierarchyLevel:        0,
			CompositeScore:        0.5*normPR + 0.5*normBC,
		})
	}
	return res
}

func communityID(label string) string { return "community_" + label }

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// expandNeighborhood returns seeds plus every node reachable within
// hops steps, sorted and deduplicated.
func expandNeighborhood(adj adjacency, seeds []string, hops int) []string {
	visited := map[string]bool{}
	frontier := append([]string{}, seeds...)
	for _, s := range seeds {
		visited[s] = true
	}
	for h := 0; h < hops; h++ {
		var next []string
		for _, n := range frontier {
			for _, nb := range adj.edges[n] {
				if !visited[nb] {
					visited[nb] = true
					next = append(next, nb)
				}
			}
		}
		frontier = next
	}
	out := make([]string, 0, len(visited))
	for n := range visited {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (s *Service) reembed(ctx context.Context, campaignID string, byID map[string]domain.Entity, ids []string) error {
	var spans []embed.Span
	for _, id := range ids {
		e, ok := byID[id]
		if !ok {
			continue
		}
		spans = append(spans, embed.Span{
			Text:       entityEmbedText(e),
			MetadataID: e.ID,
			Suffix:     "entity",
			Metadata: domain.VectorMetadata{
				CampaignID:  campaignID,
				ContentType: domain.ContentEntity,
				EntityType:  e.EntityType,
			},
		})
	}
	if len(spans) == 0 {
		return nil
	}
	_, err := s.embedder.EmbedAndStore(ctx, spans)
	return err
}

func entityEmbedText(e domain.Entity) string {
	text := e.Name
	for _, k := range sortedKeys(e.Content) {
		if v, ok := e.Content[k].(string); ok {
			text += " " + v
		}
	}
	return text
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortStrings(keys)
	return keys
}

// recomputeImportanceFor recomputes PageRank/betweenness for the given
// scope only, leaving the rest of the campaign's importance rows
// untouched (partial rebuild never touches unaffected neighborhoods).
func (s *Service) recomputeImportanceFor(ctx context.Context, campaignID string, adj adjacency, scope []string) error {
	scopeSet := map[string]bool{}
	for _, n := range scope {
		scopeSet[n] = true
	}
	edges := map[string][]string{}
	for _, n := range scope {
		for _, nb := range adj.edges[n] {
			if scopeSet[nb] {
				edges[n] = append(edges[n], nb)
			}
		}
	}
	comp := component{nodes: scope, edges: edges}

	existing, err := s.store.ListImportance(ctx, campaignID)
	if err != nil {
		return err
	}
	byID := make(map[string]domain.EntityImportance, len(existing))
	for _, imp := range existing {
		byID[imp.EntityID] = imp
	}

	cfg := defaultPartialCfg()
	res := computeComponent(comp, cfg)
	for _, imp := range res.importance {
		imp.CampaignID = campaignID
		byID[imp.EntityID] = imp
	}
	merged := make([]domain.EntityImportance, 0, len(byID))
	for _, imp := range byID {
		merged = append(merged, imp)
	}
	return s.store.ReplaceImportance(ctx, campaignID, merged)
}

func defaultPartialCfg() config.RebuildConfig {
	return config.RebuildConfig{
		LabelPropagationIters: 20,
		PageRankDamping:       0.85,
		PageRankIters:         100,
		PageRankTolerance:     1e-6,
	}
}

// reassignOrphans moves any affected entity whose community no longer
// contains it (e.g. it was newly created) into the community holding
// the most of its current neighbors; entities with no existing
// neighbor in any community are left unassigned for the next full
// rebuild to place.
func (s *Service) reassignOrphans(ctx context.Context, campaignID string, affectedIDs []string) error {
	communities, err := s.store.ListCommunities(ctx, campaignID)
	if err != nil {
		return err
	}
	memberOf := map[string]int{}
	for i, c := range communities {
		for _, id := range c.EntityIDs {
			memberOf[id] = i
		}
	}

	rels, err := s.store.AllRelationships(ctx, campaignID)
	if err != nil {
		return err
	}
	neighborsOf := map[string][]string{}
	for _, r := range rels {
		neighborsOf[r.FromEntityID] = append(neighborsOf[r.FromEntityID], r.ToEntityID)
		neighborsOf[r.ToEntityID] = append(neighborsOf[r.ToEntityID], r.FromEntityID)
	}

	changed := false
	for _, id := range affectedIDs {
		if _, ok := memberOf[id]; ok {
			continue
		}
		counts := map[int]int{}
		for _, nb := range neighborsOf[id] {
			if ci, ok := memberOf[nb]; ok {
				counts[ci]++
			}
		}
		best, bestCount := -1, 0
		for ci, count := range counts {
			if count > bestCount || (count == bestCount && ci < best) {
				best, bestCount = ci, count
			}
		}
		if best >= 0 {
			communities[best].EntityIDs = append(communities[best].EntityIDs, id)
			sortStrings(communities[best].EntityIDs)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.store.ReplaceCommunities(ctx, campaignID, communities)
}

// RecomputeForCampaign satisfies internal/staging.ImportanceRecomputer:
// a lightweight, importance-only recompute over the affected entities'
// 2-hop neighborhood, used after a staging write rather than waiting
// for the scheduled rebuild sweep.
func (s *Service) RecomputeForCampaign(ctx context.Context, campaignID string, affectedEntityIDs []string) error {
	if len(affectedEntityIDs) == 0 {
		return nil
	}
	entities, err := s.store.AllEntities(ctx, campaignID)
	if err != nil {
		return err
	}
	rels, err := s.store.AllRelationships(ctx, campaignID)
	if err != nil {
		return err
	}
	adj := buildAdjacency(entities, rels)
	scope := expandNeighborhood(adj, affectedEntityIDs, 2)
	if len(scope) == 0 {
		return errs.Validationf("recompute_importance", "no entities in scope for campaign %s", campaignID)
	}
	return s.recomputeImportanceFor(ctx, campaignID, adj, scope)
}
