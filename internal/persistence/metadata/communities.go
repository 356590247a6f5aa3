package metadata

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/errs"
)

// ReplaceCommunities atomically replaces every Community row for a
// campaign; community detection always recomputes from scratch.
func (s *Store) ReplaceCommunities(ctx context.Context, campaignID string, communities []domain.Community) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.Transient("replace_communities_begin", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM communities WHERE campaign_id=$1`, campaignID); err != nil {
		return errs.Transient("replace_communities_delete", err)
	}
	for _, c := range communities {
		md, err := json.Marshal(c.Metadata)
		if err != nil {
			return errs.Validation("metadata", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO communities (id, campaign_id, level, parent_community_id, entity_ids, metadata)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			c.ID, campaignID, c.Level, c.ParentCommunityID, c.EntityIDs, md); err != nil {
			return errs.Transient("replace_communities_insert", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Transient("replace_communities_commit", err)
	}
	return nil
}

func (s *Store) ListCommunities(ctx context.Context, campaignID string) ([]domain.Community, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, campaign_id, level, parent_community_id, entity_ids, metadata
		FROM communities WHERE campaign_id=$1 ORDER BY level ASC`, campaignID)
	if err != nil {
		return nil, errs.Transient("list_communities", err)
	}
	defer rows.Close()
	var out []domain.Community
	for rows.Next() {
		var c domain.Community
		var md []byte
		if err := rows.Scan(&c.ID, &c.CampaignID, &c.Level, &c.ParentCommunityID, &c.EntityIDs, &md); err != nil {
			return nil, errs.Transient("list_communities_scan", err)
		}
		if len(md) > 0 {
			if err := json.Unmarshal(md, &c.Metadata); err != nil {
				return nil, errs.Transient("list_communities_unmarshal", err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReplaceImportance atomically replaces every EntityImportance row for
// a campaign after a rebuild recomputes PageRank/centrality/hierarchy.
func (s *Store) ReplaceImportance(ctx context.Context, campaignID string, scores []domain.EntityImportance) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.Transient("replace_importance_begin", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM entity_importance WHERE campaign_id=$1`, campaignID); err != nil {
		return errs.Transient("replace_importance_delete", err)
	}
	now := time.Now().UTC()
	for _, sc := range scores {
		if sc.ComputedAt.IsZero() {
			sc.ComputedAt = now
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO entity_importance (entity_id, campaign_id, pagerank, betweenness_centrality, hierarchy_level, composite_score, computed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			sc.EntityID, campaignID, sc.PageRank, sc.BetweennessCentrality, sc.HierarchyLevel, sc.CompositeScore, sc.ComputedAt); err != nil {
			return errs.Transient("replace_importance_insert", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Transient("replace_importance_commit", err)
	}
	return nil
}

func (s *Store) ListImportance(ctx context.Context, campaignID string) ([]domain.EntityImportance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entity_id, campaign_id, pagerank, betweenness_centrality, hierarchy_level, composite_score, computed_at
		FROM entity_importance WHERE campaign_id=$1 ORDER BY composite_score DESC`, campaignID)
	if err != nil {
		return nil, errs.Transient("list_importance", err)
	}
	defer rows.Close()
	var out []domain.EntityImportance
	for rows.Next() {
		var sc domain.EntityImportance
		if err := rows.Scan(&sc.EntityID, &sc.CampaignID, &sc.PageRank, &sc.BetweennessCentrality, &sc.HierarchyLevel, &sc.CompositeScore, &sc.ComputedAt); err != nil {
			return nil, errs.Transient("list_importance_scan", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
