package metadata

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/errs"
)

// UpsertEntity inserts or updates an entity. An entity whose current
// ShardStatus is ShardApproved is never overwritten by a non-approved
// write; the caller should check GetEntity first when that matters.
func (s *Store) UpsertEntity(ctx context.Context, e domain.Entity) (domain.Entity, error) {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	content, err := json.Marshal(e.Content)
	if err != nil {
		return domain.Entity{}, errs.Validation("content", err)
	}
	md, err := json.Marshal(e.Metadata)
	if err != nil {
		return domain.Entity{}, errs.Validation("metadata", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO entities (id, campaign_id, entity_type, name, content, metadata, confidence, source_type, source_id, embedding_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (campaign_id, id) DO UPDATE SET
			entity_type=EXCLUDED.entity_type,
			name=EXCLUDED.name,
			content=EXCLUDED.content,
			metadata=EXCLUDED.metadata,
			confidence=EXCLUDED.confidence,
			source_type=EXCLUDED.source_type,
			source_id=EXCLUDED.source_id,
			embedding_id=EXCLUDED.embedding_id,
			updated_at=EXCLUDED.updated_at
		WHERE entities.metadata->>'shard_status' IS DISTINCT FROM 'approved'`,
		e.ID, e.CampaignID, e.EntityType, e.Name, content, md, e.Confidence, e.SourceType, e.SourceID, e.EmbeddingID, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return domain.Entity{}, errs.Transient("upsert_entity", err)
	}
	return e, nil
}

// SetShardStatus moves an entity to status explicitly, bypassing the
// approved-entity protection WHERE clause UpsertEntity enforces: this
// is the "explicit approval-management path" SPEC_FULL.md carves out
// as the only way to change an approved entity. Approving clears
// pending_relations, since they have either become real
// EntityRelationship rows already or are being discarded with the
// rest of the staging snapshot.
func (s *Store) SetShardStatus(ctx context.Context, campaignID, id string, status domain.ShardStatus) (domain.Entity, error) {
	e, err := s.GetEntity(ctx, campaignID, id)
	if err != nil {
		return domain.Entity{}, err
	}
	e.Metadata.ShardStatus = status
	if status == domain.ShardApproved {
		e.Metadata.PendingRelations = nil
	}
	e.UpdatedAt = time.Now().UTC()
	md, err := json.Marshal(e.Metadata)
	if err != nil {
		return domain.Entity{}, errs.Validation("metadata", err)
	}
	_, err = s.pool.Exec(ctx, `UPDATE entities SET metadata=$3, updated_at=$4 WHERE campaign_id=$1 AND id=$2`,
		campaignID, id, md, e.UpdatedAt)
	if err != nil {
		return domain.Entity{}, errs.Transient("set_shard_status", err)
	}
	return e, nil
}

func scanEntity(row interface {
	Scan(dest ...any) error
}) (domain.Entity, error) {
	var e domain.Entity
	var content, md []byte
	if err := row.Scan(&e.ID, &e.CampaignID, &e.EntityType, &e.Name, &content, &md, &e.Confidence, &e.SourceType, &e.SourceID, &e.EmbeddingID, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return domain.Entity{}, err
	}
	if err := json.Unmarshal(content, &e.Content); err != nil {
		return domain.Entity{}, err
	}
	if err := json.Unmarshal(md, &e.Metadata); err != nil {
		return domain.Entity{}, err
	}
	return e, nil
}

func (s *Store) GetEntity(ctx context.Context, campaignID, id string) (domain.Entity, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, campaign_id, entity_type, name, content, metadata, confidence, source_type, source_id, embedding_id, created_at, updated_at
		FROM entities WHERE campaign_id=$1 AND id=$2`, campaignID, id)
	e, err := scanEntity(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Entity{}, errs.NotFound("entity", id)
		}
		return domain.Entity{}, errs.Transient("get_entity", err)
	}
	return e, nil
}

func (s *Store) ListEntitiesByType(ctx context.Context, campaignID, entityType string) ([]domain.Entity, error) {
	query := `SELECT id, campaign_id, entity_type, name, content, metadata, confidence, source_type, source_id, embedding_id, created_at, updated_at
		FROM entities WHERE campaign_id=$1`
	args := []any{campaignID}
	if entityType != "" {
		query += ` AND entity_type=$2`
		args = append(args, entityType)
	}
	query += ` ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errs.Transient("list_entities", err)
	}
	defer rows.Close()
	var out []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, errs.Transient("list_entities_scan", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SearchEntitiesByName performs a case-insensitive substring match on
// name within a campaign.
func (s *Store) SearchEntitiesByName(ctx context.Context, campaignID, query string, limit int) ([]domain.Entity, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, campaign_id, entity_type, name, content, metadata, confidence, source_type, source_id, embedding_id, created_at, updated_at
		FROM entities WHERE campaign_id=$1 AND name ILIKE '%' || $2 || '%'
		ORDER BY name ASC LIMIT $3`, campaignID, query, limit)
	if err != nil {
		return nil, errs.Transient("search_entities_by_name", err)
	}
	defer rows.Close()
	var out []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, errs.Transient("search_entities_by_name_scan", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) DeleteEntity(ctx context.Context, campaignID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM entities WHERE campaign_id=$1 AND id=$2`, campaignID, id)
	if err != nil {
		return errs.Transient("delete_entity", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("entity", id)
	}
	return nil
}

// --- entity_relationships ---

// self-relation rejection happens here: from == to is rejected before
// any query runs.
func (s *Store) UpsertRelationship(ctx context.Context, r domain.EntityRelationship) (domain.EntityRelationship, error) {
	if r.FromEntityID == r.ToEntityID {
		return domain.EntityRelationship{}, errs.Invariant("relationship endpoints must differ")
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	md, err := json.Marshal(r.Metadata)
	if err != nil {
		return domain.EntityRelationship{}, errs.Validation("metadata", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO entity_relationships (id, campaign_id, from_entity_id, to_entity_id, relationship_type, strength, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (campaign_id, from_entity_id, to_entity_id, relationship_type) DO UPDATE SET
			strength=EXCLUDED.strength,
			metadata=entity_relationships.metadata || EXCLUDED.metadata,
			updated_at=EXCLUDED.updated_at`,
		r.ID, r.CampaignID, r.FromEntityID, r.ToEntityID, r.RelationshipType, r.Strength, md, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return domain.EntityRelationship{}, errs.Transient("upsert_relationship", err)
	}
	return r, nil
}

func scanRelationship(row interface {
	Scan(dest ...any) error
}) (domain.EntityRelationship, error) {
	var r domain.EntityRelationship
	var md []byte
	if err := row.Scan(&r.ID, &r.CampaignID, &r.FromEntityID, &r.ToEntityID, &r.RelationshipType, &r.Strength, &md, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return domain.EntityRelationship{}, err
	}
	if err := json.Unmarshal(md, &r.Metadata); err != nil {
		return domain.EntityRelationship{}, err
	}
	return r, nil
}

// Neighbors returns the relationships touching entityID in either
// direction, bounded by limit (0 means unbounded).
func (s *Store) Neighbors(ctx context.Context, campaignID, entityID string, limit int) ([]domain.EntityRelationship, error) {
	query := `SELECT id, campaign_id, from_entity_id, to_entity_id, relationship_type, strength, metadata, created_at, updated_at
		FROM entity_relationships WHERE campaign_id=$1 AND (from_entity_id=$2 OR to_entity_id=$2)
		ORDER BY id ASC`
	args := []any{campaignID, entityID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errs.Transient("neighbors", err)
	}
	defer rows.Close()
	var out []domain.EntityRelationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, errs.Transient("neighbors_scan", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) AllRelationships(ctx context.Context, campaignID string) ([]domain.EntityRelationship, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, campaign_id, from_entity_id, to_entity_id, relationship_type, strength, metadata, created_at, updated_at
		FROM entity_relationships WHERE campaign_id=$1`, campaignID)
	if err != nil {
		return nil, errs.Transient("all_relationships", err)
	}
	defer rows.Close()
	var out []domain.EntityRelationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, errs.Transient("all_relationships_scan", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) AllEntities(ctx context.Context, campaignID string) ([]domain.Entity, error) {
	return s.ListEntitiesByType(ctx, campaignID, "")
}
