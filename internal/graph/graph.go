// Package graph is the Graph Service: the single entry point other
// components use to read and write the knowledge graph. It wraps
// internal/persistence/metadata with the graph-shaped operations
// (upsert_entity, upsert_edge, get_neighbors, search_entities_by_name)
// and the invariants that belong at this layer rather than the raw
// store (self-relation rejection already lives in the store; BFS
// traversal and depth/fanout bounding live here).
package graph

import (
	"context"

	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/errs"
)

// Store is the persistence dependency graph.Service needs; satisfied
// by *metadata.Store.
type Store interface {
	UpsertEntity(ctx context.Context, e domain.Entity) (domain.Entity, error)
	GetEntity(ctx context.Context, campaignID, id string) (domain.Entity, error)
	AllEntities(ctx context.Context, campaignID string) ([]domain.Entity, error)
	DeleteEntity(ctx context.Context, campaignID, id string) error
	SearchEntitiesByName(ctx context.Context, campaignID, query string, limit int) ([]domain.Entity, error)
	SetShardStatus(ctx context.Context, campaignID, id string, status domain.ShardStatus) (domain.Entity, error)

	UpsertRelationship(ctx context.Context, r domain.EntityRelationship) (domain.EntityRelationship, error)
	Neighbors(ctx context.Context, campaignID, entityID string, limit int) ([]domain.EntityRelationship, error)
	AllRelationships(ctx context.Context, campaignID string) ([]domain.EntityRelationship, error)

	ListCommunities(ctx context.Context, campaignID string) ([]domain.Community, error)
	ReplaceCommunities(ctx context.Context, campaignID string, communities []domain.Community) error
	ListImportance(ctx context.Context, campaignID string) ([]domain.EntityImportance, error)
	ReplaceImportance(ctx context.Context, campaignID string, scores []domain.EntityImportance) error
}

// Service is the Graph Service.
type Service struct {
	store Store
}

func New(store Store) *Service {
	return &Service{store: store}
}

// UpsertEntity writes or updates one entity. Entities with
// ShardStatus == ShardApproved are protected at the store layer; this
// method never bypasses that.
func (s *Service) UpsertEntity(ctx context.Context, e domain.Entity) (domain.Entity, error) {
	if e.ID == "" || e.CampaignID == "" {
		return domain.Entity{}, errs.Validationf("entity", "id and campaign_id are required")
	}
	return s.store.UpsertEntity(ctx, e)
}

func (s *Service) GetEntity(ctx context.Context, campaignID, id string) (domain.Entity, error) {
	return s.store.GetEntity(ctx, campaignID, id)
}

func (s *Service) DeleteEntity(ctx context.Context, campaignID, id string) error {
	return s.store.DeleteEntity(ctx, campaignID, id)
}

// ApproveEntity moves a staging entity to ShardApproved. This is the
// explicit approval-management path §3 names as the only thing
// allowed to touch an approved entity's fields; it is the one caller
// permitted to bypass UpsertEntity's WHERE-guard, by calling
// SetShardStatus directly instead of UpsertEntity.
func (s *Service) ApproveEntity(ctx context.Context, campaignID, id string) (domain.Entity, error) {
	return s.store.SetShardStatus(ctx, campaignID, id, domain.ShardApproved)
}

// RejectEntity retags a staging entity as ShardRejected. Rejection
// never deletes the row — only the status changes, so the shard stays
// visible for audit and can still be re-approved later.
func (s *Service) RejectEntity(ctx context.Context, campaignID, id string) (domain.Entity, error) {
	return s.store.SetShardStatus(ctx, campaignID, id, domain.ShardRejected)
}

// UpsertEdge writes or strengthens one relationship. Self-relations
// (from == to) are rejected by the store; UpsertEdge surfaces that as
// an InvariantError unchanged.
func (s *Service) UpsertEdge(ctx context.Context, r domain.EntityRelationship) (domain.EntityRelationship, error) {
	if r.ID == "" || r.CampaignID == "" || r.FromEntityID == "" || r.ToEntityID == "" || r.RelationshipType == "" {
		return domain.EntityRelationship{}, errs.Validationf("relationship", "id, campaign_id, from, to, and type are required")
	}
	return s.store.UpsertRelationship(ctx, r)
}

// NeighborNode is one hop in a GetNeighbors result: the entity found
// and the relationship that reached it.
type NeighborNode struct {
	Entity       domain.Entity
	Relationship domain.EntityRelationship
	Depth        int
}

// GetNeighbors performs a breadth-first traversal from entityID,
// bounded by maxDepth hops and capped at maxNodes total results
// (beyond entityID itself). Traversal order is deterministic: at each
// depth, relationships are visited in the order the store returns
// them (store orders by id ascending), so repeated calls over
// unchanged data produce identical results.
func (s *Service) GetNeighbors(ctx context.Context, campaignID, entityID string, maxDepth, maxNodes int) ([]NeighborNode, error) {
	if maxDepth <= 0 {
		maxDepth = 1
	}
	if maxNodes <= 0 {
		maxNodes = 50
	}

	visited := map[string]bool{entityID: true}
	var out []NeighborNode
	frontier := []string{entityID}

	for depth := 1; depth <= maxDepth && len(out) < maxNodes; depth++ {
		var nextFrontier []string
		for _, id := range frontier {
			rels, err := s.store.Neighbors(ctx, campaignID, id, 0)
			if err != nil {
				return nil, err
			}
			for _, rel := range rels {
				other := rel.ToEntityID
				if other == id {
					other = rel.FromEntityID
				}
				if visited[other] {
					continue
				}
				visited[other] = true
				ent, err := s.store.GetEntity(ctx, campaignID, other)
				if err != nil {
					if errs.KindOf(err) == errs.KindNotFound {
						continue
					}
					return nil, err
				}
				out = append(out, NeighborNode{Entity: ent, Relationship: rel, Depth: depth})
				nextFrontier = append(nextFrontier, other)
				if len(out) >= maxNodes {
					break
				}
			}
			if len(out) >= maxNodes {
				break
			}
		}
		frontier = nextFrontier
		if len(frontier) == 0 {
			break
		}
	}
	return out, nil
}

// SearchEntitiesByName performs a case-insensitive substring search,
// delegating to the store's ILIKE query.
func (s *Service) SearchEntitiesByName(ctx context.Context, campaignID, query string, limit int) ([]domain.Entity, error) {
	return s.store.SearchEntitiesByName(ctx, campaignID, query, limit)
}

func (s *Service) AllEntities(ctx context.Context, campaignID string) ([]domain.Entity, error) {
	return s.store.AllEntities(ctx, campaignID)
}

func (s *Service) AllRelationships(ctx context.Context, campaignID string) ([]domain.EntityRelationship, error) {
	return s.store.AllRelationships(ctx, campaignID)
}

func (s *Service) ListCommunities(ctx context.Context, campaignID string) ([]domain.Community, error) {
	return s.store.ListCommunities(ctx, campaignID)
}

func (s *Service) ReplaceCommunities(ctx context.Context, campaignID string, communities []domain.Community) error {
	return s.store.ReplaceCommunities(ctx, campaignID, communities)
}

func (s *Service) ListImportance(ctx context.Context, campaignID string) ([]domain.EntityImportance, error) {
	return s.store.ListImportance(ctx, campaignID)
}

func (s *Service) ReplaceImportance(ctx context.Context, campaignID string, scores []domain.EntityImportance) error {
	return s.store.ReplaceImportance(ctx, campaignID, scores)
}
