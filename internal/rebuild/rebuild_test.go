package rebuild

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofisk/loresmith/internal/config"
	"github.com/ofisk/loresmith/internal/domain"
)

func TestBuildAdjacency_SymmetricAndSelfLoopFree(t *testing.T) {
	entities := []domain.Entity{{ID: "b"}, {ID: "a"}, {ID: "c"}}
	rels := []domain.EntityRelationship{
		{FromEntityID: "a", ToEntityID: "b"},
		{FromEntityID: "a", ToEntityID: "a"}, // self-relation never reaches the adjacency
	}
	adj := buildAdjacency(entities, rels)

	assert.Equal(t, []string{"a", "b", "c"}, adj.nodes) // stable ascending order regardless of input order
	assert.Equal(t, []string{"b"}, adj.edges["a"])
	assert.Equal(t, []string{"a"}, adj.edges["b"])
	assert.Empty(t, adj.edges["c"])
}

func TestWeaklyConnectedComponents_DeterministicPartition(t *testing.T) {
	entities := []domain.Entity{{ID: "d"}, {ID: "c"}, {ID: "b"}, {ID: "a"}, {ID: "e"}}
	rels := []domain.EntityRelationship{
		{FromEntityID: "a", ToEntityID: "b"},
		{FromEntityID: "b", ToEntityID: "c"},
		// d and e are isolated singleton components
	}
	adj := buildAdjacency(entities, rels)
	components := weaklyConnectedComponents(adj)

	require.Len(t, components, 3)
	assert.Equal(t, []string{"a", "b", "c"}, components[0].nodes)
	assert.Equal(t, []string{"d"}, components[1].nodes)
	assert.Equal(t, []string{"e"}, components[2].nodes)
}

func TestLabelPropagation_ConvergesDeterministically(t *testing.T) {
	// two triangles bridged by a single edge. Updates run in place in
	// ascending id order and ties go to the smallest label, so on this
	// input a1's first pick, "a2", spreads across the bridge to every
	// node; repeated runs over the same input must produce
	// byte-identical label assignments.
	entities := []domain.Entity{{ID: "a1"}, {ID: "a2"}, {ID: "a3"}, {ID: "b1"}, {ID: "b2"}, {ID: "b3"}}
	rels := []domain.EntityRelationship{
		{FromEntityID: "a1", ToEntityID: "a2"},
		{FromEntityID: "a2", ToEntityID: "a3"},
		{FromEntityID: "a3", ToEntityID: "a1"},
		{FromEntityID: "b1", ToEntityID: "b2"},
		{FromEntityID: "b2", ToEntityID: "b3"},
		{FromEntityID: "b3", ToEntityID: "b1"},
		{FromEntityID: "a1", ToEntityID: "b1"},
	}
	adj := buildAdjacency(entities, rels)
	components := weaklyConnectedComponents(adj)
	require.Len(t, components, 1)

	first := labelPropagation(components[0], 20)
	second := labelPropagation(components[0], 20)
	assert.Equal(t, first, second)
	assert.Equal(t, first["a2"], first["a3"]) // a2/a3 never touch the bridge, stay with a1's label
}

func TestPageRank_SumsToApproximatelyOneAndFavorsHighDegreeNode(t *testing.T) {
	// star graph: hub has three spokes, so it should rank highest.
	entities := []domain.Entity{{ID: "hub"}, {ID: "s1"}, {ID: "s2"}, {ID: "s3"}}
	rels := []domain.EntityRelationship{
		{FromEntityID: "hub", ToEntityID: "s1"},
		{FromEntityID: "hub", ToEntityID: "s2"},
		{FromEntityID: "hub", ToEntityID: "s3"},
	}
	adj := buildAdjacency(entities, rels)
	components := weaklyConnectedComponents(adj)
	require.Len(t, components, 1)

	pr := pageRank(components[0], 0.85, 100, 1e-8)
	sum := 0.0
	for _, v := range pr {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-3)
	for _, spoke := range []string{"s1", "s2", "s3"} {
		assert.Greater(t, pr["hub"], pr[spoke])
	}
}

func TestBetweennessCentrality_PathGraphMiddleNodeHighest(t *testing.T) {
	entities := []domain.Entity{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	rels := []domain.EntityRelationship{
		{FromEntityID: "a", ToEntityID: "b"},
		{FromEntityID: "b", ToEntityID: "c"},
	}
	adj := buildAdjacency(entities, rels)
	components := weaklyConnectedComponents(adj)
	require.Len(t, components, 1)

	bc := betweennessCentrality(components[0])
	assert.Greater(t, bc["b"], bc["a"])
	assert.Greater(t, bc["b"], bc["c"])
}

func TestComputeComponent_Deterministic(t *testing.T) {
	entities := []domain.Entity{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	rels := []domain.EntityRelationship{
		{FromEntityID: "a", ToEntityID: "b"},
		{FromEntityID: "b", ToEntityID: "c"},
	}
	adj := buildAdjacency(entities, rels)
	components := weaklyConnectedComponents(adj)
	require.Len(t, components, 1)

	cfg := config.RebuildConfig{LabelPropagationIters: 20, PageRankDamping: 0.85, PageRankIters: 100, PageRankTolerance: 1e-8}
	r1 := computeComponent(components[0], cfg)
	r2 := computeComponent(components[0], cfg)
	assert.Equal(t, r1, r2)
}

// fakeChangelog and fakeGraphStoreForDecide back the decide()
// scenarios: 5 entries touching 3 entities of 100 decides partial; 25
// entries touching 30 of 100 decides full.
type fakeChangelog struct {
	unapplied []domain.WorldStateChangelogEntry
	applied   []string
}

func (f *fakeChangelog) ListCampaignsWithUnapplied(ctx context.Context) ([]string, error) {
	return []string{"camp1"}, nil
}
func (f *fakeChangelog) ListUnapplied(ctx context.Context, campaignID string) ([]domain.WorldStateChangelogEntry, error) {
	return f.unapplied, nil
}
func (f *fakeChangelog) MarkApplied(ctx context.Context, ids []string) error {
	f.applied = append(f.applied, ids...)
	return nil
}

type fakeGraphStoreForDecide struct {
	entities []domain.Entity
}

func (f *fakeGraphStoreForDecide) AllEntities(ctx context.Context, campaignID string) ([]domain.Entity, error) {
	return f.entities, nil
}
func (f *fakeGraphStoreForDecide) AllRelationships(ctx context.Context, campaignID string) ([]domain.EntityRelationship, error) {
	return nil, nil
}
func (f *fakeGraphStoreForDecide) ListCommunities(ctx context.Context, campaignID string) ([]domain.Community, error) {
	return nil, nil
}
func (f *fakeGraphStoreForDecide) ReplaceCommunities(ctx context.Context, campaignID string, communities []domain.Community) error {
	return nil
}
func (f *fakeGraphStoreForDecide) ListImportance(ctx context.Context, campaignID string) ([]domain.EntityImportance, error) {
	return nil, nil
}
func (f *fakeGraphStoreForDecide) ReplaceImportance(ctx context.Context, campaignID string, scores []domain.EntityImportance) error {
	return nil
}

func entitiesNumbered(n int) []domain.Entity {
	out := make([]domain.Entity, n)
	for i := range out {
		out[i] = domain.Entity{ID: fmt.Sprintf("e%d", i)}
	}
	return out
}

func TestDecide_SmallImpactIsPartial(t *testing.T) {
	entries := []domain.WorldStateChangelogEntry{
		{ID: "c1", Payload: domain.ChangelogPayload{NewEntities: []string{"e1", "e2", "e3"}}},
	}
	for i := 1; i < 5; i++ {
		entries = append(entries, domain.WorldStateChangelogEntry{
			ID: fmt.Sprintf("c%d", i+1),
			Payload: domain.ChangelogPayload{
				EntityUpdates: []domain.EntityUpdate{{EntityID: "e1"}},
			},
		})
	}
	svc := New(&fakeChangelog{unapplied: entries}, nil, &fakeGraphStoreForDecide{entities: entitiesNumbered(100)}, nil, config.RebuildConfig{
		FullImpactThreshold: 20, FullFractionThreshold: 0.20, RelationshipWeight: 0.5,
	})
	d, err := svc.decide(context.Background(), "camp1")
	require.NoError(t, err)
	assert.True(t, d.shouldRebuild)
	assert.Equal(t, domain.RebuildPartial, d.rebuildType)
}

func TestDecide_LargeImpactIsFull(t *testing.T) {
	var entries []domain.WorldStateChangelogEntry
	for i := 0; i < 25; i++ {
		entries = append(entries, domain.WorldStateChangelogEntry{
			ID: fmt.Sprintf("c%d", i),
			Payload: domain.ChangelogPayload{
				NewEntities: []string{fmt.Sprintf("e%d", i)},
			},
		})
	}
	// 5 of those 25 entries also carry a relationship update touching
	// one more distinct entity each, reaching 30 affected
	for i := 25; i < 30; i++ {
		entries[i-25].Payload.RelationshipUpdates = []domain.RelationshipUpdate{{From: fmt.Sprintf("e%d", i), To: "e0"}}
	}
	svc := New(&fakeChangelog{unapplied: entries}, nil, &fakeGraphStoreForDecide{entities: entitiesNumbered(100)}, nil, config.RebuildConfig{
		FullImpactThreshold: 20, FullFractionThreshold: 0.20, RelationshipWeight: 0.5,
	})
	d, err := svc.decide(context.Background(), "camp1")
	require.NoError(t, err)
	assert.True(t, d.shouldRebuild)
	assert.Equal(t, domain.RebuildFull, d.rebuildType)
}

func TestDecide_NoUnappliedEntriesSkipsRebuild(t *testing.T) {
	svc := New(&fakeChangelog{}, nil, &fakeGraphStoreForDecide{entities: entitiesNumbered(10)}, nil, config.RebuildConfig{})
	d, err := svc.decide(context.Background(), "camp1")
	require.NoError(t, err)
	assert.False(t, d.shouldRebuild)
}

func TestExpandNeighborhood_BoundedByHops(t *testing.T) {
	entities := []domain.Entity{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}
	rels := []domain.EntityRelationship{
		{FromEntityID: "a", ToEntityID: "b"},
		{FromEntityID: "b", ToEntityID: "c"},
		{FromEntityID: "c", ToEntityID: "d"},
	}
	adj := buildAdjacency(entities, rels)

	oneHop := expandNeighborhood(adj, []string{"a"}, 1)
	assert.ElementsMatch(t, []string{"a", "b"}, oneHop)

	twoHop := expandNeighborhood(adj, []string{"a"}, 2)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, twoHop)
}
