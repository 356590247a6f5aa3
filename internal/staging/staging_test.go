package staging

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofisk/loresmith/internal/config"
	"github.com/ofisk/loresmith/internal/dedup"
	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/errs"
	"github.com/ofisk/loresmith/internal/extraction"
)

type fakeContent struct{ text string }

func (f *fakeContent) FetchContent(ctx context.Context, resourceID string) (string, error) {
	return f.text, nil
}

// fakeRangedContent implements RangedContentProvider over a map of
// range -> text, so tests can assert StageChunk actually requests the
// planned range instead of always falling back to the whole resource.
type fakeRangedContent struct {
	whole  string
	ranges map[domain.ChunkRange]string
	calls  []domain.ChunkRange
}

func (f *fakeRangedContent) FetchContent(ctx context.Context, resourceID string) (string, error) {
	return f.whole, nil
}

func (f *fakeRangedContent) FetchContentRange(ctx context.Context, resourceID string, rng domain.ChunkRange) (string, error) {
	f.calls = append(f.calls, rng)
	return f.ranges[rng], nil
}

type fakeExtractor struct {
	batches [][]extraction.ExtractedEntity
	errs    []error
	calls   int
}

func (f *fakeExtractor) Extract(ctx context.Context, in extraction.Input) ([]extraction.ExtractedEntity, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.batches) {
		return f.batches[i], nil
	}
	return nil, nil
}

type fakeDedup struct{ duplicate bool }

func (f *fakeDedup) IsDuplicate(ctx context.Context, candidateText, campaignID, entityType, excludeID string) (dedup.Result, error) {
	return dedup.Result{Duplicate: f.duplicate}, nil
}

type fakeEntityStore struct {
	entities map[string]domain.Entity
	rels     []domain.EntityRelationship
	// relByID and relByKey mirror Postgres's two arbiters for
	// entity_relationships: the `id` primary key and the
	// `(campaign_id, from, to, relationship_type)` unique index. A
	// real UpsertRelationship with a colliding id but a distinct
	// composite key would raise a PK violation instead of diverting
	// to ON CONFLICT DO UPDATE; this fake enforces the same rule so
	// tests catch callers that forget to derive a collision-free id.
	relByID  map[string]int
	relByKey map[string]int
}

func newFakeEntityStore() *fakeEntityStore {
	return &fakeEntityStore{
		entities: map[string]domain.Entity{},
		relByID:  map[string]int{},
		relByKey: map[string]int{},
	}
}

func (f *fakeEntityStore) GetEntity(ctx context.Context, campaignID, id string) (domain.Entity, error) {
	e, ok := f.entities[id]
	if !ok {
		return domain.Entity{}, errs.NotFound("entity", id)
	}
	return e, nil
}

func (f *fakeEntityStore) UpsertEntity(ctx context.Context, e domain.Entity) (domain.Entity, error) {
	f.entities[e.ID] = e
	return e, nil
}

func (f *fakeEntityStore) UpsertRelationship(ctx context.Context, r domain.EntityRelationship) (domain.EntityRelationship, error) {
	if r.FromEntityID == r.ToEntityID {
		return domain.EntityRelationship{}, errs.Invariant("relationship endpoints must differ")
	}
	key := r.CampaignID + "|" + r.FromEntityID + "|" + r.ToEntityID + "|" + r.RelationshipType
	if i, ok := f.relByKey[key]; ok {
		f.rels[i] = r
		return r, nil
	}
	if i, ok := f.relByID[r.ID]; ok {
		return f.rels[i], errs.Transient("upsert_relationship", fmt.Errorf(
			"duplicate key value violates unique constraint \"entity_relationships_pkey\" (id=%q)", r.ID))
	}
	f.relByID[r.ID] = len(f.rels)
	f.relByKey[key] = len(f.rels)
	f.rels = append(f.rels, r)
	return r, nil
}

type fakeImportance struct {
	called bool
	ids    []string
}

func (f *fakeImportance) RecomputeForCampaign(ctx context.Context, campaignID string, affectedEntityIDs []string) error {
	f.called = true
	f.ids = affectedEntityIDs
	return nil
}

type fakeNotifier struct{ notified []domain.Notification }

func (f *fakeNotifier) Notify(ctx context.Context, n domain.Notification) error {
	f.notified = append(f.notified, n)
	return nil
}

func testCfg() config.StagingConfig {
	return config.StagingConfig{
		MaxCharsPerChunk: 42000,
		InterChunkDelay:  1 * time.Millisecond,
		MaxRetries:       3,
		BaseBackoff:      1 * time.Millisecond,
		MaxBackoff:       5 * time.Millisecond,
		RateLimitPause:   1 * time.Millisecond,
	}
}

func TestStageResource_EmptyContentSucceedsWithZeroEntities(t *testing.T) {
	svc := New(&fakeContent{text: ""}, &fakeExtractor{}, &fakeDedup{}, newFakeEntityStore(), &fakeImportance{}, &fakeNotifier{}, testCfg())
	res, err := svc.StageResource(context.Background(), "camp1", "res1", "doc.txt", "file")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.EntityCount)
}

func TestStageResource_WritesNewEntityAndRelations(t *testing.T) {
	extractor := &fakeExtractor{batches: [][]extraction.ExtractedEntity{
		{{ID: "camp1_e1", EntityType: "character", Name: "Elen", Content: map[string]any{"race": "elf"},
			Relations: []extraction.ExtractedRelation{{RelationshipType: "ally_of", TargetID: "e2"}}}},
	}}
	store := newFakeEntityStore()
	importance := &fakeImportance{}
	notifier := &fakeNotifier{}
	svc := New(&fakeContent{text: "Elen the elf"}, extractor, &fakeDedup{duplicate: false}, store, importance, notifier, testCfg())

	res, err := svc.StageResource(context.Background(), "camp1", "res1", "doc.txt", "file")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.EntityCount)
	assert.Equal(t, domain.ShardStaging, store.entities["camp1_e1"].Metadata.ShardStatus)
	require.Len(t, store.rels, 1)
	assert.Equal(t, "camp1_e2", store.rels[0].ToEntityID) // normalized target id
	assert.True(t, importance.called)
	assert.Len(t, notifier.notified, 1)
}

// TestStageResource_WritesMultipleDistinctRelationships is the
// regression test for seed scenario 1 (Aragorn travels_to Bree
// alongside a second, distinct edge): every relationship must get its
// own collision-free id derived from (campaign_id, from, to, type),
// not persist with a shared empty id that only the first insert can
// claim against the primary key.
func TestStageResource_WritesMultipleDistinctRelationships(t *testing.T) {
	extractor := &fakeExtractor{batches: [][]extraction.ExtractedEntity{
		{
			{ID: "camp1_aragorn", EntityType: "character", Name: "Aragorn",
				Relations: []extraction.ExtractedRelation{{RelationshipType: "travels_to", TargetID: "bree"}}},
			{ID: "camp1_legolas", EntityType: "character", Name: "Legolas",
				Relations: []extraction.ExtractedRelation{{RelationshipType: "ally_of", TargetID: "aragorn"}}},
		},
	}}
	store := newFakeEntityStore()
	svc := New(&fakeContent{text: "Aragorn travels to Bree with Legolas"}, extractor, &fakeDedup{duplicate: false},
		store, &fakeImportance{}, &fakeNotifier{}, testCfg())

	res, err := svc.StageResource(context.Background(), "camp1", "res1", "doc.txt", "file")
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, store.rels, 2, "both distinct relationships must persist, not silently collide on id")

	ids := map[string]bool{}
	for _, r := range store.rels {
		assert.NotEmpty(t, r.ID)
		ids[r.ID] = true
	}
	assert.Len(t, ids, 2, "each relationship must get its own collision-free id")
}

// TestStageChunk_UsesRangedFetchWhenAvailable is the regression test for
// seed scenario 2 (a 3-chunk 150MB PDF): StageChunk must fetch exactly
// the planned chunk's range rather than the whole resource when the
// ContentProvider supports it.
func TestStageChunk_UsesRangedFetchWhenAvailable(t *testing.T) {
	rng := domain.ChunkRange{PageFrom: 101, PageTo: 150}
	content := &fakeRangedContent{
		whole:  "the whole document, which must not be what gets staged",
		ranges: map[domain.ChunkRange]string{rng: "Aragorn appears on this page range"},
	}
	extractor := &fakeExtractor{batches: [][]extraction.ExtractedEntity{
		{{ID: "camp1_aragorn", EntityType: "character", Name: "Aragorn"}},
	}}
	store := newFakeEntityStore()
	svc := New(content, extractor, &fakeDedup{duplicate: false}, store, &fakeImportance{}, &fakeNotifier{}, testCfg())

	res, err := svc.StageChunk(context.Background(), "camp1", "res1", "doc.pdf", "file", rng)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, content.calls, 1)
	assert.Equal(t, rng, content.calls[0])
}

// TestStageChunk_FallsBackWhenProviderIsNotRanged ensures a plain
// ContentProvider (no FetchContentRange) still works via StageChunk,
// since not every provider can address a sub-range of its content.
func TestStageChunk_FallsBackWhenProviderIsNotRanged(t *testing.T) {
	extractor := &fakeExtractor{batches: [][]extraction.ExtractedEntity{
		{{ID: "camp1_e1", EntityType: "character", Name: "Elen"}},
	}}
	store := newFakeEntityStore()
	svc := New(&fakeContent{text: "Elen the elf"}, extractor, &fakeDedup{duplicate: false}, store, &fakeImportance{}, &fakeNotifier{}, testCfg())

	res, err := svc.StageChunk(context.Background(), "camp1", "res1", "doc.txt", "file", domain.ChunkRange{PageFrom: 1, PageTo: 10})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.EntityCount)
}

func TestStageResource_SkipsApprovedEntity(t *testing.T) {
	store := newFakeEntityStore()
	store.entities["camp1_e1"] = domain.Entity{ID: "camp1_e1", CampaignID: "camp1", Metadata: domain.EntityMetadata{ShardStatus: domain.ShardApproved}}
	extractor := &fakeExtractor{batches: [][]extraction.ExtractedEntity{
		{{ID: "camp1_e1", EntityType: "character", Name: "Elen", Content: map[string]any{"race": "elf"}}},
	}}
	svc := New(&fakeContent{text: "Elen"}, extractor, &fakeDedup{}, store, &fakeImportance{}, &fakeNotifier{}, testCfg())

	res, err := svc.StageResource(context.Background(), "camp1", "res1", "doc.txt", "file")
	require.NoError(t, err)
	assert.Equal(t, 0, res.EntityCount)
	assert.Equal(t, domain.ShardApproved, store.entities["camp1_e1"].Metadata.ShardStatus) // untouched
}

func TestStageResource_SkipsDuplicateNewEntity(t *testing.T) {
	extractor := &fakeExtractor{batches: [][]extraction.ExtractedEntity{
		{{ID: "camp1_e1", EntityType: "character", Name: "Elen", Content: map[string]any{}}},
	}}
	store := newFakeEntityStore()
	svc := New(&fakeContent{text: "Elen"}, extractor, &fakeDedup{duplicate: true}, store, &fakeImportance{}, &fakeNotifier{}, testCfg())

	res, err := svc.StageResource(context.Background(), "camp1", "res1", "doc.txt", "file")
	require.NoError(t, err)
	assert.Equal(t, 0, res.EntityCount)
	_, exists := store.entities["camp1_e1"]
	assert.False(t, exists)
}

func TestStageResource_AllChunksFailIsTotalFailure(t *testing.T) {
	longText := make([]byte, 50000)
	for i := range longText {
		longText[i] = 'a'
	}
	extractor := &fakeExtractor{errs: []error{
		errs.Validationf("parse", "bad"), errs.Validationf("parse", "bad"),
	}}
	svc := New(&fakeContent{text: string(longText)}, extractor, &fakeDedup{}, newFakeEntityStore(), &fakeImportance{}, &fakeNotifier{}, testCfg())

	res, err := svc.StageResource(context.Background(), "camp1", "res1", "doc.txt", "file")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.TotalChunks)
}

func TestStageResource_TransientErrorRetriesThenSucceeds(t *testing.T) {
	extractor := &fakeExtractor{
		errs:    []error{errs.Transient("extract", assert.AnError)},
		batches: [][]extraction.ExtractedEntity{nil, {{ID: "camp1_e1", EntityType: "character", Name: "Elen", Content: map[string]any{}}}},
	}
	store := newFakeEntityStore()
	svc := New(&fakeContent{text: "Elen"}, extractor, &fakeDedup{}, store, &fakeImportance{}, &fakeNotifier{}, testCfg())

	res, err := svc.StageResource(context.Background(), "camp1", "res1", "doc.txt", "file")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.EntityCount)
	assert.GreaterOrEqual(t, extractor.calls, 2)
}

func TestChunkContent_PrefersPageBoundaries(t *testing.T) {
	text := ""
	for i := 1; i <= 5; i++ {
		text += "[Page " + string(rune('0'+i)) + "]\n" + stringsRepeat("word ", 2000)
	}
	chunks := chunkContent(text, 5000)
	assert.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.Contains(t, c, "[Page ")
	}
}

func stringsRepeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

func TestMergeEntity_UnionsContentAndRelations(t *testing.T) {
	merged := map[string]*extraction.ExtractedEntity{}
	var order []string
	mergeEntity(merged, &order, extraction.ExtractedEntity{ID: "e1", Content: map[string]any{"a": 1},
		Relations: []extraction.ExtractedRelation{{TargetID: "e2", RelationshipType: "ally_of"}}})
	mergeEntity(merged, &order, extraction.ExtractedEntity{ID: "e1", Content: map[string]any{"b": 2},
		Relations: []extraction.ExtractedRelation{{TargetID: "e2", RelationshipType: "ally_of"}, {TargetID: "e3", RelationshipType: "enemy_of"}}})

	e := merged["e1"]
	assert.Equal(t, 1, e.Content["a"])
	assert.Equal(t, 2, e.Content["b"])
	assert.Len(t, e.Relations, 2) // e2 deduped, e3 added
}
