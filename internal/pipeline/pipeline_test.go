package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofisk/loresmith/internal/chunkplan"
	"github.com/ofisk/loresmith/internal/config"
	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/errs"
	"github.com/ofisk/loresmith/internal/extraction"
	"github.com/ofisk/loresmith/internal/queue"
	"github.com/ofisk/loresmith/internal/staging"
)

// fakeStore backs both chunkplan.Store and pipeline.FileStore: the
// Chunk Planner and the dispatcher's bookkeeping share one table of
// FileProcessingChunk rows in real deployments, so the fake shares one
// map too.
type fakeStore struct {
	chunks      map[string][]domain.FileProcessingChunk
	fileStatus  domain.FileStatus
	fileErrMsg  string
	statusCalls []domain.FileStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{chunks: map[string][]domain.FileProcessingChunk{}}
}

func (f *fakeStore) ListChunksForFile(ctx context.Context, fileKey string) ([]domain.FileProcessingChunk, error) {
	return append([]domain.FileProcessingChunk(nil), f.chunks[fileKey]...), nil
}

func (f *fakeStore) CreateChunk(ctx context.Context, c domain.FileProcessingChunk) (domain.FileProcessingChunk, error) {
	f.chunks[c.FileKey] = append(f.chunks[c.FileKey], c)
	return c, nil
}

func (f *fakeStore) UpdateFileStatus(ctx context.Context, tenant, fileKey string, status domain.FileStatus, errMsg string) error {
	f.fileStatus = status
	f.fileErrMsg = errMsg
	f.statusCalls = append(f.statusCalls, status)
	return nil
}

func (f *fakeStore) UpdateChunkStatus(ctx context.Context, id string, status domain.ChunkStatus, retryCount int, errMsg, vectorID string) error {
	for fileKey, cs := range f.chunks {
		for i, c := range cs {
			if c.ID != id {
				continue
			}
			c.Status = status
			c.RetryCount = retryCount
			c.ErrorMessage = errMsg
			c.VectorID = vectorID
			f.chunks[fileKey][i] = c
			return nil
		}
	}
	return nil
}

// fakeRangedBlob implements staging.ContentProvider and
// staging.RangedContentProvider over a single fixed text, recording
// every ranged fetch so tests can assert processChunks actually
// requests each planned chunk's own range instead of the whole file.
type fakeRangedBlob struct {
	text  string
	calls []domain.ChunkRange
}

func (f *fakeRangedBlob) FetchContent(ctx context.Context, resourceID string) (string, error) {
	return "", fmt.Errorf("unranged FetchContent must not be called once the file is chunked")
}

func (f *fakeRangedBlob) FetchContentRange(ctx context.Context, resourceID string, rng domain.ChunkRange) (string, error) {
	f.calls = append(f.calls, rng)
	return f.text, nil
}

// fakeMemoryLimitedBlob fails the whole-file fetch (simulating the
// File Extractor's memory envelope) but succeeds on a ranged fetch, the
// realistic shape of a PDF too large to extract in one pass but fine
// per chunk.
type fakeMemoryLimitedBlob struct {
	wholeCalls int
	rangeCalls []domain.ChunkRange
}

func (f *fakeMemoryLimitedBlob) FetchContent(ctx context.Context, resourceID string) (string, error) {
	f.wholeCalls++
	return "", errs.MemoryLimit("f1", "big.pdf", 150, 128)
}

func (f *fakeMemoryLimitedBlob) FetchContentRange(ctx context.Context, resourceID string, rng domain.ChunkRange) (string, error) {
	f.rangeCalls = append(f.rangeCalls, rng)
	return "Aragorn appears here", nil
}

type fakeEntityExtractor struct{ calls int }

func (f *fakeEntityExtractor) Extract(ctx context.Context, in extraction.Input) ([]extraction.ExtractedEntity, error) {
	f.calls++
	return []extraction.ExtractedEntity{{
		ID: fmt.Sprintf("%s_e%d", in.CampaignID, f.calls), EntityType: "character", Name: "Extracted",
	}}, nil
}

type fakeEntityStore struct{ entities map[string]domain.Entity }

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
	return r, nil
}

func stagingCfg() config.StagingConfig {
	return config.StagingConfig{MaxCharsPerChunk: 42000}
}

func dispatch(t *testing.T, d *Dispatcher, job FileJob) {
	t.Helper()
	body, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, d.Process(context.Background(), body, queue.KindFileProcessing))
}

func TestProcessFile_ChunkedPDF_StagesEachChunkWithItsOwnRange(t *testing.T) {
	store := newFakeStore()
	planner := chunkplan.New(store, config.ChunkPlannerConfig{
		PDFSizeThresholdMB: 100, PDFLargeThresholdMB: 1000,
		PDFPagesPerChunk: 100, PDFPagesPerChunkLarge: 100, PDFBytesPerPage: 150 * 1024,
		NonPDFSizeThresholdMB: 128, NonPDFChunkSizeMB: 10,
	})
	blob := &fakeRangedBlob{text: "Aragorn travels to Bree"}
	stage := staging.New(blob, &fakeEntityExtractor{}, nil, &fakeEntityStore{entities: map[string]domain.Entity{}}, nil, nil, stagingCfg())
	d := New(store, planner, stage, nil)

	dispatch(t, d, FileJob{Tenant: "t1", CampaignID: "camp1", FileKey: "f1", FileName: "big.pdf", ContentType: "application/pdf", SizeMB: 150})

	planned, err := store.ListChunksForFile(context.Background(), "f1")
	require.NoError(t, err)
	require.NotEmpty(t, planned)

	assert.Len(t, blob.calls, len(planned), "every planned chunk must be staged against its own range")
	seen := map[domain.ChunkRange]bool{}
	for _, rng := range blob.calls {
		assert.NotZero(t, rng, "a planned chunk's range must not be the zero value")
		seen[rng] = true
	}
	assert.Len(t, seen, len(planned), "each chunk must be staged with a distinct range")

	for _, c := range planned {
		assert.Equal(t, domain.ChunkCompleted, c.Status)
	}
	assert.Equal(t, domain.FileCompleted, store.fileStatus)
}

func TestProcessFile_Retry_OnlyRestagesIncompleteChunks(t *testing.T) {
	store := newFakeStore()
	store.chunks["f1"] = []domain.FileProcessingChunk{
		{ID: "c1", FileKey: "f1", ChunkIndex: 0, TotalChunks: 2, Range: domain.ChunkRange{PageFrom: 1, PageTo: 50}, Status: domain.ChunkCompleted},
		{ID: "c2", FileKey: "f1", ChunkIndex: 1, TotalChunks: 2, Range: domain.ChunkRange{PageFrom: 51, PageTo: 100}, Status: domain.ChunkFailed, RetryCount: 1},
	}
	planner := chunkplan.New(store, config.ChunkPlannerConfig{PDFSizeThresholdMB: 100})
	blob := &fakeRangedBlob{text: "more Aragorn"}
	stage := staging.New(blob, &fakeEntityExtractor{}, nil, &fakeEntityStore{entities: map[string]domain.Entity{}}, nil, nil, stagingCfg())
	d := New(store, planner, stage, nil)

	dispatch(t, d, FileJob{Tenant: "t1", CampaignID: "camp1", FileKey: "f1", FileName: "big.pdf", ContentType: "application/pdf", SizeMB: 150})

	require.Len(t, blob.calls, 1, "only the previously failed chunk should be restaged")
	assert.Equal(t, domain.ChunkRange{PageFrom: 51, PageTo: 100}, blob.calls[0])

	updated, err := store.ListChunksForFile(context.Background(), "f1")
	require.NoError(t, err)
	for _, c := range updated {
		assert.Equal(t, domain.ChunkCompleted, c.Status)
	}
	assert.Equal(t, domain.FileCompleted, store.fileStatus)
}

func TestProcessFile_MemoryLimitOnWholeFileTriggersChunkedRetry(t *testing.T) {
	store := newFakeStore()
	planner := chunkplan.New(store, config.ChunkPlannerConfig{
		PDFSizeThresholdMB: 100000, PDFLargeThresholdMB: 200000,
		PDFPagesPerChunk: 100, PDFPagesPerChunkLarge: 100, PDFBytesPerPage: 150 * 1024,
	})
	blob := &fakeMemoryLimitedBlob{}
	stage := staging.New(blob, &fakeEntityExtractor{}, nil, &fakeEntityStore{entities: map[string]domain.Entity{}}, nil, nil, stagingCfg())
	d := New(store, planner, stage, nil)

	dispatch(t, d, FileJob{Tenant: "t1", CampaignID: "camp1", FileKey: "f1", FileName: "big.pdf", ContentType: "application/pdf", SizeMB: 50})

	assert.Equal(t, 1, blob.wholeCalls, "the whole-file attempt happens exactly once before falling back to chunking")
	assert.NotEmpty(t, blob.rangeCalls, "hitting the memory limit must force retries onto ranged chunk fetches")

	chunks, err := store.ListChunksForFile(context.Background(), "f1")
	require.NoError(t, err)
	assert.NotEmpty(t, chunks, "the planner must chunk the file once a whole-file extract hits the memory limit")
	for _, c := range chunks {
		assert.Equal(t, domain.ChunkCompleted, c.Status)
	}
	assert.Equal(t, domain.FileCompleted, store.fileStatus)
}
