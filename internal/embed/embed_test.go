package embed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofisk/loresmith/internal/config"
	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/llm"
	"github.com/ofisk/loresmith/internal/persistence/vectorindex"
)

type fakeProvider struct {
	err    error
	fixedV []float32
	calls  int
}

func (f *fakeProvider) Embed(ctx context.Context, texts []string, model string) ([]llm.EmbedResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]llm.EmbedResult, len(texts))
	for i := range texts {
		out[i] = llm.EmbedResult{Vector: f.fixedV}
	}
	return out, nil
}

func testCfg() config.EmbeddingConfig {
	return config.EmbeddingConfig{Dimension: 4, MaxCharsPerCall: 4000, ChunkSize: 3500, BatchSize: 2, WarnThreshold: 5000}
}

func TestEmbedAndStore_UsesProviderVectorWhenValid(t *testing.T) {
	provider := &fakeProvider{fixedV: []float32{0.1, 0.2, 0.3, 0.4}}
	index := vectorindex.NewMemory(4)
	svc := New(provider, index, "test-model", testCfg())

	ids, err := svc.EmbedAndStore(context.Background(), []Span{
		{Text: "hello world", MetadataID: "file_1", Suffix: "_0", Metadata: domain.VectorMetadata{Tenant: "t1", ContentType: domain.ContentFileChunk}},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, VectorID("file_1", "_0"), ids[0])

	matches, err := index.Query(context.Background(), provider.fixedV, 1, vectorindex.Filter{"tenant": "t1"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.False(t, matches[0].Metadata.Fallback)
}

func TestEmbedAndStore_FallsBackOnProviderError(t *testing.T) {
	provider := &fakeProvider{err: assert.AnError}
	index := vectorindex.NewMemory(4)
	svc := New(provider, index, "test-model", testCfg())

	ids, err := svc.EmbedAndStore(context.Background(), []Span{
		{Text: "hello", MetadataID: "file_2", Suffix: "_0", Metadata: domain.VectorMetadata{Tenant: "t1", ContentType: domain.ContentFileChunk}},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	matches, err := index.Query(context.Background(), deterministicEmbedding("hello", 4), 1, vectorindex.Filter{"tenant": "t1"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.True(t, matches[0].Metadata.Fallback)
}

func TestDeterministicEmbedding_IsDeterministicAndFinite(t *testing.T) {
	a := deterministicEmbedding("same text", 8)
	b := deterministicEmbedding("same text", 8)
	assert.Equal(t, a, b)
	for _, x := range a {
		assert.GreaterOrEqual(t, x, float32(0))
		assert.LessOrEqual(t, x, float32(1))
	}
}

func TestVectorID_Format(t *testing.T) {
	id := VectorID("file_1", "_0")
	assert.Equal(t, "v_", id[:2])
	assert.Len(t, id, 50) // "v_" + 48 hex chars
}

func TestPreSplit_RespectsChunkSize(t *testing.T) {
	text := ""
	for i := 0; i < 500; i++ {
		text += "word. "
	}
	chunks := PreSplit(text, 100)
	assert.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 100) // a sentence-boundary cut only ever shortens a chunk
	}
}

func TestPreSplit_NoSplitWhenUnderLimit(t *testing.T) {
	chunks := PreSplit("short text", 100)
	assert.Equal(t, []string{"short text"}, chunks)
}
