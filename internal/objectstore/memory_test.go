package objectstore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	content := []byte("the party meets Aragorn at the Prancing Pony")

	etag, err := store.Put(ctx, "staging/tenant-a/session-notes.txt", bytes.NewReader(content), PutOptions{
		ContentType: "text/plain",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, etag)

	reader, attrs, err := store.Get(ctx, "staging/tenant-a/session-notes.txt")
	require.NoError(t, err)
	defer reader.Close()

	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, content, data)
	assert.Equal(t, "staging/tenant-a/session-notes.txt", attrs.Key)
	assert.Equal(t, int64(len(content)), attrs.Size)
	assert.Equal(t, "text/plain", attrs.ContentType)
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	_, _, err := store.Get(ctx, "staging/tenant-a/nonexistent.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Delete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	key := "staging/tenant-a/campaign-recap.txt"
	_, err := store.Put(ctx, key, bytes.NewReader([]byte("the fellowship reaches Rivendell")), PutOptions{})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, key))

	_, _, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_List(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	// A tenant's staging uploads alongside another tenant's library, the
	// two key prefixes FetchContent/maintenance sweeps actually walk.
	keys := []string{
		"staging/tenant-a/session1.txt",
		"staging/tenant-a/session2.txt",
		"staging/tenant-a/recordings/recap.wav",
		"library/tenant-b/campaign1/handout.pdf",
		"library/tenant-b/index.json",
	}
	for _, k := range keys {
		_, err := store.Put(ctx, k, bytes.NewReader([]byte("content")), PutOptions{})
		require.NoError(t, err)
	}

	result, err := store.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Objects, 5)

	result, err = store.List(ctx, ListOptions{Prefix: "staging/tenant-a/"})
	require.NoError(t, err)
	assert.Len(t, result.Objects, 3)

	result, err = store.List(ctx, ListOptions{Prefix: "", Delimiter: "/"})
	require.NoError(t, err)
	assert.Empty(t, result.Objects)
	assert.Contains(t, result.CommonPrefixes, "staging/")
	assert.Contains(t, result.CommonPrefixes, "library/")
}

func TestMemoryStore_Head(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	content := []byte("the one ring must be destroyed")
	key := "library/tenant-a/campaign1/lore.txt"
	_, err := store.Put(ctx, key, bytes.NewReader(content), PutOptions{
		ContentType: "text/plain",
	})
	require.NoError(t, err)

	attrs, err := store.Head(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, key, attrs.Key)
	assert.Equal(t, int64(len(content)), attrs.Size)
	assert.Equal(t, "text/plain", attrs.ContentType)

	_, err = store.Head(ctx, "library/tenant-a/campaign1/nonexistent.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Copy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	content := []byte("Gandalf's notes on the Balrog")
	src := "staging/tenant-a/draft.txt"
	dst := "library/tenant-a/campaign1/draft.txt"
	_, err := store.Put(ctx, src, bytes.NewReader(content), PutOptions{})
	require.NoError(t, err)

	require.NoError(t, store.Copy(ctx, src, dst))

	reader, _, err := store.Get(ctx, dst)
	require.NoError(t, err)
	defer reader.Close()

	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	err = store.Copy(ctx, "staging/tenant-a/nonexistent.txt", "library/tenant-a/dest.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Exists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	key := "staging/tenant-a/upload.txt"
	exists, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.Put(ctx, key, bytes.NewReader([]byte("data")), PutOptions{})
	require.NoError(t, err)

	exists, err = store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)
}
