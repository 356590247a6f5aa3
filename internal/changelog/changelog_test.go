package changelog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofisk/loresmith/internal/domain"
)

type fakeStore struct {
	entries []domain.WorldStateChangelogEntry
	applied []string
}

func (f *fakeStore) AppendChangelogEntry(ctx context.Context, e domain.WorldStateChangelogEntry) (domain.WorldStateChangelogEntry, error) {
	f.entries = append(f.entries, e)
	return e, nil
}

func (f *fakeStore) UnappliedChangelogEntries(ctx context.Context, campaignID string) ([]domain.WorldStateChangelogEntry, error) {
	return f.entries, nil
}

func (f *fakeStore) ListCampaignsWithUnapplied(ctx context.Context) ([]string, error) {
	return []string{"camp1"}, nil
}

func (f *fakeStore) ListChangelogRange(ctx context.Context, campaignID string, fromTS, toTS time.Time, sessionID string) ([]domain.WorldStateChangelogEntry, error) {
	return f.entries, nil
}

func (f *fakeStore) MarkChangelogApplied(ctx context.Context, ids []string) error {
	f.applied = append(f.applied, ids...)
	return nil
}

func TestAppend_DefaultsTimestamp(t *testing.T) {
	svc := New(&fakeStore{})
	e, err := svc.Append(context.Background(), domain.WorldStateChangelogEntry{ID: "c1", CampaignID: "camp1"})
	require.NoError(t, err)
	assert.Equal(t, "c1", e.ID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestReduce_LatestWinsPerKey(t *testing.T) {
	entries := []domain.WorldStateChangelogEntry{
		{Payload: domain.ChangelogPayload{
			NewEntities:   []string{"e1"},
			EntityUpdates: []domain.EntityUpdate{{EntityID: "e1", Status: "staging"}},
		}},
		{Payload: domain.ChangelogPayload{
			EntityUpdates:       []domain.EntityUpdate{{EntityID: "e1", Status: "approved"}},
			RelationshipUpdates: []domain.RelationshipUpdate{{From: "e1", To: "e2", NewStatus: "active"}},
		}},
	}
	o := Reduce(entries)
	assert.True(t, o.NewEntities["e1"])
	assert.Equal(t, "approved", o.EntityState["e1"].Status)
	assert.Equal(t, "active", o.RelationshipState[relationshipKey("e1", "e2")].NewStatus)
}

func TestReduce_IsIdempotent(t *testing.T) {
	entries := []domain.WorldStateChangelogEntry{
		{Payload: domain.ChangelogPayload{EntityUpdates: []domain.EntityUpdate{{EntityID: "e1", Status: "staging"}}}},
		{Payload: domain.ChangelogPayload{EntityUpdates: []domain.EntityUpdate{{EntityID: "e1", Status: "approved"}}}},
	}
	o1 := Reduce(entries)

	replay := domain.WorldStateChangelogEntry{Payload: domain.ChangelogPayload{
		EntityUpdates: []domain.EntityUpdate{o1.EntityState["e1"]},
	}}
	o2 := Reduce(append(append([]domain.WorldStateChangelogEntry{}, entries...), replay))
	assert.Equal(t, o1.EntityState["e1"], o2.EntityState["e1"])
}

func TestReduce_EmptyInputIsEmptyOverlay(t *testing.T) {
	o := Reduce(nil)
	assert.Empty(t, o.NewEntities)
	assert.Empty(t, o.EntityState)
	assert.Empty(t, o.RelationshipState)
}
