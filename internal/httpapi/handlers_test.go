package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ofisk/loresmith/internal/changelog"
	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/errs"
	"github.com/ofisk/loresmith/internal/graph"
	"github.com/ofisk/loresmith/internal/objectstore"
	"github.com/ofisk/loresmith/internal/planning"
)

type fakeFileCampaigns struct {
	files      map[string]domain.File
	campaigns  map[string]domain.Campaign
	enqueued   int
	tenantOnly string
}

func newFakeFileCampaigns(tenant string) *fakeFileCampaigns {
	return &fakeFileCampaigns{
		files:      map[string]domain.File{},
		campaigns:  map[string]domain.Campaign{},
		tenantOnly: tenant,
	}
}

func (f *fakeFileCampaigns) PutBlob(ctx context.Context, key string, r io.Reader, opts objectstore.PutOptions) (string, error) {
	return "etag-1", nil
}

func (f *fakeFileCampaigns) CreateFile(ctx context.Context, file domain.File) (domain.File, error) {
	f.files[file.FileKey] = file
	return file, nil
}

func (f *fakeFileCampaigns) GetFile(ctx context.Context, tenant, fileKey string) (domain.File, error) {
	file, ok := f.files[fileKey]
	if !ok || file.Tenant != tenant {
		return domain.File{}, errs.NotFound("file", fileKey)
	}
	return file, nil
}

func (f *fakeFileCampaigns) CreateCampaign(ctx context.Context, c domain.Campaign) (domain.Campaign, error) {
	f.campaigns[c.ID] = c
	return c, nil
}

func (f *fakeFileCampaigns) GetCampaign(ctx context.Context, tenant, id string) (domain.Campaign, error) {
	c, ok := f.campaigns[id]
	if !ok || c.Tenant != tenant {
		return domain.Campaign{}, errs.NotFound("campaign", id)
	}
	return c, nil
}

func (f *fakeFileCampaigns) ListCampaigns(ctx context.Context, tenant string) ([]domain.Campaign, error) {
	var out []domain.Campaign
	for _, c := range f.campaigns {
		if c.Tenant == tenant {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeFileCampaigns) DeleteCampaign(ctx context.Context, tenant, id string) error {
	c, ok := f.campaigns[id]
	if !ok || c.Tenant != tenant {
		return errs.NotFound("campaign", id)
	}
	delete(f.campaigns, id)
	return nil
}

func (f *fakeFileCampaigns) LinkFileCampaign(ctx context.Context, tenant, fileKey, campaignID string) (domain.File, error) {
	file, ok := f.files[fileKey]
	if !ok || file.Tenant != tenant {
		return domain.File{}, errs.NotFound("file", fileKey)
	}
	file.CampaignID = campaignID
	f.files[fileKey] = file
	return file, nil
}

func (f *fakeFileCampaigns) Enqueue(ctx context.Context, tenant, kind string, body json.RawMessage, id string) error {
	f.enqueued++
	return nil
}

type fakeEntities struct {
	entities map[string]domain.Entity
}

func (f *fakeEntities) AllEntities(ctx context.Context, campaignID string) ([]domain.Entity, error) {
	var out []domain.Entity
	for _, e := range f.entities {
		if e.CampaignID == campaignID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEntities) GetEntity(ctx context.Context, campaignID, id string) (domain.Entity, error) {
	e, ok := f.entities[id]
	if !ok || e.CampaignID != campaignID {
		return domain.Entity{}, errs.NotFound("entity", id)
	}
	return e, nil
}

func (f *fakeEntities) GetNeighbors(ctx context.Context, campaignID, entityID string, maxDepth, maxNodes int) ([]graph.NeighborNode, error) {
	return nil, nil
}

func (f *fakeEntities) ApproveEntity(ctx context.Context, campaignID, id string) (domain.Entity, error) {
	e, ok := f.entities[id]
	if !ok || e.CampaignID != campaignID {
		return domain.Entity{}, errs.NotFound("entity", id)
	}
	e.Metadata.ShardStatus = domain.ShardApproved
	f.entities[id] = e
	return e, nil
}

func (f *fakeEntities) RejectEntity(ctx context.Context, campaignID, id string) (domain.Entity, error) {
	e, ok := f.entities[id]
	if !ok || e.CampaignID != campaignID {
		return domain.Entity{}, errs.NotFound("entity", id)
	}
	e.Metadata.ShardStatus = domain.ShardRejected
	f.entities[id] = e
	return e, nil
}

type fakeChangelogService struct {
	entries []domain.WorldStateChangelogEntry
}

func (f *fakeChangelogService) ListRange(ctx context.Context, campaignID string, filter changelog.RangeFilter) ([]domain.WorldStateChangelogEntry, error) {
	return f.entries, nil
}

type fakePlanner struct{}

func (fakePlanner) Search(ctx context.Context, tenant, campaignID, query string, opt planning.Options) ([]planning.Result, error) {
	return []planning.Result{{SectionType: "recap", Snippet: "last time...", Score: 0.9}}, nil
}

func TestUploadFileAndGet(t *testing.T) {
	store := newFakeFileCampaigns("acme")
	srv := NewServer(Server{Files: store, Campaigns: store})

	req := httptest.NewRequest(http.MethodPost, "/files/upload?file_name=notes.txt", bytes.NewReader([]byte("hello")))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	fileKey, _ := created["file_key"].(string)
	require.NotEmpty(t, fileKey)

	getReq := httptest.NewRequest(http.MethodGet, "/files/"+url.PathEscape(fileKey), nil)
	getRec := httptest.NewRecorder()
	srv.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
}

func TestGetCampaignCrossTenantIsNotFound(t *testing.T) {
	store := newFakeFileCampaigns("acme")
	store.campaigns["c1"] = domain.Campaign{ID: "c1", Tenant: "other-tenant", Name: "Lost Mine"}
	srv := NewServer(Server{Files: store, Campaigns: store})

	req := httptest.NewRequest(http.MethodGet, "/campaigns/c1", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApproveAndRejectEntity(t *testing.T) {
	entities := &fakeEntities{entities: map[string]domain.Entity{
		"c1_frodo": {ID: "c1_frodo", CampaignID: "c1", Name: "Frodo"},
	}}
	srv := NewServer(Server{Entities: entities})

	req := httptest.NewRequest(http.MethodPost, "/campaigns/c1/entities/c1_frodo/approve", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var approved domain.Entity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &approved))
	require.Equal(t, domain.ShardApproved, approved.Metadata.ShardStatus)

	req = httptest.NewRequest(http.MethodPost, "/campaigns/c1/entities/c1_frodo/reject", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var rejected domain.Entity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rejected))
	require.Equal(t, domain.ShardRejected, rejected.Metadata.ShardStatus)
}

func TestSearchEndpoint(t *testing.T) {
	srv := NewServer(Server{Planner: fakePlanner{}})

	body, err := json.Marshal(map[string]any{"query": "who is the lich queen"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/campaigns/c1/search", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out["results"])
}

func TestListChangelogEndpoint(t *testing.T) {
	svc := &fakeChangelogService{entries: []domain.WorldStateChangelogEntry{
		{ID: "c1", CampaignID: "c1"},
	}}
	srv := NewServer(Server{Changelog: svc})

	req := httptest.NewRequest(http.MethodGet, "/campaigns/c1/changelog?from=2026-01-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out["entries"])
}

func TestSearchRequiresQuery(t *testing.T) {
	srv := NewServer(Server{Planner: fakePlanner{}})

	req := httptest.NewRequest(http.MethodPost, "/campaigns/c1/search", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
