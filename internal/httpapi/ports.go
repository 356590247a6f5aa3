package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/ofisk/loresmith/internal/changelog"
	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/graph"
	"github.com/ofisk/loresmith/internal/objectstore"
	"github.com/ofisk/loresmith/internal/planning"
)

// FileService is the subset of the blob store + metadata store the
// upload/status endpoints need.
type FileService interface {
	PutBlob(ctx context.Context, key string, r io.Reader, opts objectstore.PutOptions) (string, error)
	CreateFile(ctx context.Context, f domain.File) (domain.File, error)
	GetFile(ctx context.Context, tenant, fileKey string) (domain.File, error)
}

// CampaignService is the subset of metadata.Store the campaign CRUD
// and resource-linking endpoints need.
type CampaignService interface {
	CreateCampaign(ctx context.Context, c domain.Campaign) (domain.Campaign, error)
	GetCampaign(ctx context.Context, tenant, id string) (domain.Campaign, error)
	ListCampaigns(ctx context.Context, tenant string) ([]domain.Campaign, error)
	DeleteCampaign(ctx context.Context, tenant, id string) error
	LinkFileCampaign(ctx context.Context, tenant, fileKey, campaignID string) (domain.File, error)
	Enqueue(ctx context.Context, tenant, kind string, body json.RawMessage, id string) error
}

// EntityService is the subset of graph.Service the entity read/
// approve/reject endpoints need.
type EntityService interface {
	AllEntities(ctx context.Context, campaignID string) ([]domain.Entity, error)
	GetEntity(ctx context.Context, campaignID, id string) (domain.Entity, error)
	GetNeighbors(ctx context.Context, campaignID, entityID string, maxDepth, maxNodes int) ([]graph.NeighborNode, error)
	ApproveEntity(ctx context.Context, campaignID, id string) (domain.Entity, error)
	RejectEntity(ctx context.Context, campaignID, id string) (domain.Entity, error)
}

// RecordingService is the subset of the blob store + metadata store
// the session-recording upload endpoint needs.
type RecordingService interface {
	PutBlob(ctx context.Context, key string, r io.Reader, opts objectstore.PutOptions) (string, error)
	CreateSessionRecording(ctx context.Context, rec domain.SessionRecording) (domain.SessionRecording, error)
	Enqueue(ctx context.Context, tenant, kind string, body json.RawMessage, id string) error
}

// PlanningService is the subset of planning.Service the search
// endpoint needs.
type PlanningService interface {
	Search(ctx context.Context, tenant, campaignID, query string, opt planning.Options) ([]planning.Result, error)
}

// RebuildService is the subset of metadata.Store the operational
// rebuild-history endpoint needs.
type RebuildService interface {
	ListRebuildStatuses(ctx context.Context, campaignID string, limit int) ([]domain.RebuildStatus, error)
}

// HealthChecker reports whether the metadata store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// ChangelogService is the subset of changelog.Service the changelog
// read endpoint needs.
type ChangelogService interface {
	ListRange(ctx context.Context, campaignID string, f changelog.RangeFilter) ([]domain.WorldStateChangelogEntry, error)
}

// parseTime parses an RFC3339 query parameter, returning the zero time
// (no filter) if value is empty or malformed.
func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
