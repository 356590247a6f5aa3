package httpapi

import (
	"context"
	"encoding/json"
	"io"

	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/objectstore"
)

// Blobs is the subset of objectstore.ObjectStore FileApp needs.
type Blobs interface {
	Put(ctx context.Context, key string, r io.Reader, opts objectstore.PutOptions) (string, error)
}

// FileStore is the subset of metadata.Store FileApp needs.
type FileStore interface {
	CreateFile(ctx context.Context, f domain.File) (domain.File, error)
	GetFile(ctx context.Context, tenant, fileKey string) (domain.File, error)
	LinkFileCampaign(ctx context.Context, tenant, fileKey, campaignID string) (domain.File, error)
	CreateSessionRecording(ctx context.Context, r domain.SessionRecording) (domain.SessionRecording, error)
}

// CampaignStore is the subset of metadata.Store FileApp's campaign
// side needs.
type CampaignStore interface {
	CreateCampaign(ctx context.Context, c domain.Campaign) (domain.Campaign, error)
	GetCampaign(ctx context.Context, tenant, id string) (domain.Campaign, error)
	ListCampaigns(ctx context.Context, tenant string) ([]domain.Campaign, error)
	DeleteCampaign(ctx context.Context, tenant, id string) error
}

// Enqueuer is the subset of queue.Service FileApp needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, tenant, kind string, body json.RawMessage, id string) error
}

// FileApp composes the blob store, metadata store, and ingestion queue
// into the FileService and CampaignService ports this package's
// handlers consume, so the composition root wires concrete
// infrastructure once instead of each handler reaching for three
// dependencies individually.
type FileApp struct {
	Blobs    Blobs
	Files    FileStore
	Campaign CampaignStore
	Queue    Enqueuer
}

func (a *FileApp) PutBlob(ctx context.Context, key string, r io.Reader, opts objectstore.PutOptions) (string, error) {
	return a.Blobs.Put(ctx, key, r, opts)
}

func (a *FileApp) CreateFile(ctx context.Context, f domain.File) (domain.File, error) {
	return a.Files.CreateFile(ctx, f)
}

func (a *FileApp) GetFile(ctx context.Context, tenant, fileKey string) (domain.File, error) {
	return a.Files.GetFile(ctx, tenant, fileKey)
}

func (a *FileApp) CreateCampaign(ctx context.Context, c domain.Campaign) (domain.Campaign, error) {
	return a.Campaign.CreateCampaign(ctx, c)
}

func (a *FileApp) GetCampaign(ctx context.Context, tenant, id string) (domain.Campaign, error) {
	return a.Campaign.GetCampaign(ctx, tenant, id)
}

func (a *FileApp) ListCampaigns(ctx context.Context, tenant string) ([]domain.Campaign, error) {
	return a.Campaign.ListCampaigns(ctx, tenant)
}

func (a *FileApp) DeleteCampaign(ctx context.Context, tenant, id string) error {
	return a.Campaign.DeleteCampaign(ctx, tenant, id)
}

func (a *FileApp) LinkFileCampaign(ctx context.Context, tenant, fileKey, campaignID string) (domain.File, error) {
	return a.Files.LinkFileCampaign(ctx, tenant, fileKey, campaignID)
}

func (a *FileApp) Enqueue(ctx context.Context, tenant, kind string, body json.RawMessage, id string) error {
	return a.Queue.Enqueue(ctx, tenant, kind, body, id)
}

func (a *FileApp) CreateSessionRecording(ctx context.Context, r domain.SessionRecording) (domain.SessionRecording, error) {
	return a.Files.CreateSessionRecording(ctx, r)
}

var _ FileService = (*FileApp)(nil)
var _ CampaignService = (*FileApp)(nil)
var _ RecordingService = (*FileApp)(nil)
