package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/ofisk/loresmith/internal/changelog"
	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/errs"
	"github.com/ofisk/loresmith/internal/objectstore"
	"github.com/ofisk/loresmith/internal/pipeline"
	"github.com/ofisk/loresmith/internal/planning"
	"github.com/ofisk/loresmith/internal/queue"
	"github.com/ofisk/loresmith/internal/validation"
	"github.com/ofisk/loresmith/internal/version"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Health != nil {
		if err := s.Health.Ping(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error(), "version": version.Version})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": version.Version})
}

// handleUploadFile implements POST /files/upload: writes the request
// body to staging blob storage and registers a File row in `uploaded`.
// An optional campaign_id query parameter links the file and enqueues
// file_processing immediately, since the chunk planner, extractor, and
// entity staging service all need a campaign scope to write entities
// into. Uploading without campaign_id leaves the file unlinked until
// POST /campaigns/:id/resources supplies one.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ident := identityOrAnonymous(r)

	fileName := r.URL.Query().Get("file_name")
	if fileName == "" {
		fileName = r.Header.Get("X-File-Name")
	}
	if fileName == "" {
		respondError(w, http.StatusBadRequest, errors.New("file_name is required"))
		return
	}
	fileName, err := validation.FileName(fileName)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	fileKey := fmt.Sprintf("staging/%s/%s", ident.Tenant, fileName)
	etag, err := s.Files.PutBlob(ctx, fileKey, r.Body, objectstore.PutOptions{ContentType: contentType})
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}

	size := r.ContentLength
	if size < 0 {
		size = 0
	}
	f, err := s.Files.CreateFile(ctx, domain.File{
		FileKey:     fileKey,
		Tenant:      ident.Tenant,
		FileName:    fileName,
		ContentType: contentType,
		Size:        size,
		Status:      domain.FileUploaded,
	})
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}

	if campaignID := r.URL.Query().Get("campaign_id"); campaignID != "" {
		linked, err := s.Campaigns.LinkFileCampaign(ctx, ident.Tenant, f.FileKey, campaignID)
		if err != nil {
			respondError(w, statusFromError(err), err)
			return
		}
		if err := s.enqueueFileProcessing(ctx, ident.Tenant, campaignID, linked); err != nil {
			respondError(w, statusFromError(err), err)
			return
		}
		f = linked
	}

	respondJSON(w, http.StatusCreated, map[string]any{"file_key": f.FileKey, "etag": etag, "status": f.Status})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ident := identityOrAnonymous(r)
	f, err := s.Files.GetFile(ctx, ident.Tenant, r.PathValue("file_key"))
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, f)
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ident := identityOrAnonymous(r)
	var in struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if in.Name == "" {
		respondError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	c, err := s.Campaigns.CreateCampaign(ctx, domain.Campaign{
		ID:          uuid.NewString(),
		Tenant:      ident.Tenant,
		Name:        in.Name,
		Description: in.Description,
		Status:      domain.CampaignActive,
	})
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ident := identityOrAnonymous(r)
	campaigns, err := s.Campaigns.ListCampaigns(ctx, ident.Tenant)
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"campaigns": campaigns})
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ident := identityOrAnonymous(r)
	c, err := s.Campaigns.GetCampaign(ctx, ident.Tenant, r.PathValue("id"))
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ident := identityOrAnonymous(r)
	if err := s.Campaigns.DeleteCampaign(ctx, ident.Tenant, r.PathValue("id")); err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLinkResource implements POST /campaigns/:id/resources: links an
// already-uploaded File to campaignID and enqueues file_processing if
// it has not already run (re-linking a completed file is a no-op
// enqueue, since its entities are already staged).
func (s *Server) handleLinkResource(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ident := identityOrAnonymous(r)
	campaignID := r.PathValue("id")

	var in struct {
		FileKey string `json:"file_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.FileKey == "" {
		respondError(w, http.StatusBadRequest, errors.New("file_key is required"))
		return
	}

	if _, err := s.Campaigns.GetCampaign(ctx, ident.Tenant, campaignID); err != nil {
		respondError(w, statusFromError(err), err)
		return
	}

	f, err := s.Campaigns.LinkFileCampaign(ctx, ident.Tenant, in.FileKey, campaignID)
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}

	if f.Status == domain.FileUploaded {
		if err := s.enqueueFileProcessing(ctx, ident.Tenant, campaignID, f); err != nil {
			respondError(w, statusFromError(err), err)
			return
		}
	}

	respondJSON(w, http.StatusOK, f)
}

// enqueueFileProcessing marshals a pipeline.FileJob and hands it to the
// ingestion queue under KindFileProcessing, the single job kind that
// covers chunk-planning, extraction, embedding, and staging together.
func (s *Server) enqueueFileProcessing(ctx context.Context, tenant, campaignID string, f domain.File) error {
	body, err := json.Marshal(pipeline.FileJob{
		Tenant:      tenant,
		CampaignID:  campaignID,
		FileKey:     f.FileKey,
		FileName:    f.FileName,
		ContentType: f.ContentType,
		SizeMB:      float64(f.Size) / (1024 * 1024),
	})
	if err != nil {
		return errs.Validation("file_job", err)
	}
	return s.Campaigns.Enqueue(ctx, tenant, queue.KindFileProcessing, body, uuid.NewString())
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entities, err := s.Entities.AllEntities(ctx, r.PathValue("id"))
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	campaignID, entityID := r.PathValue("id"), r.PathValue("entity_id")
	e, err := s.Entities.GetEntity(ctx, campaignID, entityID)
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	depth, _ := strconv.Atoi(r.URL.Query().Get("depth"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	neighbors, err := s.Entities.GetNeighbors(ctx, campaignID, entityID, depth, limit)
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entity": e, "neighbors": neighbors})
}

func (s *Server) handleApproveEntity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	e, err := s.Entities.ApproveEntity(ctx, r.PathValue("id"), r.PathValue("entity_id"))
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

func (s *Server) handleRejectEntity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	e, err := s.Entities.RejectEntity(ctx, r.PathValue("id"), r.PathValue("entity_id"))
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

// handleSearch implements POST /campaigns/:id/search, the planning
// context read path.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ident := identityOrAnonymous(r)
	campaignID := r.PathValue("id")

	var in struct {
		Query        string   `json:"query"`
		Limit        int      `json:"limit"`
		SectionTypes []string `json:"section_types"`
		ApplyRecency bool     `json:"apply_recency"`
		SessionID    string   `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if in.Query == "" {
		respondError(w, http.StatusBadRequest, errors.New("query is required"))
		return
	}

	results, err := s.Planner.Search(ctx, ident.Tenant, campaignID, in.Query, planning.Options{
		Limit:        in.Limit,
		SectionTypes: in.SectionTypes,
		ApplyRecency: in.ApplyRecency,
		SessionID:    in.SessionID,
	})
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleListChangelog implements GET /campaigns/:id/changelog: a
// paginated list_range read over the World-State Changelog (SPEC_FULL.md
// §4.10), filterable by an RFC3339 from/to window and session id.
func (s *Server) handleListChangelog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	entries, err := s.Changelog.ListRange(ctx, r.PathValue("id"), changelog.RangeFilter{
		FromTS:    parseTime(q.Get("from")),
		ToTS:      parseTime(q.Get("to")),
		SessionID: q.Get("session_id"),
	})
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleListRebuilds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	statuses, err := s.Rebuilds.ListRebuildStatuses(ctx, r.PathValue("id"), limit)
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"rebuilds": statuses})
}

// handleUploadRecording implements POST /campaigns/:id/session-recordings: the
// voice-recording intake supplement (SPEC_FULL.md §6). It writes the
// request body to blob storage as a WAV recording, registers a
// SessionRecording row in `pending`, and enqueues a transcription job;
// the queue worker drives the actual whisper.cpp transcription and LLM
// summarization asynchronously, the same way file uploads defer
// extraction to file_processing.
func (s *Server) handleUploadRecording(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ident := identityOrAnonymous(r)
	campaignID := r.PathValue("id")

	sessionNumber, _ := strconv.Atoi(r.URL.Query().Get("session_number"))

	blobKey := fmt.Sprintf("staging/%s/recordings/%s.wav", ident.Tenant, uuid.NewString())
	if _, err := s.Recordings.PutBlob(ctx, blobKey, r.Body, objectstore.PutOptions{ContentType: "audio/wav"}); err != nil {
		respondError(w, statusFromError(err), err)
		return
	}

	rec, err := s.Recordings.CreateSessionRecording(ctx, domain.SessionRecording{
		ID:            uuid.NewString(),
		CampaignID:    campaignID,
		SessionNumber: sessionNumber,
		BlobKey:       blobKey,
		Status:        domain.TranscriptionPending,
	})
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}

	body, err := json.Marshal(pipeline.TranscriptionJob{Tenant: ident.Tenant, RecordingID: rec.ID})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.Recordings.Enqueue(ctx, ident.Tenant, queue.KindTranscription, body, uuid.NewString()); err != nil {
		respondError(w, statusFromError(err), err)
		return
	}

	respondJSON(w, http.StatusCreated, rec)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

// statusFromError maps the error taxonomy onto HTTP status codes.
// Permission errors map to 404, never 403, to avoid a tenant-existence
// oracle.
func statusFromError(err error) int {
	switch errs.KindOf(err) {
	case errs.KindNotFound, errs.KindPermission:
		return http.StatusNotFound
	case errs.KindValidation, errs.KindMemory:
		return http.StatusBadRequest
	case errs.KindInvariant:
		return http.StatusConflict
	case errs.KindRateLimit:
		return http.StatusTooManyRequests
	case errs.KindNotImpl:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
