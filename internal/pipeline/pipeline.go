// Package pipeline is the queue-worker dispatch glue: it turns the
// Ingestion Queue job kinds (SPEC_FULL.md §4.8) into calls against the
// Chunk Planner, File Extractor, Entity Staging Service, Rebuild
// Trigger, and (when configured) the voice transcription supplement,
// and is the func value handed to queue.Service.Run/Drain.
// Dispatch-by-kind-string over a job body follows this corpus's
// internal/rag/ingest worker-loop shape, generalized from a single job
// type to several.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/ofisk/loresmith/internal/chunkplan"
	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/errs"
	"github.com/ofisk/loresmith/internal/extractor"
	"github.com/ofisk/loresmith/internal/objectstore"
	"github.com/ofisk/loresmith/internal/observability"
	"github.com/ofisk/loresmith/internal/queue"
	"github.com/ofisk/loresmith/internal/staging"
)

// TranscriptionJob is the KindTranscription job body: transcribe and
// summarize one uploaded SessionRecording into a SessionDigest.
type TranscriptionJob struct {
	Tenant      string `json:"tenant"`
	RecordingID string `json:"recording_id"`
}

// Transcriber is the subset of transcribe.Service a transcription job
// needs.
type Transcriber interface {
	Process(ctx context.Context, tenant, recordingID string) error
}

// FileJob is the KindFileProcessing job body: extract and stage one
// uploaded File into a campaign's knowledge graph.
type FileJob struct {
	Tenant      string  `json:"tenant"`
	CampaignID  string  `json:"campaign_id"`
	FileKey     string  `json:"file_key"`
	FileName    string  `json:"file_name"`
	ContentType string  `json:"content_type"`
	SizeMB      float64 `json:"size_mb"`
}

// EntityJob is the KindEntityExtraction job body, used to re-stage a
// resource independently of the file-processing path (e.g. a session
// digest section, or a retried chunk).
type EntityJob struct {
	Tenant     string `json:"tenant"`
	CampaignID string `json:"campaign_id"`
	ResourceID string `json:"resource_id"`
	SourceName string `json:"source_name"`
	SourceType string `json:"source_type"`
}

// RebuildJob is the KindGraphRebuild job body.
type RebuildJob struct {
	Tenant     string `json:"tenant"`
	CampaignID string `json:"campaign_id"`
}

// FileStore is the subset of metadata.Store file-processing bookkeeping
// needs.
type FileStore interface {
	UpdateFileStatus(ctx context.Context, tenant, fileKey string, status domain.FileStatus, errMsg string) error
	ListChunksForFile(ctx context.Context, fileKey string) ([]domain.FileProcessingChunk, error)
	UpdateChunkStatus(ctx context.Context, id string, status domain.ChunkStatus, retryCount int, errMsg, vectorID string) error
}

// Rebuilder is the subset of rebuild.Service a graph_rebuild job needs.
type Rebuilder interface {
	RecomputeForCampaign(ctx context.Context, campaignID string, affectedEntityIDs []string) error
}

// BlobContentProvider implements staging.ContentProvider directly over
// the object store: resourceID is the blob key, and the declared
// content type (read back from the object's own attrs) selects the
// File Extractor's branch. This is the default ContentProvider per
// SPEC_FULL.md §4.7 step 1; an AI-search-based provider is the
// documented pluggable alternative.
type BlobContentProvider struct {
	Blobs objectstore.ObjectStore
}

func (p *BlobContentProvider) FetchContent(ctx context.Context, resourceID string) (string, error) {
	return p.FetchContentRange(ctx, resourceID, domain.ChunkRange{})
}

// FetchContentRange implements staging.RangedContentProvider: it reads
// the whole blob (the object store has no ranged-read support) but
// only extracts rng's page or byte span of it, so a Chunk Planner
// range actually bounds extraction memory instead of being
// bookkeeping-only.
func (p *BlobContentProvider) FetchContentRange(ctx context.Context, resourceID string, rng domain.ChunkRange) (string, error) {
	rc, attrs, err := p.Blobs.Get(ctx, resourceID)
	if err != nil {
		return "", errs.Transient("fetch_blob", err)
	}
	defer rc.Close()

	buf, err := io.ReadAll(rc)
	if err != nil {
		return "", errs.Transient("read_blob", err)
	}

	res, err := extractor.ExtractRange(ctx, resourceID, resourceID, buf, attrs.ContentType, rng)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// Dispatcher wires one callback per queue kind and exposes Process, the
// func(ctx, body, kind) error value queue.Service.Run/Drain expects.
type Dispatcher struct {
	files       FileStore
	chunks      *chunkplan.Service
	staging     *staging.Service
	rebuild     Rebuilder
	transcriber Transcriber
}

func New(files FileStore, chunks *chunkplan.Service, stage *staging.Service, rebuild Rebuilder) *Dispatcher {
	return &Dispatcher{files: files, chunks: chunks, staging: stage, rebuild: rebuild}
}

// WithTranscriber enables KindTranscription dispatch. Transcription is
// optional: deployments without a whisper.cpp model configured leave
// this unset and KindTranscription jobs fail validation instead of
// panicking on a nil transcriber.
func (d *Dispatcher) WithTranscriber(t Transcriber) *Dispatcher {
	d.transcriber = t
	return d
}

// Process dispatches body to the handler for kind.
func (d *Dispatcher) Process(ctx context.Context, body []byte, kind string) error {
	switch kind {
	case queue.KindFileProcessing:
		var job FileJob
		if err := json.Unmarshal(body, &job); err != nil {
			return errs.Validation("file_job", err)
		}
		return d.processFile(ctx, job)
	case queue.KindEntityExtraction:
		var job EntityJob
		if err := json.Unmarshal(body, &job); err != nil {
			return errs.Validation("entity_job", err)
		}
		_, err := d.staging.StageResource(ctx, job.CampaignID, job.ResourceID, job.SourceName, job.SourceType)
		return err
	case queue.KindGraphRebuild:
		var job RebuildJob
		if err := json.Unmarshal(body, &job); err != nil {
			return errs.Validation("rebuild_job", err)
		}
		return d.rebuild.RecomputeForCampaign(ctx, job.CampaignID, nil)
	case queue.KindTranscription:
		if d.transcriber == nil {
			return errs.Validation("queue_kind", fmt.Errorf("transcription is not configured on this deployment"))
		}
		var job TranscriptionJob
		if err := json.Unmarshal(body, &job); err != nil {
			return errs.Validation("transcription_job", err)
		}
		return d.transcriber.Process(ctx, job.Tenant, job.RecordingID)
	default:
		return errs.Validationf("queue_kind", "unknown queue kind %q", kind)
	}
}

// processFile plans the file's chunk rows, stages each one against its
// own page/byte range (SPEC_FULL.md §4.3) when the file was large
// enough to be split, and marks the file terminal once every chunk has
// reached a terminal status. An unchunked file is staged whole; if
// that trips the File Extractor's memory envelope, the planner is
// re-run with hitMemoryLimit so the retry is dispatched against real
// chunk ranges instead of the same whole-file read.
func (d *Dispatcher) processFile(ctx context.Context, job FileJob) error {
	log := observability.LoggerWithTrace(ctx)
	if err := d.files.UpdateFileStatus(ctx, job.Tenant, job.FileKey, domain.FileProcessing, ""); err != nil {
		return err
	}

	chunks, err := d.chunks.Plan(ctx, job.FileKey, job.Tenant, job.ContentType, job.SizeMB, false)
	if err != nil {
		_ = d.files.UpdateFileStatus(ctx, job.Tenant, job.FileKey, domain.FileError, err.Error())
		return err
	}

	if len(chunks) == 0 {
		res, stageErr := d.staging.StageResource(ctx, job.CampaignID, job.FileKey, job.FileName, "file")
		switch {
		case stageErr != nil && errs.KindOf(stageErr) == errs.KindMemory:
			chunks, err = d.chunks.Plan(ctx, job.FileKey, job.Tenant, job.ContentType, job.SizeMB, true)
			if err != nil {
				_ = d.files.UpdateFileStatus(ctx, job.Tenant, job.FileKey, domain.FileError, err.Error())
				return err
			}
			if len(chunks) == 0 {
				// Nothing to split into (e.g. a single-page PDF already
				// over budget); the memory failure is terminal.
				_ = d.files.UpdateFileStatus(ctx, job.Tenant, job.FileKey, domain.FileError, stageErr.Error())
				return stageErr
			}
		case stageErr != nil:
			_ = d.files.UpdateFileStatus(ctx, job.Tenant, job.FileKey, domain.FileError, stageErr.Error())
			return stageErr
		default:
			status := domain.FileError
			if res.Success {
				status = domain.FileCompleted
			}
			return d.files.UpdateFileStatus(ctx, job.Tenant, job.FileKey, status, res.Warning)
		}
	}

	return d.processChunks(ctx, job, chunks, log)
}

// processChunks stages every non-completed chunk against its own
// planned range, so retries (a re-dispatched KindFileProcessing job)
// only redo the chunks that previously failed or never ran, and the
// per-chunk status rows gate the file's terminal status instead of
// every row being stamped with one whole-file result.
func (d *Dispatcher) processChunks(ctx context.Context, job FileJob, chunks []domain.FileProcessingChunk, log *zerolog.Logger) error {
	for _, c := range chunks {
		if c.Status == domain.ChunkCompleted {
			continue
		}
		res, err := d.staging.StageChunk(ctx, job.CampaignID, job.FileKey, job.FileName, "file", c.Range)

		status := domain.ChunkCompleted
		errMsg := ""
		retryCount := c.RetryCount
		switch {
		case err != nil:
			status = domain.ChunkFailed
			errMsg = err.Error()
			retryCount++
		case !res.Success:
			status = domain.ChunkFailed
			errMsg = res.Warning
			retryCount++
		}
		if uerr := d.files.UpdateChunkStatus(ctx, c.ID, status, retryCount, errMsg, ""); uerr != nil {
			log.Error().Err(uerr).Str("chunk_id", c.ID).Msg("update_chunk_status_failed")
		}
	}

	finalChunks, err := d.files.ListChunksForFile(ctx, job.FileKey)
	if err != nil {
		return err
	}
	_, fileStatus := chunkplan.MergeStatus(finalChunks)
	return d.files.UpdateFileStatus(ctx, job.Tenant, job.FileKey, fileStatus, "")
}
