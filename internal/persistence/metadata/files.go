package metadata

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/errs"
)

func (s *Store) CreateFile(ctx context.Context, f domain.File) (domain.File, error) {
	now := time.Now().UTC()
	f.CreatedAt, f.UpdatedAt = now, now
	if f.Status == "" {
		f.Status = domain.FileUploaded
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO files (file_key, tenant, campaign_id, file_name, content_type, size, status, error_msg, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		f.FileKey, f.Tenant, f.CampaignID, f.FileName, f.ContentType, f.Size, f.Status, f.ErrorMsg, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return domain.File{}, errs.Transient("create_file", err)
	}
	return f, nil
}

func (s *Store) GetFile(ctx context.Context, tenant, fileKey string) (domain.File, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT file_key, tenant, campaign_id, file_name, content_type, size, status, error_msg, created_at, updated_at
		FROM files WHERE tenant=$1 AND file_key=$2`, tenant, fileKey)
	var f domain.File
	if err := row.Scan(&f.FileKey, &f.Tenant, &f.CampaignID, &f.FileName, &f.ContentType, &f.Size, &f.Status, &f.ErrorMsg, &f.CreatedAt, &f.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.File{}, errs.NotFound("file", fileKey)
		}
		return domain.File{}, errs.Transient("get_file", err)
	}
	return f, nil
}

func (s *Store) ListFiles(ctx context.Context, tenant string, status domain.FileStatus) ([]domain.File, error) {
	query := `SELECT file_key, tenant, campaign_id, file_name, content_type, size, status, error_msg, created_at, updated_at
		FROM files WHERE tenant=$1`
	args := []any{tenant}
	if status != "" {
		query += ` AND status=$2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errs.Transient("list_files", err)
	}
	defer rows.Close()
	var out []domain.File
	for rows.Next() {
		var f domain.File
		if err := rows.Scan(&f.FileKey, &f.Tenant, &f.CampaignID, &f.FileName, &f.ContentType, &f.Size, &f.Status, &f.ErrorMsg, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, errs.Transient("list_files_scan", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// LinkFileCampaign associates an already-uploaded file with a campaign
// (§6 POST /campaigns/:id/resources). A file may only be linked once;
// re-linking to a different campaign is rejected as an invariant
// violation rather than silently moved.
func (s *Store) LinkFileCampaign(ctx context.Context, tenant, fileKey, campaignID string) (domain.File, error) {
	f, err := s.GetFile(ctx, tenant, fileKey)
	if err != nil {
		return domain.File{}, err
	}
	if f.CampaignID != "" && f.CampaignID != campaignID {
		return domain.File{}, errs.Invariant("file already linked to a different campaign")
	}
	tag, err := s.pool.Exec(ctx, `UPDATE files SET campaign_id=$1, updated_at=$2 WHERE tenant=$3 AND file_key=$4`,
		campaignID, time.Now().UTC(), tenant, fileKey)
	if err != nil {
		return domain.File{}, errs.Transient("link_file_campaign", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.File{}, errs.NotFound("file", fileKey)
	}
	f.CampaignID = campaignID
	return f, nil
}

func (s *Store) UpdateFileStatus(ctx context.Context, tenant, fileKey string, status domain.FileStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE files SET status=$1, error_msg=$2, updated_at=$3 WHERE tenant=$4 AND file_key=$5`,
		status, errMsg, time.Now().UTC(), tenant, fileKey)
	if err != nil {
		return errs.Transient("update_file_status", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("file", fileKey)
	}
	return nil
}

func (s *Store) DeleteFile(ctx context.Context, tenant, fileKey string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM files WHERE tenant=$1 AND file_key=$2`, tenant, fileKey)
	if err != nil {
		return errs.Transient("delete_file", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("file", fileKey)
	}
	return nil
}

// ListStuckFiles returns files stuck in uploaded, processing or
// indexing past cutoff, for the maintenance sweep.
func (s *Store) ListStuckFiles(ctx context.Context, cutoff time.Time) ([]domain.File, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT file_key, tenant, campaign_id, file_name, content_type, size, status, error_msg, created_at, updated_at
		FROM files WHERE status IN ('uploaded','processing','indexing') AND updated_at < $1`, cutoff)
	if err != nil {
		return nil, errs.Transient("list_stuck_files", err)
	}
	defer rows.Close()
	var out []domain.File
	for rows.Next() {
		var f domain.File
		if err := rows.Scan(&f.FileKey, &f.Tenant, &f.CampaignID, &f.FileName, &f.ContentType, &f.Size, &f.Status, &f.ErrorMsg, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, errs.Transient("list_stuck_files_scan", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// --- file_processing_chunks ---

func (s *Store) CreateChunk(ctx context.Context, c domain.FileProcessingChunk) (domain.FileProcessingChunk, error) {
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	if c.Status == "" {
		c.Status = domain.ChunkPending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO file_processing_chunks
			(id, file_key, tenant, chunk_index, total_chunks, page_from, page_to, byte_from, byte_to, status, retry_count, error_message, vector_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		c.ID, c.FileKey, c.Tenant, c.ChunkIndex, c.TotalChunks, c.Range.PageFrom, c.Range.PageTo, c.Range.ByteFrom, c.Range.ByteTo,
		c.Status, c.RetryCount, c.ErrorMessage, c.VectorID, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return domain.FileProcessingChunk{}, errs.Transient("create_chunk", err)
	}
	return c, nil
}

func (s *Store) ListChunksForFile(ctx context.Context, fileKey string) ([]domain.FileProcessingChunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, file_key, tenant, chunk_index, total_chunks, page_from, page_to, byte_from, byte_to, status, retry_count, error_message, vector_id, created_at, updated_at
		FROM file_processing_chunks WHERE file_key=$1 ORDER BY chunk_index ASC`, fileKey)
	if err != nil {
		return nil, errs.Transient("list_chunks", err)
	}
	defer rows.Close()
	var out []domain.FileProcessingChunk
	for rows.Next() {
		var c domain.FileProcessingChunk
		if err := rows.Scan(&c.ID, &c.FileKey, &c.Tenant, &c.ChunkIndex, &c.TotalChunks, &c.Range.PageFrom, &c.Range.PageTo, &c.Range.ByteFrom, &c.Range.ByteTo,
			&c.Status, &c.RetryCount, &c.ErrorMessage, &c.VectorID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, errs.Transient("list_chunks_scan", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateChunkStatus(ctx context.Context, id string, status domain.ChunkStatus, retryCount int, errMsg, vectorID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE file_processing_chunks
		SET status=$1, retry_count=$2, error_message=$3, vector_id=$4, updated_at=$5
		WHERE id=$6`, status, retryCount, errMsg, vectorID, time.Now().UTC(), id)
	if err != nil {
		return errs.Transient("update_chunk_status", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("chunk", id)
	}
	return nil
}
