package metadata

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/errs"
)

func (s *Store) UpsertSessionDigest(ctx context.Context, d domain.SessionDigest) (domain.SessionDigest, error) {
	data, err := json.Marshal(d.DigestData)
	if err != nil {
		return domain.SessionDigest{}, errs.Validation("digest_data", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO session_digests (id, campaign_id, session_number, session_date, digest_data)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET
			session_number=EXCLUDED.session_number,
			session_date=EXCLUDED.session_date,
			digest_data=session_digests.digest_data || EXCLUDED.digest_data`,
		d.ID, d.CampaignID, d.SessionNumber, d.SessionDate, data)
	if err != nil {
		return domain.SessionDigest{}, errs.Transient("upsert_session_digest", err)
	}
	return d, nil
}

func (s *Store) ListSessionDigests(ctx context.Context, campaignID string) ([]domain.SessionDigest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, campaign_id, session_number, session_date, digest_data
		FROM session_digests WHERE campaign_id=$1 ORDER BY session_number ASC NULLS LAST`, campaignID)
	if err != nil {
		return nil, errs.Transient("list_session_digests", err)
	}
	defer rows.Close()
	var out []domain.SessionDigest
	for rows.Next() {
		var d domain.SessionDigest
		var data []byte
		if err := rows.Scan(&d.ID, &d.CampaignID, &d.SessionNumber, &d.SessionDate, &data); err != nil {
			return nil, errs.Transient("list_session_digests_scan", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &d.DigestData); err != nil {
				return nil, errs.Transient("list_session_digests_unmarshal", err)
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- session_recordings ---

func (s *Store) CreateSessionRecording(ctx context.Context, r domain.SessionRecording) (domain.SessionRecording, error) {
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	if r.Status == "" {
		r.Status = domain.TranscriptionPending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_recordings (id, campaign_id, session_number, blob_key, status, digest_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.CampaignID, r.SessionNumber, r.BlobKey, r.Status, r.DigestID, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return domain.SessionRecording{}, errs.Transient("create_session_recording", err)
	}
	return r, nil
}

func (s *Store) UpdateSessionRecordingStatus(ctx context.Context, id string, status domain.TranscriptionStatus, digestID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE session_recordings SET status=$1, digest_id=$2, updated_at=$3 WHERE id=$4`,
		status, digestID, time.Now().UTC(), id)
	if err != nil {
		return errs.Transient("update_session_recording_status", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("session_recording", id)
	}
	return nil
}

func (s *Store) GetSessionRecording(ctx context.Context, id string) (domain.SessionRecording, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, campaign_id, session_number, blob_key, status, digest_id, created_at, updated_at
		FROM session_recordings WHERE id=$1`, id)
	var r domain.SessionRecording
	if err := row.Scan(&r.ID, &r.CampaignID, &r.SessionNumber, &r.BlobKey, &r.Status, &r.DigestID, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.SessionRecording{}, errs.NotFound("session_recording", id)
		}
		return domain.SessionRecording{}, errs.Transient("get_session_recording", err)
	}
	return r, nil
}
