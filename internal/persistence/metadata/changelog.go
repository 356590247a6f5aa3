package metadata

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/errs"
)

// AppendChangelogEntry appends an entry; the changelog is append-only,
// so there is no update/upsert path.
func (s *Store) AppendChangelogEntry(ctx context.Context, e domain.WorldStateChangelogEntry) (domain.WorldStateChangelogEntry, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return domain.WorldStateChangelogEntry{}, errs.Validation("payload", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO world_state_changelog (id, campaign_id, session_id, ts, payload, applied_to_graph)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.CampaignID, e.SessionID, e.Timestamp, payload, e.AppliedToGraph)
	if err != nil {
		return domain.WorldStateChangelogEntry{}, errs.Transient("append_changelog", err)
	}
	return e, nil
}

func scanChangelogEntry(row interface {
	Scan(dest ...any) error
}) (domain.WorldStateChangelogEntry, error) {
	var e domain.WorldStateChangelogEntry
	var payload []byte
	if err := row.Scan(&e.ID, &e.CampaignID, &e.SessionID, &e.Timestamp, &payload, &e.AppliedToGraph); err != nil {
		return domain.WorldStateChangelogEntry{}, err
	}
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return domain.WorldStateChangelogEntry{}, err
	}
	return e, nil
}

// UnappliedChangelogEntries returns changelog entries not yet folded
// into the graph, oldest first, for the rebuild processor.
func (s *Store) UnappliedChangelogEntries(ctx context.Context, campaignID string) ([]domain.WorldStateChangelogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, campaign_id, session_id, ts, payload, applied_to_graph
		FROM world_state_changelog WHERE campaign_id=$1 AND applied_to_graph=false ORDER BY ts ASC`, campaignID)
	if err != nil {
		return nil, errs.Transient("unapplied_changelog", err)
	}
	defer rows.Close()
	var out []domain.WorldStateChangelogEntry
	for rows.Next() {
		e, err := scanChangelogEntry(rows)
		if err != nil {
			return nil, errs.Transient("unapplied_changelog_scan", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListCampaignsWithUnapplied returns the distinct campaign ids that
// have at least one unapplied changelog entry, for the rebuild trigger
// sweep.
func (s *Store) ListCampaignsWithUnapplied(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT campaign_id FROM world_state_changelog WHERE applied_to_graph=false`)
	if err != nil {
		return nil, errs.Transient("list_campaigns_with_unapplied", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Transient("list_campaigns_with_unapplied_scan", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListChangelogRange returns entries for campaignID within [fromTS,
// toTS] (zero means unbounded) and optionally filtered to sessionID,
// ordered oldest first, for historical overlay reads.
func (s *Store) ListChangelogRange(ctx context.Context, campaignID string, fromTS, toTS time.Time, sessionID string) ([]domain.WorldStateChangelogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, campaign_id, session_id, ts, payload, applied_to_graph
		FROM world_state_changelog
		WHERE campaign_id=$1
		  AND ($2::timestamptz IS NULL OR ts >= $2)
		  AND ($3::timestamptz IS NULL OR ts <= $3)
		  AND ($4 = '' OR session_id = $4)
		ORDER BY ts ASC`,
		campaignID, nullableTime(fromTS), nullableTime(toTS), sessionID)
	if err != nil {
		return nil, errs.Transient("list_changelog_range", err)
	}
	defer rows.Close()
	var out []domain.WorldStateChangelogEntry
	for rows.Next() {
		e, err := scanChangelogEntry(rows)
		if err != nil {
			return nil, errs.Transient("list_changelog_range_scan", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Store) MarkChangelogApplied(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE world_state_changelog SET applied_to_graph=true WHERE id = ANY($1)`, ids)
	if err != nil {
		return errs.Transient("mark_changelog_applied", err)
	}
	return nil
}

// --- rebuild_status ---

func (s *Store) CreateRebuildStatus(ctx context.Context, r domain.RebuildStatus) (domain.RebuildStatus, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = domain.RebuildPending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rebuild_status (id, campaign_id, rebuild_type, status, affected_entity_ids, last_error, created_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.CampaignID, r.RebuildType, r.Status, r.AffectedEntityIDs, r.LastError, r.CreatedAt, r.CompletedAt)
	if err != nil {
		return domain.RebuildStatus{}, errs.Transient("create_rebuild_status", err)
	}
	return r, nil
}

func (s *Store) UpdateRebuildStatus(ctx context.Context, id string, status domain.RebuildPhase, lastError string, completedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rebuild_status SET status=$1, last_error=$2, completed_at=$3 WHERE id=$4`,
		status, lastError, completedAt, id)
	if err != nil {
		return errs.Transient("update_rebuild_status", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("rebuild_status", id)
	}
	return nil
}

// ListRebuildStatuses returns a campaign's rebuild history, newest
// first, for the GET /campaigns/:id/rebuilds operational endpoint.
func (s *Store) ListRebuildStatuses(ctx context.Context, campaignID string, limit int) ([]domain.RebuildStatus, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, campaign_id, rebuild_type, status, affected_entity_ids, last_error, created_at, completed_at
		FROM rebuild_status WHERE campaign_id=$1 ORDER BY created_at DESC LIMIT $2`, campaignID, limit)
	if err != nil {
		return nil, errs.Transient("list_rebuild_statuses", err)
	}
	defer rows.Close()
	var out []domain.RebuildStatus
	for rows.Next() {
		var r domain.RebuildStatus
		if err := rows.Scan(&r.ID, &r.CampaignID, &r.RebuildType, &r.Status, &r.AffectedEntityIDs, &r.LastError, &r.CreatedAt, &r.CompletedAt); err != nil {
			return nil, errs.Transient("list_rebuild_statuses_scan", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActiveRebuild returns the current non-terminal rebuild for a
// campaign, if any; at most one may exist at a time.
func (s *Store) ActiveRebuild(ctx context.Context, campaignID string) (domain.RebuildStatus, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, campaign_id, rebuild_type, status, affected_entity_ids, last_error, created_at, completed_at
		FROM rebuild_status WHERE campaign_id=$1 AND status IN ('pending','running')
		ORDER BY created_at DESC LIMIT 1`, campaignID)
	var r domain.RebuildStatus
	if err := row.Scan(&r.ID, &r.CampaignID, &r.RebuildType, &r.Status, &r.AffectedEntityIDs, &r.LastError, &r.CreatedAt, &r.CompletedAt); err != nil {
		return domain.RebuildStatus{}, false, nil
	}
	return r, true, nil
}
