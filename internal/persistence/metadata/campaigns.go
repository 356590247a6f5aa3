package metadata

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/errs"
)

func (s *Store) CreateCampaign(ctx context.Context, c domain.Campaign) (domain.Campaign, error) {
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	if c.Status == "" {
		c.Status = domain.CampaignActive
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO campaigns (id, tenant, name, description, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		c.ID, c.Tenant, c.Name, c.Description, c.Status, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return domain.Campaign{}, errs.Transient("create_campaign", err)
	}
	return c, nil
}

func (s *Store) GetCampaign(ctx context.Context, tenant, id string) (domain.Campaign, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant, name, description, status, created_at, updated_at
		FROM campaigns WHERE tenant=$1 AND id=$2`, tenant, id)
	var c domain.Campaign
	if err := row.Scan(&c.ID, &c.Tenant, &c.Name, &c.Description, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Campaign{}, errs.NotFound("campaign", id)
		}
		return domain.Campaign{}, errs.Transient("get_campaign", err)
	}
	return c, nil
}

func (s *Store) ListCampaigns(ctx context.Context, tenant string) ([]domain.Campaign, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant, name, description, status, created_at, updated_at
		FROM campaigns WHERE tenant=$1 ORDER BY created_at DESC`, tenant)
	if err != nil {
		return nil, errs.Transient("list_campaigns", err)
	}
	defer rows.Close()
	var out []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		if err := rows.Scan(&c.ID, &c.Tenant, &c.Name, &c.Description, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, errs.Transient("list_campaigns_scan", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCampaignStatus(ctx context.Context, tenant, id string, status domain.CampaignStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET status=$1, updated_at=$2 WHERE tenant=$3 AND id=$4`,
		status, time.Now().UTC(), tenant, id)
	if err != nil {
		return errs.Transient("update_campaign_status", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("campaign", id)
	}
	return nil
}

// DeleteCampaign cascades to entities, relationships, communities,
// importance, digests, recordings, and changelog via FK ON DELETE CASCADE.
// Files are not deleted: files.campaign_id has no foreign key.
func (s *Store) DeleteCampaign(ctx context.Context, tenant, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM campaigns WHERE tenant=$1 AND id=$2`, tenant, id)
	if err != nil {
		return errs.Transient("delete_campaign", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("campaign", id)
	}
	return nil
}
