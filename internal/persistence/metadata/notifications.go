package metadata

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/errs"
)

// Notify satisfies the staging/maintenance Notifier port directly:
// callers build a domain.Notification and never see the generated ID.
func (s *Store) Notify(ctx context.Context, n domain.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	_, err := s.CreateNotification(ctx, n)
	return err
}

func (s *Store) CreateNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	md, err := json.Marshal(n.Metadata)
	if err != nil {
		return domain.Notification{}, errs.Validation("metadata", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO notifications (id, tenant, kind, subject_id, message, metadata, created_at, read_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		n.ID, n.Tenant, n.Kind, n.SubjectID, n.Message, md, n.CreatedAt, n.ReadAt)
	if err != nil {
		return domain.Notification{}, errs.Transient("create_notification", err)
	}
	return n, nil
}

func (s *Store) ListNotifications(ctx context.Context, tenant string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, tenant, kind, subject_id, message, metadata, created_at, read_at FROM notifications WHERE tenant=$1`
	args := []any{tenant}
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT $2`
	args = append(args, limit)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errs.Transient("list_notifications", err)
	}
	defer rows.Close()
	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var md []byte
		if err := rows.Scan(&n.ID, &n.Tenant, &n.Kind, &n.SubjectID, &n.Message, &md, &n.CreatedAt, &n.ReadAt); err != nil {
			return nil, errs.Transient("list_notifications_scan", err)
		}
		if len(md) > 0 {
			if err := json.Unmarshal(md, &n.Metadata); err != nil {
				return nil, errs.Transient("list_notifications_unmarshal", err)
			}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) MarkNotificationRead(ctx context.Context, tenant, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications SET read_at=$1 WHERE tenant=$2 AND id=$3`, time.Now().UTC(), tenant, id)
	if err != nil {
		return errs.Transient("mark_notification_read", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("notification", id)
	}
	return nil
}
