// Queue persistence: ingestion_queue is Postgres-authoritative. A
// lease (leased_until/leased_by) makes Claim safe under concurrent
// workers; Kafka and Redis (wired in internal/queue) are a wake-up
// signal and a rate-limit mirror respectively, never the source of
// truth.
package metadata

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ofisk/loresmith/internal/errs"
)

// QueueItem is one row of ingestion_queue.
type QueueItem struct {
	ID           string
	Tenant       string
	Kind         string
	Body         json.RawMessage
	RetryCount   int
	MaxRetries   int
	NextRetryAt  time.Time
	LastError    string
	LeasedUntil  *time.Time
	LeasedBy     string
	DeadLettered bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (s *Store) Enqueue(ctx context.Context, tenant, kind string, body json.RawMessage, maxRetries int, id string) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingestion_queue (id, tenant, kind, body, max_retries, next_retry_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		id, tenant, kind, body, maxRetries, now, now, now)
	if err != nil {
		return errs.Transient("enqueue", err)
	}
	return nil
}

// ClaimNext leases up to perTenantLimit ready items per tenant, at most
// 50 in all, across every tenant. Items are taken in order of their
// rank within their own tenant, so tenants are interleaved round-robin.
func (s *Store) ClaimNext(ctx context.Context, leaseOwner string, leaseDuration time.Duration, perTenantLimit int) ([]QueueItem, error) {
	now := time.Now().UTC()
	leaseUntil := now.Add(leaseDuration)

	rows, err := s.pool.Query(ctx, `
		WITH ranked AS (
			SELECT id, tenant, row_number() OVER (PARTITION BY tenant ORDER BY next_retry_at ASC) AS rn
			FROM ingestion_queue
			WHERE dead_lettered=false AND next_retry_at <= $1
			  AND (leased_until IS NULL OR leased_until < $1)
		)
		SELECT id FROM ranked WHERE rn <= $2 ORDER BY rn ASC LIMIT 50`, now, perTenantLimit)
	if err != nil {
		return nil, errs.Transient("claim_next_select", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errs.Transient("claim_next_scan", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}

	claimRows, err := s.pool.Query(ctx, `
		UPDATE ingestion_queue SET leased_until=$1, leased_by=$2, updated_at=$1
		WHERE id = ANY($3) AND (leased_until IS NULL OR leased_until < $4)
		RETURNING id, tenant, kind, body, retry_count, max_retries, next_retry_at, last_error, leased_until, leased_by, dead_lettered, created_at, updated_at`,
		leaseUntil, leaseOwner, ids, now)
	if err != nil {
		return nil, errs.Transient("claim_next_update", err)
	}
	defer claimRows.Close()
	var out []QueueItem
	for claimRows.Next() {
		var it QueueItem
		if err := claimRows.Scan(&it.ID, &it.Tenant, &it.Kind, &it.Body, &it.RetryCount, &it.MaxRetries, &it.NextRetryAt, &it.LastError, &it.LeasedUntil, &it.LeasedBy, &it.DeadLettered, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, errs.Transient("claim_next_result_scan", err)
		}
		out = append(out, it)
	}
	return out, claimRows.Err()
}

func (s *Store) CompleteQueueItem(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM ingestion_queue WHERE id=$1`, id)
	if err != nil {
		return errs.Transient("complete_queue_item", err)
	}
	return nil
}

// RetryQueueItem reschedules an item with backoff, or dead-letters it
// if retry_count has reached max_retries.
func (s *Store) RetryQueueItem(ctx context.Context, id string, nextRetryAt time.Time, lastError string) error {
	var retryCount, maxRetries int
	row := s.pool.QueryRow(ctx, `SELECT retry_count, max_retries FROM ingestion_queue WHERE id=$1`, id)
	if err := row.Scan(&retryCount, &maxRetries); err != nil {
		if err == pgx.ErrNoRows {
			return errs.NotFound("queue_item", id)
		}
		return errs.Transient("retry_queue_item_select", err)
	}
	retryCount++
	deadLetter := retryCount >= maxRetries
	_, err := s.pool.Exec(ctx, `
		UPDATE ingestion_queue
		SET retry_count=$1, last_error=$2, next_retry_at=$3, dead_lettered=$4,
		    leased_until=NULL, leased_by='', updated_at=$5
		WHERE id=$6`,
		retryCount, lastError, nextRetryAt, deadLetter, time.Now().UTC(), id)
	if err != nil {
		return errs.Transient("retry_queue_item_update", err)
	}
	return nil
}

func (s *Store) ListDeadLettered(ctx context.Context, tenant string) ([]QueueItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant, kind, body, retry_count, max_retries, next_retry_at, last_error, leased_until, leased_by, dead_lettered, created_at, updated_at
		FROM ingestion_queue WHERE tenant=$1 AND dead_lettered=true ORDER BY updated_at DESC`, tenant)
	if err != nil {
		return nil, errs.Transient("list_dead_lettered", err)
	}
	defer rows.Close()
	var out []QueueItem
	for rows.Next() {
		var it QueueItem
		if err := rows.Scan(&it.ID, &it.Tenant, &it.Kind, &it.Body, &it.RetryCount, &it.MaxRetries, &it.NextRetryAt, &it.LastError, &it.LeasedUntil, &it.LeasedBy, &it.DeadLettered, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, errs.Transient("list_dead_lettered_scan", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ReclaimExpiredLeases clears leases past their deadline so another
// worker can claim the item; called by the maintenance sweep.
func (s *Store) ReclaimExpiredLeases(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingestion_queue SET leased_until=NULL, leased_by=''
		WHERE leased_until IS NOT NULL AND leased_until < $1`, time.Now().UTC())
	if err != nil {
		return 0, errs.Transient("reclaim_expired_leases", err)
	}
	return tag.RowsAffected(), nil
}
