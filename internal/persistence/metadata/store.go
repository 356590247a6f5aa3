// Package metadata is the authoritative relational store: campaigns,
// files, processing chunks, entities, relationships, communities,
// importance, session digests, the world-state changelog, rebuild
// status, the ingestion queue, and notifications. It is backed by
// Postgres via jackc/pgx/v5, following the same "ensure schema, then
// parameterized queries" idiom as the rest of this corpus's postgres
// adapters.
package metadata

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a Postgres connection pool. All methods are safe for
// concurrent use; the pool manages connection lifetime.
type Store struct {
	pool *pgxpool.Pool
}

// OpenPool opens a pgxpool.Pool against dsn with the given bounds.
func OpenPool(ctx context.Context, dsn string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// New wraps an already-open pool and ensures the schema exists.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() { s.pool.Close() }

// Ping satisfies httpapi.HealthChecker: the /health endpoint's only
// signal that the metadata store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS campaigns (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS campaigns_tenant ON campaigns(tenant)`,

		`CREATE TABLE IF NOT EXISTS files (
			file_key TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			campaign_id TEXT NOT NULL DEFAULT '',
			file_name TEXT NOT NULL,
			content_type TEXT NOT NULL,
			size BIGINT NOT NULL,
			status TEXT NOT NULL DEFAULT 'uploaded',
			error_msg TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS files_tenant ON files(tenant)`,
		`CREATE INDEX IF NOT EXISTS files_status ON files(status)`,
		`CREATE INDEX IF NOT EXISTS files_campaign ON files(campaign_id)`,

		`CREATE TABLE IF NOT EXISTS file_processing_chunks (
			id TEXT PRIMARY KEY,
			file_key TEXT NOT NULL REFERENCES files(file_key) ON DELETE CASCADE,
			tenant TEXT NOT NULL,
			chunk_index INT NOT NULL,
			total_chunks INT NOT NULL,
			page_from INT NOT NULL DEFAULT 0,
			page_to INT NOT NULL DEFAULT 0,
			byte_from BIGINT NOT NULL DEFAULT 0,
			byte_to BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INT NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			vector_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE(file_key, chunk_index)
		)`,

		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT NOT NULL,
			campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
			entity_type TEXT NOT NULL,
			name TEXT NOT NULL,
			content JSONB NOT NULL DEFAULT '{}'::jsonb,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			confidence DOUBLE PRECISION,
			source_type TEXT NOT NULL DEFAULT '',
			source_id TEXT NOT NULL DEFAULT '',
			embedding_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (campaign_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS entities_campaign_type ON entities(campaign_id, entity_type)`,
		`CREATE INDEX IF NOT EXISTS entities_campaign_name ON entities(campaign_id, lower(name))`,

		`CREATE TABLE IF NOT EXISTS entity_relationships (
			id TEXT PRIMARY KEY,
			campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
			from_entity_id TEXT NOT NULL,
			to_entity_id TEXT NOT NULL,
			relationship_type TEXT NOT NULL,
			strength DOUBLE PRECISION,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE(campaign_id, from_entity_id, to_entity_id, relationship_type)
		)`,
		`CREATE INDEX IF NOT EXISTS rel_campaign_from ON entity_relationships(campaign_id, from_entity_id)`,
		`CREATE INDEX IF NOT EXISTS rel_campaign_to ON entity_relationships(campaign_id, to_entity_id)`,

		`CREATE TABLE IF NOT EXISTS communities (
			id TEXT PRIMARY KEY,
			campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
			level INT NOT NULL DEFAULT 0,
			parent_community_id TEXT NOT NULL DEFAULT '',
			entity_ids TEXT[] NOT NULL DEFAULT '{}',
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb
		)`,
		`CREATE INDEX IF NOT EXISTS communities_campaign ON communities(campaign_id)`,

		`CREATE TABLE IF NOT EXISTS entity_importance (
			entity_id TEXT NOT NULL,
			campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
			pagerank DOUBLE PRECISION NOT NULL DEFAULT 0,
			betweenness_centrality DOUBLE PRECISION NOT NULL DEFAULT 0,
			hierarchy_level INT NOT NULL DEFAULT 0,
			composite_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			computed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (campaign_id, entity_id)
		)`,

		`CREATE TABLE IF NOT EXISTS session_digests (
			id TEXT PRIMARY KEY,
			campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
			session_number INT,
			session_date TIMESTAMPTZ,
			digest_data JSONB NOT NULL DEFAULT '{}'::jsonb
		)`,
		`CREATE INDEX IF NOT EXISTS digests_campaign ON session_digests(campaign_id)`,

		`CREATE TABLE IF NOT EXISTS session_recordings (
			id TEXT PRIMARY KEY,
			campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
			session_number INT NOT NULL,
			blob_key TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			digest_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS world_state_changelog (
			id TEXT PRIMARY KEY,
			campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
			session_id TEXT NOT NULL DEFAULT '',
			ts TIMESTAMPTZ NOT NULL DEFAULT now(),
			payload JSONB NOT NULL DEFAULT '{}'::jsonb,
			applied_to_graph BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE INDEX IF NOT EXISTS changelog_campaign_ts ON world_state_changelog(campaign_id, ts)`,
		`CREATE INDEX IF NOT EXISTS changelog_unapplied ON world_state_changelog(campaign_id) WHERE applied_to_graph = false`,

		`CREATE TABLE IF NOT EXISTS rebuild_status (
			id TEXT PRIMARY KEY,
			campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
			rebuild_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			affected_entity_ids TEXT[] NOT NULL DEFAULT '{}',
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS rebuild_campaign_status ON rebuild_status(campaign_id, status)`,

		`CREATE TABLE IF NOT EXISTS ingestion_queue (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			kind TEXT NOT NULL,
			body JSONB NOT NULL DEFAULT '{}'::jsonb,
			retry_count INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 5,
			next_retry_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_error TEXT NOT NULL DEFAULT '',
			leased_until TIMESTAMPTZ,
			leased_by TEXT NOT NULL DEFAULT '',
			dead_lettered BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS queue_ready ON ingestion_queue(tenant, next_retry_at) WHERE dead_lettered = false`,

		`CREATE TABLE IF NOT EXISTS tenant_rate_limits (
			tenant TEXT PRIMARY KEY,
			held_until TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			kind TEXT NOT NULL,
			subject_id TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			read_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS notifications_tenant ON notifications(tenant, created_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}
