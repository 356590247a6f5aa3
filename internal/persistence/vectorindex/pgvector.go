package vectorindex

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/errs"
)

// PGVector implements Index over a Postgres table with a pgvector
// column, for single-binary deployments that would rather not run a
// second stateful service alongside the metadata store's Postgres
// instance. It is a drop-in alternative to Qdrant: every caller only
// ever depends on the Index interface.
type PGVector struct {
	pool      *pgxpool.Pool
	table     string
	dimension int
}

// NewPGVector opens a pgvector-backed Index against an existing pool.
// The caller is responsible for having run the schema migration that
// creates the table with a `vector(dimension)` column (the vector
// extension itself must already be installed on the Postgres server).
func NewPGVector(pool *pgxpool.Pool, table string, dimension int) *PGVector {
	if table == "" {
		table = "vector_records"
	}
	return &PGVector{pool: pool, table: table, dimension: dimension}
}

func (p *PGVector) Dimension() int { return p.dimension }

// Upsert writes each record with its own INSERT statement, matching
// the "every write is idempotent" port contract: ON CONFLICT
// (vector_id) DO UPDATE.
func (p *PGVector) Upsert(ctx context.Context, records []domain.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	for _, r := range records {
		if len(r.Values) != p.dimension {
			return errs.Validationf("vector_record", "vector %q has dimension %d, want %d", r.VectorID, len(r.Values), p.dimension)
		}
		md, err := json.Marshal(flattenMetadata(r.Metadata))
		if err != nil {
			return errs.Validation("vector_metadata", err)
		}
		_, err = p.pool.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (vector_id, embedding, tenant, campaign_id, content_type, entity_type, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (vector_id) DO UPDATE SET
				embedding=EXCLUDED.embedding,
				tenant=EXCLUDED.tenant,
				campaign_id=EXCLUDED.campaign_id,
				content_type=EXCLUDED.content_type,
				entity_type=EXCLUDED.entity_type,
				metadata=EXCLUDED.metadata`, p.table),
			r.VectorID, pgvector.NewVector(r.Values), r.Metadata.Tenant, r.Metadata.CampaignID,
			string(r.Metadata.ContentType), r.Metadata.EntityType, md)
		if err != nil {
			return errs.Transient("pgvector_upsert", err)
		}
	}
	return nil
}

// Query runs a cosine-distance nearest-neighbor search (<=> operator,
// registered by the vector extension's IVFFLAT/HNSW cosine ops class)
// with equality filters pushed into the WHERE clause.
func (p *PGVector) Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error) {
	if topK <= 0 {
		topK = 10
	}
	where := "TRUE"
	args := []any{pgvector.NewVector(vector)}
	col := map[string]string{"tenant": "tenant", "campaign_id": "campaign_id", "content_type": "content_type", "entity_type": "entity_type"}
	for k, v := range filter {
		c, ok := col[k]
		if !ok {
			continue
		}
		args = append(args, v)
		where += fmt.Sprintf(" AND %s = $%d", c, len(args))
	}
	args = append(args, topK)
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
		SELECT vector_id, metadata, 1 - (embedding <=> $1) AS score
		FROM %s WHERE %s
		ORDER BY embedding <=> $1
		LIMIT $%d`, p.table, where, len(args)), args...)
	if err != nil {
		return nil, errs.Transient("pgvector_query", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var id string
		var md []byte
		var score float64
		if err := rows.Scan(&id, &md, &score); err != nil {
			return nil, errs.Transient("pgvector_query_scan", err)
		}
		var flat map[string]any
		if len(md) > 0 {
			if err := json.Unmarshal(md, &flat); err != nil {
				return nil, errs.Transient("pgvector_query_unmarshal", err)
			}
		}
		out = append(out, Match{VectorID: id, Score: score, Metadata: unflattenMetadata(flat)})
	}
	return out, rows.Err()
}

// flattenMetadata/unflattenMetadata mirror qdrant.go's
// metadataToPayload/payloadToMetadata: VectorMetadata.Tail is
// json:"-" so the struct's own marshaling drops it, and every backend
// must flatten it alongside the known fields into one JSON object.
func flattenMetadata(md domain.VectorMetadata) map[string]any {
	out := map[string]any{}
	for k, v := range md.Tail {
		out[k] = v
	}
	out["tenant"] = md.Tenant
	out["content_type"] = string(md.ContentType)
	if md.CampaignID != "" {
		out["campaign_id"] = md.CampaignID
	}
	if md.EntityType != "" {
		out["entity_type"] = md.EntityType
	}
	if md.SourceID != "" {
		out["source_id"] = md.SourceID
	}
	if md.Model != "" {
		out["model"] = md.Model
	}
	if md.Fallback {
		out["fallback"] = true
	}
	if md.Snippet != "" {
		out["snippet"] = md.Snippet
	}
	if md.SessionNum != nil {
		out["session_number"] = *md.SessionNum
	}
	if md.SectionType != "" {
		out["section_type"] = md.SectionType
	}
	return out
}

func unflattenMetadata(flat map[string]any) domain.VectorMetadata {
	md := domain.VectorMetadata{Tail: map[string]any{}}
	for k, v := range flat {
		switch k {
		case "tenant":
			md.Tenant, _ = v.(string)
		case "content_type":
			s, _ := v.(string)
			md.ContentType = domain.VectorContentType(s)
		case "campaign_id":
			md.CampaignID, _ = v.(string)
		case "entity_type":
			md.EntityType, _ = v.(string)
		case "source_id":
			md.SourceID, _ = v.(string)
		case "model":
			md.Model, _ = v.(string)
		case "fallback":
			md.Fallback, _ = v.(bool)
		case "snippet":
			md.Snippet, _ = v.(string)
		case "session_number":
			if n, ok := v.(float64); ok {
				i := int(n)
				md.SessionNum = &i
			}
		case "section_type":
			md.SectionType, _ = v.(string)
		default:
			md.Tail[k] = v
		}
	}
	if len(md.Tail) == 0 {
		md.Tail = nil
	}
	return md
}

func (p *PGVector) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE vector_id = ANY($1)`, p.table), ids)
	if err != nil {
		return errs.Transient("pgvector_delete", err)
	}
	return nil
}
