// Package vectorindex is the port over the vector index (§4.1/§6): a
// batch upsert, a topK similarity query with metadata-equality
// filtering, and delete-by-ids. Implementations are backed by Qdrant,
// by Postgres with pgvector, or by process memory for tests; callers
// depend only on the Index interface.
package vectorindex

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/ofisk/loresmith/internal/domain"
)

// originalIDField stores the caller-supplied vector_id in the payload
// when it isn't itself a UUID, since Qdrant only accepts UUIDs or
// positive integers as point ids.
const originalIDField = "_original_id"

// Filter is an equality filter over VectorMetadata's structured fields,
// expressed as string key/value pairs (Qdrant's match condition is
// string/bool/int keyed).
type Filter map[string]string

// Index is the vector index port every other component depends on.
type Index interface {
	Upsert(ctx context.Context, records []domain.VectorRecord) error
	Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error)
	DeleteByIDs(ctx context.Context, ids []string) error
	Dimension() int
}

// Match is one result of a similarity query.
type Match struct {
	VectorID string
	Score    float64
	Metadata domain.VectorMetadata
}

// Qdrant implements Index over github.com/qdrant/go-client.
type Qdrant struct {
	client     *qdrant.Client
	collection string
	dimension  int
	metric     string
}

// New creates a Qdrant-backed Index, parsing dsn as
// "scheme://host:port?api_key=...". The Go client talks Qdrant's gRPC
// API, which defaults to port 6334.
func New(dsn, collection string, dimensions int, metric string) (*Qdrant, error) {
	if collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be > 0")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant dsn: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	q := &Qdrant{client: client, collection: collection, dimension: dimensions, metric: strings.ToLower(strings.TrimSpace(metric))}
	if err := q.ensureCollection(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure collection: %w", err)
	}
	return q, nil
}

func (q *Qdrant) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists {
		return nil
	}
	var distance qdrant.Distance
	switch q.metric {
	case "l2", "euclidean", "euclid":
		distance = qdrant.Distance_Euclid
	case "ip", "dot":
		distance = qdrant.Distance_Dot
	case "manhattan":
		distance = qdrant.Distance_Manhattan
	default:
		distance = qdrant.Distance_Cosine
	}
	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: distance,
		}),
	})
}

func pointIDFor(vectorID string) (string, bool) {
	if _, err := uuid.Parse(vectorID); err == nil {
		return vectorID, false
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(vectorID)).String(), true
}

func metadataToPayload(vectorID string, synthesized bool, md domain.VectorMetadata) map[string]any {
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
		out["session_number"] = int64(*md.SessionNum)
	}
	if md.SectionType != "" {
		out["section_type"] = md.SectionType
	}
	if synthesized {
		out[originalIDField] = vectorID
	}
	return out
}

func payloadToMetadata(payload map[string]*qdrant.Value) (string, domain.VectorMetadata) {
	md := domain.VectorMetadata{Tail: map[string]any{}}
	originalID := ""
	known := map[string]bool{
		"tenant": true, "content_type": true, "campaign_id": true, "entity_type": true,
		"source_id": true, "model": true, "fallback": true, "snippet": true,
		"session_number": true, "section_type": true, originalIDField: true,
	}
	for k, v := range payload {
		switch k {
		case originalIDField:
			originalID = v.GetStringValue()
		case "tenant":
			md.Tenant = v.GetStringValue()
		case "content_type":
			md.ContentType = domain.VectorContentType(v.GetStringValue())
		case "campaign_id":
			md.CampaignID = v.GetStringValue()
		case "entity_type":
			md.EntityType = v.GetStringValue()
		case "source_id":
			md.SourceID = v.GetStringValue()
		case "model":
			md.Model = v.GetStringValue()
		case "fallback":
			md.Fallback = v.GetBoolValue()
		case "snippet":
			md.Snippet = v.GetStringValue()
		case "session_number":
			n := int(v.GetIntegerValue())
			md.SessionNum = &n
		case "section_type":
			md.SectionType = v.GetStringValue()
		}
		if !known[k] {
			md.Tail[k] = v.GetStringValue()
		}
	}
	if len(md.Tail) == 0 {
		md.Tail = nil
	}
	return originalID, md
}

// Upsert writes records in a single batch call. Idempotent: writing
// the same vector_id twice overwrites the point.
func (q *Qdrant) Upsert(ctx context.Context, records []domain.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, r := range records {
		pointID, synthesized := pointIDFor(r.VectorID)
		vec := make([]float32, len(r.Values))
		copy(vec, r.Values)
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointID),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(metadataToPayload(r.VectorID, synthesized, r.Metadata)),
		})
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: q.collection, Points: points})
	if err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	return nil
}

// Query performs a topK similarity search with metadata equality
// filtering.
func (q *Qdrant) Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error) {
	if topK <= 0 {
		topK = 10
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)

	var qf *qdrant.Filter
	if len(filter) > 0 {
		must := make([]*qdrant.Condition, 0, len(filter))
		for k, v := range filter {
			must = append(must, qdrant.NewMatch(k, v))
		}
		qf = &qdrant.Filter{Must: must}
	}

	limit := uint64(topK)
	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         qf,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}

	out := make([]Match, 0, len(hits))
	for _, h := range hits {
		pointUUID := h.Id.GetUuid()
		originalID, md := payloadToMetadata(h.Payload)
		id := originalID
		if id == "" {
			id = pointUUID
		}
		out = append(out, Match{VectorID: id, Score: float64(h.Score), Metadata: md})
	}
	return out, nil
}

// DeleteByIDs removes points by their caller-facing vector_id.
func (q *Qdrant) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointID, _ := pointIDFor(id)
		pointIDs = append(pointIDs, qdrant.NewIDUUID(pointID))
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return fmt.Errorf("qdrant delete: %w", err)
	}
	return nil
}

// Dimension returns the configured vector dimension.
func (q *Qdrant) Dimension() int { return q.dimension }

// Close releases the underlying gRPC connection.
func (q *Qdrant) Close() error { return q.client.Close() }

var _ Index = (*Qdrant)(nil)
