package vectorindex

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/ofisk/loresmith/internal/domain"
)

// Memory is an in-process Index for tests; it performs exact brute-force
// cosine similarity with the same filter semantics as the Qdrant backend.
type Memory struct {
	mu        sync.RWMutex
	dimension int
	records   map[string]domain.VectorRecord
}

// NewMemory creates an in-memory vector index for the given dimension.
func NewMemory(dimension int) *Memory {
	return &Memory{dimension: dimension, records: map[string]domain.VectorRecord{}}
}

func (m *Memory) Upsert(ctx context.Context, records []domain.VectorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.records[r.VectorID] = r
	}
	return nil
}

func matchesFilter(md domain.VectorMetadata, filter Filter) bool {
	for k, v := range filter {
		switch k {
		case "tenant":
			if md.Tenant != v {
				return false
			}
		case "campaign_id":
			if md.CampaignID != v {
				return false
			}
		case "content_type":
			if string(md.ContentType) != v {
				return false
			}
		case "entity_type":
			if md.EntityType != v {
				return false
			}
		case "source_id":
			if md.SourceID != v {
				return false
			}
		case "section_type":
			if md.SectionType != v {
				return false
			}
		default:
			if md.Tail == nil {
				return false
			}
			if s, ok := md.Tail[k].(string); !ok || s != v {
				return false
			}
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (m *Memory) Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matches := make([]Match, 0, len(m.records))
	for id, r := range m.records {
		if !matchesFilter(r.Metadata, filter) {
			continue
		}
		matches = append(matches, Match{VectorID: id, Score: cosine(vector, r.Values), Metadata: r.Metadata})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (m *Memory) DeleteByIDs(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.records, id)
	}
	return nil
}

func (m *Memory) Dimension() int { return m.dimension }

var _ Index = (*Memory)(nil)
