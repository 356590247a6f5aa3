package planning

import (
	"context"
	"time"

	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/embed"
)

// DigestEmbedder is the subset of the Embedding Service digest
// indexing needs.
type DigestEmbedder interface {
	EmbedAndStore(ctx context.Context, spans []embed.Span) ([]string, error)
}

// Indexer writes SessionDigests into the vector index so Search can
// find them. It is a thin adapter over the Embedding Service: one
// vector per labelled digest section, tagged content_type=
// session_digest and the section_type/session_number Search filters
// and recency-weights on.
type Indexer struct {
	embedder DigestEmbedder
}

func NewIndexer(embedder DigestEmbedder) *Indexer {
	return &Indexer{embedder: embedder}
}

// IndexSessionDigest embeds every labelled section of d and returns
// the number of vectors written. Re-indexing the same digest is
// idempotent: the vector id is deterministic in (digest id, section).
func (ix *Indexer) IndexSessionDigest(ctx context.Context, tenant string, d domain.SessionDigest) (int, error) {
	if len(d.DigestData) == 0 {
		return 0, nil
	}
	tail := map[string]any{}
	if d.SessionDate != nil {
		tail["session_date"] = d.SessionDate.UTC().Format(time.RFC3339)
	}

	spans := make([]embed.Span, 0, len(d.DigestData))
	for sectionType, text := range d.DigestData {
		if text == "" {
			continue
		}
		spans = append(spans, embed.Span{
			Text:       text,
			MetadataID: d.ID,
			Suffix:     sectionType,
			Metadata: domain.VectorMetadata{
				Tenant:      tenant,
				CampaignID:  d.CampaignID,
				ContentType: domain.ContentSessionDigest,
				SourceID:    d.ID,
				SessionNum:  d.SessionNumber,
				SectionType: sectionType,
				Tail:        tail,
			},
		})
	}
	ids, err := ix.embedder.EmbedAndStore(ctx, spans)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}
