// Package extraction is the Entity Extraction Service (SPEC_FULL.md
// §4.5): it calls an LLM with a structured-output contract to produce
// typed entities and relationship edges from a text span. Schema
// generation/validation is grounded on google/jsonschema-go
// (internal/llm.ValidateStructuredOutput); provider dispatch reuses
// internal/llm.Router, generalized from this corpus's
// internal/llm/providers.Build multi-provider factory to LoreSmith's
// openai/anthropic-only structured-output surface.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ofisk/loresmith/internal/errs"
	"github.com/ofisk/loresmith/internal/llm"
)

// ExtractedRelation is a pending edge attached to an ExtractedEntity
// before the staging layer normalizes its target id.
type ExtractedRelation struct {
	RelationshipType string         `json:"relationship_type"`
	TargetID         string         `json:"target_id"`
	Strength         *float64       `json:"strength,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// ExtractedEntity is one entity the LLM reported for a text span. ID
// is already campaign-scoped; relation TargetIDs may not be.
type ExtractedEntity struct {
	ID         string              `json:"id"`
	EntityType string              `json:"entity_type"`
	Name       string              `json:"name"`
	Content    map[string]any      `json:"content"`
	Metadata   map[string]any      `json:"metadata,omitempty"`
	Relations  []ExtractedRelation `json:"relations,omitempty"`
}

// Input describes the text span being extracted and its provenance.
type Input struct {
	Text       string
	SourceName string
	CampaignID string
	SourceID   string
	SourceType string
	Metadata   map[string]any
}

// Provider is the subset of llm.Provider the Entity Extraction Service
// needs.
type Provider interface {
	StructuredOutput(ctx context.Context, msgs []llm.Message, model string, schema map[string]any) ([]byte, error)
}

type Service struct {
	provider Provider
	model    string
}

func New(provider Provider, model string) *Service {
	return &Service{provider: provider, model: model}
}

type extractionResponse struct {
	Entities []ExtractedEntity `json:"entities"`
}

// entitySchema is the JSON Schema handed to the provider's structured
// output API, describing a top-level {entities: [...]} envelope.
var entitySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"entities": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id":          map[string]any{"type": "string"},
					"entity_type": map[string]any{"type": "string"},
					"name":        map[string]any{"type": "string"},
					"content":     map[string]any{"type": "object"},
					"metadata":    map[string]any{"type": "object"},
					"relations": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"relationship_type": map[string]any{"type": "string"},
								"target_id":         map[string]any{"type": "string"},
								"strength":          map[string]any{"type": "number"},
								"metadata":          map[string]any{"type": "object"},
							},
							"required": []any{"relationship_type", "target_id"},
						},
					},
				},
				"required": []any{"id", "entity_type", "name", "content"},
			},
		},
	},
	"required": []any{"entities"},
}

// Extract calls the provider once with a structured-output contract;
// a schema-validation failure is retried exactly once (same input)
// before being returned as a Validation error for the caller to
// record as a partial-chunk failure.
func (s *Service) Extract(ctx context.Context, in Input) ([]ExtractedEntity, error) {
	msgs := []llm.Message{
		{Role: "system", Content: systemPrompt()},
		{Role: "user", Content: userPrompt(in)},
	}

	raw, err := s.provider.StructuredOutput(ctx, msgs, s.model, entitySchema)
	if err == nil {
		if verr := llm.ValidateStructuredOutput(raw, entitySchema); verr == nil {
			return parseEntities(raw, in.CampaignID)
		}
	}

	// One retry on any failure (transient or parse/validation), per
	// SPEC_FULL.md §4.5.
	raw, err = s.provider.StructuredOutput(ctx, msgs, s.model, entitySchema)
	if err != nil {
		return nil, err
	}
	if verr := llm.ValidateStructuredOutput(raw, entitySchema); verr != nil {
		return nil, verr
	}
	return parseEntities(raw, in.CampaignID)
}

func parseEntities(raw []byte, campaignID string) ([]ExtractedEntity, error) {
	var resp extractionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errs.Validation("extraction_response", err)
	}
	for i := range resp.Entities {
		if resp.Entities[i].ID == "" {
			return nil, errs.Validationf("extraction_response", "entity %d missing id", i)
		}
	}
	return resp.Entities, nil
}

func systemPrompt() string {
	return "You extract typed entities and relationships from tabletop RPG campaign source material. " +
		"Respond only with the structured entities object; do not invent ids outside the given campaign."
}

func userPrompt(in Input) string {
	return fmt.Sprintf(
		"Campaign: %s\nSource: %s (%s, id=%s)\n\nExtract entities (characters, locations, factions, items, events) "+
			"and their relationships from the following text. Prefix every entity id with %q_.\n\n%s",
		in.CampaignID, in.SourceName, in.SourceType, in.SourceID, in.CampaignID, in.Text)
}
