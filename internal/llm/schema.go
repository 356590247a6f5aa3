package llm

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/ofisk/loresmith/internal/errs"
)

// ValidateStructuredOutput parses schemaMap into a jsonschema.Schema and
// validates raw against it, returning a ValidationError on mismatch
// rather than a TransientError, so malformed LLM output is never
// classified as a transient provider failure.
func ValidateStructuredOutput(raw []byte, schemaMap map[string]any) error {
	schemaBytes, err := json.Marshal(schemaMap)
	if err != nil {
		return errs.Validation("schema", err)
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(schemaBytes, &schema); err != nil {
		return errs.Validation("schema", fmt.Errorf("parse schema: %w", err))
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return errs.Validation("schema", fmt.Errorf("resolve schema: %w", err))
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return errs.Validation("structured_output", fmt.Errorf("output is not valid json: %w", err))
	}
	if err := resolved.Validate(value); err != nil {
		return errs.Validation("structured_output", fmt.Errorf("output does not conform to schema: %w", err))
	}
	return nil
}
