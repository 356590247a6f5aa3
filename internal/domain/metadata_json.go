package domain

import "encoding/json"

// entityMetadataWire is the on-the-wire shape of EntityMetadata: known
// fields flattened alongside whatever free-form provenance lives in
// Tail, so persistence always sees (and reconstructs) one flat JSON
// object rather than a nested "known" + "tail" envelope.
type entityMetadataWire struct {
	ShardStatus      ShardStatus       `json:"shard_status,omitempty"`
	PendingRelations []PendingRelation `json:"pending_relations,omitempty"`
	Confidence       *float64          `json:"confidence,omitempty"`
	SourceType       string            `json:"source_type,omitempty"`
}

// MarshalJSON flattens known fields and the free-form tail into one
// JSON object.
func (m EntityMetadata) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	for k, v := range m.Tail {
		out[k] = v
	}
	if m.ShardStatus != "" {
		out["shard_status"] = m.ShardStatus
	}
	if len(m.PendingRelations) > 0 {
		out["pending_relations"] = m.PendingRelations
	}
	if m.Confidence != nil {
		out["confidence"] = *m.Confidence
	}
	if m.SourceType != "" {
		out["source_type"] = m.SourceType
	}
	return json.Marshal(out)
}

// UnmarshalJSON reconstructs the known fields and stashes everything
// else in Tail.
func (m *EntityMetadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	known := map[string]bool{
		"shard_status": true, "pending_relations": true,
		"confidence": true, "source_type": true,
	}

	var wire entityMetadataWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.ShardStatus = wire.ShardStatus
	m.PendingRelations = wire.PendingRelations
	m.Confidence = wire.Confidence
	m.SourceType = wire.SourceType

	tail := map[string]any{}
	for k, v := range raw {
		if known[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		tail[k] = val
	}
	if len(tail) > 0 {
		m.Tail = tail
	}
	return nil
}
