package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityMetadata_RoundTripsKnownAndTailFields(t *testing.T) {
	conf := 0.85
	in := EntityMetadata{
		ShardStatus: ShardApproved,
		PendingRelations: []PendingRelation{
			{RelationshipType: "allies_with", TargetID: "camp1_sam"},
		},
		Confidence: &conf,
		SourceType: "file",
		Tail:       map[string]any{"extraction_model": "gpt-4o-mini"},
	}

	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out EntityMetadata
	require.NoError(t, json.Unmarshal(raw, &out))

	assert.Equal(t, in.ShardStatus, out.ShardStatus)
	assert.Equal(t, in.PendingRelations, out.PendingRelations)
	require.NotNil(t, out.Confidence)
	assert.InDelta(t, *in.Confidence, *out.Confidence, 1e-9)
	assert.Equal(t, in.SourceType, out.SourceType)
	assert.Equal(t, "gpt-4o-mini", out.Tail["extraction_model"])
}

func TestEntityMetadata_MarshalOmitsZeroValueKnownFields(t *testing.T) {
	raw, err := json.Marshal(EntityMetadata{Tail: map[string]any{"note": "raw"}})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))

	_, hasShardStatus := m["shard_status"]
	_, hasConfidence := m["confidence"]
	assert.False(t, hasShardStatus)
	assert.False(t, hasConfidence)
	assert.Equal(t, "raw", m["note"])
}

func TestEntityMetadata_UnmarshalEmptyObjectLeavesTailNil(t *testing.T) {
	var out EntityMetadata
	require.NoError(t, json.Unmarshal([]byte(`{}`), &out))
	assert.Nil(t, out.Tail)
	assert.Equal(t, ShardStatus(""), out.ShardStatus)
}

func TestEntityMetadata_KnownFieldNamesNeverLeakIntoTail(t *testing.T) {
	var out EntityMetadata
	require.NoError(t, json.Unmarshal([]byte(`{"shard_status":"approved","source_type":"file","custom":"x"}`), &out))
	assert.Equal(t, ShardApproved, out.ShardStatus)
	assert.Equal(t, "file", out.SourceType)
	assert.Equal(t, map[string]any{"custom": "x"}, out.Tail)
}
