// Package domain holds the shared data-model types described in the
// system's data model: campaigns, files, entities, relationships,
// communities, and the append-only changelog. Persistence and vector
// storage both serialize these types; no code path outside this
// package walks an untyped map[string]any for a known field.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// CampaignStatus is the lifecycle state of a Campaign.
type CampaignStatus string

const (
	CampaignActive   CampaignStatus = "active"
	CampaignArchived CampaignStatus = "archived"
)

// Campaign is a tenant-owned scope within which entities, relationships,
// and communities live. Deleting a Campaign cascades to all of these.
type Campaign struct {
	ID          string
	Tenant      string
	Name        string
	Description string
	Status      CampaignStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FileStatus is the lifecycle state of an uploaded File.
type FileStatus string

const (
	FileUploaded   FileStatus = "uploaded"
	FileProcessing FileStatus = "processing"
	FileChunked    FileStatus = "chunked"
	FileIndexing   FileStatus = "indexing"
	FileCompleted  FileStatus = "completed"
	FileError      FileStatus = "error"
	FileTimeout    FileStatus = "timeout"
)

// File is a tenant-owned uploaded resource. file_key is the blob-store
// path and doubles as the primary key.
type File struct {
	FileKey     string
	Tenant      string
	CampaignID  string // empty until linked via POST /campaigns/:id/resources
	FileName    string
	ContentType string
	Size        int64
	Status      FileStatus
	ErrorMsg    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ChunkRange identifies a FileProcessingChunk's slice of the source
// file: exactly one of Page or Byte is populated.
type ChunkRange struct {
	PageFrom, PageTo int // inclusive, 1-based; zero value means unset
	ByteFrom, ByteTo int64
}

// ChunkStatus is the lifecycle state of a FileProcessingChunk.
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkProcessing ChunkStatus = "processing"
	ChunkCompleted  ChunkStatus = "completed"
	ChunkFailed     ChunkStatus = "failed"
)

// FileProcessingChunk is a page-range or byte-range slice of a File
// that is extracted, embedded, and merged independently. At most one
// chunk exists per (file_key, chunk_index); all chunks of a file share
// TotalChunks.
type FileProcessingChunk struct {
	ID           string
	FileKey      string
	Tenant       string
	ChunkIndex   int
	TotalChunks  int
	Range        ChunkRange
	Status       ChunkStatus
	RetryCount   int
	ErrorMessage string
	VectorID     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ShardStatus is the staging lifecycle of an Entity. The UI calls a
// staging entity a "shard".
type ShardStatus string

const (
	ShardStaging  ShardStatus = "staging"
	ShardApproved ShardStatus = "approved"
	ShardRejected ShardStatus = "rejected"
)

// PendingRelation is a relationship edge that has not yet been
// persisted as an EntityRelationship row; it rides along on the
// entity's metadata until the staging service creates real rows.
type PendingRelation struct {
	RelationshipType string         `json:"relationship_type"`
	TargetID         string         `json:"target_id"`
	Strength         *float64       `json:"strength,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// EntityMetadata models the known, tagged fields of Entity.metadata
// plus a free-form Tail for provenance. MarshalJSON/UnmarshalJSON
// flatten and reconstruct the tail so persistence always sees one JSON
// object and no code path does an untyped map walk over known fields.
type EntityMetadata struct {
	ShardStatus      ShardStatus       `json:"-"`
	PendingRelations []PendingRelation `json:"-"`
	Confidence       *float64          `json:"-"`
	SourceType       string            `json:"-"`
	Tail             map[string]any    `json:"-"`
}

// Entity is a campaign-scoped node in the knowledge graph. id is
// always prefixed with campaign_id. An entity with ShardStatus ==
// ShardApproved must never be overwritten by an ingestion write.
type Entity struct {
	ID          string
	CampaignID  string
	EntityType  string
	Name        string
	Content     map[string]any
	Metadata    EntityMetadata
	Confidence  *float64
	SourceType  string
	SourceID    string
	EmbeddingID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EntityRelationship is a campaign-scoped edge. Uniqueness is enforced
// on (campaign_id, from_entity_id, to_entity_id, relationship_type);
// self-relations are rejected.
type EntityRelationship struct {
	ID               string
	CampaignID       string
	FromEntityID     string
	ToEntityID       string
	RelationshipType string
	Strength         *float64
	Metadata         map[string]any
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RelationshipID deterministically derives an EntityRelationship's
// primary key from its uniqueness arbiter (campaign_id, from, to,
// relationship_type), the same sha256-then-truncate scheme
// internal/embed uses for vector ids. Every writer of an
// EntityRelationship — internal/staging, internal/graph, the rebuild
// processor — must route through this so two writers of the same
// logical edge always land on the same row instead of colliding on the
// id primary key while missing the composite ON CONFLICT arbiter.
func RelationshipID(campaignID, fromEntityID, toEntityID, relationshipType string) string {
	h := sha256.Sum256([]byte(campaignID + "|" + fromEntityID + "|" + toEntityID + "|" + relationshipType))
	return "rel_" + hex.EncodeToString(h[:])[:48]
}

// Community is a node in the campaign's community forest; Level 0 is
// the top.
type Community struct {
	ID               string
	CampaignID       string
	Level            int
	ParentCommunityID string
	EntityIDs        []string
	Metadata         map[string]any
}

// EntityImportance is a derived, fully-recomputable composite score
// row for one entity.
type EntityImportance struct {
	EntityID             string
	CampaignID           string
	PageRank             float64
	BetweennessCentrality float64
	HierarchyLevel       int
	CompositeScore       float64
	ComputedAt           time.Time
}

// SessionDigest holds labelled text sections (recap, plan, NPCs,
// locations, ...) used by planning-context search.
type SessionDigest struct {
	ID            string
	CampaignID    string
	SessionNumber *int
	SessionDate   *time.Time
	DigestData    map[string]string // section_type -> text
}

// TranscriptionStatus is the lifecycle state of a SessionRecording.
type TranscriptionStatus string

const (
	TranscriptionPending      TranscriptionStatus = "pending"
	TranscriptionTranscribing TranscriptionStatus = "transcribing"
	TranscriptionCompleted    TranscriptionStatus = "completed"
	TranscriptionFailed       TranscriptionStatus = "failed"
)

// SessionRecording is an uploaded audio recording that is transcribed
// into a SessionDigest section. Supplements digest ingestion with a
// voice-recording intake path.
type SessionRecording struct {
	ID            string
	CampaignID    string
	SessionNumber int
	BlobKey       string
	Status        TranscriptionStatus
	DigestID      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ChangelogPayload is the body of a WorldStateChangelogEntry: three
// lists describing an intended world-state change.
type ChangelogPayload struct {
	NewEntities         []string                 `json:"new_entities"`
	EntityUpdates       []EntityUpdate           `json:"entity_updates"`
	RelationshipUpdates []RelationshipUpdate     `json:"relationship_updates"`
}

// EntityUpdate describes a status/description/metadata change to an
// existing entity.
type EntityUpdate struct {
	EntityID    string         `json:"entity_id"`
	Status      string         `json:"status,omitempty"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// RelationshipUpdate describes a status/metadata change to a
// relationship edge, addressed by endpoints rather than row id since
// the edge may not exist yet when the changelog entry is appended.
type RelationshipUpdate struct {
	From      string         `json:"from"`
	To        string         `json:"to"`
	NewStatus string         `json:"new_status,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// WorldStateChangelogEntry is an append-only record of an intended
// world-state change, later absorbed into the graph by a rebuild.
type WorldStateChangelogEntry struct {
	ID             string
	CampaignID     string
	SessionID      string
	Timestamp      time.Time
	Payload        ChangelogPayload
	AppliedToGraph bool
}

// RebuildType distinguishes a targeted recomputation from a full one.
type RebuildType string

const (
	RebuildPartial RebuildType = "partial"
	RebuildFull    RebuildType = "full"
)

// RebuildPhase is the lifecycle state of a RebuildStatus row.
type RebuildPhase string

const (
	RebuildPending   RebuildPhase = "pending"
	RebuildRunning   RebuildPhase = "running"
	RebuildSucceeded RebuildPhase = "succeeded"
	RebuildFailed    RebuildPhase = "failed"
)

// RebuildStatus tracks one rebuild job. At most one non-terminal
// RebuildStatus exists per campaign at a time.
type RebuildStatus struct {
	ID                string
	CampaignID        string
	RebuildType       RebuildType
	Status            RebuildPhase
	AffectedEntityIDs []string
	LastError         string
	CreatedAt         time.Time
	CompletedAt       *time.Time
}

// VectorContentType discriminates what a VectorRecord embeds.
type VectorContentType string

const (
	ContentFileContent  VectorContentType = "file_content"
	ContentFileChunk    VectorContentType = "file_chunk"
	ContentEntity       VectorContentType = "entity"
	ContentSessionDigest VectorContentType = "session_digest"
	ContentChangelog    VectorContentType = "changelog"
)

// VectorMetadata is the structured metadata attached to every
// VectorRecord. Tail carries any additional provenance the caller
// wants to preserve without widening this struct.
type VectorMetadata struct {
	Tenant      string            `json:"tenant"`
	CampaignID  string            `json:"campaign_id,omitempty"`
	ContentType VectorContentType `json:"content_type"`
	EntityType  string            `json:"entity_type,omitempty"`
	SourceID    string            `json:"source_id,omitempty"`
	Model       string            `json:"model,omitempty"`
	Fallback    bool              `json:"fallback,omitempty"`
	Snippet     string            `json:"snippet,omitempty"`
	SessionNum  *int              `json:"session_number,omitempty"`
	SectionType string            `json:"section_type,omitempty"`
	Tail        map[string]any    `json:"-"`
}

// VectorRecord is a row in the vector index. VectorID is <= 64 bytes,
// formatted v_<48 hex chars>.
type VectorRecord struct {
	VectorID string
	Values   []float32
	Metadata VectorMetadata
}

// Notification is a user-addressed event persisted for delivery/audit.
type NotificationKind string

const (
	NotifyFileStatusUpdated NotificationKind = "file_status_updated"
	NotifyFileUploaded      NotificationKind = "file_uploaded"
	NotifyFileProcessed     NotificationKind = "file_processed"
	NotifyShardGeneration   NotificationKind = "shard_generation"
	NotifyRebuildComplete   NotificationKind = "rebuild_complete"
)

type Notification struct {
	ID        string
	Tenant    string
	Kind      NotificationKind
	SubjectID string
	Message   string
	Metadata  map[string]any
	CreatedAt time.Time
	ReadAt    *time.Time
}
