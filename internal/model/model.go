package model

import (
	"time"

	"github.com/google/uuid"
)

// RecordKind distinguishes raw chat capture from distilled notes.
type RecordKind string

const (
	KindChatMessage RecordKind = "chat_message"
	KindManualNote  RecordKind = "manual_note"
)

// RecordStatus is the lifecycle state of a memory record.
type RecordStatus string

const (
	StatusActive   RecordStatus = "active"
	StatusArchived RecordStatus = "archived"
	StatusDeleted  RecordStatus = "deleted"
)

// statusRank orders statuses for listing: active rows sort before archived,
// archived before deleted.
func StatusRank(s RecordStatus) int {
	switch s {
	case StatusActive:
		return 0
	case StatusArchived:
		return 1
	case StatusDeleted:
		return 2
	default:
		return 3
	}
}

// Scope selects which persona partition a query touches.
type Scope string

const (
	ScopePersona Scope = "persona"
	ScopeShared  Scope = "shared"
	ScopeAll     Scope = "all"
)

// ConflictType classifies how a candidate note relates to an existing record.
type ConflictType string

const (
	ConflictUpdate ConflictType = "update"
	ConflictMerge  ConflictType = "merge"
	ConflictOther  ConflictType = "conflict"
)

// ConflictStatus is the conflict state machine: open → resolved | ignored.
type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "open"
	ConflictResolved ConflictStatus = "resolved"
	ConflictIgnored  ConflictStatus = "ignored"
)

// MemoryRecord is a single stored memory unit (chat turn or manual note).
// PersonaID is NULL for shared-scope records. For chat-origin records the
// (session_id, message_id) pair is unique: re-ingesting the same turn updates
// the existing row in place.
type MemoryRecord struct {
	ID        uuid.UUID  `json:"id"                 gorm:"primaryKey;type:uuid"`
	PersonaID *string    `json:"personaId,omitempty"`
	Kind      RecordKind `json:"kind"               gorm:"not null"`
	Role      string     `json:"role"               gorm:"not null;default:''"`
	Content   string     `json:"content"            gorm:"not null"`

	// SessionID/MessageID identify the originating chat turn. NULL for notes.
	SessionID *string `json:"sessionId,omitempty"`
	MessageID *string `json:"messageId,omitempty"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null"`

	// Importance and Strength are caller/decay inputs in [0,1].
	Importance float64 `json:"importance" gorm:"not null;default:0.5"`
	Strength   float64 `json:"strength"   gorm:"not null;default:0.5"`

	AccessCount    int64      `json:"accessCount"              gorm:"not null;default:0"`
	LastAccessedAt *time.Time `json:"lastAccessedAt,omitempty"`

	// Retention is the cached decay multiplier. Recomputed on read; the
	// stored value only matters for the archival sweep's drift gate.
	Retention float64 `json:"retention" gorm:"not null;default:1"`

	// TagIndexedAt is the tag indexer's freshness stamp. NULL or older than
	// UpdatedAt means the record is in the tag backlog.
	TagIndexedAt *time.Time `json:"-" gorm:"column:tag_indexed_at"`

	Status     RecordStatus `json:"status"     gorm:"not null;default:'active'"`
	MemoryType string       `json:"memoryType" gorm:"not null;default:''"`
	Source     string       `json:"source"     gorm:"not null;default:''"`
	Pinned     bool         `json:"pinned"     gorm:"not null;default:false"`
}

func (MemoryRecord) TableName() string { return "memory_records" }

// MemoryVersion is an immutable history entry appended before every accepted
// content change. Never mutated after insert.
type MemoryVersion struct {
	ID         uuid.UUID `json:"id"         gorm:"primaryKey;type:uuid"`
	RecordID   uuid.UUID `json:"recordId"   gorm:"not null;type:uuid;index"`
	OldContent string    `json:"oldContent" gorm:"not null"`
	NewContent string    `json:"newContent" gorm:"not null"`
	Reason     string    `json:"reason"     gorm:"not null;default:''"`
	Source     string    `json:"source"     gorm:"not null;default:''"`
	CreatedAt  time.Time `json:"createdAt"  gorm:"not null"`
}

func (MemoryVersion) TableName() string { return "memory_versions" }

// MemoryConflict records a near-duplicate candidate that was held back by the
// manual-upsert similarity gate. At most one open conflict exists per
// (record, type, candidate content).
type MemoryConflict struct {
	ID                  uuid.UUID      `json:"id"                  gorm:"primaryKey;type:uuid"`
	RecordID            uuid.UUID      `json:"recordId"            gorm:"not null;type:uuid;index"`
	ConflictType        ConflictType   `json:"conflictType"        gorm:"not null"`
	CandidateContent    string         `json:"candidateContent"    gorm:"not null"`
	CandidateSource     string         `json:"candidateSource"     gorm:"not null;default:''"`
	CandidateImportance float64        `json:"candidateImportance" gorm:"not null;default:0.5"`
	CandidateStrength   float64        `json:"candidateStrength"   gorm:"not null;default:0.5"`
	CandidateMemoryType string         `json:"candidateMemoryType" gorm:"not null;default:''"`
	Status              ConflictStatus `json:"status"              gorm:"not null;default:'open'"`
	Resolution          string         `json:"resolution"          gorm:"not null;default:''"`
	CreatedAt           time.Time      `json:"createdAt"           gorm:"not null"`
	UpdatedAt           time.Time      `json:"updatedAt"           gorm:"not null"`
}

func (MemoryConflict) TableName() string { return "memory_conflicts" }

// Tag is a unique lowercase token extracted from record content.
type Tag struct {
	ID   int64  `json:"id"   gorm:"primaryKey;autoIncrement"`
	Name string `json:"name" gorm:"not null;uniqueIndex"`
}

func (Tag) TableName() string { return "tags" }

// MemoryTagLink is a (record, tag) membership fact. The tag indexer rebuilds
// all links for a record in one transaction.
type MemoryTagLink struct {
	RecordID uuid.UUID `gorm:"primaryKey;type:uuid;column:record_id"`
	TagID    int64     `gorm:"primaryKey;column:tag_id;index"`
}

func (MemoryTagLink) TableName() string { return "memory_tag_links" }

// Embedding stores the unit-normalized vector for one (record, model) pair.
// Vector is a little-endian float32 blob of Dims elements.
type Embedding struct {
	RecordID    uuid.UUID `gorm:"primaryKey;type:uuid;column:record_id"`
	Model       string    `gorm:"primaryKey;column:model"`
	Dims        int       `gorm:"not null"`
	ContentHash string    `gorm:"not null;column:content_hash"`
	Vector      []byte    `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (Embedding) TableName() string { return "embeddings" }

// KgEntity is a knowledge-graph node, unique per (persona, normalized key, type).
type KgEntity struct {
	ID            uuid.UUID `json:"id"            gorm:"primaryKey;type:uuid"`
	PersonaID     *string   `json:"personaId,omitempty"`
	Name          string    `json:"name"          gorm:"not null"`
	EntityType    string    `json:"entityType"    gorm:"not null;default:''"`
	Aliases       []string  `json:"aliases"       gorm:"serializer:json"`
	NormalizedKey string    `json:"normalizedKey" gorm:"not null;index"`
	UpdatedAt     time.Time `json:"updatedAt"     gorm:"not null"`
}

func (KgEntity) TableName() string { return "kg_entities" }

// KgEntityMention is an (entity, record) evidence link, rebuilt per record
// on every extraction.
type KgEntityMention struct {
	EntityID uuid.UUID `gorm:"primaryKey;type:uuid;column:entity_id"`
	RecordID uuid.UUID `gorm:"primaryKey;type:uuid;column:record_id;index"`
}

func (KgEntityMention) TableName() string { return "kg_entity_mentions" }

// KgRelation is one extracted (subject, predicate, object) triple. The object
// is either a resolved entity or a literal string.
type KgRelation struct {
	ID              int64      `json:"id"              gorm:"primaryKey;autoIncrement"`
	PersonaID       *string    `json:"personaId,omitempty"`
	SubjectEntityID uuid.UUID  `json:"subjectEntityId" gorm:"not null;type:uuid;index"`
	Predicate       string     `json:"predicate"       gorm:"not null"`
	ObjectEntityID  *uuid.UUID `json:"objectEntityId,omitempty" gorm:"type:uuid"`
	ObjectLiteral   string     `json:"objectLiteral"   gorm:"not null;default:''"`
	Confidence      float64    `json:"confidence"      gorm:"not null;default:0"`
	RecordID        uuid.UUID  `json:"recordId"        gorm:"not null;type:uuid;index"`
}

func (KgRelation) TableName() string { return "kg_relations" }

// KgMemoryIndex tracks per-record extraction bookkeeping so unchanged content
// is never re-extracted and failures stay visible.
type KgMemoryIndex struct {
	RecordID    uuid.UUID  `gorm:"primaryKey;type:uuid;column:record_id"`
	ContentHash string     `gorm:"not null;column:content_hash"`
	Status      string     `gorm:"not null;default:''"` // "ok" or "error"
	LastError   string     `gorm:"not null;default:'';column:last_error"`
	ExtractedAt *time.Time `gorm:"column:extracted_at"`
}

func (KgMemoryIndex) TableName() string { return "kg_memory_index" }

// Persona holds the per-persona capture/retrieve toggles read by ingestion
// and retrieval. Owned by the host application; this engine only reads it.
type Persona struct {
	ID               string `json:"id"               gorm:"primaryKey"`
	Name             string `json:"name"             gorm:"not null;default:''"`
	PromptText       string `json:"promptText"       gorm:"not null;default:''"`
	CaptureEnabled   bool   `json:"captureEnabled"   gorm:"not null;default:true"`
	CaptureUser      bool   `json:"captureUser"      gorm:"not null;default:true"`
	CaptureAssistant bool   `json:"captureAssistant" gorm:"not null;default:true"`
	RetrieveEnabled  bool   `json:"retrieveEnabled"  gorm:"not null;default:true"`
}

func (Persona) TableName() string { return "personas" }
