package store

import (
	"context"
	"fmt"

	"github.com/nishichengju/NeoDeskPet-sub001/internal/model"
)

// Stats is a point-in-time snapshot of the engine's footprint, used by the
// maintenance command's --stats output.
type Stats struct {
	ActiveRecords   int64 `json:"activeRecords"`
	ArchivedRecords int64 `json:"archivedRecords"`
	DeletedRecords  int64 `json:"deletedRecords"`
	ChatRecords     int64 `json:"chatRecords"`
	NoteRecords     int64 `json:"noteRecords"`
	Versions        int64 `json:"versions"`
	OpenConflicts   int64 `json:"openConflicts"`
	Tags            int64 `json:"tags"`
	Embeddings      int64 `json:"embeddings"`
	KgEntities      int64 `json:"kgEntities"`
	KgRelations     int64 `json:"kgRelations"`
	PendingTag      int   `json:"pendingTag"`
	PendingVector   int   `json:"pendingVector"`
	PendingKg       int   `json:"pendingKg"`
}

// GetStats counts the main tables. Deleted rows are reported rather than
// hidden so operators can see hard-delete pressure.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		PendingTag:    s.PendingDepth(IndexTag),
		PendingVector: s.PendingDepth(IndexVector),
		PendingKg:     s.PendingDepth(IndexKg),
	}
	db := s.db.WithContext(ctx)

	type countQuery struct {
		dest *int64
		run  func(dest *int64) error
	}
	byStatus := func(status model.RecordStatus) func(dest *int64) error {
		return func(dest *int64) error {
			return db.Model(&model.MemoryRecord{}).Where("status = ?", status).Count(dest).Error
		}
	}
	byKind := func(kind model.RecordKind) func(dest *int64) error {
		return func(dest *int64) error {
			return db.Model(&model.MemoryRecord{}).
				Where("kind = ? AND status != ?", kind, model.StatusDeleted).
				Count(dest).Error
		}
	}
	queries := []countQuery{
		{&stats.ActiveRecords, byStatus(model.StatusActive)},
		{&stats.ArchivedRecords, byStatus(model.StatusArchived)},
		{&stats.DeletedRecords, byStatus(model.StatusDeleted)},
		{&stats.ChatRecords, byKind(model.KindChatMessage)},
		{&stats.NoteRecords, byKind(model.KindManualNote)},
		{&stats.Versions, func(dest *int64) error {
			return db.Model(&model.MemoryVersion{}).Count(dest).Error
		}},
		{&stats.OpenConflicts, func(dest *int64) error {
			return db.Model(&model.MemoryConflict{}).Where("status = ?", model.ConflictOpen).Count(dest).Error
		}},
		{&stats.Tags, func(dest *int64) error {
			return db.Model(&model.Tag{}).Count(dest).Error
		}},
		{&stats.Embeddings, func(dest *int64) error {
			return db.Model(&model.Embedding{}).Count(dest).Error
		}},
		{&stats.KgEntities, func(dest *int64) error {
			return db.Model(&model.KgEntity{}).Count(dest).Error
		}},
		{&stats.KgRelations, func(dest *int64) error {
			return db.Model(&model.KgRelation{}).Count(dest).Error
		}},
	}
	for _, q := range queries {
		if err := q.run(q.dest); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
	}
	return stats, nil
}
