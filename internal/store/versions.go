package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nishichengju/NeoDeskPet-sub001/internal/model"
)

// updateContentTx is the transactional body of UpdateContent: append the
// version row, overwrite content, and resync the full-text row, all on the
// caller's tx so ResolveConflict can fold it into a larger transaction.
func (s *Store) updateContentTx(tx *gorm.DB, id uuid.UUID, content, reason, source string, ts time.Time) (*model.MemoryRecord, error) {
	var rec model.MemoryRecord
	result := tx.Where("id = ? AND status != ?", id, model.StatusDeleted).Limit(1).Find(&rec)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, &NotFoundError{Resource: "record", ID: id.String()}
	}

	version := model.MemoryVersion{
		ID:         uuid.New(),
		RecordID:   rec.ID,
		OldContent: rec.Content,
		NewContent: content,
		Reason:     reason,
		Source:     source,
		CreatedAt:  ts,
	}
	if err := tx.Create(&version).Error; err != nil {
		return nil, fmt.Errorf("append version: %w", err)
	}

	if err := tx.Model(&model.MemoryRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"content":    content,
			"strength":   gorm.Expr("MIN(1.0, strength + ?)", s.cfg.EditStrengthStep),
			"updated_at": ts,
		}).Error; err != nil {
		return nil, fmt.Errorf("update content: %w", err)
	}
	if err := s.syncFts(tx, rec.ID, content); err != nil {
		return nil, err
	}

	var updated model.MemoryRecord
	if err := tx.Where("id = ?", rec.ID).Limit(1).Find(&updated).Error; err != nil {
		return nil, err
	}
	return &updated, nil
}

// UpdateContent overwrites a record's content, appending an immutable version
// row first. Manual edits, conflict resolutions, and rollbacks all flow
// through here, so history is never lost.
func (s *Store) UpdateContent(ctx context.Context, id uuid.UUID, content, reason, source string) (*model.MemoryRecord, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, &ValidationError{Field: "content", Reason: "must not be empty"}
	}

	ts := now()
	var updated *model.MemoryRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		updated, err = s.updateContentTx(tx, id, content, reason, source, ts)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.EnqueueAll(id)
	return updated, nil
}

// ListVersions returns a record's content history, newest first.
func (s *Store) ListVersions(ctx context.Context, recordID uuid.UUID, limit int) ([]model.MemoryVersion, error) {
	if limit <= 0 {
		limit = 50
	}
	var versions []model.MemoryVersion
	if err := s.db.WithContext(ctx).
		Where("record_id = ?", recordID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&versions).Error; err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return versions, nil
}

// RollbackVersion re-applies a version's old content through the normal
// update path, so the rollback itself is recorded as a new version and
// history stays complete.
func (s *Store) RollbackVersion(ctx context.Context, versionID uuid.UUID) (*model.MemoryRecord, error) {
	var version model.MemoryVersion
	result := s.db.WithContext(ctx).Where("id = ?", versionID).Limit(1).Find(&version)
	if result.Error != nil {
		return nil, fmt.Errorf("load version: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &NotFoundError{Resource: "version", ID: versionID.String()}
	}
	return s.UpdateContent(ctx, version.RecordID, version.OldContent, "rollback", "rollback")
}

// ConflictFilter selects conflicts for listing.
type ConflictFilter struct {
	RecordID *uuid.UUID
	Status   model.ConflictStatus
}

// ListConflicts returns conflicts newest first.
func (s *Store) ListConflicts(ctx context.Context, f ConflictFilter) ([]model.MemoryConflict, error) {
	q := s.db.WithContext(ctx).Model(&model.MemoryConflict{})
	if f.RecordID != nil {
		q = q.Where("record_id = ?", *f.RecordID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var conflicts []model.MemoryConflict
	if err := q.Order("created_at DESC, id DESC").Find(&conflicts).Error; err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	return conflicts, nil
}

// ConflictAction is a terminal resolution for an open conflict.
type ConflictAction string

const (
	ConflictIgnore   ConflictAction = "ignore"
	ConflictAccept   ConflictAction = "accept"
	ConflictKeepBoth ConflictAction = "keepBoth"
	ConflictDoMerge  ConflictAction = "merge"
)

// ResolveConflict applies a terminal action to an open conflict. Accept and
// merge overwrite the base record's content (logging a version row); keepBoth
// inserts the candidate as a new record in the base's scope; ignore changes
// nothing but the conflict state. The action and the conflict-status flip
// commit in one transaction, so a resolved effect is never left behind with
// the conflict still open.
func (s *Store) ResolveConflict(ctx context.Context, id uuid.UUID, action ConflictAction, mergedContent string) (*model.MemoryConflict, error) {
	switch action {
	case ConflictIgnore, ConflictAccept, ConflictDoMerge, ConflictKeepBoth:
	default:
		return nil, &ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", action)}
	}

	ts := now()
	var conflict model.MemoryConflict
	var touched []uuid.UUID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND status = ?", id, model.ConflictOpen).
			Limit(1).Find(&conflict)
		if result.Error != nil {
			return fmt.Errorf("load conflict: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return &NotFoundError{Resource: "open conflict", ID: id.String()}
		}

		finalStatus := model.ConflictResolved
		resolution := string(action)

		switch action {
		case ConflictIgnore:
			finalStatus = model.ConflictIgnored

		case ConflictAccept:
			if _, err := s.updateContentTx(tx, conflict.RecordID, conflict.CandidateContent,
				"conflict_accept", conflict.CandidateSource, ts); err != nil {
				return err
			}
			touched = append(touched, conflict.RecordID)

		case ConflictDoMerge:
			merged := strings.TrimSpace(mergedContent)
			if merged == "" {
				var base model.MemoryRecord
				result := tx.Where("id = ? AND status != ?", conflict.RecordID, model.StatusDeleted).
					Limit(1).Find(&base)
				if result.Error != nil {
					return result.Error
				}
				if result.RowsAffected == 0 {
					return &NotFoundError{Resource: "record", ID: conflict.RecordID.String()}
				}
				merged = base.Content + "\n" + conflict.CandidateContent
			}
			if _, err := s.updateContentTx(tx, conflict.RecordID, merged,
				"conflict_merge", conflict.CandidateSource, ts); err != nil {
				return err
			}
			touched = append(touched, conflict.RecordID)

		case ConflictKeepBoth:
			var base model.MemoryRecord
			result := tx.Where("id = ? AND status != ?", conflict.RecordID, model.StatusDeleted).
				Limit(1).Find(&base)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return &NotFoundError{Resource: "record", ID: conflict.RecordID.String()}
			}
			rec := model.MemoryRecord{
				ID:         uuid.New(),
				PersonaID:  base.PersonaID,
				Kind:       model.KindManualNote,
				Content:    conflict.CandidateContent,
				CreatedAt:  ts,
				UpdatedAt:  ts,
				Importance: conflict.CandidateImportance,
				Strength:   conflict.CandidateStrength,
				Retention:  1,
				Status:     model.StatusActive,
				MemoryType: conflict.CandidateMemoryType,
				Source:     conflict.CandidateSource,
			}
			if err := tx.Create(&rec).Error; err != nil {
				return fmt.Errorf("keep-both insert: %w", err)
			}
			if err := s.syncFts(tx, rec.ID, rec.Content); err != nil {
				return err
			}
			touched = append(touched, rec.ID)
		}

		if err := tx.Model(&model.MemoryConflict{}).
			Where("id = ?", conflict.ID).
			Updates(map[string]interface{}{
				"status":     finalStatus,
				"resolution": resolution,
				"updated_at": ts,
			}).Error; err != nil {
			return fmt.Errorf("resolve conflict: %w", err)
		}
		conflict.Status = finalStatus
		conflict.Resolution = resolution
		conflict.UpdatedAt = ts
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.EnqueueAll(touched...)
	return &conflict, nil
}
