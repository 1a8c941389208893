package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nishichengju/NeoDeskPet-sub001/internal/model"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/textutil"
)

// IngestTurn captures one conversational turn. It is raw capture: no
// similarity gate runs. The write is an upsert keyed by (sessionID,
// messageID); re-ingesting the same turn overwrites fields but createdAt
// keeps the minimum of old and new, so idempotent re-ingestion never moves a
// record later in time. Empty content and disabled capture toggles drop the
// turn silently.
func (s *Store) IngestTurn(ctx context.Context, personaID, sessionID, messageID, role, content string, createdAt time.Time) error {
	content = strings.TrimSpace(content)
	if content == "" || sessionID == "" || messageID == "" {
		return nil
	}

	if personaID != "" {
		persona, err := s.GetPersona(ctx, personaID)
		if err != nil {
			return err
		}
		if persona != nil {
			if !persona.CaptureEnabled {
				return nil
			}
			if role == "user" && !persona.CaptureUser {
				return nil
			}
			if role == "assistant" && !persona.CaptureAssistant {
				return nil
			}
		}
	}

	ts := now()
	if createdAt.IsZero() {
		createdAt = ts
	}

	var recordID uuid.UUID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.MemoryRecord
		result := tx.Where("session_id = ? AND message_id = ?", sessionID, messageID).
			Limit(1).Find(&existing)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			created := existing.CreatedAt
			if createdAt.Before(created) {
				created = createdAt
			}
			recordID = existing.ID
			if err := tx.Model(&model.MemoryRecord{}).
				Where("id = ?", existing.ID).
				Updates(map[string]interface{}{
					"persona_id": nullableString(personaID),
					"role":       role,
					"content":    content,
					"created_at": created,
					"updated_at": ts,
				}).Error; err != nil {
				return err
			}
			return s.syncFts(tx, existing.ID, content)
		}

		recordID = uuid.New()
		rec := model.MemoryRecord{
			ID:         recordID,
			PersonaID:  nullableStringPtr(personaID),
			Kind:       model.KindChatMessage,
			Role:       role,
			Content:    content,
			SessionID:  &sessionID,
			MessageID:  &messageID,
			CreatedAt:  createdAt,
			UpdatedAt:  ts,
			Importance: 0.5,
			Strength:   0.5,
			Retention:  1,
			Status:     model.StatusActive,
			Source:     "chat",
		}
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		return s.syncFts(tx, rec.ID, rec.Content)
	})
	if err != nil {
		return fmt.Errorf("ingest turn: %w", err)
	}
	s.EnqueueAll(recordID)
	return nil
}

// UpsertManualParams describes a distilled note to persist.
type UpsertManualParams struct {
	PersonaID  string
	Scope      model.Scope // persona or shared; decides the partition searched
	Content    string
	Source     string
	MemoryType string
	Importance *float64
	Strength   *float64
}

// UpsertManualResult reports what the similarity gate decided.
type UpsertManualResult struct {
	Record *model.MemoryRecord
	// Conflict is set when the candidate opened (or re-hit) a conflict
	// instead of inserting.
	Conflict *model.MemoryConflict
	// Created is true when a brand-new record was inserted.
	Created bool
	// Deduplicated is true when the candidate collapsed into an existing
	// record.
	Deduplicated bool
}

// UpsertManual persists a manual note behind the similarity gate: an
// exact or near-duplicate reinforces the existing record, a close-but-
// conflicting candidate opens a conflict, and everything else inserts.
func (s *Store) UpsertManual(ctx context.Context, p UpsertManualParams) (*UpsertManualResult, error) {
	normalized := textutil.Normalize(p.Content)
	if normalized == "" {
		return nil, &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if p.Importance != nil && (*p.Importance < 0 || *p.Importance > 1) {
		return nil, &ValidationError{Field: "importance", Reason: "must be in [0,1]"}
	}
	if p.Strength != nil && (*p.Strength < 0 || *p.Strength > 1) {
		return nil, &ValidationError{Field: "strength", Reason: "must be in [0,1]"}
	}

	// Candidate window: most recently updated non-deleted notes in the same
	// partition.
	q := s.db.WithContext(ctx).
		Where("kind = ? AND status != ?", model.KindManualNote, model.StatusDeleted)
	if p.Scope == model.ScopeShared || p.PersonaID == "" {
		q = q.Where("persona_id IS NULL")
	} else {
		q = q.Where("persona_id = ?", p.PersonaID)
	}
	var candidates []model.MemoryRecord
	if err := q.Order("updated_at DESC").
		Limit(s.cfg.DedupCandidateWindow).
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("load dedup candidates: %w", err)
	}

	var best *model.MemoryRecord
	bestScore := 0.0
	for i := range candidates {
		score := textutil.DiceSimilarity(normalized, textutil.Normalize(candidates[i].Content))
		if score > bestScore {
			bestScore = score
			best = &candidates[i]
		}
	}

	ts := now()

	if best != nil && (bestScore >= s.cfg.DedupDiceThreshold || normalized == textutil.Normalize(best.Content)) {
		// Duplicate: reinforce the existing note instead of inserting.
		if err := s.db.WithContext(ctx).Model(&model.MemoryRecord{}).
			Where("id = ?", best.ID).
			Updates(map[string]interface{}{
				"strength":   gorm.Expr("MIN(1.0, strength + ?)", s.cfg.DuplicateStrengthStep),
				"retention":  1.0,
				"status":     model.StatusActive,
				"updated_at": ts,
			}).Error; err != nil {
			return nil, fmt.Errorf("reinforce duplicate: %w", err)
		}
		rec, err := s.GetRecord(ctx, best.ID)
		if err != nil {
			return nil, err
		}
		return &UpsertManualResult{Record: rec, Deduplicated: true}, nil
	}

	if best != nil && bestScore >= s.cfg.ConflictDiceThreshold {
		conflict, err := s.openConflict(ctx, best, p, ts)
		if err != nil {
			return nil, err
		}
		rec, err := s.GetRecord(ctx, best.ID)
		if err != nil {
			return nil, err
		}
		return &UpsertManualResult{Record: rec, Conflict: conflict}, nil
	}

	rec := model.MemoryRecord{
		ID:         uuid.New(),
		Kind:       model.KindManualNote,
		Content:    strings.TrimSpace(p.Content),
		CreatedAt:  ts,
		UpdatedAt:  ts,
		Importance: valueOr(p.Importance, 0.5),
		Strength:   valueOr(p.Strength, 0.5),
		Retention:  1,
		Status:     model.StatusActive,
		MemoryType: p.MemoryType,
		Source:     p.Source,
	}
	if p.Scope != model.ScopeShared && p.PersonaID != "" {
		rec.PersonaID = &p.PersonaID
	}
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		return s.syncFts(tx, rec.ID, rec.Content)
	}); err != nil {
		return nil, fmt.Errorf("insert manual note: %w", err)
	}
	s.EnqueueAll(rec.ID)
	return &UpsertManualResult{Record: &rec, Created: true}, nil
}

// openConflict records a near-duplicate candidate against the base record.
// At most one open conflict exists per (record, type, candidate content);
// re-detecting the same candidate returns the existing row.
func (s *Store) openConflict(ctx context.Context, base *model.MemoryRecord, p UpsertManualParams, ts time.Time) (*model.MemoryConflict, error) {
	conflictType := model.ConflictMerge
	if oldKey, oldVal, ok := textutil.ExtractKeyValue(base.Content); ok {
		if newKey, newVal, ok2 := textutil.ExtractKeyValue(p.Content); ok2 &&
			oldKey == newKey && oldVal != newVal {
			conflictType = model.ConflictUpdate
		}
	}

	candidate := strings.TrimSpace(p.Content)
	var existing model.MemoryConflict
	result := s.db.WithContext(ctx).
		Where("record_id = ? AND conflict_type = ? AND candidate_content = ? AND status = ?",
			base.ID, conflictType, candidate, model.ConflictOpen).
		Limit(1).Find(&existing)
	if result.Error != nil {
		return nil, fmt.Errorf("find open conflict: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return &existing, nil
	}

	conflict := model.MemoryConflict{
		ID:                  uuid.New(),
		RecordID:            base.ID,
		ConflictType:        conflictType,
		CandidateContent:    candidate,
		CandidateSource:     p.Source,
		CandidateImportance: valueOr(p.Importance, 0.5),
		CandidateStrength:   valueOr(p.Strength, 0.5),
		CandidateMemoryType: p.MemoryType,
		Status:              model.ConflictOpen,
		CreatedAt:           ts,
		UpdatedAt:           ts,
	}
	if err := s.db.WithContext(ctx).Create(&conflict).Error; err != nil {
		return nil, fmt.Errorf("open conflict: %w", err)
	}
	return &conflict, nil
}

func valueOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableStringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
