package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nishichengju/NeoDeskPet-sub001/internal/model"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/textutil"
)

// TagIndexCandidates returns records whose tag links are stale: everything
// the write path queued plus a backlog scan over freshness stamps. The
// pending set may push the result past batchSize; the backlog tops it up.
func (s *Store) TagIndexCandidates(ctx context.Context, batchSize int) ([]model.MemoryRecord, error) {
	pending := s.DrainPending(IndexTag, batchSize)
	records, err := s.RecordsByIDs(ctx, pending)
	if err != nil {
		return nil, err
	}
	remaining := batchSize - len(records)
	if remaining <= 0 {
		return records, nil
	}

	q := s.db.WithContext(ctx).
		Where("status != ?", model.StatusDeleted).
		Where("tag_indexed_at IS NULL OR tag_indexed_at < updated_at").
		Order("updated_at ASC").
		Limit(remaining)
	if len(pending) > 0 {
		q = q.Where("id NOT IN ?", pending)
	}
	var backlog []model.MemoryRecord
	if err := q.Find(&backlog).Error; err != nil {
		return nil, fmt.Errorf("tag backlog: %w", err)
	}
	return append(records, backlog...), nil
}

// ReplaceTagLinks rebuilds the record's tag set in one transaction and stamps
// tag_indexed_at so the backlog scan skips it until the next content change.
func (s *Store) ReplaceTagLinks(ctx context.Context, recordID uuid.UUID, names []string, indexedAt time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("record_id = ?", recordID).Delete(&model.MemoryTagLink{}).Error; err != nil {
			return fmt.Errorf("clear tag links: %w", err)
		}
		for _, name := range names {
			tag := model.Tag{Name: name}
			if err := tx.Where("name = ?", name).Limit(1).Find(&tag).Error; err != nil {
				return fmt.Errorf("lookup tag: %w", err)
			}
			if tag.ID == 0 {
				if err := tx.Create(&tag).Error; err != nil {
					return fmt.Errorf("create tag: %w", err)
				}
			}
			link := model.MemoryTagLink{RecordID: recordID, TagID: tag.ID}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
				return fmt.Errorf("link tag: %w", err)
			}
		}
		return tx.Model(&model.MemoryRecord{}).
			Where("id = ?", recordID).
			Update("tag_indexed_at", indexedAt).Error
	})
}

// VectorIndexCandidates returns records missing an up-to-date embedding for
// the model: queued writes first, then a backlog scan via a left join on the
// embeddings table.
func (s *Store) VectorIndexCandidates(ctx context.Context, modelName string, batchSize int) ([]model.MemoryRecord, error) {
	pending := s.DrainPending(IndexVector, batchSize)
	records, err := s.RecordsByIDs(ctx, pending)
	if err != nil {
		return nil, err
	}
	remaining := batchSize - len(records)
	if remaining <= 0 {
		return records, nil
	}

	query := `
		SELECT m.id
		FROM memory_records m
		LEFT JOIN embeddings e ON e.record_id = m.id AND e.model = ?
		WHERE m.status != ?
		  AND (e.record_id IS NULL OR e.updated_at < m.updated_at)`
	args := []interface{}{modelName, model.StatusDeleted}
	if len(pending) > 0 {
		query += " AND m.id NOT IN ?"
		args = append(args, pending)
	}
	query += " ORDER BY m.updated_at ASC LIMIT ?"
	args = append(args, remaining)

	var ids []uuid.UUID
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&ids).Error; err != nil {
		return nil, fmt.Errorf("vector backlog: %w", err)
	}
	backlog, err := s.RecordsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	return append(records, backlog...), nil
}

// EmbeddingsByRecordIDs loads the stored embeddings for the model keyed by
// record, for content-hash skip checks.
func (s *Store) EmbeddingsByRecordIDs(ctx context.Context, modelName string, ids []uuid.UUID) (map[uuid.UUID]model.Embedding, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []model.Embedding
	if err := s.db.WithContext(ctx).
		Where("model = ? AND record_id IN ?", modelName, ids).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("embeddings by record: %w", err)
	}
	out := make(map[uuid.UUID]model.Embedding, len(rows))
	for _, e := range rows {
		out[e.RecordID] = e
	}
	return out, nil
}

// UpsertEmbedding writes or replaces the (record, model) embedding row.
func (s *Store) UpsertEmbedding(ctx context.Context, e *model.Embedding) error {
	e.UpdatedAt = now()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "record_id"}, {Name: "model"}},
		DoUpdates: clause.AssignmentColumns([]string{"dims", "content_hash", "vector", "updated_at"}),
	}).Create(e).Error
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}
	return nil
}

// TouchEmbedding refreshes the freshness stamp without recomputing the
// vector, for records whose content hash is unchanged.
func (s *Store) TouchEmbedding(ctx context.Context, recordID uuid.UUID, modelName string) error {
	return s.db.WithContext(ctx).Model(&model.Embedding{}).
		Where("record_id = ? AND model = ?", recordID, modelName).
		Update("updated_at", now()).Error
}

// PurgeStaleEmbeddings drops embeddings that belong to a different model than
// the one currently configured. Returns the number of rows removed.
func (s *Store) PurgeStaleEmbeddings(ctx context.Context, modelName string) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("model != ?", modelName).
		Delete(&model.Embedding{})
	if result.Error != nil {
		return 0, fmt.Errorf("purge embeddings: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// KgIndexCandidates returns records whose graph extraction is stale. Errored
// records are only reselected once their content changes, since extracted_at
// is stamped on failures too.
func (s *Store) KgIndexCandidates(ctx context.Context, includeChat bool, batchSize int) ([]model.MemoryRecord, error) {
	pending := s.DrainPending(IndexKg, batchSize)
	records, err := s.RecordsByIDs(ctx, pending)
	if err != nil {
		return nil, err
	}
	if !includeChat {
		filtered := records[:0]
		for _, r := range records {
			if r.Kind == model.KindManualNote {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}
	remaining := batchSize - len(records)
	if remaining <= 0 {
		return records, nil
	}

	query := `
		SELECT m.id
		FROM memory_records m
		LEFT JOIN kg_memory_index k ON k.record_id = m.id
		WHERE m.status != ?
		  AND (k.record_id IS NULL OR k.extracted_at IS NULL OR k.extracted_at < m.updated_at)`
	args := []interface{}{model.StatusDeleted}
	if !includeChat {
		query += " AND m.kind = ?"
		args = append(args, model.KindManualNote)
	}
	if len(pending) > 0 {
		query += " AND m.id NOT IN ?"
		args = append(args, pending)
	}
	query += " ORDER BY m.updated_at ASC LIMIT ?"
	args = append(args, remaining)

	var ids []uuid.UUID
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&ids).Error; err != nil {
		return nil, fmt.Errorf("kg backlog: %w", err)
	}
	backlog, err := s.RecordsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	return append(records, backlog...), nil
}

// GetKgIndex returns the extraction bookkeeping row, or nil when the record
// has never been extracted.
func (s *Store) GetKgIndex(ctx context.Context, recordID uuid.UUID) (*model.KgMemoryIndex, error) {
	var row model.KgMemoryIndex
	result := s.db.WithContext(ctx).Where("record_id = ?", recordID).Limit(1).Find(&row)
	if result.Error != nil {
		return nil, fmt.Errorf("kg index: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &row, nil
}

// MarkKgIndexed stamps the extraction outcome for a record.
func (s *Store) MarkKgIndexed(ctx context.Context, recordID uuid.UUID, contentHash, status, lastError string) error {
	ts := now()
	row := model.KgMemoryIndex{
		RecordID:    recordID,
		ContentHash: contentHash,
		Status:      status,
		LastError:   lastError,
		ExtractedAt: &ts,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "record_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content_hash", "status", "last_error", "extracted_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("mark kg indexed: %w", err)
	}
	return nil
}

// KgExtractedEntity is one entity proposed by the extraction model.
type KgExtractedEntity struct {
	Name       string
	EntityType string
	Aliases    []string
}

// KgExtractedRelation is one (subject, predicate, object) triple proposed by
// the extraction model. Subject and object name entities by surface form.
type KgExtractedRelation struct {
	Subject    string
	Predicate  string
	Object     string
	Confidence float64
}

// KgExtraction is the validated output of one extraction call.
type KgExtraction struct {
	Entities  []KgExtractedEntity
	Relations []KgExtractedRelation
}

// ApplyKgExtraction upserts the extracted entities into the record's persona
// partition, rebuilds the record's mentions and relations, and stamps the
// bookkeeping row, all in one transaction.
func (s *Store) ApplyKgExtraction(ctx context.Context, rec *model.MemoryRecord, ex KgExtraction, contentHash string) error {
	if rec == nil {
		return errors.New("apply kg extraction: nil record")
	}
	ts := now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		byKey := make(map[string]uuid.UUID, len(ex.Entities))
		for _, ent := range ex.Entities {
			key := textutil.EntityKey(ent.Name)
			if key == "" {
				continue
			}
			id, err := upsertKgEntity(tx, rec.PersonaID, ent, key, ts)
			if err != nil {
				return err
			}
			byKey[key] = id
			for _, alias := range ent.Aliases {
				if ak := textutil.EntityKey(alias); ak != "" {
					if _, taken := byKey[ak]; !taken {
						byKey[ak] = id
					}
				}
			}
		}

		if err := tx.Where("record_id = ?", rec.ID).Delete(&model.KgEntityMention{}).Error; err != nil {
			return fmt.Errorf("clear mentions: %w", err)
		}
		seen := make(map[uuid.UUID]struct{}, len(byKey))
		for _, id := range byKey {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			mention := model.KgEntityMention{EntityID: id, RecordID: rec.ID}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&mention).Error; err != nil {
				return fmt.Errorf("create mention: %w", err)
			}
		}

		if err := tx.Where("record_id = ?", rec.ID).Delete(&model.KgRelation{}).Error; err != nil {
			return fmt.Errorf("clear relations: %w", err)
		}
		for _, rel := range ex.Relations {
			subjectID, ok := byKey[textutil.EntityKey(rel.Subject)]
			if !ok || rel.Predicate == "" {
				continue
			}
			row := model.KgRelation{
				PersonaID:       rec.PersonaID,
				SubjectEntityID: subjectID,
				Predicate:       rel.Predicate,
				Confidence:      rel.Confidence,
				RecordID:        rec.ID,
			}
			if objectID, found := byKey[textutil.EntityKey(rel.Object)]; found {
				row.ObjectEntityID = &objectID
			} else {
				row.ObjectLiteral = rel.Object
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return fmt.Errorf("create relation: %w", err)
			}
		}

		index := model.KgMemoryIndex{
			RecordID:    rec.ID,
			ContentHash: contentHash,
			Status:      "ok",
			ExtractedAt: &ts,
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "record_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"content_hash", "status", "last_error", "extracted_at"}),
		}).Create(&index).Error
	})
}

func upsertKgEntity(tx *gorm.DB, personaID *string, ent KgExtractedEntity, key string, ts time.Time) (uuid.UUID, error) {
	q := tx.Model(&model.KgEntity{}).
		Where("normalized_key = ? AND entity_type = ?", key, ent.EntityType)
	if personaID != nil {
		q = q.Where("persona_id = ?", *personaID)
	} else {
		q = q.Where("persona_id IS NULL")
	}
	var existing model.KgEntity
	result := q.Limit(1).Find(&existing)
	if result.Error != nil {
		return uuid.Nil, fmt.Errorf("lookup entity: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		merged := mergeAliases(existing.Aliases, ent.Aliases, existing.Name, ent.Name)
		if err := tx.Model(&model.KgEntity{ID: existing.ID}).
			Select("aliases", "updated_at").
			Updates(model.KgEntity{Aliases: merged, UpdatedAt: ts}).Error; err != nil {
			return uuid.Nil, fmt.Errorf("update entity: %w", err)
		}
		return existing.ID, nil
	}
	entity := model.KgEntity{
		ID:            uuid.New(),
		PersonaID:     personaID,
		Name:          ent.Name,
		EntityType:    ent.EntityType,
		Aliases:       ent.Aliases,
		NormalizedKey: key,
		UpdatedAt:     ts,
	}
	if err := tx.Create(&entity).Error; err != nil {
		return uuid.Nil, fmt.Errorf("create entity: %w", err)
	}
	return entity.ID, nil
}

// mergeAliases unions alias lists, skipping the canonical names themselves.
func mergeAliases(existing, incoming []string, names ...string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, n := range names {
		seen[textutil.EntityKey(n)] = struct{}{}
	}
	var merged []string
	for _, set := range [][]string{existing, incoming} {
		for _, a := range set {
			key := textutil.EntityKey(a)
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, a)
		}
	}
	return merged
}
