package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nishichengju/NeoDeskPet-sub001/internal/model"
)

// scopeClause restricts rows to a persona's partition, optionally unioned
// with the shared partition.
func scopeClause(personaID string, includeShared bool) (string, []interface{}) {
	if personaID == "" {
		return "persona_id IS NULL", nil
	}
	if includeShared {
		return "(persona_id = ? OR persona_id IS NULL)", []interface{}{personaID}
	}
	return "persona_id = ?", []interface{}{personaID}
}

// FtsHit is one full-text candidate with its BM25 score (smaller is better).
type FtsHit struct {
	Record model.MemoryRecord
	Score  float64
}

// FullTextSearch runs an FTS5 MATCH over record content within scope.
func (s *Store) FullTextSearch(ctx context.Context, personaID string, includeShared bool, match string, limit int) ([]FtsHit, error) {
	if !s.ftsEnabled || strings.TrimSpace(match) == "" || limit <= 0 {
		return nil, nil
	}
	scope, scopeArgs := scopeClause(personaID, includeShared)
	query := fmt.Sprintf(`
		SELECT m.id, bm25(memory_fts) AS fts_score
		FROM memory_fts
		JOIN memory_records m ON m.id = memory_fts.record_id
		WHERE memory_fts MATCH ? AND m.status != ? AND %s
		ORDER BY fts_score ASC
		LIMIT ?`, scope)
	args := append([]interface{}{match, model.StatusDeleted}, scopeArgs...)
	args = append(args, limit)

	type scoreRow struct {
		ID       uuid.UUID `gorm:"column:id"`
		FtsScore float64   `gorm:"column:fts_score"`
	}
	var scored []scoreRow
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&scored).Error; err != nil {
		return nil, fmt.Errorf("fulltext search: %w", err)
	}
	if len(scored) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(scored))
	for i, sr := range scored {
		ids[i] = sr.ID
	}
	records, err := s.RecordsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]model.MemoryRecord, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}
	hits := make([]FtsHit, 0, len(scored))
	for _, sr := range scored {
		rec, ok := byID[sr.ID]
		if !ok {
			continue
		}
		hits = append(hits, FtsHit{Record: rec, Score: sr.FtsScore})
	}
	return hits, nil
}

// SubstringSearch is the LIKE fallback when full text finds nothing.
func (s *Store) SubstringSearch(ctx context.Context, personaID string, includeShared bool, keyword string, limit int) ([]model.MemoryRecord, error) {
	if keyword == "" || limit <= 0 {
		return nil, nil
	}
	scope, scopeArgs := scopeClause(personaID, includeShared)
	var records []model.MemoryRecord
	q := s.db.WithContext(ctx).
		Where("status != ?", model.StatusDeleted).
		Where(scope, scopeArgs...).
		Where(`content LIKE ? ESCAPE '\' COLLATE NOCASE`, "%"+escapeLike(keyword)+"%").
		Order("created_at DESC").
		Limit(limit)
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("substring search: %w", err)
	}
	return records, nil
}

// TagIDsByNames resolves tag names to ids; unknown names are skipped.
func (s *Store) TagIDsByNames(ctx context.Context, names []string) ([]int64, error) {
	if len(names) == 0 {
		return nil, nil
	}
	var ids []int64
	if err := s.db.WithContext(ctx).Model(&model.Tag{}).
		Where("name IN ?", names).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("tag ids: %w", err)
	}
	return ids, nil
}

// ExpandCoOccurringTags adds up to max tags that co-occur with the seed tags
// on the same records, ordered by co-occurrence count.
func (s *Store) ExpandCoOccurringTags(ctx context.Context, seed []int64, max int) ([]int64, error) {
	if len(seed) == 0 || max <= 0 {
		return seed, nil
	}
	var extra []int64
	if err := s.db.WithContext(ctx).Raw(`
		SELECT other.tag_id
		FROM memory_tag_links base
		JOIN memory_tag_links other
		  ON other.record_id = base.record_id AND other.tag_id NOT IN ?
		WHERE base.tag_id IN ?
		GROUP BY other.tag_id
		ORDER BY COUNT(*) DESC
		LIMIT ?`, seed, seed, max).Scan(&extra).Error; err != nil {
		return nil, fmt.Errorf("expand tags: %w", err)
	}
	return append(append([]int64{}, seed...), extra...), nil
}

// TagHit is one tag-layer candidate with how many of the expanded tags it holds.
type TagHit struct {
	Record      model.MemoryRecord
	MatchedTags int
}

// RecordsByTagIDs fetches records holding any of the given tags.
func (s *Store) RecordsByTagIDs(ctx context.Context, personaID string, includeShared bool, tagIDs []int64, limit int) ([]TagHit, error) {
	if len(tagIDs) == 0 || limit <= 0 {
		return nil, nil
	}
	scope, scopeArgs := scopeClause(personaID, includeShared)
	query := fmt.Sprintf(`
		SELECT m.id, COUNT(l.tag_id) AS matched
		FROM memory_tag_links l
		JOIN memory_records m ON m.id = l.record_id
		WHERE l.tag_id IN ? AND m.status != ? AND %s
		GROUP BY m.id
		ORDER BY matched DESC
		LIMIT ?`, scope)
	args := append([]interface{}{tagIDs, model.StatusDeleted}, scopeArgs...)
	args = append(args, limit)

	type hitRow struct {
		ID      uuid.UUID `gorm:"column:id"`
		Matched int       `gorm:"column:matched"`
	}
	var rowsOut []hitRow
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rowsOut).Error; err != nil {
		return nil, fmt.Errorf("records by tags: %w", err)
	}
	if len(rowsOut) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(rowsOut))
	matched := make(map[uuid.UUID]int, len(rowsOut))
	for i, r := range rowsOut {
		ids[i] = r.ID
		matched[r.ID] = r.Matched
	}
	records, err := s.RecordsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	hits := make([]TagHit, 0, len(records))
	for _, rec := range records {
		hits = append(hits, TagHit{Record: rec, MatchedTags: matched[rec.ID]})
	}
	return hits, nil
}

// MatchEntities finds knowledge-graph entities whose name or aliases contain
// any of the query tokens, within the persona scope (shared entities have a
// NULL persona).
func (s *Store) MatchEntities(ctx context.Context, personaID string, tokens []string) ([]model.KgEntity, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	q := s.db.WithContext(ctx).Model(&model.KgEntity{})
	if personaID != "" {
		q = q.Where("persona_id = ? OR persona_id IS NULL", personaID)
	} else {
		q = q.Where("persona_id IS NULL")
	}
	var clauses []string
	var args []interface{}
	for _, tok := range tokens {
		clauses = append(clauses, `name LIKE ? ESCAPE '\' COLLATE NOCASE OR aliases LIKE ? ESCAPE '\' COLLATE NOCASE`)
		pat := "%" + escapeLike(tok) + "%"
		args = append(args, pat, pat)
	}
	q = q.Where(strings.Join(clauses, " OR "), args...)

	var entities []model.KgEntity
	if err := q.Limit(50).Find(&entities).Error; err != nil {
		return nil, fmt.Errorf("match entities: %w", err)
	}
	return entities, nil
}

// KgHit is one knowledge-graph candidate with how many matched entities
// mention it.
type KgHit struct {
	Record          model.MemoryRecord
	MatchedMentions int
}

// RecordsMentioningEntities fetches records linked to any of the entities.
func (s *Store) RecordsMentioningEntities(ctx context.Context, personaID string, includeShared bool, entityIDs []uuid.UUID, limit int) ([]KgHit, error) {
	if len(entityIDs) == 0 || limit <= 0 {
		return nil, nil
	}
	scope, scopeArgs := scopeClause(personaID, includeShared)
	query := fmt.Sprintf(`
		SELECT m.id, COUNT(em.entity_id) AS matched
		FROM kg_entity_mentions em
		JOIN memory_records m ON m.id = em.record_id
		WHERE em.entity_id IN ? AND m.status != ? AND %s
		GROUP BY m.id
		ORDER BY matched DESC
		LIMIT ?`, scope)
	args := append([]interface{}{entityIDs, model.StatusDeleted}, scopeArgs...)
	args = append(args, limit)

	type hitRow struct {
		ID      uuid.UUID `gorm:"column:id"`
		Matched int       `gorm:"column:matched"`
	}
	var rowsOut []hitRow
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rowsOut).Error; err != nil {
		return nil, fmt.Errorf("records by entities: %w", err)
	}
	if len(rowsOut) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, len(rowsOut))
	matched := make(map[uuid.UUID]int, len(rowsOut))
	for i, r := range rowsOut {
		ids[i] = r.ID
		matched[r.ID] = r.Matched
	}
	records, err := s.RecordsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	hits := make([]KgHit, 0, len(records))
	for _, rec := range records {
		hits = append(hits, KgHit{Record: rec, MatchedMentions: matched[rec.ID]})
	}
	return hits, nil
}

// TimeWindowRecords fetches chat records inside [start, end) in chronological
// order, for the temporal bypass path.
func (s *Store) TimeWindowRecords(ctx context.Context, personaID string, includeShared bool, start, end time.Time, limit int) ([]model.MemoryRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	scope, scopeArgs := scopeClause(personaID, includeShared)
	var records []model.MemoryRecord
	q := s.db.WithContext(ctx).
		Where("kind = ? AND status != ?", model.KindChatMessage, model.StatusDeleted).
		Where(scope, scopeArgs...).
		Where("created_at >= ? AND created_at < ?", start, end).
		Order("created_at ASC, id ASC").
		Limit(limit)
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("time window: %w", err)
	}
	return records, nil
}

// EmbeddingsForModel returns stored embeddings for the model, most recently
// updated first, bounded by the scan limit.
func (s *Store) EmbeddingsForModel(ctx context.Context, modelName string, limit int) ([]model.Embedding, error) {
	if limit <= 0 {
		limit = 2000
	}
	var embeddings []model.Embedding
	if err := s.db.WithContext(ctx).
		Where("model = ?", modelName).
		Order("updated_at DESC").
		Limit(limit).
		Find(&embeddings).Error; err != nil {
		return nil, fmt.Errorf("embeddings scan: %w", err)
	}
	return embeddings, nil
}

// RecordsByIDs loads non-deleted records by id.
func (s *Store) RecordsByIDs(ctx context.Context, ids []uuid.UUID) ([]model.MemoryRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var records []model.MemoryRecord
	if err := s.db.WithContext(ctx).
		Where("id IN ? AND status != ?", ids, model.StatusDeleted).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("records by ids: %w", err)
	}
	return records, nil
}
