package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nishichengju/NeoDeskPet-sub001/internal/model"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/retention"
)

// ListFilter selects records for listing, bulk meta patches, and bulk
// deletes. Zero values mean "no constraint"; Status defaults to excluding
// soft-deleted rows.
type ListFilter struct {
	PersonaID  string
	Scope      model.Scope
	Kind       model.RecordKind
	Role       string
	Status     model.RecordStatus
	Pinned     *bool
	Source     string
	MemoryType string
	// Search is a case-insensitive substring match on content.
	Search string
}

// orderColumns whitelists sortable columns by API name.
var orderColumns = map[string]string{
	"createdAt":      "created_at",
	"updatedAt":      "updated_at",
	"importance":     "importance",
	"strength":       "strength",
	"retention":      "retention",
	"accessCount":    "access_count",
	"lastAccessedAt": "last_accessed_at",
}

// buildListQuery is the pure filter→plan function: it returns one WHERE
// clause with args and the ORDER BY expression. Ordering is always
// pinned-first, then status priority, then the requested column, then row id
// so pagination stays deterministic.
func buildListQuery(f ListFilter, orderBy, orderDir string) (where string, args []interface{}, order string) {
	var parts []string
	switch f.Scope {
	case model.ScopePersona:
		parts = append(parts, "persona_id = ?")
		args = append(args, f.PersonaID)
	case model.ScopeShared:
		parts = append(parts, "persona_id IS NULL")
	default: // ScopeAll
		if f.PersonaID != "" {
			parts = append(parts, "(persona_id = ? OR persona_id IS NULL)")
			args = append(args, f.PersonaID)
		}
	}
	if f.Kind != "" {
		parts = append(parts, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.Role != "" {
		parts = append(parts, "role = ?")
		args = append(args, f.Role)
	}
	if f.Status != "" {
		parts = append(parts, "status = ?")
		args = append(args, f.Status)
	} else {
		parts = append(parts, "status != ?")
		args = append(args, model.StatusDeleted)
	}
	if f.Pinned != nil {
		parts = append(parts, "pinned = ?")
		args = append(args, *f.Pinned)
	}
	if f.Source != "" {
		parts = append(parts, "source = ?")
		args = append(args, f.Source)
	}
	if f.MemoryType != "" {
		parts = append(parts, "memory_type = ?")
		args = append(args, f.MemoryType)
	}
	if f.Search != "" {
		parts = append(parts, `content LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(f.Search)+"%")
	}
	if len(parts) == 0 {
		parts = append(parts, "1=1")
	}

	col, ok := orderColumns[orderBy]
	if !ok {
		col = "created_at"
	}
	dir := "DESC"
	if strings.EqualFold(orderDir, "asc") {
		dir = "ASC"
	}
	order = fmt.Sprintf(
		"pinned DESC, CASE status WHEN 'active' THEN 0 WHEN 'archived' THEN 1 ELSE 2 END ASC, %s %s, id %s",
		col, dir, dir)
	return strings.Join(parts, " AND "), args, order
}

func escapeLike(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ListResult is one page of records plus the unpaginated total.
type ListResult struct {
	Total int64
	Items []model.MemoryRecord
}

// ListRecords returns a filtered, ordered page. Retention on every returned
// item is recomputed from the decay model so reads never see a stale value.
func (s *Store) ListRecords(ctx context.Context, f ListFilter, orderBy, orderDir string, limit, offset int) (*ListResult, error) {
	if limit <= 0 {
		limit = 50
	}
	where, args, order := buildListQuery(f, orderBy, orderDir)

	var total int64
	if err := s.db.WithContext(ctx).Model(&model.MemoryRecord{}).
		Where(where, args...).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}

	var items []model.MemoryRecord
	if err := s.db.WithContext(ctx).
		Where(where, args...).
		Order(order).
		Limit(limit).
		Offset(offset).
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	ts := now()
	for i := range items {
		items[i].Retention = retention.Compute(ts, items[i].CreatedAt, items[i].LastAccessedAt, items[i].Strength)
	}
	return &ListResult{Total: total, Items: items}, nil
}

// GetRecord loads one record by id with its retention freshly recomputed.
func (s *Store) GetRecord(ctx context.Context, id uuid.UUID) (*model.MemoryRecord, error) {
	var rec model.MemoryRecord
	result := s.db.WithContext(ctx).
		Where("id = ? AND status != ?", id, model.StatusDeleted).
		Limit(1).Find(&rec)
	if result.Error != nil {
		return nil, fmt.Errorf("get record: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &NotFoundError{Resource: "record", ID: id.String()}
	}
	rec.Retention = retention.Compute(now(), rec.CreatedAt, rec.LastAccessedAt, rec.Strength)
	return &rec, nil
}

// MetaPatch is a partial update of record metadata. Each field is
// independently settable; nil fields are untouched.
type MetaPatch struct {
	Status     *model.RecordStatus
	Pinned     *bool
	Importance *float64
	Strength   *float64
	Retention  *float64
	MemoryType *string
	Source     *string
}

func (p MetaPatch) validate() error {
	check := func(name string, v *float64) error {
		if v != nil && (*v < 0 || *v > 1) {
			return &ValidationError{Field: name, Reason: "must be in [0,1]"}
		}
		return nil
	}
	if err := check("importance", p.Importance); err != nil {
		return err
	}
	if err := check("strength", p.Strength); err != nil {
		return err
	}
	if err := check("retention", p.Retention); err != nil {
		return err
	}
	if p.Status != nil {
		switch *p.Status {
		case model.StatusActive, model.StatusArchived, model.StatusDeleted:
		default:
			return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", *p.Status)}
		}
	}
	return nil
}

func (p MetaPatch) updates(ts time.Time) map[string]interface{} {
	u := map[string]interface{}{"updated_at": ts}
	if p.Status != nil {
		u["status"] = *p.Status
	}
	if p.Pinned != nil {
		u["pinned"] = *p.Pinned
	}
	if p.Importance != nil {
		u["importance"] = *p.Importance
	}
	if p.Strength != nil {
		u["strength"] = *p.Strength
	}
	if p.Retention != nil {
		u["retention"] = *p.Retention
	}
	if p.MemoryType != nil {
		u["memory_type"] = *p.MemoryType
	}
	if p.Source != nil {
		u["source"] = *p.Source
	}
	return u
}

// UpdateMeta patches one record. Unknown or soft-deleted targets are no-ops
// returning a zero count, not errors.
func (s *Store) UpdateMeta(ctx context.Context, id uuid.UUID, patch MetaPatch) (int64, error) {
	return s.UpdateManyMeta(ctx, []uuid.UUID{id}, patch)
}

// UpdateManyMeta patches a set of records by id.
func (s *Store) UpdateManyMeta(ctx context.Context, ids []uuid.UUID, patch MetaPatch) (int64, error) {
	if err := patch.validate(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Model(&model.MemoryRecord{}).
		Where("id IN ? AND status != ?", ids, model.StatusDeleted).
		Updates(patch.updates(now()))
	if result.Error != nil {
		return 0, fmt.Errorf("update meta: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// UpdateByFilterMeta patches every record the filter selects.
func (s *Store) UpdateByFilterMeta(ctx context.Context, f ListFilter, patch MetaPatch) (int64, error) {
	if err := patch.validate(); err != nil {
		return 0, err
	}
	where, args, _ := buildListQuery(f, "", "")
	result := s.db.WithContext(ctx).Model(&model.MemoryRecord{}).
		Where(where, args...).
		Updates(patch.updates(now()))
	if result.Error != nil {
		return 0, fmt.Errorf("update by filter: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteRecord soft-deletes one record. Missing targets are no-ops.
func (s *Store) DeleteRecord(ctx context.Context, id uuid.UUID) (int64, error) {
	return s.DeleteManyRecords(ctx, []uuid.UUID{id})
}

// DeleteManyRecords soft-deletes a set of records by id.
func (s *Store) DeleteManyRecords(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Model(&model.MemoryRecord{}).
		Where("id IN ? AND status != ?", ids, model.StatusDeleted).
		Updates(map[string]interface{}{"status": model.StatusDeleted, "updated_at": now()})
	if result.Error != nil {
		return 0, fmt.Errorf("delete records: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteByFilter soft-deletes every record the filter selects.
func (s *Store) DeleteByFilter(ctx context.Context, f ListFilter) (int64, error) {
	where, args, _ := buildListQuery(f, "", "")
	result := s.db.WithContext(ctx).Model(&model.MemoryRecord{}).
		Where(where, args...).
		Updates(map[string]interface{}{"status": model.StatusDeleted, "updated_at": now()})
	if result.Error != nil {
		return 0, fmt.Errorf("delete by filter: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// HardDeleteRecord removes the record row and every satellite row that
// references it, in one transaction.
func (s *Store) HardDeleteRecord(ctx context.Context, id uuid.UUID) (int64, error) {
	var affected int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, stmt := range []string{
			"DELETE FROM memory_tag_links WHERE record_id = ?",
			"DELETE FROM embeddings WHERE record_id = ?",
			"DELETE FROM kg_entity_mentions WHERE record_id = ?",
			"DELETE FROM kg_relations WHERE record_id = ?",
			"DELETE FROM kg_memory_index WHERE record_id = ?",
			"DELETE FROM memory_versions WHERE record_id = ?",
			"DELETE FROM memory_conflicts WHERE record_id = ?",
		} {
			if err := tx.Exec(stmt, id).Error; err != nil {
				return err
			}
		}
		if err := s.removeFts(tx, id); err != nil {
			return err
		}
		result := tx.Exec("DELETE FROM memory_records WHERE id = ?", id)
		affected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return 0, fmt.Errorf("hard delete record: %w", err)
	}
	return affected, nil
}

// Reinforce applies the retrieval-hit state update to the given records: the
// access counter bumps, strength grows, retention snaps to 1, and an archived
// record is revived. A hit never weakens a record.
func (s *Store) Reinforce(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	ts := now()
	result := s.db.WithContext(ctx).Model(&model.MemoryRecord{}).
		Where("id IN ? AND status != ?", ids, model.StatusDeleted).
		Updates(map[string]interface{}{
			"access_count":     gorm.Expr("access_count + 1"),
			"last_accessed_at": ts,
			"strength":         gorm.Expr("MIN(1.0, strength + ?)", s.cfg.ReinforceStrengthStep),
			"retention":        1.0,
			"status":           model.StatusActive,
			"updated_at":       ts,
		})
	if result.Error != nil {
		return fmt.Errorf("reinforce: %w", result.Error)
	}
	return nil
}

// RetentionSweepSummary reports one archival sweep.
type RetentionSweepSummary struct {
	Scanned  int
	Updated  int
	Archived int
}

// RunRetentionSweep recomputes retention over idle, non-deleted records and
// archives unpinned records that decayed below the threshold. Rows are only
// written when the stored retention drifted by the configured gate or the
// status changed, to bound write volume. Batches advance through the table
// on an id cursor that wraps when the end is reached, so every idle record
// is visited regardless of what the sweep writes.
func (s *Store) RunRetentionSweep(ctx context.Context, batchSize int, idleThreshold time.Duration, archiveBelow float64) (*RetentionSweepSummary, error) {
	if batchSize <= 0 {
		batchSize = s.cfg.RetentionSweepBatchSize
	}
	if idleThreshold <= 0 {
		idleThreshold = s.cfg.RetentionIdleThreshold
	}
	if archiveBelow <= 0 {
		archiveBelow = s.cfg.RetentionArchiveBelow
	}

	ts := now()
	cutoff := ts.Add(-idleThreshold)

	s.mu.Lock()
	cursor := s.retentionCursor
	s.mu.Unlock()

	q := s.db.WithContext(ctx).
		Where("status != ? AND COALESCE(last_accessed_at, created_at) < ?", model.StatusDeleted, cutoff)
	if cursor != uuid.Nil {
		q = q.Where("id > ?", cursor)
	}
	var rows []model.MemoryRecord
	if err := q.Order("id ASC").
		Limit(batchSize).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("retention sweep select: %w", err)
	}

	next := uuid.Nil
	if len(rows) == batchSize {
		next = rows[len(rows)-1].ID
	}
	s.mu.Lock()
	s.retentionCursor = next
	s.mu.Unlock()

	summary := &RetentionSweepSummary{Scanned: len(rows)}
	for _, rec := range rows {
		ret := retention.Compute(ts, rec.CreatedAt, rec.LastAccessedAt, rec.Strength)

		status := rec.Status
		switch {
		case rec.Pinned:
			status = model.StatusActive
		case ret < archiveBelow:
			status = model.StatusArchived
		}

		drifted := abs(ret-rec.Retention) >= s.cfg.RetentionWriteDriftGate
		if !drifted && status == rec.Status {
			continue
		}
		// UpdateColumns keeps gorm from stamping updated_at on its own: a
		// retention-only drift write must not mark the record stale for the
		// indexers. Only a status change bumps updated_at.
		updates := map[string]interface{}{"retention": ret}
		if status != rec.Status {
			updates["status"] = status
			updates["updated_at"] = ts
		}
		if err := s.db.WithContext(ctx).Model(&model.MemoryRecord{}).
			Where("id = ?", rec.ID).
			UpdateColumns(updates).Error; err != nil {
			return summary, fmt.Errorf("retention sweep update: %w", err)
		}
		summary.Updated++
		if status == model.StatusArchived && rec.Status != model.StatusArchived {
			summary.Archived++
		}
	}
	return summary, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
