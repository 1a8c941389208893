// Package store owns the SQLite persistence layer of the memory engine: the
// record table and its lifecycle/version/conflict satellites, the enrichment
// bookkeeping tables, and the in-process pending queues that feed the
// background indexers. All multi-statement mutations run inside one
// transaction so partial enrichment is never observable.
package store

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nishichengju/NeoDeskPet-sub001/internal/config"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/model"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/textutil"
)

// IndexKind names one background enrichment pipeline.
type IndexKind string

const (
	IndexTag    IndexKind = "tag"
	IndexVector IndexKind = "vector"
	IndexKg     IndexKind = "kg"
)

// Store is the engine's persistence root. Safe for concurrent use; SQLite
// serializes writers underneath gorm's connection pool.
type Store struct {
	db  *gorm.DB
	cfg *config.Config

	mu      sync.Mutex
	pending map[IndexKind]map[uuid.UUID]struct{}
	// retentionCursor is where the next retention sweep batch resumes;
	// uuid.Nil restarts from the top of the table.
	retentionCursor uuid.UUID

	// ftsEnabled is false when the SQLite build lacks FTS5. Full-text
	// search then yields nothing and retrieval leans on its fallbacks.
	ftsEnabled bool
}

// Open opens (or creates) the SQLite database and migrates the schema.
func Open(cfg *config.Config) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(cfg.DBPath+"?_journal_mode=WAL&_foreign_keys=on"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{
		db:  db,
		cfg: cfg,
		pending: map[IndexKind]map[uuid.UUID]struct{}{
			IndexTag:    {},
			IndexVector: {},
			IndexKg:     {},
		},
	}
	if cfg.MigrateAtStart {
		if err := s.Migrate(); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return s, nil
}

// DB exposes the underlying gorm handle for the indexer and retrieval
// packages. External callers should stick to the Store methods.
func (s *Store) DB() *gorm.DB { return s.db }

// Config returns the engine configuration the store was opened with.
func (s *Store) Config() *config.Config { return s.cfg }

// Close closes the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate creates or upgrades the schema, including the FTS5 full-text index.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(
		&model.MemoryRecord{},
		&model.MemoryVersion{},
		&model.MemoryConflict{},
		&model.Tag{},
		&model.MemoryTagLink{},
		&model.Embedding{},
		&model.KgEntity{},
		&model.KgEntityMention{},
		&model.KgRelation{},
		&model.KgMemoryIndex{},
		&model.Persona{},
	); err != nil {
		return err
	}

	stmts := []string{
		// Re-ingesting the same chat turn must update in place.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_records_session_message
		   ON memory_records(session_id, message_id)
		   WHERE session_id IS NOT NULL AND message_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_records_persona_kind ON memory_records(persona_id, kind)`,
		`CREATE INDEX IF NOT EXISTS idx_records_created ON memory_records(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_records_updated ON memory_records(updated_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_kg_entities_key
		   ON kg_entities(COALESCE(persona_id,''), normalized_key, entity_type)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_kg_relations_unique
		   ON kg_relations(COALESCE(persona_id,''), subject_entity_id, predicate,
		                   COALESCE(object_entity_id,''), object_literal, record_id)`,
	}
	for _, stmt := range stmts {
		if err := s.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return s.migrateFts()
}

// migrateFts creates the FTS5 index. The table stores a segmented shadow of
// each record's content (every CJK rune spaced into its own token, see
// textutil.SegmentForIndex) so that unicode61 can match individual CJK
// characters; the write paths keep it in sync via syncFts/removeFts. FTS5 is
// optional: some SQLite builds omit it, in which case full-text search
// degrades to the substring fallback instead of failing.
func (s *Store) migrateFts() error {
	// Earlier schema revisions used an external-content table synced by
	// trigger. Drop it so the segmented table can take its name.
	var prior string
	if err := s.db.Raw(
		`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = 'memory_fts'`).
		Scan(&prior).Error; err != nil {
		return fmt.Errorf("fts schema lookup: %w", err)
	}
	if strings.Contains(prior, "content='memory_records'") {
		for _, stmt := range []string{
			`DROP TRIGGER IF EXISTS memory_fts_ai`,
			`DROP TRIGGER IF EXISTS memory_fts_ad`,
			`DROP TRIGGER IF EXISTS memory_fts_au`,
			`DROP TABLE memory_fts`,
		} {
			if err := s.db.Exec(stmt).Error; err != nil {
				return fmt.Errorf("fts statement failed: %w", err)
			}
		}
	}

	create := `CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
		   content,
		   record_id UNINDEXED,
		   tokenize='unicode61'
		 )`
	if err := s.db.Exec(create).Error; err != nil {
		log.Warn("FTS5 unavailable, full-text search disabled", "err", err)
		s.ftsEnabled = false
		return nil
	}
	s.ftsEnabled = true

	// Backfill records the index does not know about yet.
	var missing []struct {
		ID      uuid.UUID
		Content string
	}
	if err := s.db.Raw(
		`SELECT id, content FROM memory_records
		   WHERE id NOT IN (SELECT record_id FROM memory_fts)`).
		Scan(&missing).Error; err != nil {
		return fmt.Errorf("fts backfill scan: %w", err)
	}
	for _, m := range missing {
		if err := s.syncFts(s.db, m.ID, m.Content); err != nil {
			return fmt.Errorf("fts backfill: %w", err)
		}
	}
	return nil
}

// syncFts replaces the full-text row for a record. No-op when FTS5 is
// unavailable. Callers inside a transaction pass their tx handle so the
// index never drifts from the record table.
func (s *Store) syncFts(tx *gorm.DB, id uuid.UUID, content string) error {
	if !s.ftsEnabled {
		return nil
	}
	if err := tx.Exec(`DELETE FROM memory_fts WHERE record_id = ?`, id).Error; err != nil {
		return err
	}
	return tx.Exec(`INSERT INTO memory_fts(content, record_id) VALUES (?, ?)`,
		textutil.SegmentForIndex(content), id).Error
}

// removeFts drops a record's full-text row.
func (s *Store) removeFts(tx *gorm.DB, id uuid.UUID) error {
	if !s.ftsEnabled {
		return nil
	}
	return tx.Exec(`DELETE FROM memory_fts WHERE record_id = ?`, id).Error
}

// FtsEnabled reports whether the full-text index is available.
func (s *Store) FtsEnabled() bool { return s.ftsEnabled }

// Enqueue adds record ids to a pending set. Lost enqueues are recovered by
// the indexer backlog scans, so this is deliberately best-effort in-memory.
func (s *Store) Enqueue(kind IndexKind, ids ...uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.pending[kind]
	if !ok {
		return
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
}

// EnqueueAll adds record ids to every pending set.
func (s *Store) EnqueueAll(ids ...uuid.UUID) {
	s.Enqueue(IndexTag, ids...)
	s.Enqueue(IndexVector, ids...)
	s.Enqueue(IndexKg, ids...)
}

// DrainPending removes and returns up to n pending ids for the given kind.
func (s *Store) DrainPending(kind IndexKind, n int) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.pending[kind]
	if !ok || n <= 0 {
		return nil
	}
	out := make([]uuid.UUID, 0, n)
	for id := range set {
		if len(out) >= n {
			break
		}
		out = append(out, id)
		delete(set, id)
	}
	return out
}

// PendingDepth reports the current pending-set size per kind.
func (s *Store) PendingDepth(kind IndexKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[kind])
}

// now is stubbed in tests that need a frozen clock.
var now = time.Now
