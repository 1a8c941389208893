package indexer

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nishichengju/NeoDeskPet-sub001/internal/metrics"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/store"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/textutil"
)

// TagIndexer extracts lightweight keyword tags from record content and keeps
// the tag link table in sync.
type TagIndexer struct {
	store *store.Store
}

func NewTagIndexer(st *store.Store) *TagIndexer {
	return &TagIndexer{store: st}
}

// Sweep processes one batch of stale records. Tag extraction is pure string
// work, so the only failure mode is the database.
func (ix *TagIndexer) Sweep(ctx context.Context) (Summary, error) {
	cfg := ix.store.Config()
	var summary Summary
	if !cfg.TagEnabled {
		return summary, nil
	}

	records, err := ix.store.TagIndexCandidates(ctx, cfg.TagBatchSize)
	if err != nil {
		return summary, err
	}
	summary.Scanned = len(records)
	now := time.Now()

	for i := range records {
		rec := &records[i]
		tags := textutil.ExtractTags(rec.Content, cfg.TagMaxPerRecord)
		if err := ix.store.ReplaceTagLinks(ctx, rec.ID, tags, now); err != nil {
			log.Error("Tag indexing failed", "record", rec.ID, "err", err)
			summary.Failed++
			continue
		}
		summary.Updated++
	}
	metrics.ObserveSweep("tag", summary.Updated, summary.Skipped, summary.Failed)
	return summary, nil
}
