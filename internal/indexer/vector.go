package indexer

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/nishichengju/NeoDeskPet-sub001/internal/metrics"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/model"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/provider"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/store"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/textutil"
)

// VectorIndexer maintains one unit-normalized embedding per (record, model)
// pair. Provider failures mark individual records failed and the sweep keeps
// going; a misconfigured provider is reported once per sweep instead.
type VectorIndexer struct {
	store    *store.Store
	embedder provider.Embedder
}

// NewVectorIndexer wires the indexer to the store. Pass a non-nil embedder to
// override the configured provider (tests use the local one).
func NewVectorIndexer(st *store.Store, embedder provider.Embedder) *VectorIndexer {
	return &VectorIndexer{store: st, embedder: embedder}
}

func (ix *VectorIndexer) resolveEmbedder() (provider.Embedder, error) {
	if ix.embedder != nil {
		return ix.embedder, nil
	}
	e, err := provider.NewEmbedder(ix.store.Config())
	if err != nil {
		return nil, err
	}
	ix.embedder = e
	return e, nil
}

// Sweep embeds one batch of stale records. Records whose content hash is
// unchanged only get a freshness-stamp touch.
func (ix *VectorIndexer) Sweep(ctx context.Context) (Summary, error) {
	cfg := ix.store.Config()
	var summary Summary
	if !cfg.VectorEnabled {
		return summary, nil
	}
	embedder, err := ix.resolveEmbedder()
	if err != nil {
		summary.ConfigError = err.Error()
		return summary, nil
	}
	if embedder == nil {
		return summary, nil
	}
	modelName := embedder.ModelName()

	if purged, err := ix.store.PurgeStaleEmbeddings(ctx, modelName); err != nil {
		return summary, err
	} else if purged > 0 {
		log.Info("Purged embeddings from a previous model", "count", purged, "model", modelName)
	}

	records, err := ix.store.VectorIndexCandidates(ctx, modelName, cfg.VectorBatchSize)
	if err != nil {
		return summary, err
	}
	summary.Scanned = len(records)
	if len(records) == 0 {
		return summary, nil
	}

	existing, err := ix.store.EmbeddingsByRecordIDs(ctx, modelName, recordIDList(records))
	if err != nil {
		return summary, err
	}

	// Split into hash-unchanged touches and texts that need the provider.
	var toEmbed []*model.MemoryRecord
	var hashes []string
	for i := range records {
		rec := &records[i]
		// Hash the normalized text so whitespace-only edits touch instead
		// of re-embedding.
		hash := textutil.HashContent(textutil.Normalize(rec.Content))
		if prev, ok := existing[rec.ID]; ok && prev.ContentHash == hash {
			if err := ix.store.TouchEmbedding(ctx, rec.ID, modelName); err != nil {
				summary.Failed++
				continue
			}
			summary.Skipped++
			continue
		}
		toEmbed = append(toEmbed, rec)
		hashes = append(hashes, hash)
	}
	if len(toEmbed) == 0 {
		metrics.ObserveSweep("vector", summary.Updated, summary.Skipped, summary.Failed)
		return summary, nil
	}

	texts := make([]string, len(toEmbed))
	for i, rec := range toEmbed {
		texts[i] = rec.Content
	}
	vectors, err := embedder.EmbedTexts(ctx, texts)
	if err != nil {
		// Whole-batch provider failure; nothing was written, the records
		// stay in the backlog for the next sweep.
		log.Error("Embedding batch failed", "count", len(texts), "err", err)
		summary.Failed += len(toEmbed)
		metrics.ObserveSweep("vector", summary.Updated, summary.Skipped, summary.Failed)
		return summary, nil
	}
	if len(vectors) != len(toEmbed) {
		summary.Failed += len(toEmbed)
		metrics.ObserveSweep("vector", summary.Updated, summary.Skipped, summary.Failed)
		return summary, nil
	}

	for i, rec := range toEmbed {
		vec := provider.NormalizeVector(vectors[i])
		row := model.Embedding{
			RecordID:    rec.ID,
			Model:       modelName,
			Dims:        len(vec),
			ContentHash: hashes[i],
			Vector:      provider.EncodeVector(vec),
		}
		if err := ix.store.UpsertEmbedding(ctx, &row); err != nil {
			log.Error("Embedding write failed", "record", rec.ID, "err", err)
			summary.Failed++
			continue
		}
		summary.Updated++
	}
	metrics.ObserveSweep("vector", summary.Updated, summary.Skipped, summary.Failed)
	return summary, nil
}

func recordIDList(records []model.MemoryRecord) []uuid.UUID {
	ids := make([]uuid.UUID, len(records))
	for i := range records {
		ids[i] = records[i].ID
	}
	return ids
}
