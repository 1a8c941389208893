package indexer

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nishichengju/NeoDeskPet-sub001/internal/provider"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/store"
)

type failingEmbedder struct{}

func (failingEmbedder) ModelName() string { return "local-hash-v1" }

func (failingEmbedder) EmbedTexts(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("provider unavailable")
}

func TestVectorSweepEmbedsTouchesAndReembeds(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	rec := mustNote(t, st, "p1", "用户喜欢猫")

	ix := NewVectorIndexer(st, &provider.LocalEmbedder{})
	summary, err := ix.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Scanned)
	assert.Equal(t, 1, summary.Updated)

	byRecord, err := st.EmbeddingsByRecordIDs(ctx, "local-hash-v1", []uuid.UUID{rec.ID})
	require.NoError(t, err)
	require.Contains(t, byRecord, rec.ID)
	assert.Equal(t, 384, byRecord[rec.ID].Dims)
	firstHash := byRecord[rec.ID].ContentHash

	// Re-queued with unchanged content: hash matches, only the stamp moves.
	st.Enqueue(store.IndexVector, rec.ID)
	summary, err = ix.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Scanned)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Updated)

	// An edit changes the hash and forces a real re-embed.
	_, err = st.UpdateContent(ctx, rec.ID, "用户其实更喜欢狗", "edit", "manual")
	require.NoError(t, err)
	summary, err = ix.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Updated)

	byRecord, err = st.EmbeddingsByRecordIDs(ctx, "local-hash-v1", []uuid.UUID{rec.ID})
	require.NoError(t, err)
	assert.NotEqual(t, firstHash, byRecord[rec.ID].ContentHash)
}

func TestVectorSweepWhitespaceEditOnlyTouches(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	rec := mustNote(t, st, "p1", "user loves cats")

	ix := NewVectorIndexer(st, &provider.LocalEmbedder{})
	summary, err := ix.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Updated)

	// The fingerprint is over normalized text, so reshuffled whitespace
	// refreshes the stamp instead of burning an embedding call.
	_, err = st.UpdateContent(ctx, rec.ID, "user  loves \t cats", "edit", "manual")
	require.NoError(t, err)
	summary, err = ix.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Updated)
}

func TestVectorSweepProviderFailureLeavesBacklog(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	mustNote(t, st, "p1", "用户喜欢猫")

	summary, err := NewVectorIndexer(st, failingEmbedder{}).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0, summary.Updated)

	// Nothing was written, so a healthy sweep picks the record back up.
	summary, err = NewVectorIndexer(st, &provider.LocalEmbedder{}).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Updated)
}

func TestVectorSweepConfigError(t *testing.T) {
	st := newTestStore(t)
	st.Config().EmbedType = "openai"
	st.Config().EmbedAPIKey = ""
	mustNote(t, st, "p1", "用户喜欢猫")

	summary, err := NewVectorIndexer(st, nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, summary.ConfigError)
	assert.Equal(t, 0, summary.Scanned)
}

func TestVectorSweepDisabledProvider(t *testing.T) {
	st := newTestStore(t)
	st.Config().EmbedType = "none"
	mustNote(t, st, "p1", "用户喜欢猫")

	summary, err := NewVectorIndexer(st, nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
}
