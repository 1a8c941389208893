package indexer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagSweepLinksAndSettles(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	mustNote(t, st, "p1", "user loves coffee and jazz music")
	mustNote(t, st, "p1", "用户养了一只叫雪球的猫")

	ix := NewTagIndexer(st)
	summary, err := ix.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Scanned)
	assert.Equal(t, 2, summary.Updated)

	ids, err := st.TagIDsByNames(ctx, []string{"coffee", "jazz"})
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	// Nothing stale left, so the next sweep is a no-op.
	summary, err = ix.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Scanned)
}

func TestTagSweepDisabled(t *testing.T) {
	st := newTestStore(t)
	st.Config().TagEnabled = false
	mustNote(t, st, "p1", "user loves coffee")

	summary, err := NewTagIndexer(st).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Scanned)
}
