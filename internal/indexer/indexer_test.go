package indexer

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nishichengju/NeoDeskPet-sub001/internal/config"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/model"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "memory.db")
	st, err := store.Open(&cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustNote(t *testing.T, st *store.Store, personaID, content string) *model.MemoryRecord {
	t.Helper()
	res, err := st.UpsertManual(context.Background(), store.UpsertManualParams{PersonaID: personaID, Content: content})
	require.NoError(t, err)
	require.True(t, res.Created)
	return res.Record
}
