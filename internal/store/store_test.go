package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nishichengju/NeoDeskPet-sub001/internal/config"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "memory.db")
	st, err := Open(&cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestMigrateIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	// A second run over an existing schema must not fail.
	require.NoError(t, st.Migrate())
}

func TestPendingQueues(t *testing.T) {
	st := newTestStore(t)
	a, b := uuid.New(), uuid.New()

	st.EnqueueAll(a)
	st.Enqueue(IndexTag, b)
	assert.Equal(t, 2, st.PendingDepth(IndexTag))
	assert.Equal(t, 1, st.PendingDepth(IndexVector))
	assert.Equal(t, 1, st.PendingDepth(IndexKg))

	drained := st.DrainPending(IndexTag, 10)
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, st.PendingDepth(IndexTag))

	// Draining is bounded by n.
	st.Enqueue(IndexVector, b)
	assert.Len(t, st.DrainPending(IndexVector, 1), 1)
	assert.Equal(t, 1, st.PendingDepth(IndexVector))
}

func TestGetStats(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.IngestTurn(ctx, "p1", "s1", "m1", "user", "hello there", time.Now()))
	_, err := st.UpsertManual(ctx, UpsertManualParams{PersonaID: "p1", Content: "用户喜欢猫"})
	require.NoError(t, err)

	stats, err := st.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.ActiveRecords)
	assert.Equal(t, int64(1), stats.ChatRecords)
	assert.Equal(t, int64(1), stats.NoteRecords)
	assert.Equal(t, int64(0), stats.OpenConflicts)
	assert.Equal(t, 2, stats.PendingTag)
}

func TestGetPersonaMissingIsNil(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p, err := st.GetPersona(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, st.EnsurePersona(ctx, model.Persona{ID: "p1", Name: "Momo", CaptureEnabled: true, CaptureUser: true, CaptureAssistant: true, RetrieveEnabled: true}))
	p, err = st.GetPersona(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Momo", p.Name)
}
