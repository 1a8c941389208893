package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nishichengju/NeoDeskPet-sub001/internal/model"
)

func TestIngestTurnIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	early := time.Now().Add(-2 * time.Hour).Truncate(time.Second)
	late := early.Add(time.Hour)

	require.NoError(t, st.IngestTurn(ctx, "p1", "s1", "m1", "user", "first version", late))
	require.NoError(t, st.IngestTurn(ctx, "p1", "s1", "m1", "user", "second version", early))

	list, err := st.ListRecords(ctx, ListFilter{Kind: model.KindChatMessage}, "createdAt", "desc", 10, 0)
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	rec := list.Items[0]
	assert.Equal(t, "second version", rec.Content)
	// createdAt keeps the minimum: re-ingestion never moves a record later.
	assert.True(t, rec.CreatedAt.Equal(early), "createdAt %v, want %v", rec.CreatedAt, early)

	// A different message id is a separate record.
	require.NoError(t, st.IngestTurn(ctx, "p1", "s1", "m2", "assistant", "a reply", late))
	list, err = st.ListRecords(ctx, ListFilter{Kind: model.KindChatMessage}, "createdAt", "desc", 10, 0)
	require.NoError(t, err)
	assert.Len(t, list.Items, 2)
}

func TestIngestTurnDropsEmptyAndGated(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.IngestTurn(ctx, "p1", "s1", "m1", "user", "   ", time.Now()))
	require.NoError(t, st.IngestTurn(ctx, "p1", "", "m1", "user", "content", time.Now()))

	require.NoError(t, st.EnsurePersona(ctx, model.Persona{
		ID: "quiet", CaptureEnabled: true, CaptureUser: false, CaptureAssistant: true, RetrieveEnabled: true,
	}))
	require.NoError(t, st.IngestTurn(ctx, "quiet", "s1", "m2", "user", "should be dropped", time.Now()))
	require.NoError(t, st.IngestTurn(ctx, "quiet", "s1", "m3", "assistant", "should be kept", time.Now()))

	list, err := st.ListRecords(ctx, ListFilter{}, "createdAt", "desc", 10, 0)
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "should be kept", list.Items[0].Content)
}

func TestUpsertManualValidation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.UpsertManual(ctx, UpsertManualParams{PersonaID: "p1", Content: "  \n "})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "content", verr.Field)

	bad := 1.5
	_, err = st.UpsertManual(ctx, UpsertManualParams{PersonaID: "p1", Content: "ok", Importance: &bad})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "importance", verr.Field)
}

func TestUpsertManualDeduplicates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first, err := st.UpsertManual(ctx, UpsertManualParams{PersonaID: "p1", Content: "用户喜欢猫"})
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.InDelta(t, 0.5, first.Record.Strength, 1e-9)

	// Exact duplicate collapses into the existing record and nudges strength.
	second, err := st.UpsertManual(ctx, UpsertManualParams{PersonaID: "p1", Content: "用户喜欢猫"})
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.False(t, second.Created)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.InDelta(t, 0.51, second.Record.Strength, 1e-9)

	// Near-duplicate above the dedup threshold collapses too.
	_, err = st.UpsertManual(ctx, UpsertManualParams{PersonaID: "p1", Content: "用户每天早上七点起床跑步锻炼身体"})
	require.NoError(t, err)
	third, err := st.UpsertManual(ctx, UpsertManualParams{PersonaID: "p1", Content: "用户每天早上七点起床跑步锻炼身体啊"})
	require.NoError(t, err)
	assert.True(t, third.Deduplicated)
}

func TestUpsertManualOpensConflict(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	base, err := st.UpsertManual(ctx, UpsertManualParams{PersonaID: "p1", Content: "用户最喜欢的城市是北京"})
	require.NoError(t, err)
	require.True(t, base.Created)

	res, err := st.UpsertManual(ctx, UpsertManualParams{PersonaID: "p1", Content: "用户最喜欢的城市是上海", Source: "manual"})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.False(t, res.Deduplicated)
	require.NotNil(t, res.Conflict)
	// Same key, different value: classified as an update conflict.
	assert.Equal(t, model.ConflictUpdate, res.Conflict.ConflictType)
	assert.Equal(t, model.ConflictOpen, res.Conflict.Status)
	assert.Equal(t, base.Record.ID, res.Conflict.RecordID)

	// Re-detecting the identical candidate reuses the open conflict row.
	again, err := st.UpsertManual(ctx, UpsertManualParams{PersonaID: "p1", Content: "用户最喜欢的城市是上海", Source: "manual"})
	require.NoError(t, err)
	require.NotNil(t, again.Conflict)
	assert.Equal(t, res.Conflict.ID, again.Conflict.ID)

	conflicts, err := st.ListConflicts(ctx, ConflictFilter{Status: model.ConflictOpen})
	require.NoError(t, err)
	assert.Len(t, conflicts, 1)
}

func TestUpsertManualScopePartition(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// The same text in different partitions never deduplicates across them.
	personaRes, err := st.UpsertManual(ctx, UpsertManualParams{PersonaID: "p1", Content: "用户喜欢猫"})
	require.NoError(t, err)
	assert.True(t, personaRes.Created)
	require.NotNil(t, personaRes.Record.PersonaID)

	sharedRes, err := st.UpsertManual(ctx, UpsertManualParams{PersonaID: "p1", Scope: model.ScopeShared, Content: "用户喜欢猫"})
	require.NoError(t, err)
	assert.True(t, sharedRes.Created)
	assert.Nil(t, sharedRes.Record.PersonaID)
}
