package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nishichengju/NeoDeskPet-sub001/internal/model"
)

func TestUpdateContentAppendsVersion(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	rec := mustNote(t, st, "p1", "用户喜欢猫")

	updated, err := st.UpdateContent(ctx, rec.ID, "用户喜欢猫和狗", "edit", "manual")
	require.NoError(t, err)
	assert.Equal(t, "用户喜欢猫和狗", updated.Content)
	assert.InDelta(t, 0.55, updated.Strength, 1e-9)

	versions, err := st.ListVersions(ctx, rec.ID, 0)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "用户喜欢猫", versions[0].OldContent)
	assert.Equal(t, "用户喜欢猫和狗", versions[0].NewContent)
	assert.Equal(t, "edit", versions[0].Reason)

	_, err = st.UpdateContent(ctx, rec.ID, "   ", "edit", "manual")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestRollbackPreservesHistory(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	rec := mustNote(t, st, "p1", "用户喜欢猫")

	_, err := st.UpdateContent(ctx, rec.ID, "用户喜欢狗", "edit", "manual")
	require.NoError(t, err)
	versions, err := st.ListVersions(ctx, rec.ID, 0)
	require.NoError(t, err)
	require.Len(t, versions, 1)

	restored, err := st.RollbackVersion(ctx, versions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "用户喜欢猫", restored.Content)

	// Rollback is itself versioned: history grew, nothing was erased.
	versions, err = st.ListVersions(ctx, rec.ID, 0)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
	assert.Equal(t, "rollback", versions[0].Reason)
	assert.Equal(t, "用户喜欢狗", versions[0].OldContent)
}

func openTestConflict(t *testing.T, st *Store) (*model.MemoryRecord, *model.MemoryConflict) {
	t.Helper()
	ctx := context.Background()
	base, err := st.UpsertManual(ctx, UpsertManualParams{PersonaID: "p1", Content: "用户最喜欢的城市是北京"})
	require.NoError(t, err)
	require.True(t, base.Created)
	res, err := st.UpsertManual(ctx, UpsertManualParams{PersonaID: "p1", Content: "用户最喜欢的城市是上海", Source: "manual"})
	require.NoError(t, err)
	require.NotNil(t, res.Conflict)
	return base.Record, res.Conflict
}

func TestResolveConflictIgnore(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base, conflict := openTestConflict(t, st)

	resolved, err := st.ResolveConflict(ctx, conflict.ID, ConflictIgnore, "")
	require.NoError(t, err)
	assert.Equal(t, model.ConflictIgnored, resolved.Status)

	got, err := st.GetRecord(ctx, base.ID)
	require.NoError(t, err)
	assert.Equal(t, "用户最喜欢的城市是北京", got.Content)

	// Terminal: resolving again reports not-found.
	_, err = st.ResolveConflict(ctx, conflict.ID, ConflictIgnore, "")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestResolveConflictAccept(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base, conflict := openTestConflict(t, st)

	resolved, err := st.ResolveConflict(ctx, conflict.ID, ConflictAccept, "")
	require.NoError(t, err)
	assert.Equal(t, model.ConflictResolved, resolved.Status)

	got, err := st.GetRecord(ctx, base.ID)
	require.NoError(t, err)
	assert.Equal(t, "用户最喜欢的城市是上海", got.Content)

	versions, err := st.ListVersions(ctx, base.ID, 0)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "conflict_accept", versions[0].Reason)
}

func TestResolveConflictMerge(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base, conflict := openTestConflict(t, st)

	// No merged text supplied: naive newline join.
	_, err := st.ResolveConflict(ctx, conflict.ID, ConflictDoMerge, "")
	require.NoError(t, err)

	got, err := st.GetRecord(ctx, base.ID)
	require.NoError(t, err)
	assert.Equal(t, "用户最喜欢的城市是北京\n用户最喜欢的城市是上海", got.Content)
}

func TestResolveConflictKeepBoth(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base, conflict := openTestConflict(t, st)

	_, err := st.ResolveConflict(ctx, conflict.ID, ConflictKeepBoth, "")
	require.NoError(t, err)

	// Base untouched, candidate inserted in the same partition.
	got, err := st.GetRecord(ctx, base.ID)
	require.NoError(t, err)
	assert.Equal(t, "用户最喜欢的城市是北京", got.Content)

	list, err := st.ListRecords(ctx, ListFilter{PersonaID: "p1", Scope: model.ScopePersona}, "createdAt", "desc", 10, 0)
	require.NoError(t, err)
	require.Len(t, list.Items, 2)

	var found bool
	for _, item := range list.Items {
		if item.Content == "用户最喜欢的城市是上海" {
			found = true
			require.NotNil(t, item.PersonaID)
			assert.Equal(t, "p1", *item.PersonaID)
		}
	}
	assert.True(t, found)
}

func TestResolveConflictFailureLeavesConflictOpen(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base, conflict := openTestConflict(t, st)

	// The base record vanishing mid-resolution must roll back the whole
	// resolution: the conflict stays open, not half-applied.
	_, err := st.DeleteRecord(ctx, base.ID)
	require.NoError(t, err)

	_, err = st.ResolveConflict(ctx, conflict.ID, ConflictAccept, "")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)

	conflicts, err := st.ListConflicts(ctx, ConflictFilter{Status: model.ConflictOpen})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, conflict.ID, conflicts[0].ID)
}

func TestResolveConflictUnknownAction(t *testing.T) {
	st := newTestStore(t)
	_, conflict := openTestConflict(t, st)

	_, err := st.ResolveConflict(context.Background(), conflict.ID, ConflictAction("explode"), "")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}
