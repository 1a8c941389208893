package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nishichengju/NeoDeskPet-sub001/internal/model"
)

func TestFullTextSearch(t *testing.T) {
	st := newTestStore(t)
	if !st.FtsEnabled() {
		t.Skip("sqlite build lacks FTS5")
	}
	ctx := context.Background()

	mustNote(t, st, "p1", "the gym plan starts on monday morning")
	mustNote(t, st, "p1", "grocery list with apples and oranges")
	shared, err := st.UpsertManual(ctx, UpsertManualParams{Scope: model.ScopeShared, Content: "gym membership card is in the drawer"})
	require.NoError(t, err)
	require.True(t, shared.Created)

	hits, err := st.FullTextSearch(ctx, "p1", true, `"gym"`, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	// Excluding shared narrows to the persona's own note.
	hits, err = st.FullTextSearch(ctx, "p1", false, `"gym"`, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Record.Content, "gym plan")

	// Edits resync the index.
	_, err = st.UpdateContent(ctx, hits[0].Record.ID, "the yoga plan starts on monday morning", "edit", "manual")
	require.NoError(t, err)
	hits, err = st.FullTextSearch(ctx, "p1", false, `"gym"`, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
	hits, err = st.FullTextSearch(ctx, "p1", false, `"yoga"`, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestFullTextSearchCJK(t *testing.T) {
	st := newTestStore(t)
	if !st.FtsEnabled() {
		t.Skip("sqlite build lacks FTS5")
	}
	ctx := context.Background()

	mustNote(t, st, "p1", "用户养了一只叫雪球的猫")
	mustNote(t, st, "p1", "明天下午开会")

	// The segmented index matches individual CJK characters.
	hits, err := st.FullTextSearch(ctx, "p1", false, `"雪" OR "球"`, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Record.Content, "雪球")

	hits, err = st.FullTextSearch(ctx, "p1", false, `"猫"`, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hits, err = st.FullTextSearch(ctx, "p1", false, `"狗"`, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMigrateBackfillsFtsIndex(t *testing.T) {
	st := newTestStore(t)
	if !st.FtsEnabled() {
		t.Skip("sqlite build lacks FTS5")
	}
	ctx := context.Background()
	rec := mustNote(t, st, "p1", "用户养了一只叫雪球的猫")

	// A row the index never saw (pre-existing database) is picked up on
	// the next migration.
	require.NoError(t, st.DB().Exec("DELETE FROM memory_fts WHERE record_id = ?", rec.ID).Error)
	require.NoError(t, st.Migrate())

	hits, err := st.FullTextSearch(ctx, "p1", false, `"雪"`, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestHardDeleteDropsFtsRow(t *testing.T) {
	st := newTestStore(t)
	if !st.FtsEnabled() {
		t.Skip("sqlite build lacks FTS5")
	}
	ctx := context.Background()

	rec := mustNote(t, st, "p1", "the gym plan starts on monday morning")
	_, err := st.HardDeleteRecord(ctx, rec.ID)
	require.NoError(t, err)

	hits, err := st.FullTextSearch(ctx, "p1", false, `"gym"`, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSubstringSearch(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	mustNote(t, st, "p1", "用户在东京工作了三年时间")
	mustNote(t, st, "p1", "完全无关的另一条笔记")

	records, err := st.SubstringSearch(ctx, "p1", false, "东京", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Content, "东京")

	// LIKE metacharacters are escaped, not interpreted.
	records, err = st.SubstringSearch(ctx, "p1", false, "100%", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestTagQueries(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := mustNote(t, st, "p1", "note about coffee and tea")
	b := mustNote(t, st, "p1", "note about coffee and cake")
	require.NoError(t, st.ReplaceTagLinks(ctx, a.ID, []string{"coffee", "tea"}, time.Now()))
	require.NoError(t, st.ReplaceTagLinks(ctx, b.ID, []string{"coffee", "cake"}, time.Now()))

	ids, err := st.TagIDsByNames(ctx, []string{"coffee", "nonexistent"})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	// One-hop expansion pulls in co-occurring tags bounded by max.
	expanded, err := st.ExpandCoOccurringTags(ctx, ids, 6)
	require.NoError(t, err)
	assert.Len(t, expanded, 3) // coffee + tea + cake

	hits, err := st.RecordsByTagIDs(ctx, "p1", false, expanded, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, 2, hits[0].MatchedTags)
}

func TestTimeWindowRecords(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2025, 3, 9, 0, 0, 0, 0, time.Local)

	require.NoError(t, st.IngestTurn(ctx, "p1", "s1", "m1", "user", "晚上九点说的话", day.Add(21*time.Hour)))
	require.NoError(t, st.IngestTurn(ctx, "p1", "s1", "m2", "assistant", "晚上七点的回复", day.Add(19*time.Hour)))
	require.NoError(t, st.IngestTurn(ctx, "p1", "s1", "m3", "user", "下午三点的话", day.Add(15*time.Hour)))

	records, err := st.TimeWindowRecords(ctx, "p1", true, day.Add(18*time.Hour), day.Add(24*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	// Chronological, not ranked.
	assert.Equal(t, "晚上七点的回复", records[0].Content)
	assert.Equal(t, "晚上九点说的话", records[1].Content)

	// Manual notes never appear in the chat time window.
	mustNote(t, st, "p1", "一条手动笔记")
	records, err = st.TimeWindowRecords(ctx, "p1", true, day, day.Add(24*time.Hour), 0)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestRecordsByIDsSkipsDeleted(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	rec := mustNote(t, st, "p1", "用户喜欢猫")

	_, err := st.DeleteRecord(ctx, rec.ID)
	require.NoError(t, err)

	records, err := st.RecordsByIDs(ctx, []uuid.UUID{rec.ID})
	require.NoError(t, err)
	assert.Empty(t, records)
}
