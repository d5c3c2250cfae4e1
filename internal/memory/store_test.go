package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendMessageAssignsPerUserSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a1, err := s.AppendMessage(ctx, "alice", "Alice", RoleUser, "hi")
	require.NoError(t, err)
	b1, err := s.AppendMessage(ctx, "bob", "Bob", RoleUser, "hey")
	require.NoError(t, err)
	a2, err := s.AppendMessage(ctx, "alice", "", RoleBot, "hello Alice")
	require.NoError(t, err)

	assert.Equal(t, int64(1), a1.Seq)
	assert.Equal(t, int64(1), b1.Seq)
	assert.Equal(t, int64(2), a2.Seq)
	assert.Greater(t, a2.ID, b1.ID)
	assert.False(t, a1.CreatedAt.IsZero())
}

func TestRecentMessagesChronological(t *testing.T) {
	s := newTestStore(t)
	seedMessages(t, s, "u1", 6)

	msgs, err := s.RecentMessages(context.Background(), "u1", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []int64{4, 5, 6}, []int64{msgs[0].Seq, msgs[1].Seq, msgs[2].Seq})
	assert.Equal(t, "message 4", msgs[0].Content)

	none, err := s.RecentMessages(context.Background(), "nobody", 3)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCommitTierItemAdvancesCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedMessages(t, s, "u1", 4)

	item, err := s.CommitTierItem(ctx, TierShort, "u1", "summary", []int64{1, 2, 3}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, item.Sources)

	cur, err := s.Cursor(ctx, "u1", TierShort)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cur.LastSourceID)
	assert.Equal(t, item.ID, cur.LastItemID)

	counts, err := s.Counts(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.PendingShort)
	assert.Equal(t, int64(1), counts.PendingMid)
}

func TestCommitTierItemRejectsStaleCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedMessages(t, s, "u1", 6)

	_, err := s.CommitTierItem(ctx, TierShort, "u1", "first", []int64{1, 2, 3}, 0)
	require.NoError(t, err)

	// A second writer that read the cursor before the first commit.
	_, err = s.CommitTierItem(ctx, TierShort, "u1", "second", []int64{4, 5}, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCursorMoved))

	items, err := s.RecentTierItems(ctx, TierShort, "u1", 10)
	require.NoError(t, err)
	require.Len(t, items, 1, "rejected commit must not leave an item behind")

	cur, err := s.Cursor(ctx, "u1", TierShort)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cur.LastSourceID)
}

func TestCommitTierItemRejectsConsumedSources(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedMessages(t, s, "u1", 4)

	_, err := s.CommitTierItem(ctx, TierShort, "u1", "first", []int64{1, 2}, 0)
	require.NoError(t, err)

	_, err = s.CommitTierItem(ctx, TierShort, "u1", "again", []int64{2, 3}, 2)
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, err = s.CommitTierItem(ctx, TierLong, "u1", "wrong tier", []int64{3}, 2)
	assert.True(t, errors.Is(err, ErrInvalidTier))
}

func TestCommitNarrativeIncrementsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	empty, err := s.Narrative(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), empty.Version)

	n1, err := s.CommitNarrative(ctx, "u1", "chapter one", []int64{1, 2}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n1.Version)

	n2, err := s.CommitNarrative(ctx, "u1", "chapter one and two", []int64{3, 4}, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n2.Version)
	assert.Equal(t, n1.ID, n2.ID)

	got, err := s.Narrative(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "chapter one and two", got.Text)
	assert.Equal(t, []int64{3, 4}, got.Sources)

	cur, err := s.Cursor(ctx, "u1", TierLong)
	require.NoError(t, err)
	assert.Equal(t, int64(4), cur.LastSourceID)
	assert.Equal(t, int64(2), cur.LastItemID)
}

func TestCoreMemoriesOrderingAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, m := range []CoreMemory{
		{UserID: "u1", Description: "likes tea", Importance: 3},
		{UserID: "u1", Description: "is a nurse", Importance: 9},
		{UserID: "u1", Description: "has a dog", Importance: 6},
		{UserID: "u2", Description: "other user", Importance: 10},
	} {
		_, err := s.AddCoreMemory(ctx, m)
		require.NoError(t, err)
	}

	all, err := s.CoreMemories(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "is a nurse", all[0].Description)
	assert.Equal(t, "likes tea", all[2].Description)
	assert.Equal(t, OriginManual, all[0].Origin)

	important, err := s.CoreMemories(ctx, "u1", 5)
	require.NoError(t, err)
	assert.Len(t, important, 2)
}

func TestMergeCoreMemoriesAdvancesCoreCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	same := func(a, b string) bool { return a == b }

	changed, err := s.MergeCoreMemories(ctx, "u1", 2, nil, same)
	require.NoError(t, err)
	assert.Empty(t, changed)

	cur, err := s.Cursor(ctx, "u1", TierCore)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cur.LastSourceID)

	_, err = s.MergeCoreMemories(ctx, "u1", 2, []CoreCandidate{{Description: "late", Importance: 1}}, same)
	assert.True(t, errors.Is(err, ErrCursorMoved))
	all, err := s.CoreMemories(ctx, "u1", -10)
	require.NoError(t, err)
	assert.Empty(t, all, "a rejected merge writes nothing")

	_, err = s.MergeCoreMemories(ctx, "u1", 0, nil, same)
	assert.True(t, errors.Is(err, ErrInvalidInput))

	counts, err := s.Counts(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.CoreVersion)
}

func TestDeleteCoreMemory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.AddCoreMemory(ctx, CoreMemory{UserID: "u1", Description: "x", Importance: 1})
	require.NoError(t, err)

	err = s.DeleteCoreMemory(ctx, "u2", m.ID)
	assert.True(t, errors.Is(err, ErrNotFound), "other users cannot delete it")

	require.NoError(t, s.DeleteCoreMemory(ctx, "u1", m.ID))
	err = s.DeleteCoreMemory(ctx, "u1", m.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStoreReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")
	s, err := NewStore(path)
	require.NoError(t, err)
	_, err = s.AppendMessage(context.Background(), "u1", "Ada", RoleUser, "persist me")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewStore(path)
	require.NoError(t, err)
	defer s.Close()

	msg, err := s.AppendMessage(context.Background(), "u1", "Ada", RoleUser, "second")
	require.NoError(t, err)
	assert.Equal(t, int64(2), msg.Seq)

	users, err := s.Users(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, users)
}
