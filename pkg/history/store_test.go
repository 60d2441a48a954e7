package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"chatsync/pkg/normalize"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreSavePageIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	page := []normalize.HistoryRecord{
		{ID: "2", MessageText: "second", SenderType: "bot", CreateDate: "2024-05-01T10:00:01.000002Z"},
		{ID: "1", MessageText: "first", SenderType: "user", CreateDate: "2024-05-01T10:00:01.000001Z"},
		{MessageText: "no id"},
	}
	require.NoError(t, s.SavePage(ctx, "c1", page))
	require.NoError(t, s.SavePage(ctx, "c1", page))

	got, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "first", got[0].MessageText)
	require.Equal(t, "second", got[1].MessageText)
	require.Equal(t, "c1", got[0].ChatCode)
}

func TestStoreSavePageReplacesContent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePage(ctx, "c1", []normalize.HistoryRecord{{ID: "1", MessageText: "draft"}}))
	require.NoError(t, s.SavePage(ctx, "c1", []normalize.HistoryRecord{{ID: "1", MessageText: "edited", Status: "sent"}}))

	got, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "edited", got[0].MessageText)
}

func TestStoreKeepsChatsApart(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePage(ctx, "c1", []normalize.HistoryRecord{{ID: "1", MessageText: "one"}}))
	require.NoError(t, s.SavePage(ctx, "c2", []normalize.HistoryRecord{{ID: "1", MessageText: "uno"}}))

	codes, err := s.ChatCodes(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"c1", "c2"}, codes)

	require.NoError(t, s.Delete(ctx, "c1"))
	require.True(t, errors.Is(s.Delete(ctx, "c1"), ErrNotFound))

	got, err := s.Load(ctx, "c2")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "uno", got[0].MessageText)
}

func TestStorePruneRemovesOldRecords(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now.Add(-48 * time.Hour) }
	require.NoError(t, s.SavePage(ctx, "c1", []normalize.HistoryRecord{{ID: "1", MessageText: "undated"}}))

	s.now = func() time.Time { return now }
	require.NoError(t, s.SavePage(ctx, "c1", []normalize.HistoryRecord{
		{ID: "2", MessageText: "old", CreateDate: "2024-05-01T00:00:00Z"},
		{ID: "3", MessageText: "new", CreateDate: "2024-05-31T12:00:00Z"},
	}))

	removed, err := s.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 2, removed)

	got, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "new", got[0].MessageText)
}

type fakePruner struct {
	cutoff time.Time
	calls  int
}

func (f *fakePruner) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	f.calls++
	f.cutoff = cutoff
	return 3, nil
}

func TestRetentionRunOnceUsesMaxAge(t *testing.T) {
	pruner := &fakePruner{}
	r, err := NewRetention(pruner, "", 7*24*time.Hour, nil)
	require.NoError(t, err)

	now := time.Date(2024, 6, 8, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	removed, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3, removed)
	require.True(t, now.Add(-7*24*time.Hour).Equal(pruner.cutoff), "cutoff = %s", pruner.cutoff)

	next, err := r.Next(now)
	require.NoError(t, err)
	require.True(t, time.Date(2024, 6, 9, 2, 0, 0, 0, time.UTC).Equal(next), "next = %s", next)
}

func TestRetentionRejectsInvalidCron(t *testing.T) {
	_, err := NewRetention(&fakePruner{}, "not a cron", time.Hour, nil)
	require.Error(t, err)

	_, err = NewRetention(&fakePruner{}, "", 0, nil)
	require.Error(t, err)
}
