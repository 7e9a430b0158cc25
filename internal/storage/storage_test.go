package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type record struct {
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func openTestBadger(t *testing.T) *Badger {
	t.Helper()
	b, err := OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 12, 0, 0, 123, time.UTC)

	var got record
	found, err := s.Get(ctx, BucketDrafts, "t1", &got)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.Put(ctx, BucketDrafts, "t1", record{Text: "hello", UpdatedAt: at}))
	require.NoError(t, s.Put(ctx, BucketDrafts, "t2", record{Text: "other"}))
	require.NoError(t, s.Put(ctx, BucketOutbox, "k1", record{Text: "queued"}))

	found, err = s.Get(ctx, BucketDrafts, "t1", &got)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "hello", got.Text)
	require.True(t, at.Equal(got.UpdatedAt))

	require.NoError(t, s.Put(ctx, BucketDrafts, "t1", record{Text: "replaced"}))
	found, err = s.Get(ctx, BucketDrafts, "t1", &got)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "replaced", got.Text)

	keys, err := s.Keys(ctx, BucketDrafts)
	require.NoError(t, err)
	require.Equal(t, []string{"t1", "t2"}, keys)

	require.NoError(t, s.Delete(ctx, BucketDrafts, "t1"))
	require.NoError(t, s.Delete(ctx, BucketDrafts, "t1"))
	keys, err = s.Keys(ctx, BucketDrafts)
	require.NoError(t, err)
	require.Equal(t, []string{"t2"}, keys)
}

func TestSQLiteStore(t *testing.T) {
	exerciseStore(t, openTestSQLite(t))
}

func TestBadgerStore(t *testing.T) {
	exerciseStore(t, openTestBadger(t))
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, BucketScroll, "t1", 420))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	var offset int
	found, err := s.Get(ctx, BucketScroll, "t1", &offset)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 420, offset)
}

func TestThresholdPolicy(t *testing.T) {
	policy := ThresholdPolicy(2000)
	require.Equal(t, TierSmall, policy(0))
	require.Equal(t, TierSmall, policy(2000))
	require.Equal(t, TierBlob, policy(2001))
}

func TestTieredSaveMovesBetweenTiers(t *testing.T) {
	ctx := context.Background()
	tiered := Tiered{Small: openTestSQLite(t), Blob: openTestBadger(t), Policy: ThresholdPolicy(5)}

	tier, err := tiered.Save(ctx, BucketDrafts, "t1", record{Text: "a long draft"}, 12)
	require.NoError(t, err)
	require.Equal(t, TierBlob, tier)

	tier, err = tiered.Save(ctx, BucketDrafts, "t1", record{Text: "tiny"}, 4)
	require.NoError(t, err)
	require.Equal(t, TierSmall, tier)

	var got record
	found, err := tiered.Load(ctx, BucketDrafts, "t1", &got)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "tiny", got.Text, "stale blob copy must not shadow the newer small draft")

	require.NoError(t, tiered.Remove(ctx, BucketDrafts, "t1"))
	require.NoError(t, tiered.Remove(ctx, BucketDrafts, "t1"))
	found, err = tiered.Load(ctx, BucketDrafts, "t1", &got)
	require.NoError(t, err)
	require.False(t, found)
}
