package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/adperf-engine/internal/domain"
)

func setupSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), "sqlite", ":memory:", PoolConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { s.DB().Close() })
	require.NoError(t, EnsureSchema(context.Background(), s.DB(), SQLite))
	return s
}

// forEachStore runs the same contract against every implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s PeriodStore)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, setupSQLite(t)) })
}

func month(y int, m time.Month) (time.Time, time.Time) {
	start := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func record(account string, p domain.Platform, periodID string, start, end, updated time.Time) Record {
	return Record{
		Key:         Key{AccountID: account, Platform: p, Granularity: domain.Month, PeriodID: periodID},
		PeriodStart: start,
		PeriodEnd:   end,
		Payload:     []byte(`{"totals":{"spend":1}}`),
		UpdatedAt:   updated,
	}
}

func TestStore_UpsertGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s PeriodStore) {
		ctx := context.Background()
		start, end := month(2025, 9)
		updated := time.Date(2025, 9, 20, 10, 0, 0, 0, time.UTC)

		rec := record("X", domain.PlatformMeta, "2025-09", start, end, updated)
		require.NoError(t, s.Upsert(ctx, TableCurrent, rec))

		got, err := s.Get(ctx, TableCurrent, rec.Key)
		require.NoError(t, err)
		assert.Equal(t, rec.Key, got.Key)
		assert.True(t, start.Equal(got.PeriodStart))
		assert.True(t, end.Equal(got.PeriodEnd))
		assert.True(t, updated.Equal(got.UpdatedAt))
		assert.JSONEq(t, string(rec.Payload), string(got.Payload))
		assert.Nil(t, got.FoldedAt)

		// Same key overwrites instead of duplicating.
		rec.UpdatedAt = updated.Add(time.Hour)
		rec.Payload = []byte(`{"totals":{"spend":2}}`)
		require.NoError(t, s.Upsert(ctx, TableCurrent, rec))

		n, err := s.Count(ctx, TableCurrent, Predicate{})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err = s.Get(ctx, TableCurrent, rec.Key)
		require.NoError(t, err)
		assert.JSONEq(t, `{"totals":{"spend":2}}`, string(got.Payload))
	})
}

func TestStore_GetMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s PeriodStore) {
		_, err := s.Get(context.Background(), TableSummaries, Key{AccountID: "nope"})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_UnknownTable(t *testing.T) {
	forEachStore(t, func(t *testing.T, s PeriodStore) {
		err := s.Upsert(context.Background(), Table("users; DROP TABLE x"), Record{})
		assert.ErrorIs(t, err, ErrUnknownTable)
	})
}

func TestStore_PredicatesAndOrdering(t *testing.T) {
	forEachStore(t, func(t *testing.T, s PeriodStore) {
		ctx := context.Background()
		base := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
		for i, m := range []time.Month{7, 8, 9} {
			start, end := month(2025, m)
			require.NoError(t, s.Upsert(ctx, TableSummaries,
				record("A", domain.PlatformMeta, start.Format("2006-01"), start, end, base.Add(-time.Duration(i)*time.Hour))))
			require.NoError(t, s.Upsert(ctx, TableSummaries,
				record("B", domain.PlatformGoogle, start.Format("2006-01"), start, end, base)))
		}

		list, err := s.List(ctx, TableSummaries, Predicate{AccountID: "A"})
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []string{"2025-07", "2025-08", "2025-09"},
			[]string{list[0].PeriodID, list[1].PeriodID, list[2].PeriodID})

		latest, err := s.Latest(ctx, TableSummaries, Predicate{AccountID: "B", Platform: domain.PlatformGoogle})
		require.NoError(t, err)
		assert.Equal(t, "2025-09", latest.PeriodID)

		_, err = s.Latest(ctx, TableSummaries, Predicate{AccountID: "C"})
		assert.ErrorIs(t, err, ErrNotFound)

		n, err := s.Count(ctx, TableSummaries, Predicate{PeriodIDNot: "2025-09"})
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)

		n, err = s.Count(ctx, TableSummaries, Predicate{EndBefore: time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n, "only the July rows end before Sep 1")

		n, err = s.Count(ctx, TableSummaries, Predicate{UpdatedBefore: base})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		limited, err := s.List(ctx, TableSummaries, Predicate{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})
}

func TestStore_DeleteWhere(t *testing.T) {
	forEachStore(t, func(t *testing.T, s PeriodStore) {
		ctx := context.Background()
		for _, m := range []time.Month{7, 8, 9} {
			start, end := month(2025, m)
			require.NoError(t, s.Upsert(ctx, TableCurrent, record("A", domain.PlatformMeta, start.Format("2006-01"), start, end, start)))
		}

		_, err := s.DeleteWhere(ctx, TableCurrent, Predicate{})
		assert.ErrorIs(t, err, ErrUnboundedDelete)

		n, err := s.DeleteWhere(ctx, TableCurrent, Predicate{Granularity: domain.Month, PeriodIDNot: "2025-09"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		// Re-running is a no-op.
		n, err = s.DeleteWhere(ctx, TableCurrent, Predicate{Granularity: domain.Month, PeriodIDNot: "2025-09"})
		require.NoError(t, err)
		assert.Zero(t, n)

		left, err := s.Count(ctx, TableCurrent, Predicate{})
		require.NoError(t, err)
		assert.Equal(t, int64(1), left)
	})
}

func TestStore_MarkFoldedAndSpan(t *testing.T) {
	forEachStore(t, func(t *testing.T, s PeriodStore) {
		ctx := context.Background()
		day := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			d := day.AddDate(0, 0, i)
			require.NoError(t, s.Upsert(ctx, TableDaily, Record{
				Key:         Key{AccountID: "A", Platform: domain.PlatformMeta, Granularity: domain.Day, PeriodID: d.Format("2006-01-02")},
				PeriodStart: d,
				PeriodEnd:   d.AddDate(0, 0, 1),
				Payload:     []byte(`{}`),
				UpdatedAt:   d,
			}))
		}

		foldedAt := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
		n, err := s.MarkFolded(ctx, TableDaily, Predicate{EndBefore: day.AddDate(0, 0, 3)}, foldedAt)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		folded, err := s.Count(ctx, TableDaily, Predicate{Folded: Bool(true)})
		require.NoError(t, err)
		assert.Equal(t, int64(2), folded)

		rec, err := s.Get(ctx, TableDaily, Key{AccountID: "A", Platform: domain.PlatformMeta, Granularity: domain.Day, PeriodID: "2025-09-01"})
		require.NoError(t, err)
		require.NotNil(t, rec.FoldedAt)
		assert.True(t, foldedAt.Equal(*rec.FoldedAt))

		span, err := s.Span(ctx, TableDaily, Predicate{})
		require.NoError(t, err)
		assert.Equal(t, int64(3), span.Count)
		require.NotNil(t, span.Earliest)
		require.NotNil(t, span.Latest)
		assert.True(t, day.Equal(*span.Earliest))
		assert.True(t, day.AddDate(0, 0, 2).Equal(*span.Latest))

		empty, err := s.Span(ctx, TableSummaries, Predicate{})
		require.NoError(t, err)
		assert.Zero(t, empty.Count)
		assert.Nil(t, empty.Earliest)

		// A re-upsert clears the folded mark so the row is folded again.
		require.NoError(t, s.Upsert(ctx, TableDaily, rec))
		folded, err = s.Count(ctx, TableDaily, Predicate{Folded: Bool(true)})
		require.NoError(t, err)
		assert.Equal(t, int64(1), folded)
	})
}

func TestSnapshotRoundTrip(t *testing.T) {
	snap := domain.Snapshot{
		AccountID:   "X",
		Platform:    domain.PlatformMeta,
		PeriodID:    "2025-09",
		Granularity: domain.Month,
		PeriodStart: time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC),
		Campaigns:   []domain.CampaignMetric{{CampaignID: "c1", Spend: 10, Clicks: 5}},
		LastUpdated: time.Date(2025, 9, 20, 8, 0, 0, 0, time.UTC),
	}
	snap.Totals = domain.Aggregate(snap.Campaigns)

	rec, err := EncodeSnapshot(snap)
	require.NoError(t, err)
	assert.Equal(t, KeyOf(snap), rec.Key)
	assert.True(t, snap.LastUpdated.Equal(rec.UpdatedAt))

	got, err := DecodeSnapshot(rec)
	require.NoError(t, err)
	assert.Equal(t, snap.Totals, got.Totals)
	assert.Equal(t, snap.Campaigns, got.Campaigns)
	assert.True(t, snap.LastUpdated.Equal(got.LastUpdated))

	_, err = DecodeSnapshot(Record{Payload: []byte("{")})
	assert.Error(t, err)
}
