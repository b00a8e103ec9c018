package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/adperf-engine/internal/domain"
	"github.com/ignite/adperf-engine/internal/period"
	"github.com/ignite/adperf-engine/internal/store"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func seedDaily(t *testing.T, st store.PeriodStore, account string, from, to time.Time, spend float64) {
	t.Helper()
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		p := period.UTC.Of(domain.Day, d)
		campaigns := []domain.CampaignMetric{{CampaignID: "c1", CampaignName: "Brand", Spend: spend, Impressions: 100, Clicks: 2}}
		rec, err := store.EncodeSnapshot(domain.Snapshot{
			AccountID: account, Platform: domain.PlatformMeta, PeriodID: p.ID, Granularity: domain.Day,
			PeriodStart: p.Start, PeriodEnd: p.End,
			Campaigns: campaigns, Totals: domain.Aggregate(campaigns),
			LastUpdated: p.End.Add(2 * time.Hour),
		})
		require.NoError(t, err)
		require.NoError(t, st.Upsert(context.Background(), store.TableDaily, rec))
	}
}

func summary(t *testing.T, st store.PeriodStore, g domain.Granularity, id string) domain.Snapshot {
	t.Helper()
	rec, err := st.Get(context.Background(), store.TableSummaries, store.Key{
		AccountID: "A", Platform: domain.PlatformMeta, Granularity: g, PeriodID: id,
	})
	require.NoError(t, err)
	snap, err := store.DecodeSnapshot(rec)
	require.NoError(t, err)
	return snap
}

type recordingSink struct {
	keys []string
	err  error
}

func (s *recordingSink) Put(_ context.Context, snap domain.Snapshot, body []byte) error {
	if s.err != nil {
		return s.err
	}
	s.keys = append(s.keys, ArchiveKey("", snap))
	return nil
}

func TestArchiveCompleted_FoldsOnlyEndedPeriods(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedDaily(t, st, "A", day(2025, 9, 1), day(2025, 9, 7), 10)

	now := day(2025, 9, 10)
	m := New(st, Options{Now: func() time.Time { return now }})

	rep, err := m.ArchiveCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, rep.Pending)
	assert.Equal(t, 1, rep.Summaries)
	assert.Zero(t, rep.Folded, "month still open")

	week := summary(t, st, domain.Week, "2025-W36")
	assert.Equal(t, 70.0, week.Totals.Spend)
	assert.Equal(t, int64(14), week.Totals.Clicks)
	assert.Len(t, week.Campaigns, 1)

	now = day(2025, 10, 1)
	rep, err = m.ArchiveCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Summaries)
	assert.Equal(t, int64(7), rep.Folded)
	assert.Equal(t, 70.0, summary(t, st, domain.Month, "2025-09").Totals.Spend)

	rep, err = m.ArchiveCompleted(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Pending)
	assert.Zero(t, rep.Summaries)
}

func TestArchiveCompleted_PartialDaysKeepExistingSummary(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p, err := period.UTC.Bounds(domain.Month, "2025-09")
	require.NoError(t, err)
	rec, err := store.EncodeSnapshot(domain.Snapshot{
		AccountID: "A", Platform: domain.PlatformMeta, PeriodID: "2025-09", Granularity: domain.Month,
		PeriodStart: p.Start, PeriodEnd: p.End, Totals: domain.AccountTotals{Spend: 999}, LastUpdated: p.End,
	})
	require.NoError(t, err)
	require.NoError(t, st.Upsert(ctx, store.TableSummaries, rec))
	seedDaily(t, st, "A", day(2025, 9, 1), day(2025, 9, 7), 10)

	m := New(st, Options{
		Targets: []domain.Granularity{domain.Month},
		Now:     func() time.Time { return day(2025, 10, 2) },
	})
	rep, err := m.ArchiveCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Incomplete)
	assert.Equal(t, int64(7), rep.Folded)
	assert.Equal(t, 999.0, summary(t, st, domain.Month, "2025-09").Totals.Spend)
}

func TestArchiveCompleted_UploadsToSink(t *testing.T) {
	st := store.NewMemoryStore()
	seedDaily(t, st, "A", day(2025, 9, 1), day(2025, 9, 7), 1)
	sink := &recordingSink{}
	m := New(st, Options{
		Targets: []domain.Granularity{domain.Week},
		Sink:    sink,
		Now:     func() time.Time { return day(2025, 9, 9) },
	})

	rep, err := m.ArchiveCompleted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Uploaded)
	assert.Equal(t, []string{"archive/meta/week/2025-W36/A.json"}, sink.keys)
}

func TestArchiveCompleted_SinkFailureLeavesRowsUnfolded(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedDaily(t, st, "A", day(2025, 9, 1), day(2025, 9, 7), 1)
	m := New(st, Options{
		Targets: []domain.Granularity{domain.Week},
		Sink:    &recordingSink{err: errors.New("access denied")},
		Now:     func() time.Time { return day(2025, 9, 9) },
	})

	rep, err := m.ArchiveCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Zero(t, rep.Folded)

	n, err := st.Count(ctx, store.TableDaily, store.Predicate{Folded: store.Bool(false)})
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	now := day(2025, 10, 1)

	seedDaily(t, st, "A", day(2025, 6, 1), day(2025, 6, 3), 1)
	seedDaily(t, st, "B", day(2025, 6, 1), day(2025, 6, 1), 1)
	seedDaily(t, st, "A", day(2025, 9, 28), day(2025, 9, 28), 1)
	_, err := st.MarkFolded(ctx, store.TableDaily, store.Predicate{AccountID: "A"}, now)
	require.NoError(t, err)

	for _, w := range period.UTC.Window(domain.Week, 10, now) {
		rec, err := store.EncodeSnapshot(domain.Snapshot{
			AccountID: "A", Platform: domain.PlatformMeta, PeriodID: w.ID, Granularity: domain.Week,
			PeriodStart: w.Start, PeriodEnd: w.End, LastUpdated: now,
		})
		require.NoError(t, err)
		require.NoError(t, st.Upsert(ctx, store.TableSummaries, rec))
	}

	m := New(st, Options{
		RawRetention:    90 * 24 * time.Hour,
		WeeklyRetention: 4,
		Now:             func() time.Time { return now },
	})

	rep, err := m.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rep.DailyDeleted, "only folded rows past retention")
	assert.Equal(t, int64(6), rep.WeeklyDeleted)
	assert.Zero(t, rep.MonthlyDeleted)

	n, err := st.Count(ctx, store.TableSummaries, store.Predicate{Granularity: domain.Week})
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	n, err = st.Count(ctx, store.TableDaily, store.Predicate{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rep, err = m.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.DailyDeleted+rep.WeeklyDeleted+rep.MonthlyDeleted)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedDaily(t, st, "A", day(2025, 9, 1), day(2025, 9, 7), 1)

	now := day(2025, 10, 1)
	m := New(st, Options{Now: func() time.Time { return now }})

	before, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), before.UnfoldedDaily)
	assert.Equal(t, int64(7), before.Tables[store.TableDaily].Count)
	assert.Nil(t, before.LastArchive)
	assert.Equal(t, 90, before.RawRetentionDays)

	_, err = m.ArchiveCompleted(ctx)
	require.NoError(t, err)

	after, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, after.UnfoldedDaily)
	assert.Equal(t, int64(2), after.Tables[store.TableSummaries].Count)
	require.NotNil(t, after.LastArchive)
	assert.Equal(t, int64(7), after.LastArchive.Folded)
	require.NotNil(t, after.Tables[store.TableDaily].Earliest)
	assert.True(t, day(2025, 9, 1).Equal(*after.Tables[store.TableDaily].Earliest))
}
