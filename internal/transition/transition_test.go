package transition

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/adperf-engine/internal/accounts"
	"github.com/ignite/adperf-engine/internal/collector"
	"github.com/ignite/adperf-engine/internal/domain"
	"github.com/ignite/adperf-engine/internal/period"
	"github.com/ignite/adperf-engine/internal/smartcache"
	"github.com/ignite/adperf-engine/internal/source"
	"github.com/ignite/adperf-engine/internal/store"
)

type stubSource struct{ calls int }

func (s *stubSource) Platform() domain.Platform { return domain.PlatformMeta }

func (s *stubSource) Fetch(context.Context, source.Target, time.Time, time.Time) ([]domain.CampaignMetric, error) {
	s.calls++
	return []domain.CampaignMetric{{CampaignID: "c1", Spend: 42, Impressions: 100, Clicks: 5}}, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func cachedRow(t *testing.T, id string, g domain.Granularity, spend float64) store.Record {
	t.Helper()
	p, err := period.UTC.Bounds(g, id)
	require.NoError(t, err)
	rec, err := store.EncodeSnapshot(domain.Snapshot{
		AccountID: "X", Platform: domain.PlatformMeta, PeriodID: id, Granularity: g,
		PeriodStart: p.Start, PeriodEnd: p.End,
		Totals:      domain.AccountTotals{Spend: spend},
		LastUpdated: p.End.Add(-time.Hour),
	})
	require.NoError(t, err)
	return rec
}

type deleteOnly struct{ st store.PeriodStore }

func (d deleteOnly) Invalidate(ctx context.Context, key store.Key) error {
	_, err := d.st.DeleteWhere(ctx, store.TableCurrent, store.Predicate{
		AccountID: key.AccountID, Platform: key.Platform, Granularity: key.Granularity, PeriodID: key.PeriodID,
	})
	return err
}

func TestRun_MonthRolloverThenLiveFallback(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clk := &clock{t: time.Date(2025, 9, 30, 23, 59, 59, 0, time.UTC)}
	src := &stubSource{}
	cache := smartcache.New(st, source.NewRegistry(src), accounts.NewStatic(domain.Account{
		ID: "X", Active: true, ExternalIDs: map[domain.Platform]string{domain.PlatformMeta: "act_1"},
	}), smartcache.Options{Granularity: domain.Month, Now: clk.now})

	res, err := cache.Get(ctx, "X", domain.PlatformMeta, false)
	require.NoError(t, err)
	assert.Equal(t, "2025-09", res.Snapshot.PeriodID)

	clk.t = time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	h := New(st, cache, Options{Now: clk.now})
	assert.Equal(t, StateUnknown, h.State(domain.Month))

	reports, err := h.Run(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, Report{Granularity: domain.Week, LiveID: "2025-W40", State: StateAligned}, reports[0])
	assert.Equal(t, Report{
		Granularity: domain.Month, LiveID: "2025-10", Archived: 1, Invalidated: 1, State: StateTransitioned,
	}, reports[1])
	assert.Equal(t, StateTransitioned, h.State(domain.Month))

	rec, err := st.Get(ctx, store.TableSummaries, store.Key{
		AccountID: "X", Platform: domain.PlatformMeta, Granularity: domain.Month, PeriodID: "2025-09",
	})
	require.NoError(t, err)
	snap, err := store.DecodeSnapshot(rec)
	require.NoError(t, err)
	assert.Equal(t, 42.0, snap.Totals.Spend)

	res, err = cache.Get(ctx, "X", domain.PlatformMeta, false)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceLiveFallback, res.Source)
	assert.Equal(t, "2025-10", res.Snapshot.PeriodID)
	assert.Equal(t, 2, src.calls)
}

func TestRun_Idempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.Upsert(ctx, store.TableCurrent, cachedRow(t, "2025-09", domain.Month, 10)))
	require.NoError(t, st.Upsert(ctx, store.TableCurrent, cachedRow(t, "2025-W39", domain.Week, 3)))

	clk := &clock{t: time.Date(2025, 10, 2, 8, 0, 0, 0, time.UTC)}
	h := New(st, deleteOnly{st}, Options{Now: clk.now})

	first, err := h.Run(ctx)
	require.NoError(t, err)
	countAfterFirst, err := st.Count(ctx, store.TableSummaries, store.Predicate{})
	require.NoError(t, err)

	second, err := h.Run(ctx)
	require.NoError(t, err)
	countAfterSecond, err := st.Count(ctx, store.TableSummaries, store.Predicate{})
	require.NoError(t, err)

	assert.Equal(t, int64(2), countAfterFirst)
	assert.Equal(t, countAfterFirst, countAfterSecond)
	for i := range first {
		assert.Equal(t, 1, first[i].Archived)
		assert.Zero(t, second[i].Archived)
		assert.Equal(t, StateAligned, second[i].State)
	}
}

func TestRun_SummaryCollectedAfterCloseIsKept(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	closed := cachedRow(t, "2025-09", domain.Month, 99)
	closed.UpdatedAt = closed.PeriodEnd.Add(2 * time.Hour)
	require.NoError(t, st.Upsert(ctx, store.TableSummaries, closed))
	require.NoError(t, st.Upsert(ctx, store.TableCurrent, cachedRow(t, "2025-09", domain.Month, 10)))

	clk := &clock{t: time.Date(2025, 10, 1, 0, 0, 1, 0, time.UTC)}
	h := New(st, deleteOnly{st}, Options{Granularities: []domain.Granularity{domain.Month}, Now: clk.now})

	rep, err := h.RunGranularity(ctx, domain.Month)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.AlreadyArchived)
	assert.Equal(t, 1, rep.Invalidated)

	rec, err := st.Get(ctx, store.TableSummaries, store.Key{
		AccountID: "X", Platform: domain.PlatformMeta, Granularity: domain.Month, PeriodID: "2025-09",
	})
	require.NoError(t, err)
	snap, err := store.DecodeSnapshot(rec)
	require.NoError(t, err)
	assert.Equal(t, 99.0, snap.Totals.Spend)
}

type spendSource struct{ spend float64 }

func (s *spendSource) Platform() domain.Platform { return domain.PlatformMeta }

func (s *spendSource) Fetch(context.Context, source.Target, time.Time, time.Time) ([]domain.CampaignMetric, error) {
	return []domain.CampaignMetric{{CampaignID: "c1", Spend: s.spend, Impressions: 100, Clicks: 5}}, nil
}

func TestRun_MidPeriodBackfillReplacedByClosingCacheRow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clk := &clock{t: time.Date(2025, 9, 5, 9, 0, 0, 0, time.UTC)}
	src := &spendSource{spend: 50}
	reg := source.NewRegistry(src)
	accts := accounts.NewStatic(domain.Account{
		ID: "X", Active: true, ExternalIDs: map[domain.Platform]string{domain.PlatformMeta: "act_1"},
	})

	coll := collector.New(st, reg, accts, collector.Options{Now: clk.now})
	res, err := coll.CollectHistory(ctx, collector.Request{Granularity: domain.Month, Periods: 1})
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)

	clk.t = time.Date(2025, 9, 30, 18, 0, 0, 0, time.UTC)
	src.spend = 300
	cache := smartcache.New(st, reg, accts, smartcache.Options{Granularity: domain.Month, Now: clk.now})
	got, err := cache.Get(ctx, "X", domain.PlatformMeta, false)
	require.NoError(t, err)
	require.Equal(t, 300.0, got.Snapshot.Totals.Spend)

	clk.t = time.Date(2025, 10, 1, 0, 5, 0, 0, time.UTC)
	h := New(st, cache, Options{Granularities: []domain.Granularity{domain.Month}, Now: clk.now})
	rep, err := h.RunGranularity(ctx, domain.Month)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Archived)
	assert.Equal(t, 1, rep.Replaced)
	assert.Equal(t, 1, rep.Invalidated)

	rec, err := st.Get(ctx, store.TableSummaries, store.Key{
		AccountID: "X", Platform: domain.PlatformMeta, Granularity: domain.Month, PeriodID: "2025-09",
	})
	require.NoError(t, err)
	snap, err := store.DecodeSnapshot(rec)
	require.NoError(t, err)
	assert.Equal(t, 300.0, snap.Totals.Spend)
	assert.True(t, time.Date(2025, 9, 30, 18, 0, 0, 0, time.UTC).Equal(snap.LastUpdated))

	// A second pass finds the archived row current and leaves it alone.
	rep, err = h.RunGranularity(ctx, domain.Month)
	require.NoError(t, err)
	assert.Zero(t, rep.Archived)
}

type failingInvalidator struct{}

func (failingInvalidator) Invalidate(context.Context, store.Key) error {
	return errors.New("db gone")
}

func TestRun_InvalidateFailureCountedAndRetried(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.Upsert(ctx, store.TableCurrent, cachedRow(t, "2025-08", domain.Month, 10)))

	clk := &clock{t: time.Date(2025, 10, 1, 0, 0, 1, 0, time.UTC)}
	h := New(st, failingInvalidator{}, Options{Granularities: []domain.Granularity{domain.Month}, Now: clk.now})

	rep, err := h.RunGranularity(ctx, domain.Month)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Archived)
	assert.Equal(t, 1, rep.Failed)

	h.cache = deleteOnly{st}
	rep, err = h.RunGranularity(ctx, domain.Month)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.AlreadyArchived)
	assert.Equal(t, 1, rep.Invalidated)
	assert.Zero(t, rep.Failed)
}

func TestRun_LiveRowIsKept(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.Upsert(ctx, store.TableCurrent, cachedRow(t, "2025-10", domain.Month, 10)))

	clk := &clock{t: time.Date(2025, 10, 15, 0, 0, 0, 0, time.UTC)}
	h := New(st, deleteOnly{st}, Options{Granularities: []domain.Granularity{domain.Month}, Now: clk.now})

	rep, err := h.RunGranularity(ctx, domain.Month)
	require.NoError(t, err)
	assert.Equal(t, StateAligned, rep.State)

	n, err := st.Count(ctx, store.TableCurrent, store.Predicate{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
