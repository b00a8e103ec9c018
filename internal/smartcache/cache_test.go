package smartcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/adperf-engine/internal/accounts"
	"github.com/ignite/adperf-engine/internal/domain"
	"github.com/ignite/adperf-engine/internal/period"
	"github.com/ignite/adperf-engine/internal/source"
	"github.com/ignite/adperf-engine/internal/store"
)

var testNow = time.Date(2025, 9, 20, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	platform domain.Platform
	calls    atomic.Int64
	delay    time.Duration
	err      error
	rows     []domain.CampaignMetric

	mu    sync.Mutex
	start time.Time
	end   time.Time
}

func (f *fakeSource) Platform() domain.Platform { return f.platform }

func (f *fakeSource) Fetch(ctx context.Context, _ source.Target, start, end time.Time) ([]domain.CampaignMetric, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.start, f.end = start, end
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

type failingUpsert struct {
	*store.MemoryStore
}

func (failingUpsert) Upsert(context.Context, store.Table, store.Record) error {
	return store.ErrPersistence
}

func testAccounts() accounts.Provider {
	return accounts.NewStatic(domain.Account{
		ID:          "X",
		Name:        "Acme",
		Active:      true,
		ExternalIDs: map[domain.Platform]string{domain.PlatformMeta: "act_1", domain.PlatformGoogle: "123"},
	})
}

func metaRows() []domain.CampaignMetric {
	return []domain.CampaignMetric{
		{Date: "2025-09-01", CampaignID: "c1", CampaignName: "Fall", Spend: 100, Impressions: 10000, Clicks: 200, Reservations: 4, ReservationValue: 800},
		{Date: "2025-09-02", CampaignID: "c1", CampaignName: "Fall", Spend: 50, Impressions: 5000, Clicks: 100, Reservations: 1, ReservationValue: 200},
	}
}

func newTestCache(t *testing.T, st store.PeriodStore, src *fakeSource, opts Options) *Cache {
	t.Helper()
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	return New(st, source.NewRegistry(src), testAccounts(), opts)
}

func seedCurrent(t *testing.T, st store.PeriodStore, updated time.Time) {
	t.Helper()
	p, err := period.UTC.Bounds(domain.Month, "2025-09")
	require.NoError(t, err)
	rec, err := store.EncodeSnapshot(domain.Snapshot{
		AccountID:   "X",
		Platform:    domain.PlatformMeta,
		PeriodID:    "2025-09",
		Granularity: domain.Month,
		PeriodStart: p.Start,
		PeriodEnd:   p.End,
		Campaigns:   []domain.CampaignMetric{{CampaignID: "old", Spend: 1}},
		Totals:      domain.AccountTotals{Spend: 1, CampaignCount: 1},
		LastUpdated: updated,
	})
	require.NoError(t, err)
	require.NoError(t, st.Upsert(context.Background(), store.TableCurrent, rec))
}

func TestGet_FreshRowServedWithoutUpstream(t *testing.T) {
	st := store.NewMemoryStore()
	seedCurrent(t, st, testNow.Add(-2*time.Hour))
	src := &fakeSource{platform: domain.PlatformMeta, rows: metaRows()}
	c := newTestCache(t, st, src, Options{})

	res, err := c.Get(context.Background(), "X", domain.PlatformMeta, false)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceFreshCache, res.Source)
	assert.Equal(t, 1.0, res.Snapshot.Totals.Spend)
	assert.Zero(t, src.calls.Load())
}

func TestGet_StaleRowRefreshedOnce(t *testing.T) {
	st := store.NewMemoryStore()
	seedCurrent(t, st, testNow.Add(-4*time.Hour))
	src := &fakeSource{platform: domain.PlatformMeta, rows: metaRows()}
	c := newTestCache(t, st, src, Options{})

	res, err := c.Get(context.Background(), "X", domain.PlatformMeta, false)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceStaleCacheRefreshed, res.Source)
	assert.False(t, res.Stale)
	assert.Equal(t, int64(1), src.calls.Load())
	assert.Equal(t, 150.0, res.Snapshot.Totals.Spend)
	assert.Equal(t, 1, res.Snapshot.Totals.CampaignCount)
	assert.True(t, testNow.Equal(res.Snapshot.LastUpdated))

	rec, err := st.Get(context.Background(), store.TableCurrent, c.CurrentKey("X", domain.PlatformMeta))
	require.NoError(t, err)
	assert.True(t, testNow.Equal(rec.UpdatedAt))

	// The refreshed row is now fresh.
	res, err = c.Get(context.Background(), "X", domain.PlatformMeta, false)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceFreshCache, res.Source)
	assert.Equal(t, int64(1), src.calls.Load())
}

func TestGet_FetchWindowClippedToToday(t *testing.T) {
	src := &fakeSource{platform: domain.PlatformMeta}
	c := newTestCache(t, store.NewMemoryStore(), src, Options{})

	_, err := c.Get(context.Background(), "X", domain.PlatformMeta, false)
	require.NoError(t, err)

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.True(t, time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC).Equal(src.start))
	assert.True(t, time.Date(2025, 9, 21, 0, 0, 0, 0, time.UTC).Equal(src.end))
}

func TestGet_ForceRefreshBypassesFreshRow(t *testing.T) {
	st := store.NewMemoryStore()
	seedCurrent(t, st, testNow.Add(-time.Minute))
	src := &fakeSource{platform: domain.PlatformMeta, rows: metaRows()}
	c := newTestCache(t, st, src, Options{})

	res, err := c.Get(context.Background(), "X", domain.PlatformMeta, true)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceStaleCacheRefreshed, res.Source)
	assert.Equal(t, int64(1), src.calls.Load())
}

func TestGet_ConcurrentStaleReadsCoalesce(t *testing.T) {
	st := store.NewMemoryStore()
	seedCurrent(t, st, testNow.Add(-4*time.Hour))
	src := &fakeSource{platform: domain.PlatformMeta, rows: metaRows(), delay: 200 * time.Millisecond}
	c := newTestCache(t, st, src, Options{})

	var wg sync.WaitGroup
	results := make([]Result, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Get(context.Background(), "X", domain.PlatformMeta, false)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), src.calls.Load())
	for _, res := range results {
		assert.Equal(t, 150.0, res.Snapshot.Totals.Spend)
	}
}

// staggeredReads delays the first readers' current-cache lookups by
// step, 2*step, ... so they reach the refresh at different times.
type staggeredReads struct {
	store.PeriodStore
	readers int64
	step    time.Duration
	n       atomic.Int64
}

func (s *staggeredReads) Get(ctx context.Context, t store.Table, key store.Key) (store.Record, error) {
	if t == store.TableCurrent {
		if i := s.n.Add(1); i <= s.readers {
			time.Sleep(time.Duration(i-1) * s.step)
		}
	}
	return s.PeriodStore.Get(ctx, t, key)
}

func TestGet_StaggeredStaleReadsFetchOnce(t *testing.T) {
	mem := store.NewMemoryStore()
	seedCurrent(t, mem, testNow.Add(-4*time.Hour))
	st := &staggeredReads{PeriodStore: mem, readers: 10, step: 30 * time.Millisecond}
	src := &fakeSource{platform: domain.PlatformMeta, rows: metaRows(), delay: 50 * time.Millisecond}
	c := newTestCache(t, st, src, Options{})

	var wg sync.WaitGroup
	results := make([]Result, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Get(context.Background(), "X", domain.PlatformMeta, false)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), src.calls.Load())
	for _, res := range results {
		assert.Equal(t, domain.SourceStaleCacheRefreshed, res.Source)
		assert.Equal(t, 150.0, res.Snapshot.Totals.Spend)
	}
}

func TestGet_ForceRefreshAfterRefreshStillFetches(t *testing.T) {
	st := store.NewMemoryStore()
	seedCurrent(t, st, testNow.Add(-4*time.Hour))
	src := &fakeSource{platform: domain.PlatformMeta, rows: metaRows()}
	c := newTestCache(t, st, src, Options{})

	_, err := c.Get(context.Background(), "X", domain.PlatformMeta, false)
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "X", domain.PlatformMeta, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), src.calls.Load())
}

func TestGet_CallerCancelDoesNotAbortSharedFetch(t *testing.T) {
	st := store.NewMemoryStore()
	src := &fakeSource{platform: domain.PlatformMeta, rows: metaRows(), delay: 100 * time.Millisecond}
	c := newTestCache(t, st, src, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, "X", domain.PlatformMeta, false)
	require.NoError(t, err)

	_, err = st.Get(context.Background(), store.TableCurrent, c.CurrentKey("X", domain.PlatformMeta))
	assert.NoError(t, err)
}

func TestGet_NoRowLiveFallback(t *testing.T) {
	src := &fakeSource{platform: domain.PlatformMeta, rows: metaRows()}
	c := newTestCache(t, store.NewMemoryStore(), src, Options{})

	res, err := c.Get(context.Background(), "X", domain.PlatformMeta, false)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceLiveFallback, res.Source)
	assert.Equal(t, "2025-09", res.Snapshot.PeriodID)
	assert.Equal(t, int64(1), c.Stats().LiveFallbacks)
}

func TestGet_UpstreamDownServesStaleRow(t *testing.T) {
	st := store.NewMemoryStore()
	seedCurrent(t, st, testNow.Add(-5*time.Hour))
	src := &fakeSource{platform: domain.PlatformMeta, err: source.ErrUnavailable}
	c := newTestCache(t, st, src, Options{})

	res, err := c.Get(context.Background(), "X", domain.PlatformMeta, false)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceStaleCacheRefreshed, res.Source)
	assert.True(t, res.Stale)
	assert.ErrorIs(t, res.Err, source.ErrUnavailable)
	assert.Equal(t, 1.0, res.Snapshot.Totals.Spend)
}

func TestGet_UpstreamDownFallsBackToHistory(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	for _, id := range []string{"2025-07", "2025-08"} {
		p, err := period.UTC.Bounds(domain.Month, id)
		require.NoError(t, err)
		rec, err := store.EncodeSnapshot(domain.Snapshot{
			AccountID: "X", Platform: domain.PlatformMeta, PeriodID: id, Granularity: domain.Month,
			PeriodStart: p.Start, PeriodEnd: p.End, LastUpdated: p.End,
		})
		require.NoError(t, err)
		require.NoError(t, st.Upsert(ctx, store.TableSummaries, rec))
	}
	src := &fakeSource{platform: domain.PlatformMeta, err: source.ErrUnavailable}
	c := newTestCache(t, st, src, Options{})

	res, err := c.Get(ctx, "X", domain.PlatformMeta, false)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceHistoricalFallback, res.Source)
	assert.Equal(t, "2025-08", res.Snapshot.PeriodID)
	assert.True(t, res.Stale)
}

func TestGet_NothingAnywhereIsEmpty(t *testing.T) {
	src := &fakeSource{platform: domain.PlatformMeta, err: source.ErrAuthInvalid}
	c := newTestCache(t, store.NewMemoryStore(), src, Options{})

	res, err := c.Get(context.Background(), "X", domain.PlatformMeta, false)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceEmpty, res.Source)
	assert.True(t, res.Snapshot.IsEmpty())
	assert.Equal(t, "2025-09", res.Snapshot.PeriodID)
	assert.ErrorIs(t, res.Err, source.ErrAuthInvalid)
}

func TestGet_WriteThroughFailureStillReturnsData(t *testing.T) {
	src := &fakeSource{platform: domain.PlatformMeta, rows: metaRows()}
	c := newTestCache(t, failingUpsert{store.NewMemoryStore()}, src, Options{})

	res, err := c.Get(context.Background(), "X", domain.PlatformMeta, false)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceLiveFallback, res.Source)
	assert.Equal(t, 150.0, res.Snapshot.Totals.Spend)
	assert.Equal(t, int64(1), c.Stats().WriteErrors)
}

func TestGet_UnknownAccountOrUnlinkedPlatform(t *testing.T) {
	c := New(store.NewMemoryStore(), source.NewRegistry(), accounts.NewStatic(domain.Account{
		ID: "Y", Active: true, ExternalIDs: map[domain.Platform]string{domain.PlatformMeta: "act_9"},
	}), Options{})

	_, err := c.Get(context.Background(), "nope", domain.PlatformMeta, false)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	_, err = c.Get(context.Background(), "Y", domain.PlatformGoogle, false)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestGet_PlatformOverride(t *testing.T) {
	st := store.NewMemoryStore()
	seedCurrent(t, st, testNow.Add(-2*time.Hour))
	src := &fakeSource{platform: domain.PlatformMeta, rows: metaRows()}
	policy := DefaultPolicy()
	policy.Overrides = map[domain.Platform]Thresholds{
		domain.PlatformMeta: {Fresh: time.Hour, Proactive: 45 * time.Minute},
	}
	c := newTestCache(t, st, src, Options{Policy: policy})

	res, err := c.Get(context.Background(), "X", domain.PlatformMeta, false)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceStaleCacheRefreshed, res.Source)
	assert.Equal(t, int64(1), src.calls.Load())
}

func TestGet_RedisHotTier(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	st := store.NewMemoryStore()
	src := &fakeSource{platform: domain.PlatformMeta, rows: metaRows()}
	c := newTestCache(t, st, src, Options{HotTier: NewRedisHotTier(client)})

	_, err := c.Get(ctx, "X", domain.PlatformMeta, false)
	require.NoError(t, err)
	key := c.CurrentKey("X", domain.PlatformMeta)
	assert.True(t, mr.Exists("adperf:snap:"+key.String()))

	// Served from Redis even once the row is gone.
	_, err = st.DeleteWhere(ctx, store.TableCurrent, store.Predicate{AccountID: "X"})
	require.NoError(t, err)
	res, err := c.Get(ctx, "X", domain.PlatformMeta, false)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceFreshCache, res.Source)
	assert.Equal(t, 150.0, res.Snapshot.Totals.Spend)
	assert.Equal(t, int64(1), src.calls.Load())

	require.NoError(t, c.Invalidate(ctx, key))
	assert.False(t, mr.Exists("adperf:snap:"+key.String()))
}

func TestInvalidate_MissingRowIsNotAnError(t *testing.T) {
	c := newTestCache(t, store.NewMemoryStore(), &fakeSource{platform: domain.PlatformMeta}, Options{})
	assert.NoError(t, c.Invalidate(context.Background(), c.CurrentKey("X", domain.PlatformMeta)))
}

func TestProactiveRefresh(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedCurrent(t, st, testNow.Add(-160*time.Minute))

	// A young row for another platform is left alone.
	p, _ := period.UTC.Bounds(domain.Month, "2025-09")
	rec, err := store.EncodeSnapshot(domain.Snapshot{
		AccountID: "X", Platform: domain.PlatformGoogle, PeriodID: "2025-09", Granularity: domain.Month,
		PeriodStart: p.Start, PeriodEnd: p.End, LastUpdated: testNow.Add(-30 * time.Minute),
	})
	require.NoError(t, err)
	require.NoError(t, st.Upsert(ctx, store.TableCurrent, rec))

	src := &fakeSource{platform: domain.PlatformMeta, rows: metaRows()}
	c := newTestCache(t, st, src, Options{})

	report, err := c.ProactiveRefresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, RefreshReport{Checked: 1, Refreshed: 1}, report)
	assert.Equal(t, int64(1), src.calls.Load())

	got, err := st.Get(ctx, store.TableCurrent, c.CurrentKey("X", domain.PlatformMeta))
	require.NoError(t, err)
	assert.True(t, testNow.Equal(got.UpdatedAt))
}

func TestProactiveRefresh_CountsFailures(t *testing.T) {
	st := store.NewMemoryStore()
	seedCurrent(t, st, testNow.Add(-170*time.Minute))
	src := &fakeSource{platform: domain.PlatformMeta, err: errors.New("boom")}
	c := newTestCache(t, st, src, Options{})

	report, err := c.ProactiveRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RefreshReport{Checked: 1, Failed: 1}, report)
}
