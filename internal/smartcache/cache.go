// Package smartcache serves current-period metrics with a freshness
// guarantee while keeping upstream calls to a minimum.
//
// A Get is answered from the current_period_cache row when it is younger
// than the fresh threshold. Otherwise one coalesced upstream fetch per key
// refreshes the row. When the platform is down, callers still get the
// stale row, the latest historical summary or an explicit empty snapshot,
// never an error for missing data.
package smartcache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ignite/adperf-engine/internal/accounts"
	"github.com/ignite/adperf-engine/internal/domain"
	"github.com/ignite/adperf-engine/internal/period"
	"github.com/ignite/adperf-engine/internal/pkg/logger"
	"github.com/ignite/adperf-engine/internal/source"
	"github.com/ignite/adperf-engine/internal/store"
)

// fetchTimeout bounds a coalesced fetch, which runs detached from any one
// caller's context.
const fetchTimeout = 2 * time.Minute

// Sources resolves a platform to its metrics source.
type Sources interface {
	For(p domain.Platform) (source.MetricsSource, error)
}

// Result is what Get returns. Err is set when an upstream refresh failed
// and the data came from a fallback.
type Result struct {
	Snapshot domain.Snapshot `json:"snapshot"`
	Source   domain.Source   `json:"source"`
	Stale    bool            `json:"stale"`
	Err      error           `json:"-"`
}

// Options configure a Cache. Zero values get defaults.
type Options struct {
	Granularity domain.Granularity
	Policy      Policy
	Calendar    period.Calendar
	HotTier     HotTier
	Now         func() time.Time
}

// Cache is the staleness-aware read-through cache for the current period.
type Cache struct {
	store       store.PeriodStore
	sources     Sources
	accounts    accounts.Provider
	granularity domain.Granularity
	policy      Policy
	calendar    period.Calendar
	hot         HotTier
	now         func() time.Time

	group singleflight.Group
	stats stats
}

type stats struct {
	fresh, refreshed, live, historical, empty, upstreamCalls, upstreamErrors, writeErrors atomic.Int64
}

// Stats is a point-in-time copy of the cache counters.
type Stats struct {
	FreshHits      int64 `json:"fresh_hits"`
	Refreshed      int64 `json:"stale_refreshed"`
	LiveFallbacks  int64 `json:"live_fallbacks"`
	Historical     int64 `json:"historical_fallbacks"`
	Empty          int64 `json:"empty"`
	UpstreamCalls  int64 `json:"upstream_calls"`
	UpstreamErrors int64 `json:"upstream_errors"`
	WriteErrors    int64 `json:"write_errors"`
}

// New creates a Cache.
func New(st store.PeriodStore, sources Sources, accts accounts.Provider, opts Options) *Cache {
	if opts.Granularity == "" {
		opts.Granularity = domain.Month
	}
	if opts.Policy.Fresh == 0 {
		opts.Policy = DefaultPolicy()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		store:       st,
		sources:     sources,
		accounts:    accts,
		granularity: opts.Granularity,
		policy:      opts.Policy,
		calendar:    opts.Calendar,
		hot:         opts.HotTier,
		now:         opts.Now,
	}
}

// Granularity is the period length this cache serves.
func (c *Cache) Granularity() domain.Granularity { return c.granularity }

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	return Stats{
		FreshHits:      c.stats.fresh.Load(),
		Refreshed:      c.stats.refreshed.Load(),
		LiveFallbacks:  c.stats.live.Load(),
		Historical:     c.stats.historical.Load(),
		Empty:          c.stats.empty.Load(),
		UpstreamCalls:  c.stats.upstreamCalls.Load(),
		UpstreamErrors: c.stats.upstreamErrors.Load(),
		WriteErrors:    c.stats.writeErrors.Load(),
	}
}

// CurrentKey returns the cache key for the account's live period.
func (c *Cache) CurrentKey(accountID string, platform domain.Platform) store.Key {
	return store.Key{
		AccountID:   accountID,
		Platform:    platform,
		Granularity: c.granularity,
		PeriodID:    c.calendar.CurrentID(c.granularity, c.now()),
	}
}

// Get returns the account's current-period snapshot for platform. The only
// errors are for unknown accounts or platforms; missing data is reported
// through Result.Source.
func (c *Cache) Get(ctx context.Context, accountID string, platform domain.Platform, forceRefresh bool) (Result, error) {
	acct, err := c.accounts.Get(ctx, accountID)
	if err != nil {
		return Result{}, err
	}
	if !acct.On(platform) {
		return Result{}, fmt.Errorf("%w: %s is not linked to %s", domain.ErrAccountNotFound, accountID, platform)
	}

	now := c.now()
	key := c.CurrentKey(accountID, platform)
	fresh := c.policy.For(platform).Fresh

	if !forceRefresh && c.hot != nil {
		if snap, ok := c.hot.Get(ctx, key); ok && now.Sub(snap.LastUpdated) < fresh {
			c.stats.fresh.Add(1)
			return Result{Snapshot: snap, Source: domain.SourceFreshCache}, nil
		}
	}

	cached, hasRow := c.readCurrent(ctx, key)
	if hasRow && !forceRefresh && now.Sub(cached.LastUpdated) < fresh {
		c.stats.fresh.Add(1)
		c.warmHot(ctx, cached, now)
		return Result{Snapshot: cached, Source: domain.SourceFreshCache}, nil
	}

	var seen time.Time
	if hasRow {
		seen = cached.LastUpdated
	}
	snap, err := c.refresh(ctx, acct, key, seen, forceRefresh)
	if err == nil {
		if hasRow {
			c.stats.refreshed.Add(1)
			return Result{Snapshot: snap, Source: domain.SourceStaleCacheRefreshed}, nil
		}
		c.stats.live.Add(1)
		return Result{Snapshot: snap, Source: domain.SourceLiveFallback}, nil
	}

	logger.ErrorContext(ctx, "smartcache: upstream refresh failed",
		"account_id", accountID, "platform", platform, "period_id", key.PeriodID, "error", err)

	if hasRow {
		c.stats.refreshed.Add(1)
		return Result{Snapshot: cached, Source: domain.SourceStaleCacheRefreshed, Stale: true, Err: err}, nil
	}
	return c.fallback(ctx, key, err), nil
}

// readCurrent loads the current-cache row. Read failures count as a miss.
func (c *Cache) readCurrent(ctx context.Context, key store.Key) (domain.Snapshot, bool) {
	rec, err := c.store.Get(ctx, store.TableCurrent, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warn("smartcache: cache read failed", "key", key.String(), "error", err)
		}
		return domain.Snapshot{}, false
	}
	snap, err := store.DecodeSnapshot(rec)
	if err != nil {
		logger.Warn("smartcache: cache row unreadable", "key", key.String(), "error", err)
		return domain.Snapshot{}, false
	}
	return snap, true
}

// refresh performs one upstream fetch per key no matter how many callers
// ask concurrently, then writes the result through. seen is the LastUpdated
// of the row the caller judged stale (zero when it found none); unless force
// is set, a row written after it by an earlier flight is returned instead
// of fetching again.
func (c *Cache) refresh(ctx context.Context, acct domain.Account, key store.Key, seen time.Time, force bool) (domain.Snapshot, error) {
	v, err, _ := c.group.Do(key.String(), func() (interface{}, error) {
		if !force {
			if snap, ok := c.refreshedSince(ctx, key, seen); ok {
				return snap, nil
			}
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		return c.fetch(fetchCtx, acct, key)
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	return v.(domain.Snapshot), nil
}

// refreshedSince returns the stored row for key when it was written after
// seen and is still fresh.
func (c *Cache) refreshedSince(ctx context.Context, key store.Key, seen time.Time) (domain.Snapshot, bool) {
	now := c.now()
	fresh := c.policy.For(key.Platform).Fresh
	usable := func(snap domain.Snapshot) bool {
		return snap.LastUpdated.After(seen) && now.Sub(snap.LastUpdated) < fresh
	}
	if c.hot != nil {
		if snap, ok := c.hot.Get(ctx, key); ok && usable(snap) {
			return snap, true
		}
	}
	if snap, ok := c.readCurrent(ctx, key); ok && usable(snap) {
		return snap, true
	}
	return domain.Snapshot{}, false
}

func (c *Cache) fetch(ctx context.Context, acct domain.Account, key store.Key) (domain.Snapshot, error) {
	src, err := c.sources.For(key.Platform)
	if err != nil {
		return domain.Snapshot{}, err
	}
	p, err := c.calendar.Bounds(key.Granularity, key.PeriodID)
	if err != nil {
		return domain.Snapshot{}, err
	}

	now := c.now()
	// Never ask for days that have not started yet.
	end := p.End
	if tomorrow := c.calendar.Of(domain.Day, now).End; tomorrow.Before(end) {
		end = tomorrow
	}

	c.stats.upstreamCalls.Add(1)
	rows, err := src.Fetch(ctx, source.Target{
		ExternalID:  acct.ExternalIDs[key.Platform],
		Credentials: acct.Credentials[key.Platform],
	}, p.Start, end)
	if err != nil {
		c.stats.upstreamErrors.Add(1)
		return domain.Snapshot{}, err
	}

	campaigns := domain.RollupCampaigns(rows)
	snap := domain.Snapshot{
		AccountID:   key.AccountID,
		Platform:    key.Platform,
		PeriodID:    key.PeriodID,
		Granularity: key.Granularity,
		PeriodStart: p.Start,
		PeriodEnd:   p.End,
		Campaigns:   campaigns,
		Totals:      domain.Aggregate(campaigns),
		LastUpdated: now,
	}

	// Write-through failures are logged; the caller still gets live data.
	rec, err := store.EncodeSnapshot(snap)
	if err == nil {
		err = c.store.Upsert(ctx, store.TableCurrent, rec)
	}
	if err != nil {
		c.stats.writeErrors.Add(1)
		logger.Error("smartcache: write-through failed", "key", key.String(), "error", err)
	}
	c.warmHot(ctx, snap, now)
	return snap, nil
}

func (c *Cache) warmHot(ctx context.Context, snap domain.Snapshot, now time.Time) {
	if c.hot == nil {
		return
	}
	remaining := c.policy.For(snap.Platform).Fresh - now.Sub(snap.LastUpdated)
	c.hot.Set(ctx, snap, remaining)
}

// fallback answers when there is no cached row and upstream failed: the
// latest stored summary for the account, else an empty snapshot.
func (c *Cache) fallback(ctx context.Context, key store.Key, cause error) Result {
	for _, pred := range []store.Predicate{
		{AccountID: key.AccountID, Platform: key.Platform, Granularity: key.Granularity},
		{AccountID: key.AccountID, Platform: key.Platform},
	} {
		rec, err := c.store.Latest(ctx, store.TableSummaries, pred)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				logger.Warn("smartcache: summary lookup failed", "key", key.String(), "error", err)
			}
			continue
		}
		snap, err := store.DecodeSnapshot(rec)
		if err != nil {
			continue
		}
		c.stats.historical.Add(1)
		return Result{Snapshot: snap, Source: domain.SourceHistoricalFallback, Stale: true, Err: cause}
	}

	c.stats.empty.Add(1)
	p, _ := c.calendar.Bounds(key.Granularity, key.PeriodID)
	return Result{
		Snapshot: domain.Snapshot{
			AccountID:   key.AccountID,
			Platform:    key.Platform,
			PeriodID:    key.PeriodID,
			Granularity: key.Granularity,
			PeriodStart: p.Start,
			PeriodEnd:   p.End,
			Campaigns:   []domain.CampaignMetric{},
		},
		Source: domain.SourceEmpty,
		Err:    cause,
	}
}

// Invalidate removes the current-cache row for key. A missing row is not an
// error.
func (c *Cache) Invalidate(ctx context.Context, key store.Key) error {
	if c.hot != nil {
		c.hot.Delete(ctx, key)
	}
	_, err := c.store.DeleteWhere(ctx, store.TableCurrent, store.Predicate{
		AccountID:   key.AccountID,
		Platform:    key.Platform,
		Granularity: key.Granularity,
		PeriodID:    key.PeriodID,
	})
	return err
}

// RefreshReport summarizes a proactive refresh sweep.
type RefreshReport struct {
	Checked   int `json:"checked"`
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
}

// ProactiveRefresh re-fetches current-period rows that are close to going
// stale so that readers keep hitting fresh data.
func (c *Cache) ProactiveRefresh(ctx context.Context) (RefreshReport, error) {
	var report RefreshReport
	now := c.now()

	recs, err := c.store.List(ctx, store.TableCurrent, store.Predicate{
		Granularity:   c.granularity,
		PeriodID:      c.calendar.CurrentID(c.granularity, now),
		UpdatedBefore: now.Add(-c.policy.minProactive()),
	})
	if err != nil {
		return report, err
	}

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if now.Sub(rec.UpdatedAt) < c.policy.For(rec.Platform).Proactive {
			continue
		}
		report.Checked++

		acct, err := c.accounts.Get(ctx, rec.AccountID)
		if err != nil || !acct.Active {
			continue
		}
		if _, err := c.refresh(ctx, acct, rec.Key, rec.UpdatedAt, false); err != nil {
			report.Failed++
			logger.WarnContext(ctx, "smartcache: proactive refresh failed",
				"key", rec.Key.String(), "error", err)
			continue
		}
		report.Refreshed++
	}

	if report.Checked > 0 {
		logger.Info("smartcache: proactive refresh complete",
			"checked", report.Checked, "refreshed", report.Refreshed, "failed", report.Failed)
	}
	return report, nil
}
