// Package collector backfills historical period summaries from the
// reporting platforms.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ignite/adperf-engine/internal/accounts"
	"github.com/ignite/adperf-engine/internal/config"
	"github.com/ignite/adperf-engine/internal/domain"
	"github.com/ignite/adperf-engine/internal/jobs"
	"github.com/ignite/adperf-engine/internal/period"
	"github.com/ignite/adperf-engine/internal/pkg/logger"
	"github.com/ignite/adperf-engine/internal/pkg/telemetry"
	"github.com/ignite/adperf-engine/internal/source"
	"github.com/ignite/adperf-engine/internal/store"
)

// JobKind is the tracker kind for backfill jobs.
const JobKind = "backfill"

const (
	DefaultBatchSize  = 3
	DefaultBatchDelay = 1500 * time.Millisecond
)

// maxRangePeriods bounds an explicit From..To range.
const maxRangePeriods = 400

var (
	// ErrNoAccounts is returned when the request matches no active account.
	ErrNoAccounts = errors.New("no accounts to collect")
	// ErrInvalidRange is returned for a From..To range that is reversed,
	// reaches past the current period or is too long.
	ErrInvalidRange = errors.New("invalid period range")
)

// Request scopes a backfill. Zero fields take defaults: all configured
// platforms, all active accounts, the collector's default granularity and
// that granularity's default window.
type Request struct {
	Platforms   []domain.Platform  `json:"platforms,omitempty"`
	AccountIDs  []string           `json:"account_ids,omitempty"`
	Granularity domain.Granularity `json:"granularity,omitempty"`
	Periods     int                `json:"periods,omitempty"`
	// From and To select an explicit inclusive range of period ids instead
	// of the trailing window. To defaults to From.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// UnitError describes one failed (account, period, platform) unit.
type UnitError struct {
	AccountID string          `json:"account_id"`
	Platform  domain.Platform `json:"platform"`
	PeriodID  string          `json:"period_id"`
	Error     string          `json:"error"`
}

// Result is the outcome of one backfill run.
type Result struct {
	JobID       string             `json:"job_id,omitempty"`
	Granularity domain.Granularity `json:"granularity"`
	Periods     []string           `json:"periods"`
	Accounts    int                `json:"accounts"`
	Succeeded   int                `json:"succeeded"`
	Failed      int                `json:"failed"`
	Skipped     int                `json:"skipped"`
	DailyRows   int                `json:"daily_rows"`
	Errors      []UnitError        `json:"errors,omitempty"`
	Duration    string             `json:"duration"`
}

// Options configure a Collector.
type Options struct {
	BatchSize          int
	BatchDelay         time.Duration
	DefaultGranularity domain.Granularity
	// WriteDaily stores per-day rows in daily_metrics when the source
	// reports them.
	WriteDaily bool
	Calendar   period.Calendar
	Tracker    *jobs.Tracker
	Now        func() time.Time
}

// OptionsFromConfig maps the collector config section.
func OptionsFromConfig(cfg config.CollectorConfig) Options {
	opts := Options{
		BatchSize:  cfg.BatchSize,
		BatchDelay: cfg.BatchDelay(),
		WriteDaily: cfg.WriteDaily,
	}
	if g, err := domain.ParseGranularity(cfg.DefaultGranularity); err == nil {
		opts.DefaultGranularity = g
	}
	return opts
}

// Collector walks accounts in small batches, fetching each requested
// period per platform and upserting the aggregate into period_summaries.
type Collector struct {
	store    store.PeriodStore
	sources  *source.Registry
	accounts accounts.Provider
	opts     Options
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a Collector.
func New(st store.PeriodStore, sources *source.Registry, accts accounts.Provider, opts Options) *Collector {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchDelay < 0 {
		opts.BatchDelay = 0
	}
	if opts.DefaultGranularity == "" {
		opts.DefaultGranularity = domain.Week
	}
	if opts.Tracker == nil {
		opts.Tracker = jobs.NewTracker(0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Collector{
		store:    st,
		sources:  sources,
		accounts: accts,
		opts:     opts,
		sleep:    sleepCtx,
	}
}

// Tracker exposes the job registry backing Start.
func (c *Collector) Tracker() *jobs.Tracker { return c.opts.Tracker }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Normalize fills request defaults and validates platforms.
func (c *Collector) Normalize(req Request) (Request, error) {
	if req.Granularity == "" {
		req.Granularity = c.opts.DefaultGranularity
	}
	g, err := domain.ParseGranularity(string(req.Granularity))
	if err != nil {
		return req, err
	}
	req.Granularity = g
	if req.Periods <= 0 {
		req.Periods = req.Granularity.DefaultWindow()
	}
	if len(req.Platforms) == 0 {
		req.Platforms = c.sources.Platforms()
	}
	for _, p := range req.Platforms {
		if _, err := c.sources.For(p); err != nil {
			return req, err
		}
	}
	if _, err := c.periods(req); err != nil {
		return req, err
	}
	return req, nil
}

// periods resolves the request to the periods to collect, oldest first.
func (c *Collector) periods(req Request) ([]period.Period, error) {
	cal := c.opts.Calendar
	now := c.opts.Now()
	if req.From == "" {
		if req.To != "" {
			return nil, fmt.Errorf("%w: to without from", ErrInvalidRange)
		}
		return cal.Window(req.Granularity, req.Periods, now), nil
	}

	first, err := cal.Bounds(req.Granularity, req.From)
	if err != nil {
		return nil, err
	}
	last := first
	if req.To != "" {
		if last, err = cal.Bounds(req.Granularity, req.To); err != nil {
			return nil, err
		}
	}
	if last.Start.Before(first.Start) {
		return nil, fmt.Errorf("%w: %s is before %s", ErrInvalidRange, req.To, req.From)
	}
	if last.Start.After(now) {
		return nil, fmt.Errorf("%w: %s has not started", ErrInvalidRange, last.ID)
	}

	var out []period.Period
	for p := first; !p.Start.After(last.Start); p = cal.Next(p) {
		if len(out) == maxRangePeriods {
			return nil, fmt.Errorf("%w: more than %d periods", ErrInvalidRange, maxRangePeriods)
		}
		out = append(out, p)
	}
	return out, nil
}

// Start validates req, then runs the backfill in a detached goroutine with
// its own context. The returned job id can be polled on the tracker.
func (c *Collector) Start(ctx context.Context, req Request) (string, error) {
	req, err := c.Normalize(req)
	if err != nil {
		return "", err
	}
	tracker := c.opts.Tracker
	id := tracker.Create(JobKind, req)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("collector: backfill panicked", "job_id", id, "panic", fmt.Sprint(r))
				tracker.Finish(id, nil, fmt.Errorf("panic: %v", r))
			}
		}()
		tracker.Start(id)
		res, err := c.run(context.WithoutCancel(ctx), id, req)
		tracker.Finish(id, res, err)
	}()
	return id, nil
}

// CollectHistory runs a backfill to completion. Per-unit failures are
// counted in the result; the error is reserved for invalid requests and
// failures to list accounts.
func (c *Collector) CollectHistory(ctx context.Context, req Request) (Result, error) {
	req, err := c.Normalize(req)
	if err != nil {
		return Result{}, err
	}
	return c.run(ctx, "", req)
}

func (c *Collector) run(ctx context.Context, jobID string, req Request) (Result, error) {
	started := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, "collector.collect_history", trace.WithAttributes(
		attribute.String("granularity", string(req.Granularity)),
		attribute.Int("periods", req.Periods),
	))
	defer span.End()

	periods, err := c.periods(req)
	if err != nil {
		return Result{JobID: jobID, Granularity: req.Granularity}, err
	}
	res := Result{JobID: jobID, Granularity: req.Granularity}
	for _, p := range periods {
		res.Periods = append(res.Periods, p.ID)
	}

	all, err := c.accounts.List(ctx)
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("list accounts: %w", err)
	}
	accts := accounts.Filter(all, req.AccountIDs)
	if len(accts) == 0 {
		return res, ErrNoAccounts
	}
	res.Accounts = len(accts)

	log.Printf("[Collector] Backfill started: job=%s accounts=%d platforms=%v %s x%d",
		jobID, len(accts), req.Platforms, req.Granularity, len(periods))

	var mu sync.Mutex
	for i := 0; i < len(accts); i += c.opts.BatchSize {
		if i > 0 {
			if err := c.sleep(ctx, c.opts.BatchDelay); err != nil {
				return c.finish(res, started, span), err
			}
		}
		end := i + c.opts.BatchSize
		if end > len(accts) {
			end = len(accts)
		}

		var wg sync.WaitGroup
		for _, acct := range accts[i:end] {
			wg.Add(1)
			go func(acct domain.Account) {
				defer wg.Done()
				part := c.collectAccount(ctx, acct, req.Platforms, periods)
				mu.Lock()
				res.Succeeded += part.Succeeded
				res.Failed += part.Failed
				res.Skipped += part.Skipped
				res.DailyRows += part.DailyRows
				res.Errors = append(res.Errors, part.Errors...)
				mu.Unlock()
			}(acct)
		}
		wg.Wait()

		if err := ctx.Err(); err != nil {
			return c.finish(res, started, span), err
		}
	}

	res = c.finish(res, started, span)
	log.Printf("[Collector] Backfill finished: job=%s succeeded=%d failed=%d skipped=%d in %s",
		jobID, res.Succeeded, res.Failed, res.Skipped, res.Duration)
	return res, nil
}

func (c *Collector) finish(res Result, started time.Time, span trace.Span) Result {
	sort.SliceStable(res.Errors, func(i, j int) bool {
		a, b := res.Errors[i], res.Errors[j]
		if a.AccountID != b.AccountID {
			return a.AccountID < b.AccountID
		}
		if a.Platform != b.Platform {
			return a.Platform < b.Platform
		}
		return a.PeriodID < b.PeriodID
	})
	res.Duration = time.Since(started).Round(time.Millisecond).String()
	span.SetAttributes(
		attribute.Int("succeeded", res.Succeeded),
		attribute.Int("failed", res.Failed),
		attribute.Int("skipped", res.Skipped),
	)
	if res.Failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d units failed", res.Failed))
	}
	return res
}

// collectAccount runs every unit of one account sequentially.
func (c *Collector) collectAccount(ctx context.Context, acct domain.Account, platforms []domain.Platform, periods []period.Period) Result {
	var part Result
	for _, platform := range platforms {
		if !acct.On(platform) {
			continue
		}
		src, err := c.sources.For(platform)
		if err != nil {
			part.Skipped += len(periods)
			continue
		}
		target := source.Target{
			ExternalID:  acct.ExternalIDs[platform],
			Credentials: acct.Credentials[platform],
		}

		for i, p := range periods {
			if ctx.Err() != nil {
				return part
			}
			daily, err := c.collectUnit(ctx, src, target, acct.ID, p)
			if err == nil {
				part.Succeeded++
				part.DailyRows += daily
				continue
			}
			if errors.Is(err, source.ErrNotFound) {
				logger.WarnContext(ctx, "collector: nothing to collect",
					"account_id", acct.ID, "platform", platform, "period_id", p.ID, "error", err)
				part.Skipped++
				continue
			}

			logger.ErrorContext(ctx, "collector: unit failed",
				"account_id", acct.ID, "platform", platform, "period_id", p.ID,
				"granularity", p.Granularity, "error", err)
			part.Failed++
			part.Errors = append(part.Errors, UnitError{
				AccountID: acct.ID, Platform: platform, PeriodID: p.ID, Error: err.Error(),
			})

			// Bad credentials fail every remaining period the same way.
			if errors.Is(err, source.ErrAuthInvalid) {
				remaining := len(periods) - i - 1
				part.Skipped += remaining
				logger.WarnContext(ctx, "collector: skipping account platform after auth failure",
					"account_id", acct.ID, "platform", platform, "skipped", remaining)
				break
			}
		}
	}
	return part
}

// collectUnit fetches and stores one (account, period, platform). It
// returns the number of daily rows written.
func (c *Collector) collectUnit(ctx context.Context, src source.MetricsSource, target source.Target, accountID string, p period.Period) (int, error) {
	now := c.opts.Now()
	end := p.End
	if tomorrow := c.opts.Calendar.Of(domain.Day, now).End; tomorrow.Before(end) {
		end = tomorrow
	}
	if !p.Start.Before(end) {
		return 0, nil
	}

	rows, err := src.Fetch(ctx, target, p.Start, end)
	if err != nil {
		return 0, err
	}

	campaigns := domain.RollupCampaigns(rows)
	rec, err := store.EncodeSnapshot(domain.Snapshot{
		AccountID:   accountID,
		Platform:    src.Platform(),
		PeriodID:    p.ID,
		Granularity: p.Granularity,
		PeriodStart: p.Start,
		PeriodEnd:   p.End,
		Campaigns:   campaigns,
		Totals:      domain.Aggregate(campaigns),
		LastUpdated: now,
	})
	if err != nil {
		return 0, err
	}
	if err := c.store.Upsert(ctx, store.TableSummaries, rec); err != nil {
		return 0, err
	}

	if !c.opts.WriteDaily || p.Granularity == domain.Day {
		return 0, nil
	}
	return c.writeDaily(ctx, src.Platform(), accountID, rows, now)
}

// writeDaily stores one daily_metrics row per reported date.
func (c *Collector) writeDaily(ctx context.Context, platform domain.Platform, accountID string, rows []domain.CampaignMetric, now time.Time) (int, error) {
	byDate := make(map[string][]domain.CampaignMetric)
	for _, r := range rows {
		if r.Date == "" {
			continue
		}
		byDate[r.Date] = append(byDate[r.Date], r)
	}

	written := 0
	for date, dayRows := range byDate {
		day, err := c.opts.Calendar.Bounds(domain.Day, date)
		if err != nil {
			logger.Warn("collector: skipping unparseable date", "account_id", accountID, "date", date)
			continue
		}
		campaigns := domain.RollupCampaigns(dayRows)
		rec, err := store.EncodeSnapshot(domain.Snapshot{
			AccountID:   accountID,
			Platform:    platform,
			PeriodID:    day.ID,
			Granularity: domain.Day,
			PeriodStart: day.Start,
			PeriodEnd:   day.End,
			Campaigns:   campaigns,
			Totals:      domain.Aggregate(campaigns),
			LastUpdated: now,
		})
		if err != nil {
			return written, err
		}
		if err := c.store.Upsert(ctx, store.TableDaily, rec); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}
