// Package lifecycle folds raw daily rows into durable period summaries and
// enforces retention on every period table.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ignite/adperf-engine/internal/config"
	"github.com/ignite/adperf-engine/internal/domain"
	"github.com/ignite/adperf-engine/internal/period"
	"github.com/ignite/adperf-engine/internal/pkg/logger"
	"github.com/ignite/adperf-engine/internal/store"
)

// DefaultRawRetention is how long folded daily rows are kept.
const DefaultRawRetention = 90 * 24 * time.Hour

// Options configure a Manager.
type Options struct {
	// RawRetention bounds folded daily rows by period end.
	RawRetention time.Duration
	// WeeklyRetention and MonthlyRetention keep that many most recent
	// summaries, current period included. Zero keeps everything.
	WeeklyRetention  int
	MonthlyRetention int
	// Targets are the summary granularities daily rows fold into.
	Targets  []domain.Granularity
	Sink     Sink
	Calendar period.Calendar
	Now      func() time.Time
}

// OptionsFromConfig maps the lifecycle config section.
func OptionsFromConfig(cfg config.LifecycleConfig) Options {
	return Options{
		RawRetention:     time.Duration(cfg.RawRetentionDays) * 24 * time.Hour,
		WeeklyRetention:  cfg.WeeklyRetentionWeeks,
		MonthlyRetention: cfg.MonthlyRetentionMonths,
	}
}

// ArchiveReport is the outcome of one ArchiveCompleted pass.
type ArchiveReport struct {
	Pending    int       `json:"pending_daily_rows"`
	Summaries  int       `json:"summaries_written"`
	Incomplete int       `json:"incomplete_periods"`
	Folded     int64     `json:"daily_rows_folded"`
	Uploaded   int       `json:"uploaded"`
	Failed     int       `json:"failed"`
	RanAt      time.Time `json:"ran_at"`
}

// CleanupReport counts rows removed by one Cleanup pass.
type CleanupReport struct {
	DailyDeleted   int64     `json:"daily_deleted"`
	WeeklyDeleted  int64     `json:"weekly_deleted"`
	MonthlyDeleted int64     `json:"monthly_deleted"`
	RanAt          time.Time `json:"ran_at"`
}

// Status describes what the period tables currently hold.
type Status struct {
	Tables           map[store.Table]store.Span `json:"tables"`
	UnfoldedDaily    int64                      `json:"unfolded_daily_rows"`
	RawRetentionDays int                        `json:"raw_retention_days"`
	WeeklyRetention  int                        `json:"weekly_retention_weeks"`
	MonthlyRetention int                        `json:"monthly_retention_months"`
	LastArchive      *ArchiveReport             `json:"last_archive,omitempty"`
	LastCleanup      *CleanupReport             `json:"last_cleanup,omitempty"`
}

// Manager runs the archive and retention passes.
type Manager struct {
	store store.PeriodStore
	opts  Options

	mu          sync.RWMutex
	lastArchive *ArchiveReport
	lastCleanup *CleanupReport
}

// New creates a Manager.
func New(st store.PeriodStore, opts Options) *Manager {
	if opts.RawRetention <= 0 {
		opts.RawRetention = DefaultRawRetention
	}
	if len(opts.Targets) == 0 {
		opts.Targets = []domain.Granularity{domain.Week, domain.Month}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{store: st, opts: opts}
}

type foldTarget struct {
	accountID string
	platform  domain.Platform
	period    period.Period
}

func (t foldTarget) key() store.Key {
	return store.Key{
		AccountID:   t.accountID,
		Platform:    t.platform,
		Granularity: t.period.Granularity,
		PeriodID:    t.period.ID,
	}
}

// ArchiveCompleted folds unfolded daily rows of ended days into their week
// and month summaries. A daily row is marked folded once every summary it
// belongs to has ended and been written, so a re-run only redoes work that
// did not finish.
func (m *Manager) ArchiveCompleted(ctx context.Context) (ArchiveReport, error) {
	now := m.opts.Now()
	rep := ArchiveReport{RanAt: now.UTC()}

	pending, err := m.store.List(ctx, store.TableDaily, store.Predicate{
		Granularity: domain.Day,
		Folded:      store.Bool(false),
		EndBefore:   now,
	})
	if err != nil {
		return rep, err
	}
	rep.Pending = len(pending)

	targets := make(map[store.Key]foldTarget)
	rowTargets := make(map[store.Key][]store.Key, len(pending))
	for _, rec := range pending {
		ready := true
		var keys []store.Key
		for _, g := range m.opts.Targets {
			p := m.opts.Calendar.Of(g, rec.PeriodStart)
			if p.End.After(now) {
				ready = false
				continue
			}
			t := foldTarget{accountID: rec.AccountID, platform: rec.Platform, period: p}
			targets[t.key()] = t
			keys = append(keys, t.key())
		}
		if ready {
			rowTargets[rec.Key] = keys
		}
	}

	ordered := make([]foldTarget, 0, len(targets))
	for _, t := range targets {
		ordered = append(ordered, t)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i].key(), ordered[j].key()
		return a.String() < b.String()
	})

	failed := make(map[store.Key]bool)
	for _, t := range ordered {
		if err := ctx.Err(); err != nil {
			m.setArchive(rep)
			return rep, err
		}
		written, uploaded, err := m.fold(ctx, t)
		if err != nil {
			rep.Failed++
			failed[t.key()] = true
			logger.Error("lifecycle: fold failed", "key", t.key().String(), "error", err)
			continue
		}
		if written {
			rep.Summaries++
		} else {
			rep.Incomplete++
		}
		if uploaded {
			rep.Uploaded++
		}
	}

	for rowKey, keys := range rowTargets {
		skip := false
		for _, k := range keys {
			if failed[k] {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		n, err := m.store.MarkFolded(ctx, store.TableDaily, exact(rowKey), now)
		if err != nil {
			rep.Failed++
			logger.Error("lifecycle: mark folded failed", "key", rowKey.String(), "error", err)
			continue
		}
		rep.Folded += n
	}

	if rep.Pending > 0 {
		log.Printf("[Lifecycle] Archive pass: pending=%d summaries=%d incomplete=%d folded=%d uploaded=%d failed=%d",
			rep.Pending, rep.Summaries, rep.Incomplete, rep.Folded, rep.Uploaded, rep.Failed)
	}
	m.setArchive(rep)
	return rep, nil
}

// fold rebuilds one summary from its daily rows. An existing summary is only
// replaced when the daily rows cover every day of the period.
func (m *Manager) fold(ctx context.Context, t foldTarget) (written, uploaded bool, err error) {
	p := t.period
	recs, err := m.store.List(ctx, store.TableDaily, store.Predicate{
		AccountID:   t.accountID,
		Platform:    t.platform,
		Granularity: domain.Day,
		StartBefore: p.End,
	})
	if err != nil {
		return false, false, err
	}

	var (
		rows    []domain.CampaignMetric
		days    int
		updated time.Time
	)
	for _, rec := range recs {
		if rec.PeriodStart.Before(p.Start) {
			continue
		}
		snap, err := store.DecodeSnapshot(rec)
		if err != nil {
			return false, false, err
		}
		rows = append(rows, snap.Campaigns...)
		days++
		if snap.LastUpdated.After(updated) {
			updated = snap.LastUpdated
		}
	}

	if days < daysIn(p) {
		_, err := m.store.Get(ctx, store.TableSummaries, t.key())
		if err == nil {
			return false, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return false, false, err
		}
	}

	campaigns := domain.RollupCampaigns(rows)
	snap := domain.Snapshot{
		AccountID:   t.accountID,
		Platform:    t.platform,
		PeriodID:    p.ID,
		Granularity: p.Granularity,
		PeriodStart: p.Start,
		PeriodEnd:   p.End,
		Campaigns:   campaigns,
		Totals:      domain.Aggregate(campaigns),
		LastUpdated: updated,
	}
	rec, err := store.EncodeSnapshot(snap)
	if err != nil {
		return false, false, err
	}
	if err := m.store.Upsert(ctx, store.TableSummaries, rec); err != nil {
		return false, false, err
	}

	if m.opts.Sink == nil {
		return true, false, nil
	}
	if err := m.opts.Sink.Put(ctx, snap, rec.Payload); err != nil {
		return true, false, fmt.Errorf("archive upload: %w", err)
	}
	return true, true, nil
}

func daysIn(p period.Period) int {
	n := 0
	for d := p.Start; d.Before(p.End); d = d.AddDate(0, 0, 1) {
		n++
	}
	return n
}

func exact(k store.Key) store.Predicate {
	return store.Predicate{
		AccountID:   k.AccountID,
		Platform:    k.Platform,
		Granularity: k.Granularity,
		PeriodID:    k.PeriodID,
	}
}

// Cleanup applies retention. Daily rows are only removed once folded; a
// second run right after the first deletes nothing.
func (m *Manager) Cleanup(ctx context.Context) (CleanupReport, error) {
	now := m.opts.Now()
	rep := CleanupReport{RanAt: now.UTC()}

	n, err := m.store.DeleteWhere(ctx, store.TableDaily, store.Predicate{
		Granularity: domain.Day,
		Folded:      store.Bool(true),
		EndBefore:   now.Add(-m.opts.RawRetention),
	})
	if err != nil {
		return rep, err
	}
	rep.DailyDeleted = n

	if m.opts.WeeklyRetention > 0 {
		if rep.WeeklyDeleted, err = m.trimSummaries(ctx, domain.Week, m.opts.WeeklyRetention, now); err != nil {
			return rep, err
		}
	}
	if m.opts.MonthlyRetention > 0 {
		if rep.MonthlyDeleted, err = m.trimSummaries(ctx, domain.Month, m.opts.MonthlyRetention, now); err != nil {
			return rep, err
		}
	}

	if rep.DailyDeleted+rep.WeeklyDeleted+rep.MonthlyDeleted > 0 {
		log.Printf("[Lifecycle] Cleanup: daily=%d weekly=%d monthly=%d",
			rep.DailyDeleted, rep.WeeklyDeleted, rep.MonthlyDeleted)
	}
	m.mu.Lock()
	m.lastCleanup = &rep
	m.mu.Unlock()
	return rep, nil
}

// trimSummaries keeps the keep most recent periods of g.
func (m *Manager) trimSummaries(ctx context.Context, g domain.Granularity, keep int, now time.Time) (int64, error) {
	window := m.opts.Calendar.Window(g, keep, now)
	if len(window) == 0 {
		return 0, nil
	}
	return m.store.DeleteWhere(ctx, store.TableSummaries, store.Predicate{
		Granularity: g,
		StartBefore: window[0].Start,
	})
}

// Status reports row counts and period spans per table.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	st := Status{
		Tables:           make(map[store.Table]store.Span, len(store.Tables)),
		RawRetentionDays: int(m.opts.RawRetention / (24 * time.Hour)),
		WeeklyRetention:  m.opts.WeeklyRetention,
		MonthlyRetention: m.opts.MonthlyRetention,
	}
	for _, t := range store.Tables {
		span, err := m.store.Span(ctx, t, store.Predicate{})
		if err != nil {
			return st, err
		}
		st.Tables[t] = span
	}
	n, err := m.store.Count(ctx, store.TableDaily, store.Predicate{Folded: store.Bool(false)})
	if err != nil {
		return st, err
	}
	st.UnfoldedDaily = n

	m.mu.RLock()
	st.LastArchive = m.lastArchive
	st.LastCleanup = m.lastCleanup
	m.mu.RUnlock()
	return st, nil
}

func (m *Manager) setArchive(rep ArchiveReport) {
	m.mu.Lock()
	m.lastArchive = &rep
	m.mu.Unlock()
}
