// Package transition moves current-period cache rows into the historical
// summaries once their period has ended.
package transition

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ignite/adperf-engine/internal/domain"
	"github.com/ignite/adperf-engine/internal/period"
	"github.com/ignite/adperf-engine/internal/pkg/logger"
	"github.com/ignite/adperf-engine/internal/store"
)

// State is what the handler last observed for a granularity.
type State string

const (
	StateUnknown      State = "unknown"
	StateAligned      State = "aligned"
	StateTransitioned State = "transitioned"
)

// Invalidator drops a current-cache entry. *smartcache.Cache satisfies it.
type Invalidator interface {
	Invalidate(ctx context.Context, key store.Key) error
}

// Report is the outcome of one pass over a granularity.
type Report struct {
	Granularity     domain.Granularity `json:"granularity"`
	LiveID          string             `json:"live_id"`
	Archived        int                `json:"archived"`
	Replaced        int                `json:"replaced"`
	AlreadyArchived int                `json:"already_archived"`
	Invalidated     int                `json:"invalidated"`
	Failed          int                `json:"failed"`
	State           State              `json:"state"`
}

// Options configure a Handler.
type Options struct {
	Granularities []domain.Granularity
	Calendar      period.Calendar
	Now           func() time.Time
}

// Handler archives outgoing periods and invalidates their cache rows.
// Running it repeatedly is safe: a summary is only written when absent or
// older than the closing cache row, and missing cache rows are ignored.
type Handler struct {
	store         store.PeriodStore
	cache         Invalidator
	granularities []domain.Granularity
	calendar      period.Calendar
	now           func() time.Time

	mu     sync.RWMutex
	states map[domain.Granularity]State
}

// New creates a Handler watching week and month unless told otherwise.
func New(st store.PeriodStore, cache Invalidator, opts Options) *Handler {
	if len(opts.Granularities) == 0 {
		opts.Granularities = []domain.Granularity{domain.Week, domain.Month}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{
		store:         st,
		cache:         cache,
		granularities: opts.Granularities,
		calendar:      opts.Calendar,
		now:           opts.Now,
		states:        make(map[domain.Granularity]State),
	}
}

// State returns the last observed state for g.
func (h *Handler) State(g domain.Granularity) State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if s, ok := h.states[g]; ok {
		return s
	}
	return StateUnknown
}

func (h *Handler) setState(g domain.Granularity, s State) {
	h.mu.Lock()
	h.states[g] = s
	h.mu.Unlock()
}

// Run checks every configured granularity. A listing failure for one
// granularity does not stop the others; the first such error is returned.
func (h *Handler) Run(ctx context.Context) ([]Report, error) {
	var (
		reports  []Report
		firstErr error
	)
	for _, g := range h.granularities {
		rep, err := h.RunGranularity(ctx, g)
		if err != nil {
			logger.Error("transition: pass failed", "granularity", g, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		reports = append(reports, rep)
	}
	return reports, firstErr
}

// RunGranularity archives every current-cache row of granularity g whose
// period is no longer live.
func (h *Handler) RunGranularity(ctx context.Context, g domain.Granularity) (Report, error) {
	live := h.calendar.Of(g, h.now())
	rep := Report{Granularity: g, LiveID: live.ID}

	recs, err := h.store.List(ctx, store.TableCurrent, store.Predicate{
		Granularity: g,
		PeriodIDNot: live.ID,
	})
	if err != nil {
		return rep, err
	}

	outgoing := 0
	for _, rec := range recs {
		if rec.PeriodStart.After(live.Start) {
			logger.Warn("transition: cache row ahead of live period",
				"key", rec.Key.String(), "live_id", live.ID)
			continue
		}
		outgoing++

		written, replaced, err := h.archive(ctx, rec)
		if err != nil {
			rep.Failed++
			logger.Error("transition: archive failed", "key", rec.Key.String(), "error", err)
			continue
		}
		switch {
		case replaced:
			rep.Archived++
			rep.Replaced++
		case written:
			rep.Archived++
		default:
			rep.AlreadyArchived++
		}

		if err := h.cache.Invalidate(ctx, rec.Key); err != nil {
			rep.Failed++
			logger.Error("transition: invalidate failed", "key", rec.Key.String(), "error", err)
			continue
		}
		rep.Invalidated++
	}

	rep.State = StateAligned
	if outgoing > 0 {
		rep.State = StateTransitioned
		log.Printf("[Transition] %s rolled over to %s: archived=%d replaced=%d already=%d invalidated=%d failed=%d",
			g, live.ID, rep.Archived, rep.Replaced, rep.AlreadyArchived, rep.Invalidated, rep.Failed)
	}
	h.setState(g, rep.State)
	return rep, nil
}

// archive copies the cached snapshot into period_summaries. An existing
// summary is kept only when it was collected no earlier than the cache row,
// such as a backfill run after the period closed; a mid-period backfill is
// superseded by the later cache row.
func (h *Handler) archive(ctx context.Context, rec store.Record) (written, replaced bool, err error) {
	existing, err := h.store.Get(ctx, store.TableSummaries, rec.Key)
	switch {
	case err == nil:
		if !existing.UpdatedAt.Before(rec.UpdatedAt) {
			return false, false, nil
		}
		replaced = true
	case !errors.Is(err, store.ErrNotFound):
		return false, false, err
	}

	summary := rec
	summary.FoldedAt = nil
	if err := h.store.Upsert(ctx, store.TableSummaries, summary); err != nil {
		return false, false, err
	}
	return true, replaced, nil
}
